package tasks

// Task Types
const (
	TypeResolveDevice  = "serviceflow:resolve_device"
	TypeGenerateReport = "serviceflow:generate_report"
)

// ResolveDevicePayload 设备解析任务载荷
type ResolveDevicePayload struct {
	WorkflowID   string `json:"workflow_id"`
	SerialNumber string `json:"serial_number"`
}

// GenerateReportPayload 维修报告生成任务载荷
type GenerateReportPayload struct {
	WorkflowID  string `json:"workflow_id"`
	ReportType  string `json:"report_type"` // summary, full
	RequestedBy string `json:"requested_by"`
}
