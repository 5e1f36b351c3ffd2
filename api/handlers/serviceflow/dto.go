package serviceflow

// CreateWorkflowRequest 创建维修工作流请求
type CreateWorkflowRequest struct {
	TicketID           string `json:"ticketId" binding:"required"`
	DeviceSerialNumber string `json:"deviceSerialNumber" binding:"required"`
	InitiatedBy        string `json:"initiatedBy" binding:"required"`
}

// UpdateStepRequest 步骤更新请求。
// updates 中 "status" 与 "comments" 为信封字段，其余键为步骤业务字段，
// 只有出现的键会被写入。
type UpdateStepRequest struct {
	AgentID string         `json:"agentId" binding:"required"`
	Updates map[string]any `json:"updates" binding:"required"`
}

// CancelWorkflowRequest 取消工作流请求
type CancelWorkflowRequest struct {
	CancelledBy string `json:"cancelledBy" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
}

// GenerateReportRequest 生成维修报告请求
type GenerateReportRequest struct {
	ReportType  string `json:"reportType"`
	RequestedBy string `json:"requestedBy" binding:"required"`
}
