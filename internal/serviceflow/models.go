package serviceflow

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// WorkflowStatus 工作流状态
type WorkflowStatus string

const (
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusCancelled  WorkflowStatus = "cancelled"
)

// StepStatus 步骤状态
type StepStatus string

const (
	StepStatusNotStarted StepStatus = "not_started"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusSkipped    StepStatus = "skipped"
)

// 审计动作标签
const (
	ActionWorkflowCreated    = "workflow_created"
	ActionWorkflowCompleted  = "workflow_completed"
	ActionWorkflowCancelled  = "workflow_cancelled"
	ActionStepUpdated        = "step_updated"
	ActionStepSkipped        = "step_skipped"
	ActionAttachmentUploaded = "attachment_uploaded"
	ActionAttachmentDeleted  = "attachment_deleted"
	ActionDeviceResolved     = "device_resolved"
)

// StepPayload 步骤业务字段载荷，按步骤号区分各自的字段集合，
// 以 JSONB 单列存储，避免所有步骤共享一张超宽稀疏表。
type StepPayload map[string]any

// Value 实现 driver.Valuer 接口，用于 GORM 存储 JSONB
func (p StepPayload) Value() (driver.Value, error) {
	if p == nil {
		return json.Marshal(StepPayload{})
	}
	return json.Marshal(p)
}

// Scan 实现 sql.Scanner 接口，用于 GORM 读取 JSONB
func (p *StepPayload) Scan(value any) error {
	if value == nil {
		*p = StepPayload{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return errors.New("StepPayload 只支持 []byte 或 string 反序列化")
	}
}

// Clone 复制载荷，合并校验时使用副本避免污染原记录
func (p StepPayload) Clone() StepPayload {
	out := make(StepPayload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ServiceWorkflow 维修工作流实例，一台设备一次完整的送修案例。
// 仅由引擎变更，只终结不删除。
type ServiceWorkflow struct {
	ID                 string         `json:"id" gorm:"type:uuid;primaryKey"`
	TicketID           string         `json:"ticketId" gorm:"type:uuid;not null;index"`
	DeviceID           string         `json:"deviceId,omitempty" gorm:"type:uuid"`
	DeviceSerialNumber string         `json:"deviceSerialNumber" gorm:"size:100;not null;index"`
	WorkflowNumber     string         `json:"workflowNumber" gorm:"size:32;not null;uniqueIndex"`
	CurrentStep        int            `json:"currentStep" gorm:"not null;default:1"`
	Status             WorkflowStatus `json:"status" gorm:"size:20;not null;default:in_progress"`
	InitiatedBy        string         `json:"initiatedBy" gorm:"size:100;not null"`
	InitiatedAt        time.Time      `json:"initiatedAt" gorm:"not null"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
	CancelledAt        *time.Time     `json:"cancelledAt,omitempty"`
	CancelledBy        string         `json:"cancelledBy,omitempty" gorm:"size:100"`
	CancellationReason string         `json:"cancellationReason,omitempty" gorm:"type:text"`
	CreatedAt          time.Time      `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt          time.Time      `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (ServiceWorkflow) TableName() string {
	return "workflows"
}

// IsTerminal 工作流是否已处于终态
func (w *ServiceWorkflow) IsTerminal() bool {
	return w.Status == WorkflowStatusCompleted || w.Status == WorkflowStatusCancelled
}

// WorkflowStep 工作流步骤行，工作流创建时整批生成，
// (workflow_id, step_number) 组合唯一。
type WorkflowStep struct {
	ID              string      `json:"id" gorm:"type:uuid;primaryKey"`
	WorkflowID      string      `json:"workflowId" gorm:"type:uuid;not null;uniqueIndex:idx_workflow_step_number"`
	StepNumber      int         `json:"stepNumber" gorm:"not null;uniqueIndex:idx_workflow_step_number"`
	StepName        string      `json:"stepName" gorm:"size:100;not null"`
	StepDescription string      `json:"stepDescription" gorm:"type:text"`
	IsOptional      bool        `json:"isOptional" gorm:"not null;default:false"`
	Status          StepStatus  `json:"status" gorm:"size:20;not null;default:not_started"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
	AgentID         string      `json:"agentId,omitempty" gorm:"size:100"`
	Payload         StepPayload `json:"payload" gorm:"type:jsonb"`
	Comments        string      `json:"comments,omitempty" gorm:"type:text"`
	UpdatedBy       string      `json:"updatedBy,omitempty" gorm:"size:100"`
	CreatedAt       time.Time   `json:"createdAt" gorm:"not null;autoCreateTime"`
	StepUpdatedAt   time.Time   `json:"stepUpdatedAt" gorm:"not null"`
}

// TableName 指定表名
func (WorkflowStep) TableName() string {
	return "workflow_steps"
}

// Attachment 步骤附件元数据，物理文件落盘后才写入本记录
type Attachment struct {
	ID           string    `json:"id" gorm:"type:uuid;primaryKey"`
	StepID       string    `json:"stepId" gorm:"type:uuid;not null;index"`
	WorkflowID   string    `json:"workflowId" gorm:"type:uuid;not null;index"`
	FileName     string    `json:"fileName" gorm:"size:255;not null"`
	OriginalName string    `json:"originalName" gorm:"size:255;not null"`
	FilePath     string    `json:"filePath" gorm:"size:500;not null"`
	FileSize     int64     `json:"fileSize" gorm:"not null"`
	MimeType     string    `json:"mimeType" gorm:"size:100"`
	UploadedBy   string    `json:"uploadedBy" gorm:"size:100;not null"`
	UploadedAt   time.Time `json:"uploadedAt" gorm:"not null"`
}

// TableName 指定表名
func (Attachment) TableName() string {
	return "workflow_attachments"
}

// AuditLog 审计日志，仅追加，禁止修改与删除
type AuditLog struct {
	ID          string         `json:"id" gorm:"type:uuid;primaryKey"`
	WorkflowID  string         `json:"workflowId" gorm:"type:uuid;not null;index"`
	StepID      string         `json:"stepId,omitempty" gorm:"type:uuid"`
	Action      string         `json:"action" gorm:"size:50;not null;index"`
	Description string         `json:"description" gorm:"type:text"`
	PerformedBy string         `json:"performedBy" gorm:"size:100;not null"`
	PerformedAt time.Time      `json:"performedAt" gorm:"not null;index"`
	ContextData datatypes.JSON `json:"contextData,omitempty" gorm:"type:jsonb"`
}

// TableName 指定表名
func (AuditLog) TableName() string {
	return "audit_logs"
}

// StepDetail 步骤及其静态定义，供展示层与报告渲染使用
type StepDetail struct {
	*WorkflowStep
	Definition *StepDefinition `json:"definition"`
}

// WorkflowDetail 工作流完整快照：工作流 + 按步骤号排序的全部步骤
type WorkflowDetail struct {
	*ServiceWorkflow
	Steps []*StepDetail `json:"steps"`
}

// 实体级 NotFound 哨兵错误
var (
	ErrWorkflowNotFound   = errors.New("工作流不存在")
	ErrStepNotFound       = errors.New("工作流步骤不存在")
	ErrAttachmentNotFound = errors.New("附件不存在")
)

// ValidationError 单个字段的校验错误
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationFailedError 聚合校验错误，一次返回全部违规字段，
// 调用方可以在单次往返内展示所有问题。
type ValidationFailedError struct {
	Errors []ValidationError `json:"errors"`
}

// Error 实现 error 接口
func (e *ValidationFailedError) Error() string {
	if len(e.Errors) == 0 {
		return "校验失败"
	}
	return fmt.Sprintf("校验失败: %d 个字段不符合要求（首个: %s - %s）",
		len(e.Errors), e.Errors[0].Field, e.Errors[0].Message)
}
