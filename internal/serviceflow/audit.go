package serviceflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// AuditLogger 审计日志记录器，仅追加。
// 写入失败不向上抛错，避免业务流程因审计失败而中断；失败会记录到应用日志。
type AuditLogger struct {
	repo   Repository
	logger *zap.Logger
}

// NewAuditLogger 创建审计日志记录器
func NewAuditLogger(repo Repository, logger *zap.Logger) *AuditLogger {
	return &AuditLogger{repo: repo, logger: logger}
}

// Log 追加一条审计日志。stepID 可为空（工作流级事件）。
// contextData 为触发事件的快照，序列化后随日志保存。
func (l *AuditLogger) Log(ctx context.Context, workflowID, stepID, action, description, performedBy string, contextData any) {
	entry := &AuditLog{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		StepID:      stepID,
		Action:      action,
		Description: description,
		PerformedBy: performedBy,
		PerformedAt: time.Now().UTC(),
	}

	if contextData != nil {
		if b, err := json.Marshal(contextData); err == nil {
			entry.ContextData = datatypes.JSON(b)
		}
	}

	if err := l.repo.CreateAuditLog(ctx, entry); err != nil {
		l.logger.Error("写入审计日志失败",
			zap.String("workflow_id", workflowID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// GetWorkflowAuditLogs 查询工作流的审计日志，按时间倒序（最新在前）
func (l *AuditLogger) GetWorkflowAuditLogs(ctx context.Context, workflowID string) ([]*AuditLog, error) {
	return l.repo.ListWorkflowAuditLogs(ctx, workflowID)
}
