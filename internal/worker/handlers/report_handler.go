package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// ReportRunner 报告生成抽象，便于注入 mock
type ReportRunner interface {
	Generate(ctx context.Context, workflowID, reportType, requestedBy string) (string, error)
}

type ReportHandler struct {
	runner ReportRunner
	logger *zap.Logger
}

func NewReportHandler(runner ReportRunner, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{
		runner: runner,
		logger: logger,
	}
}

// HandleGenerateReport 渲染维修报告并落盘
func (h *ReportHandler) HandleGenerateReport(ctx context.Context, t *asynq.Task) error {
	var p tasks.GenerateReportPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	h.logger.Info("开始生成维修报告",
		zap.String("workflow_id", p.WorkflowID),
		zap.String("report_type", p.ReportType),
	)

	path, err := h.runner.Generate(ctx, p.WorkflowID, p.ReportType, p.RequestedBy)
	if err != nil {
		h.logger.Error("维修报告生成失败",
			zap.String("workflow_id", p.WorkflowID),
			zap.Error(err),
		)
		return err
	}

	h.logger.Info("维修报告生成完成",
		zap.String("workflow_id", p.WorkflowID),
		zap.String("path", path),
	)
	return nil
}
