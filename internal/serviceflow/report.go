package serviceflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// 报告类型
const (
	ReportTypeSummary = "summary"
	ReportTypeFull    = "full"
)

// ReportGenerator 维修报告生成器。读取工作流的一致快照后渲染为文本文件，
// 由 worker 异步执行，生成失败不影响工作流本身。
type ReportGenerator struct {
	engine  *Engine
	baseDir string
	logger  *zap.Logger
}

// NewReportGenerator 创建报告生成器
func NewReportGenerator(engine *Engine, baseDir string, logger *zap.Logger) *ReportGenerator {
	return &ReportGenerator{engine: engine, baseDir: baseDir, logger: logger}
}

// Generate 生成报告并落盘，返回报告文件路径。
// full 类型在摘要之外追加每个步骤的载荷明细与审计轨迹。
func (g *ReportGenerator) Generate(ctx context.Context, workflowID, reportType, requestedBy string) (string, error) {
	detail, err := g.engine.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	g.renderHeader(&sb, detail)
	g.renderSteps(&sb, detail, reportType == ReportTypeFull)

	if reportType == ReportTypeFull {
		logs, err := g.engine.GetWorkflowAuditLogs(ctx, workflowID)
		if err != nil {
			return "", err
		}
		g.renderAuditTrail(&sb, logs)
	}

	dir := filepath.Join(g.baseDir, detail.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("report-%s-%d.txt", reportType, time.Now().UTC().Unix()))
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("写入报告文件失败: %w", err)
	}

	g.logger.Info("维修报告已生成",
		zap.String("workflow_id", workflowID),
		zap.String("report_type", reportType),
		zap.String("requested_by", requestedBy),
		zap.String("path", path),
	)
	return path, nil
}

func (g *ReportGenerator) renderHeader(sb *strings.Builder, detail *WorkflowDetail) {
	fmt.Fprintf(sb, "维修工作流报告\n")
	fmt.Fprintf(sb, "================\n")
	fmt.Fprintf(sb, "工作流编号: %s\n", detail.WorkflowNumber)
	fmt.Fprintf(sb, "工单: %s\n", detail.TicketID)
	fmt.Fprintf(sb, "设备序列号: %s\n", detail.DeviceSerialNumber)
	if detail.DeviceID != "" {
		fmt.Fprintf(sb, "设备 ID: %s\n", detail.DeviceID)
	}
	fmt.Fprintf(sb, "状态: %s（当前步骤 %d）\n", detail.Status, detail.CurrentStep)
	fmt.Fprintf(sb, "发起: %s @ %s\n", detail.InitiatedBy, detail.InitiatedAt.Format(time.RFC3339))
	if detail.CompletedAt != nil {
		fmt.Fprintf(sb, "完成时间: %s\n", detail.CompletedAt.Format(time.RFC3339))
	}
	if detail.CancelledAt != nil {
		fmt.Fprintf(sb, "取消时间: %s（%s）\n", detail.CancelledAt.Format(time.RFC3339), detail.CancellationReason)
	}
	sb.WriteString("\n")
}

func (g *ReportGenerator) renderSteps(sb *strings.Builder, detail *WorkflowDetail, includePayload bool) {
	fmt.Fprintf(sb, "步骤明细\n--------\n")
	for _, step := range detail.Steps {
		fmt.Fprintf(sb, "[%2d] %-12s %s", step.StepNumber, step.Status, step.StepName)
		if step.AgentID != "" {
			fmt.Fprintf(sb, "（坐席 %s）", step.AgentID)
		}
		sb.WriteString("\n")

		if includePayload && len(step.Payload) > 0 {
			for key, value := range step.Payload {
				fmt.Fprintf(sb, "      %s: %v\n", key, value)
			}
		}
		if includePayload && step.Comments != "" {
			fmt.Fprintf(sb, "      备注: %s\n", step.Comments)
		}
	}
	sb.WriteString("\n")
}

func (g *ReportGenerator) renderAuditTrail(sb *strings.Builder, logs []*AuditLog) {
	fmt.Fprintf(sb, "审计轨迹\n--------\n")
	for _, entry := range logs {
		fmt.Fprintf(sb, "%s  %-22s %s（%s）\n",
			entry.PerformedAt.Format(time.RFC3339), entry.Action, entry.Description, entry.PerformedBy)
	}
}
