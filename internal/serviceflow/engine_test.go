package serviceflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupEngineTest(t *testing.T) (*Engine, Repository) {
	t.Helper()
	dsn := fmt.Sprintf("file:serviceflow_engine_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开 sqlite 失败: %v", err)
	}
	// 内存 sqlite 不擅长并发写，单连接即可让并发用例专注于引擎自身的串行化
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	repo := NewGormRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("迁移 schema 失败: %v", err)
	}
	audit := NewAuditLogger(repo, zap.NewNop())
	engine := NewEngine(repo, NewStepDefinitionRegistry(), audit, NewLocalNumberSequence(0), nil, zap.NewNop())
	return engine, repo
}

func createTestWorkflow(t *testing.T, engine *Engine) *ServiceWorkflow {
	t.Helper()
	wf, err := engine.CreateWorkflow(context.Background(), "ticket-1", "SN-1001", "agent-alice")
	if err != nil {
		t.Fatalf("创建工作流失败: %v", err)
	}
	return wf
}

// updateStep 按步骤号定位并提交一次步骤更新
func updateStep(t *testing.T, engine *Engine, repo Repository, workflowID string, stepNumber int, agentID string, updates map[string]any) (*WorkflowStep, error) {
	t.Helper()
	step, err := repo.FindStepByNumber(context.Background(), workflowID, stepNumber)
	if err != nil {
		t.Fatalf("查询步骤 %d 失败: %v", stepNumber, err)
	}
	return engine.UpdateWorkflowStep(context.Background(), step.ID, updates, agentID)
}

func completeStep(t *testing.T, engine *Engine, repo Repository, workflowID string, stepNumber int, agentID string, fields map[string]any) {
	t.Helper()
	updates := map[string]any{"status": string(StepStatusCompleted)}
	for k, v := range fields {
		updates[k] = v
	}
	if _, err := updateStep(t, engine, repo, workflowID, stepNumber, agentID, updates); err != nil {
		t.Fatalf("完成步骤 %d 失败: %v", stepNumber, err)
	}
}

func countAuditActions(t *testing.T, repo Repository, workflowID, action string) int {
	t.Helper()
	logs, err := repo.ListWorkflowAuditLogs(context.Background(), workflowID)
	if err != nil {
		t.Fatalf("查询审计日志失败: %v", err)
	}
	n := 0
	for _, l := range logs {
		if l.Action == action {
			n++
		}
	}
	return n
}

func TestCreateWorkflowSeedsAllSteps(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)

	if !strings.HasPrefix(wf.WorkflowNumber, fmt.Sprintf("SW-%d-", time.Now().UTC().Year())) {
		t.Fatalf("工作流编号格式不正确: %s", wf.WorkflowNumber)
	}
	if wf.CurrentStep != 1 || wf.Status != WorkflowStatusInProgress {
		t.Fatalf("初始状态不正确: step=%d status=%s", wf.CurrentStep, wf.Status)
	}

	steps, err := repo.FindWorkflowSteps(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("查询步骤失败: %v", err)
	}
	if len(steps) != TotalSteps {
		t.Fatalf("应创建 %d 条步骤, 实际 %d", TotalSteps, len(steps))
	}
	for i, step := range steps {
		if step.StepNumber != i+1 {
			t.Fatalf("步骤顺序错误: 位置 %d 是步骤 %d", i, step.StepNumber)
		}
	}

	first := steps[0]
	if first.Status != StepStatusInProgress || first.StartedAt == nil {
		t.Fatalf("步骤1应为进行中: %+v", first)
	}
	if first.Payload["deviceSerialNumber"] != "SN-1001" {
		t.Fatalf("步骤1应预填设备序列号: %+v", first.Payload)
	}
	if first.AgentID != "agent-alice" {
		t.Fatalf("步骤1执行坐席应为发起人: %s", first.AgentID)
	}
	for _, step := range steps[1:] {
		if step.Status != StepStatusNotStarted {
			t.Fatalf("步骤 %d 应为未开始: %s", step.StepNumber, step.Status)
		}
	}

	if countAuditActions(t, repo, wf.ID, ActionWorkflowCreated) != 1 {
		t.Fatalf("应有且仅有一条 workflow_created 审计")
	}
}

func TestWorkflowNumbersAreUnique(t *testing.T) {
	engine, _ := setupEngineTest(t)
	a := createTestWorkflow(t, engine)
	b := createTestWorkflow(t, engine)
	if a.WorkflowNumber == b.WorkflowNumber {
		t.Fatalf("工作流编号不应重复: %s", a.WorkflowNumber)
	}
}

func TestAdvanceGenericAutoStartsNextStep(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)

	completeStep(t, engine, repo, wf.ID, 1, "agent-alice", map[string]any{
		"problemDescription": "无法开机",
	})

	fresh, err := repo.FindWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("查询工作流失败: %v", err)
	}
	if fresh.CurrentStep != 2 {
		t.Fatalf("当前步骤应推进到 2, 实际 %d", fresh.CurrentStep)
	}

	step2, _ := repo.FindStepByNumber(context.Background(), wf.ID, 2)
	if step2.Status != StepStatusInProgress || step2.StartedAt == nil {
		t.Fatalf("步骤2应自动置为进行中: %+v", step2)
	}
}

func TestStep2WithoutLoanerSkipsStep10(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)
	ctx := context.Background()

	completeStep(t, engine, repo, wf.ID, 1, "agent-alice", map[string]any{"problemDescription": "屏幕碎裂"})
	completeStep(t, engine, repo, wf.ID, 2, "agent-alice", map[string]any{"sendLoaner": false})

	step10, _ := repo.FindStepByNumber(ctx, wf.ID, 10)
	if step10.Status != StepStatusSkipped {
		t.Fatalf("不寄备用机时步骤10应被前瞻跳过: %s", step10.Status)
	}

	fresh, _ := repo.FindWorkflow(ctx, wf.ID)
	if fresh.CurrentStep != 3 {
		t.Fatalf("步骤2完成后应推进到 3, 实际 %d", fresh.CurrentStep)
	}
	step3, _ := repo.FindStepByNumber(ctx, wf.ID, 3)
	if step3.Status != StepStatusInProgress {
		t.Fatalf("步骤3应为进行中: %s", step3.Status)
	}

	if countAuditActions(t, repo, wf.ID, ActionStepSkipped) != 1 {
		t.Fatalf("应有一条 step_skipped 审计")
	}
}

func TestStep2LoanerFieldsConditionallyRequired(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)

	completeStep(t, engine, repo, wf.ID, 1, "agent-alice", map[string]any{"problemDescription": "过热"})

	// 选择寄送备用机但缺少型号/序列号/日期，三个字段一次性全部报出
	_, err := updateStep(t, engine, repo, wf.ID, 2, "agent-alice", map[string]any{
		"status":     string(StepStatusCompleted),
		"sendLoaner": true,
	})
	var vErr *ValidationFailedError
	if !errors.As(err, &vErr) {
		t.Fatalf("应返回聚合校验错误, 实际 %v", err)
	}
	if len(vErr.Errors) != 3 {
		t.Fatalf("应聚合 3 个违规字段, 实际 %d: %+v", len(vErr.Errors), vErr.Errors)
	}

	// 补全后通过
	completeStep(t, engine, repo, wf.ID, 2, "agent-alice", map[string]any{
		"sendLoaner":         true,
		"loanerModel":        "X200",
		"loanerSerialNumber": "LN-42",
		"shippingDate":       "2026-09-01",
	})

	step10, _ := repo.FindStepByNumber(context.Background(), wf.ID, 10)
	if step10.Status != StepStatusNotStarted {
		t.Fatalf("寄送备用机时步骤10不应被跳过: %s", step10.Status)
	}
}

func TestValidationFailureDoesNotPersist(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)
	ctx := context.Background()

	// 步骤1缺少故障描述
	_, err := updateStep(t, engine, repo, wf.ID, 1, "agent-alice", map[string]any{
		"status": string(StepStatusCompleted),
	})
	var vErr *ValidationFailedError
	if !errors.As(err, &vErr) {
		t.Fatalf("应返回聚合校验错误, 实际 %v", err)
	}

	step1, _ := repo.FindStepByNumber(ctx, wf.ID, 1)
	if step1.Status != StepStatusInProgress {
		t.Fatalf("校验失败不应改变步骤状态: %s", step1.Status)
	}
	fresh, _ := repo.FindWorkflow(ctx, wf.ID)
	if fresh.CurrentStep != 1 {
		t.Fatalf("校验失败不应推进工作流: %d", fresh.CurrentStep)
	}
}

// 完整走完 1-6，返回工作流（步骤6的执行坐席为 agent-bob）
func driveToStep7(t *testing.T, engine *Engine, repo Repository, sendLoaner bool) *ServiceWorkflow {
	t.Helper()
	wf := createTestWorkflow(t, engine)

	completeStep(t, engine, repo, wf.ID, 1, "agent-alice", map[string]any{"problemDescription": "无法充电"})

	step2Fields := map[string]any{"sendLoaner": sendLoaner}
	if sendLoaner {
		step2Fields["loanerModel"] = "X200"
		step2Fields["loanerSerialNumber"] = "LN-7"
		step2Fields["shippingDate"] = "2026-09-01"
	}
	completeStep(t, engine, repo, wf.ID, 2, "agent-alice", step2Fields)

	completeStep(t, engine, repo, wf.ID, 3, "agent-bob", map[string]any{
		"receivedDate":     "2026-09-02",
		"visualInspection": "外壳轻微划痕",
	})
	completeStep(t, engine, repo, wf.ID, 4, "agent-bob", map[string]any{
		"defectFound":       true,
		"defectDescription": "电池鼓包",
	})
	completeStep(t, engine, repo, wf.ID, 5, "agent-alice", map[string]any{
		"quoteAmount":      129.9,
		"customerApproved": true,
		"approvalDate":     "2026-09-03",
	})
	completeStep(t, engine, repo, wf.ID, 6, "agent-bob", map[string]any{
		"repairPerformed": "更换电池",
		"technicalReport": "更换原厂电池并完成老化测试",
	})
	return wf
}

func TestStep7ApproverMustDifferFromStep6(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := driveToStep7(t, engine, repo, false)

	// 审批人与步骤6执行坐席相同，拒绝
	_, err := updateStep(t, engine, repo, wf.ID, 7, "agent-bob", map[string]any{
		"status":             string(StepStatusCompleted),
		"approverAgentId":    "agent-bob",
		"qualityCheckPassed": true,
	})
	var vErr *ValidationFailedError
	if !errors.As(err, &vErr) {
		t.Fatalf("应返回聚合校验错误, 实际 %v", err)
	}
	found := false
	for _, e := range vErr.Errors {
		if e.Field == "approverAgentId" && strings.Contains(e.Message, "different from Step 6") {
			found = true
		}
	}
	if !found {
		t.Fatalf("应包含审批人校验错误: %+v", vErr.Errors)
	}

	// 换一位坐席审批，通过
	completeStep(t, engine, repo, wf.ID, 7, "agent-carol", map[string]any{
		"approverAgentId":    "agent-carol",
		"qualityCheckPassed": true,
	})

	fresh, _ := repo.FindWorkflow(context.Background(), wf.ID)
	if fresh.CurrentStep != 8 {
		t.Fatalf("步骤7完成后应推进到 8, 实际 %d", fresh.CurrentStep)
	}
}

func TestStep9CompletesWorkflowWhenNoLoaner(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := driveToStep7(t, engine, repo, false)
	ctx := context.Background()

	completeStep(t, engine, repo, wf.ID, 7, "agent-carol", map[string]any{
		"approverAgentId":    "agent-carol",
		"qualityCheckPassed": true,
	})
	completeStep(t, engine, repo, wf.ID, 8, "agent-alice", map[string]any{"returnShippingDate": "2026-09-05"})
	completeStep(t, engine, repo, wf.ID, 9, "agent-alice", map[string]any{"customerConfirmed": true})

	fresh, _ := repo.FindWorkflow(ctx, wf.ID)
	if fresh.Status != WorkflowStatusCompleted || fresh.CompletedAt == nil {
		t.Fatalf("未寄备用机时步骤9完成应终结工作流: %+v", fresh)
	}
	if countAuditActions(t, repo, wf.ID, ActionWorkflowCompleted) != 1 {
		t.Fatalf("workflow_completed 审计应恰好一条")
	}
}

func TestStep9AdvancesToLoanerReturnWhenLoanerSent(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := driveToStep7(t, engine, repo, true)
	ctx := context.Background()

	completeStep(t, engine, repo, wf.ID, 7, "agent-carol", map[string]any{
		"approverAgentId":    "agent-carol",
		"qualityCheckPassed": true,
	})
	completeStep(t, engine, repo, wf.ID, 8, "agent-alice", map[string]any{"returnShippingDate": "2026-09-05"})
	completeStep(t, engine, repo, wf.ID, 9, "agent-alice", map[string]any{"customerConfirmed": true})

	fresh, _ := repo.FindWorkflow(ctx, wf.ID)
	if fresh.Status != WorkflowStatusInProgress || fresh.CurrentStep != 10 {
		t.Fatalf("寄出备用机后步骤9完成应推进到步骤10: %+v", fresh)
	}

	completeStep(t, engine, repo, wf.ID, 10, "agent-alice", map[string]any{"loanerReceivedDate": "2026-09-08"})

	fresh, _ = repo.FindWorkflow(ctx, wf.ID)
	if fresh.Status != WorkflowStatusCompleted {
		t.Fatalf("步骤10完成后工作流应终结: %s", fresh.Status)
	}
	if countAuditActions(t, repo, wf.ID, ActionWorkflowCompleted) != 1 {
		t.Fatalf("workflow_completed 审计应恰好一条")
	}
}

func TestOutOfOrderCompletionPersistsWithoutAdvancing(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)
	ctx := context.Background()

	// 当前步骤仍为 1，补录步骤3
	completeStep(t, engine, repo, wf.ID, 3, "agent-bob", map[string]any{
		"receivedDate":     "2026-09-02",
		"visualInspection": "无明显损伤",
	})

	step3, _ := repo.FindStepByNumber(ctx, wf.ID, 3)
	if step3.Status != StepStatusCompleted || step3.Payload["visualInspection"] != "无明显损伤" {
		t.Fatalf("补录数据应落库: %+v", step3)
	}

	fresh, _ := repo.FindWorkflow(ctx, wf.ID)
	if fresh.CurrentStep != 1 {
		t.Fatalf("补录非当前步骤不应移动指针: %d", fresh.CurrentStep)
	}
	if countAuditActions(t, repo, wf.ID, ActionStepUpdated) != 1 {
		t.Fatalf("补录仍应产生 step_updated 审计")
	}
}

func TestRecompletionAfterTerminalIsIdempotent(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := driveToStep7(t, engine, repo, false)

	completeStep(t, engine, repo, wf.ID, 7, "agent-carol", map[string]any{
		"approverAgentId":    "agent-carol",
		"qualityCheckPassed": true,
	})
	completeStep(t, engine, repo, wf.ID, 8, "agent-alice", map[string]any{"returnShippingDate": "2026-09-05"})
	completeStep(t, engine, repo, wf.ID, 9, "agent-alice", map[string]any{"customerConfirmed": true})

	// 终态后重复提交步骤9完成
	completeStep(t, engine, repo, wf.ID, 9, "agent-alice", map[string]any{"customerConfirmed": true})

	if countAuditActions(t, repo, wf.ID, ActionWorkflowCompleted) != 1 {
		t.Fatalf("终态下重复完成不应再次产生 workflow_completed")
	}
}

func TestAgentSkipsOptionalStep(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)
	ctx := context.Background()

	completeStep(t, engine, repo, wf.ID, 1, "agent-alice", map[string]any{"problemDescription": "键盘失灵"})

	// 主动跳过步骤2，无需填写任何字段
	if _, err := updateStep(t, engine, repo, wf.ID, 2, "agent-alice", map[string]any{
		"status": string(StepStatusSkipped),
	}); err != nil {
		t.Fatalf("跳过可选步骤失败: %v", err)
	}

	fresh, _ := repo.FindWorkflow(ctx, wf.ID)
	if fresh.CurrentStep != 3 {
		t.Fatalf("跳过当前步骤后应推进到 3, 实际 %d", fresh.CurrentStep)
	}
	step10, _ := repo.FindStepByNumber(ctx, wf.ID, 10)
	if step10.Status != StepStatusSkipped {
		t.Fatalf("步骤2被跳过意味着未寄备用机，步骤10应同步跳过: %s", step10.Status)
	}
}

func TestMandatoryStepCannotBeSkipped(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)

	_, err := updateStep(t, engine, repo, wf.ID, 1, "agent-alice", map[string]any{
		"status": string(StepStatusSkipped),
	})
	var vErr *ValidationFailedError
	if !errors.As(err, &vErr) {
		t.Fatalf("必经步骤跳过应返回校验错误, 实际 %v", err)
	}
}

func TestCancelWorkflow(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)
	ctx := context.Background()

	cancelled, err := engine.CancelWorkflow(ctx, wf.ID, "agent-alice", "客户撤回维修申请")
	if err != nil {
		t.Fatalf("取消工作流失败: %v", err)
	}
	if cancelled.Status != WorkflowStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("取消状态不正确: %+v", cancelled)
	}
	if countAuditActions(t, repo, wf.ID, ActionWorkflowCancelled) != 1 {
		t.Fatalf("应有一条 workflow_cancelled 审计")
	}

	// 终态后不可再取消
	if _, err := engine.CancelWorkflow(ctx, wf.ID, "agent-alice", "再次取消"); err == nil {
		t.Fatalf("终态工作流不应允许再次取消")
	}

	// 终态后完成步骤不再推进
	completeStep(t, engine, repo, wf.ID, 1, "agent-alice", map[string]any{"problemDescription": "无法开机"})
	fresh, _ := repo.FindWorkflow(ctx, wf.ID)
	if fresh.Status != WorkflowStatusCancelled || fresh.CurrentStep != 1 {
		t.Fatalf("取消后的工作流不应推进: %+v", fresh)
	}
}

func TestCanSkipStep(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)
	ctx := context.Background()

	// 必经步骤永远不可跳过
	if ok, _ := engine.CanSkipStep(ctx, 1, wf.ID); ok {
		t.Fatalf("步骤1不应可跳过")
	}
	// 步骤2本身是可选的
	if ok, _ := engine.CanSkipStep(ctx, 2, wf.ID); !ok {
		t.Fatalf("步骤2应可跳过")
	}
	// 步骤2尚未填写，视为未寄备用机，步骤10可跳过
	if ok, _ := engine.CanSkipStep(ctx, 10, wf.ID); !ok {
		t.Fatalf("未寄备用机时步骤10应可跳过")
	}

	completeStep(t, engine, repo, wf.ID, 1, "agent-alice", map[string]any{"problemDescription": "进水"})
	completeStep(t, engine, repo, wf.ID, 2, "agent-alice", map[string]any{
		"sendLoaner":         true,
		"loanerModel":        "X200",
		"loanerSerialNumber": "LN-9",
		"shippingDate":       "2026-09-01",
	})

	// 已寄出备用机，步骤10必须执行
	if ok, _ := engine.CanSkipStep(ctx, 10, wf.ID); ok {
		t.Fatalf("已寄备用机时步骤10不应可跳过")
	}

	if _, err := engine.CanSkipStep(ctx, 11, wf.ID); err == nil {
		t.Fatalf("越界步骤号应报错")
	}
}

func TestGetWorkflowDetail(t *testing.T) {
	engine, _ := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)

	detail, err := engine.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("查询详情失败: %v", err)
	}
	if len(detail.Steps) != TotalSteps {
		t.Fatalf("详情应包含 %d 条步骤, 实际 %d", TotalSteps, len(detail.Steps))
	}
	for i, sd := range detail.Steps {
		if sd.Definition == nil || sd.Definition.StepNumber != i+1 {
			t.Fatalf("步骤 %d 缺少静态定义", i+1)
		}
	}

	if _, err := engine.GetWorkflow(context.Background(), "missing"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("不存在的工作流应返回 ErrWorkflowNotFound, 实际 %v", err)
	}
}

func TestListWorkflowsFilters(t *testing.T) {
	engine, _ := setupEngineTest(t)
	ctx := context.Background()

	if _, err := engine.CreateWorkflow(ctx, "ticket-A", "SN-1", "agent-alice"); err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	if _, err := engine.CreateWorkflow(ctx, "ticket-A", "SN-2", "agent-alice"); err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	if _, err := engine.CreateWorkflow(ctx, "ticket-B", "SN-1", "agent-bob"); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	byTicket, err := engine.GetWorkflowsByTicket(ctx, "ticket-A")
	if err != nil || len(byTicket) != 2 {
		t.Fatalf("按工单过滤应返回 2 条: %v %d", err, len(byTicket))
	}
	byDevice, err := engine.GetWorkflowsByDevice(ctx, "SN-1")
	if err != nil || len(byDevice) != 2 {
		t.Fatalf("按设备过滤应返回 2 条: %v %d", err, len(byDevice))
	}

	page, total, err := engine.GetAllWorkflows(ctx, 1, 2)
	if err != nil {
		t.Fatalf("分页查询失败: %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("分页结果不正确: total=%d page=%d", total, len(page))
	}
}

func TestApplyDeviceResolution(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)
	ctx := context.Background()

	if err := engine.ApplyDeviceResolution(ctx, wf.ID, "device-77"); err != nil {
		t.Fatalf("回写设备解析结果失败: %v", err)
	}
	fresh, _ := repo.FindWorkflow(ctx, wf.ID)
	if fresh.DeviceID != "device-77" {
		t.Fatalf("设备 ID 未写入: %s", fresh.DeviceID)
	}
	if countAuditActions(t, repo, wf.ID, ActionDeviceResolved) != 1 {
		t.Fatalf("应有一条 device_resolved 审计")
	}

	// 幂等：相同结果重复回写不产生新审计
	if err := engine.ApplyDeviceResolution(ctx, wf.ID, "device-77"); err != nil {
		t.Fatalf("重复回写失败: %v", err)
	}
	if countAuditActions(t, repo, wf.ID, ActionDeviceResolved) != 1 {
		t.Fatalf("重复回写不应产生新审计")
	}
}

func TestUpdateStepEnvelopeFields(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)

	step, err := updateStep(t, engine, repo, wf.ID, 1, "agent-bob", map[string]any{
		"problemDescription": "电源键损坏",
		"comments":           "客户要求加急",
	})
	if err != nil {
		t.Fatalf("更新步骤失败: %v", err)
	}
	if step.Comments != "客户要求加急" {
		t.Fatalf("备注未写入: %s", step.Comments)
	}
	if _, ok := step.Payload["comments"]; ok {
		t.Fatalf("信封字段不应进入业务载荷")
	}
	if _, ok := step.Payload["status"]; ok {
		t.Fatalf("状态不应进入业务载荷")
	}
	if step.UpdatedBy != "agent-bob" || step.AgentID != "agent-bob" {
		t.Fatalf("操作坐席未记录: %+v", step)
	}
	// 未提交 status 时保持原状态
	if step.Status != StepStatusInProgress {
		t.Fatalf("未提交状态时不应改变: %s", step.Status)
	}
}

func TestUpdateStepInvalidStatus(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := createTestWorkflow(t, engine)

	_, err := updateStep(t, engine, repo, wf.ID, 1, "agent-alice", map[string]any{
		"status":             "finished",
		"problemDescription": "无法开机",
	})
	var vErr *ValidationFailedError
	if !errors.As(err, &vErr) {
		t.Fatalf("非法状态应返回校验错误, 实际 %v", err)
	}
	if vErr.Errors[0].Field != "status" {
		t.Fatalf("错误字段应为 status: %+v", vErr.Errors)
	}
}

func TestUpdateStepNotFound(t *testing.T) {
	engine, _ := setupEngineTest(t)
	_, err := engine.UpdateWorkflowStep(context.Background(), "missing-step", map[string]any{}, "agent-alice")
	if !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("应返回 ErrStepNotFound, 实际 %v", err)
	}
}

func TestConcurrentStepCompletionFinalizesOnce(t *testing.T) {
	engine, repo := setupEngineTest(t)
	wf := driveToStep7(t, engine, repo, false)
	ctx := context.Background()

	completeStep(t, engine, repo, wf.ID, 7, "agent-carol", map[string]any{
		"approverAgentId":    "agent-carol",
		"qualityCheckPassed": true,
	})
	completeStep(t, engine, repo, wf.ID, 8, "agent-alice", map[string]any{"returnShippingDate": "2026-09-05"})

	step9, err := repo.FindStepByNumber(ctx, wf.ID, 9)
	if err != nil {
		t.Fatalf("查询步骤9失败: %v", err)
	}

	// 多个坐席同时提交同一当前步骤的完成
	const racers = 8
	errCh := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.UpdateWorkflowStep(ctx, step9.ID, map[string]any{
				"status":            string(StepStatusCompleted),
				"customerConfirmed": true,
			}, "agent-alice")
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("并发完成不应失败: %v", err)
		}
	}

	fresh, _ := repo.FindWorkflow(ctx, wf.ID)
	if fresh.Status != WorkflowStatusCompleted {
		t.Fatalf("工作流应已完成: %s", fresh.Status)
	}
	// 终结副作用恰好发生一次
	if n := countAuditActions(t, repo, wf.ID, ActionWorkflowCompleted); n != 1 {
		t.Fatalf("workflow_completed 审计应恰好一条, 实际 %d", n)
	}
	if n := countAuditActions(t, repo, wf.ID, ActionStepSkipped); n != 1 {
		t.Fatalf("步骤10的跳过应恰好一次, 实际 %d", n)
	}
}

func TestConcurrentWorkflowsAdvanceIndependently(t *testing.T) {
	engine, repo := setupEngineTest(t)
	ctx := context.Background()

	const n = 4
	workflows := make([]*ServiceWorkflow, n)
	for i := range workflows {
		wf, err := engine.CreateWorkflow(ctx, fmt.Sprintf("ticket-%d", i), fmt.Sprintf("SN-%d", i), "agent-alice")
		if err != nil {
			t.Fatalf("创建工作流失败: %v", err)
		}
		workflows[i] = wf
	}

	// 不同工作流的更新互不争用，并行完成各自的步骤1
	errCh := make(chan error, n)
	var wg sync.WaitGroup
	for _, wf := range workflows {
		wg.Add(1)
		go func(workflowID string) {
			defer wg.Done()
			step, err := repo.FindStepByNumber(ctx, workflowID, 1)
			if err != nil {
				errCh <- err
				return
			}
			_, err = engine.UpdateWorkflowStep(ctx, step.ID, map[string]any{
				"status":             string(StepStatusCompleted),
				"problemDescription": "无法开机",
			}, "agent-alice")
			errCh <- err
		}(wf.ID)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("并行推进不应失败: %v", err)
		}
	}

	for _, wf := range workflows {
		fresh, _ := repo.FindWorkflow(ctx, wf.ID)
		if fresh.CurrentStep != 2 {
			t.Fatalf("工作流 %s 应推进到步骤2, 实际 %d", wf.WorkflowNumber, fresh.CurrentStep)
		}
	}
}

func TestTerminalWorkflowReleasesLock(t *testing.T) {
	engine, repo := setupEngineTest(t)
	ctx := context.Background()

	// 完成路径
	wf := driveToStep7(t, engine, repo, false)
	completeStep(t, engine, repo, wf.ID, 7, "agent-carol", map[string]any{
		"approverAgentId":    "agent-carol",
		"qualityCheckPassed": true,
	})
	if _, ok := engine.locks.Load(wf.ID); !ok {
		t.Fatalf("进行中的工作流应持有锁条目")
	}
	completeStep(t, engine, repo, wf.ID, 8, "agent-alice", map[string]any{"returnShippingDate": "2026-09-05"})
	completeStep(t, engine, repo, wf.ID, 9, "agent-alice", map[string]any{"customerConfirmed": true})
	if _, ok := engine.locks.Load(wf.ID); ok {
		t.Fatalf("完成后锁条目应被释放")
	}

	// 取消路径
	cancelled := createTestWorkflow(t, engine)
	if _, err := engine.CancelWorkflow(ctx, cancelled.ID, "agent-alice", "客户撤回"); err != nil {
		t.Fatalf("取消工作流失败: %v", err)
	}
	if _, ok := engine.locks.Load(cancelled.ID); ok {
		t.Fatalf("取消后锁条目应被释放")
	}
}
