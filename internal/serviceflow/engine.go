package serviceflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"backend/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskEnqueuer 异步任务入队接口。设备解析与报告生成都是耗时的外部协作，
// 不允许阻塞或污染引擎的同步路径。
type TaskEnqueuer interface {
	EnqueueResolveDevice(workflowID, serialNumber string) error
	EnqueueGenerateReport(workflowID, reportType, requestedBy string) error
}

// Engine 维修工作流引擎：创建工作流、校验并应用步骤更新、
// 执行推进/跳过状态机。所有依赖显式注入，不持有进程级单例。
type Engine struct {
	repo      Repository
	registry  *StepDefinitionRegistry
	validator *Validator
	audit     *AuditLogger
	sequence  NumberSequence
	enqueuer  TaskEnqueuer // 可为 nil（无队列部署）
	logger    *zap.Logger

	// 按工作流粒度串行化变更：同一工作流的 更新+推进 原子执行，
	// 不同工作流互不争用。条目在工作流进入终态后释放，
	// 锁表不随历史工作流数量增长
	locks sync.Map // workflowID -> *sync.Mutex
}

// NewEngine 创建工作流引擎实例
func NewEngine(repo Repository, registry *StepDefinitionRegistry, audit *AuditLogger, sequence NumberSequence, enqueuer TaskEnqueuer, logger *zap.Logger) *Engine {
	return &Engine{
		repo:      repo,
		registry:  registry,
		validator: NewValidator(registry),
		audit:     audit,
		sequence:  sequence,
		enqueuer:  enqueuer,
		logger:    logger,
	}
}

// lockFor 获取工作流级互斥锁
func (e *Engine) lockFor(workflowID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(workflowID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// releaseLock 丢弃终态工作流的锁条目。终态下所有变更都是幂等空操作，
// 释放后偶发的新锁竞争不会产生副作用。
func (e *Engine) releaseLock(workflowID string) {
	e.locks.Delete(workflowID)
}

// CreateWorkflow 创建维修工作流：生成编号、整批生成10条步骤行、
// 用送修序列号与发起人预填步骤1并置为进行中。
// 设备解析是异步补充动作，绝不阻塞创建。
func (e *Engine) CreateWorkflow(ctx context.Context, ticketID, deviceSerialNumber, initiatedBy string) (*ServiceWorkflow, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("工单 ID 不能为空")
	}
	if deviceSerialNumber == "" {
		return nil, fmt.Errorf("设备序列号不能为空")
	}
	if initiatedBy == "" {
		return nil, fmt.Errorf("发起人不能为空")
	}

	number, err := e.nextWorkflowNumber(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	wf := &ServiceWorkflow{
		ID:                 uuid.New().String(),
		TicketID:           ticketID,
		DeviceSerialNumber: deviceSerialNumber,
		WorkflowNumber:     number,
		CurrentStep:        1,
		Status:             WorkflowStatusInProgress,
		InitiatedBy:        initiatedBy,
		InitiatedAt:        now,
	}

	steps := make([]*WorkflowStep, 0, TotalSteps)
	for _, def := range e.registry.All() {
		step := &WorkflowStep{
			ID:              uuid.New().String(),
			WorkflowID:      wf.ID,
			StepNumber:      def.StepNumber,
			StepName:        def.Name,
			StepDescription: def.Description,
			IsOptional:      def.IsOptional,
			Status:          StepStatusNotStarted,
			Payload:         StepPayload{},
			StepUpdatedAt:   now,
		}
		if def.StepNumber == 1 {
			step.Status = StepStatusInProgress
			step.StartedAt = &now
			step.AgentID = initiatedBy
			step.Payload = StepPayload{"deviceSerialNumber": deviceSerialNumber}
		}
		steps = append(steps, step)
	}

	if err := e.repo.CreateWorkflow(ctx, wf, steps); err != nil {
		return nil, err
	}

	e.audit.Log(ctx, wf.ID, "", ActionWorkflowCreated,
		fmt.Sprintf("创建维修工作流 %s（工单 %s，设备 %s）", wf.WorkflowNumber, ticketID, deviceSerialNumber),
		initiatedBy,
		map[string]any{"ticketId": ticketID, "deviceSerialNumber": deviceSerialNumber},
	)
	metrics.WorkflowsCreatedTotal.Inc()

	// 设备解析走队列，入队失败只告警不回滚
	if e.enqueuer != nil {
		if err := e.enqueuer.EnqueueResolveDevice(wf.ID, deviceSerialNumber); err != nil {
			e.logger.Warn("设备解析任务入队失败",
				zap.String("workflow_id", wf.ID),
				zap.Error(err),
			)
		}
	}

	return wf, nil
}

// nextWorkflowNumber 生成人读工作流编号，如 SW-2026-000042
func (e *Engine) nextWorkflowNumber(ctx context.Context) (string, error) {
	seq, err := e.sequence.Next(ctx)
	if err != nil {
		return "", fmt.Errorf("生成工作流编号失败: %w", err)
	}
	return fmt.Sprintf("SW-%d-%06d", time.Now().UTC().Year(), seq), nil
}

// GetWorkflow 查询工作流完整快照：工作流 + 按步骤号排序的步骤（含静态定义）
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowDetail, error) {
	wf, err := e.repo.FindWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps, err := e.repo.FindWorkflowSteps(ctx, wf.ID)
	if err != nil {
		return nil, err
	}

	details := make([]*StepDetail, 0, len(steps))
	for _, step := range steps {
		def, err := e.registry.DefinitionOf(step.StepNumber)
		if err != nil {
			return nil, err
		}
		details = append(details, &StepDetail{WorkflowStep: step, Definition: def})
	}

	return &WorkflowDetail{ServiceWorkflow: wf, Steps: details}, nil
}

// GetWorkflowsByTicket 查询某工单下的全部工作流
func (e *Engine) GetWorkflowsByTicket(ctx context.Context, ticketID string) ([]*ServiceWorkflow, error) {
	return e.repo.ListWorkflowsByTicket(ctx, ticketID)
}

// GetWorkflowsByDevice 查询某设备序列号下的全部工作流
func (e *Engine) GetWorkflowsByDevice(ctx context.Context, serialNumber string) ([]*ServiceWorkflow, error) {
	return e.repo.ListWorkflowsByDevice(ctx, serialNumber)
}

// GetAllWorkflows 分页查询全部工作流
func (e *Engine) GetAllWorkflows(ctx context.Context, page, pageSize int) ([]*ServiceWorkflow, int64, error) {
	return e.repo.ListWorkflows(ctx, page, pageSize)
}

// GetAllStepDefinitions 返回10个步骤的静态定义
func (e *Engine) GetAllStepDefinitions() []*StepDefinition {
	return e.registry.All()
}

// GetWorkflowAuditLogs 查询工作流审计日志（最新在前）
func (e *Engine) GetWorkflowAuditLogs(ctx context.Context, workflowID string) ([]*AuditLog, error) {
	return e.audit.GetWorkflowAuditLogs(ctx, workflowID)
}

// UpdateWorkflowStep 校验并应用一次步骤更新。
// updates 中只有出现的字段会被写入（允许部分更新）；"status" 与 "comments"
// 是信封字段，其余键都视作步骤业务载荷。
// 当更新把步骤置为完成、且该步骤恰好是工作流当前步骤时触发推进；
// 补录非当前步骤只落数据与审计，不移动指针。
func (e *Engine) UpdateWorkflowStep(ctx context.Context, stepID string, updates map[string]any, agentID string) (*WorkflowStep, error) {
	if agentID == "" {
		return nil, fmt.Errorf("操作坐席不能为空")
	}

	// 先定位所属工作流，再在工作流锁内重读，保证 更新+推进 原子执行
	probe, err := e.repo.FindStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	mu := e.lockFor(probe.WorkflowID)
	mu.Lock()
	defer mu.Unlock()

	step, err := e.repo.FindStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	wf, err := e.repo.FindWorkflow(ctx, step.WorkflowID)
	if err != nil {
		return nil, err
	}
	def, err := e.registry.DefinitionOf(step.StepNumber)
	if err != nil {
		return nil, err
	}

	// 拆分信封字段与业务载荷
	var (
		statusProvided bool
		newStatus      StepStatus
		validationErrs []ValidationError
	)
	merged := step.Payload.Clone()
	for key, value := range updates {
		switch key {
		case "status":
			s, ok := value.(string)
			if !ok || !isValidStepStatus(StepStatus(s)) {
				validationErrs = append(validationErrs, ValidationError{
					Field:   "status",
					Message: fmt.Sprintf("无效的步骤状态: %v", value),
				})
				continue
			}
			statusProvided = true
			newStatus = StepStatus(s)
		case "comments":
			// 信封字段，延迟到校验通过后写入
		default:
			merged[key] = value
		}
	}

	// 跳过步骤不做字段校验，但只有可选步骤允许跳过
	skipping := statusProvided && newStatus == StepStatusSkipped
	if skipping && !def.IsOptional {
		validationErrs = append(validationErrs, ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("步骤 %d（%s）为必经步骤，不能跳过", def.StepNumber, def.Name),
		})
	}

	// 用"合并后"的载荷做校验，所有违规一次性返回
	if !skipping {
		lookup := func(ctx context.Context, stepNumber int) (*WorkflowStep, error) {
			return e.repo.FindStepByNumber(ctx, wf.ID, stepNumber)
		}
		validationErrs = append(validationErrs, e.validator.ValidateStep(ctx, def, merged, lookup)...)
	}
	if len(validationErrs) > 0 {
		metrics.ValidationFailuresTotal.WithLabelValues(fmt.Sprintf("%d", step.StepNumber)).Inc()
		return nil, &ValidationFailedError{Errors: validationErrs}
	}

	now := time.Now().UTC()
	step.Payload = merged
	if comments, ok := updates["comments"].(string); ok {
		step.Comments = comments
	}
	step.AgentID = agentID
	step.UpdatedBy = agentID
	step.StepUpdatedAt = now

	if statusProvided {
		switch newStatus {
		case StepStatusCompleted:
			if step.CompletedAt == nil {
				step.CompletedAt = &now
			}
		case StepStatusInProgress:
			if step.StartedAt == nil {
				step.StartedAt = &now
			}
		}
		step.Status = newStatus
	}

	if err := e.repo.UpdateStep(ctx, step); err != nil {
		return nil, err
	}

	if skipping {
		e.audit.Log(ctx, wf.ID, step.ID, ActionStepSkipped,
			fmt.Sprintf("跳过步骤 %d（%s）", step.StepNumber, step.StepName),
			agentID,
			map[string]any{"stepNumber": step.StepNumber},
		)
		metrics.StepsSkippedTotal.WithLabelValues(fmt.Sprintf("%d", step.StepNumber)).Inc()
	} else {
		e.audit.Log(ctx, wf.ID, step.ID, ActionStepUpdated,
			fmt.Sprintf("更新步骤 %d（%s）", step.StepNumber, step.StepName),
			agentID,
			map[string]any{"stepNumber": step.StepNumber, "updates": updates},
		)
	}

	// 推进条件：本次置为完成或跳过 + 恰为当前步骤 + 工作流尚未终结。
	// 终态下重复提交完成不会再次触发终结副作用。
	if statusProvided && (newStatus == StepStatusCompleted || newStatus == StepStatusSkipped) {
		if newStatus == StepStatusCompleted {
			metrics.StepsCompletedTotal.WithLabelValues(fmt.Sprintf("%d", step.StepNumber)).Inc()
		}
		if !wf.IsTerminal() && step.StepNumber == wf.CurrentStep {
			if err := e.advanceWorkflow(ctx, wf, step.StepNumber, agentID); err != nil {
				return nil, err
			}
		}
	}

	if wf.IsTerminal() {
		e.releaseLock(wf.ID)
	}

	return step, nil
}

// isValidStepStatus 校验步骤状态取值
func isValidStepStatus(s StepStatus) bool {
	switch s {
	case StepStatusNotStarted, StepStatusInProgress, StepStatusCompleted, StepStatusSkipped:
		return true
	}
	return false
}

// advanceRule 推进特殊规则。返回 stop=true 表示流程已终结，不再落入通用推进。
type advanceRule func(ctx context.Context, wf *ServiceWorkflow, agentID string) (stop bool, err error)

// advanceWorkflow 推进状态机。显式规则表 + 通用推进，
// 避免步骤10的跳过逻辑散落在多个分支里失去同步：
//
//	完成步骤 | 规则
//	---------|-----------------------------------------------------------
//	   2     | sendLoaner 为假 => 前瞻性地把步骤10置为 skipped，继续通用推进
//	   9     | 未寄出备用机（sendLoaner 假或步骤2被跳过）=> 跳过步骤10并直接完成工作流
//	  其他   | 指针移到下一步；目标步骤未开始则自动置为进行中；越过10则完成工作流
func (e *Engine) advanceWorkflow(ctx context.Context, wf *ServiceWorkflow, completedStepNumber int, agentID string) error {
	rules := map[int]advanceRule{
		2: e.ruleLoanerLookahead,
		9: e.ruleLoanerAwareCompletion,
	}

	if rule, ok := rules[completedStepNumber]; ok {
		stop, err := rule(ctx, wf, agentID)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}

	return e.advanceToNext(ctx, wf, completedStepNumber, agentID)
}

// ruleLoanerLookahead 步骤2完成时的前瞻规则：
// 决定不寄备用机，则步骤10此刻就已确定无意义，立即置为跳过
func (e *Engine) ruleLoanerLookahead(ctx context.Context, wf *ServiceWorkflow, agentID string) (bool, error) {
	step2, err := e.repo.FindStepByNumber(ctx, wf.ID, 2)
	if err != nil {
		return false, err
	}
	if !isTruthy(step2.Payload["sendLoaner"]) {
		if err := e.skipStep(ctx, wf, 10, agentID, "未寄送备用机，步骤10无需执行"); err != nil {
			return false, err
		}
	}
	return false, nil
}

// ruleLoanerAwareCompletion 步骤9完成时的终结规则：
// 从未寄出备用机时没有回收环节，跳过步骤10并直接完成工作流，不落入通用推进
func (e *Engine) ruleLoanerAwareCompletion(ctx context.Context, wf *ServiceWorkflow, agentID string) (bool, error) {
	step2, err := e.repo.FindStepByNumber(ctx, wf.ID, 2)
	if err != nil {
		return false, err
	}
	loanerSent := step2.Status != StepStatusSkipped && isTruthy(step2.Payload["sendLoaner"])
	if loanerSent {
		return false, nil
	}

	if err := e.skipStep(ctx, wf, 10, agentID, "未寄送备用机，步骤10无需执行"); err != nil {
		return false, err
	}
	if err := e.completeWorkflow(ctx, wf, agentID); err != nil {
		return false, err
	}
	return true, nil
}

// advanceToNext 通用推进：指针后移一格，越界即完成
func (e *Engine) advanceToNext(ctx context.Context, wf *ServiceWorkflow, completedStepNumber int, agentID string) error {
	next := completedStepNumber + 1
	if next > TotalSteps {
		return e.completeWorkflow(ctx, wf, agentID)
	}

	wf.CurrentStep = next
	if err := e.repo.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	target, err := e.repo.FindStepByNumber(ctx, wf.ID, next)
	if err != nil {
		return err
	}
	if target.Status == StepStatusNotStarted {
		now := time.Now().UTC()
		target.Status = StepStatusInProgress
		target.StartedAt = &now
		target.StepUpdatedAt = now
		if err := e.repo.UpdateStep(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

// skipStep 把指定步骤强制置为跳过（幂等：已跳过不重复处理）
func (e *Engine) skipStep(ctx context.Context, wf *ServiceWorkflow, stepNumber int, agentID, reason string) error {
	step, err := e.repo.FindStepByNumber(ctx, wf.ID, stepNumber)
	if err != nil {
		return err
	}
	if step.Status == StepStatusSkipped {
		return nil
	}

	now := time.Now().UTC()
	step.Status = StepStatusSkipped
	step.StepUpdatedAt = now
	step.UpdatedBy = agentID
	if err := e.repo.UpdateStep(ctx, step); err != nil {
		return err
	}

	e.audit.Log(ctx, wf.ID, step.ID, ActionStepSkipped,
		fmt.Sprintf("跳过步骤 %d（%s）: %s", step.StepNumber, step.StepName, reason),
		agentID,
		map[string]any{"stepNumber": step.StepNumber, "reason": reason},
	)
	metrics.StepsSkippedTotal.WithLabelValues(fmt.Sprintf("%d", stepNumber)).Inc()
	return nil
}

// completeWorkflow 终结工作流（幂等：终态下不重复产生副作用，
// 保证 workflow_completed 审计只出现一次）
func (e *Engine) completeWorkflow(ctx context.Context, wf *ServiceWorkflow, agentID string) error {
	if wf.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	wf.Status = WorkflowStatusCompleted
	wf.CompletedAt = &now
	if err := e.repo.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	e.audit.Log(ctx, wf.ID, "", ActionWorkflowCompleted,
		fmt.Sprintf("维修工作流 %s 已完成", wf.WorkflowNumber),
		agentID, nil,
	)
	metrics.WorkflowsCompletedTotal.Inc()
	return nil
}

// CancelWorkflow 取消工作流。终态不可再变更。
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID, cancelledBy, reason string) (*ServiceWorkflow, error) {
	mu := e.lockFor(workflowID)
	mu.Lock()
	defer mu.Unlock()

	wf, err := e.repo.FindWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.IsTerminal() {
		return nil, fmt.Errorf("工作流已处于终态（%s），不能取消", wf.Status)
	}

	now := time.Now().UTC()
	wf.Status = WorkflowStatusCancelled
	wf.CancelledAt = &now
	wf.CancelledBy = cancelledBy
	wf.CancellationReason = reason
	if err := e.repo.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	e.audit.Log(ctx, wf.ID, "", ActionWorkflowCancelled,
		fmt.Sprintf("维修工作流 %s 已取消: %s", wf.WorkflowNumber, reason),
		cancelledBy,
		map[string]any{"reason": reason},
	)
	metrics.WorkflowsCancelledTotal.Inc()
	e.releaseLock(wf.ID)
	return wf, nil
}

// CanSkipStep 判断某步骤当前是否可跳过：
// 仅可选步骤可跳过；带步骤级依赖的步骤（步骤10）在依赖不成立时必须跳过。
func (e *Engine) CanSkipStep(ctx context.Context, stepNumber int, workflowID string) (bool, error) {
	def, err := e.registry.DefinitionOf(stepNumber)
	if err != nil {
		return false, err
	}
	if !def.IsOptional {
		return false, nil
	}
	if def.DependsOnStep == 0 {
		return true, nil
	}

	dep, err := e.repo.FindStepByNumber(ctx, workflowID, def.DependsOnStep)
	if err != nil {
		return false, err
	}
	if dep.Status == StepStatusSkipped {
		return true, nil
	}
	return !isTruthy(dep.Payload[def.DependsOnField]), nil
}

// ApplyDeviceResolution 回填异步解析出的设备 ID（worker 调用）
func (e *Engine) ApplyDeviceResolution(ctx context.Context, workflowID, deviceID string) error {
	mu := e.lockFor(workflowID)
	mu.Lock()
	defer mu.Unlock()

	wf, err := e.repo.FindWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.DeviceID == deviceID {
		return nil
	}

	wf.DeviceID = deviceID
	if err := e.repo.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	e.audit.Log(ctx, wf.ID, "", ActionDeviceResolved,
		fmt.Sprintf("设备序列号 %s 解析为设备 %s", wf.DeviceSerialNumber, deviceID),
		"system",
		map[string]any{"deviceId": deviceID},
	)
	return nil
}

// RequestReport 请求生成报告。报告渲染读取一致快照，由 worker 异步执行，
// 其失败不会让工作流停在半更新状态。
func (e *Engine) RequestReport(ctx context.Context, workflowID, reportType, requestedBy string) error {
	if _, err := e.repo.FindWorkflow(ctx, workflowID); err != nil {
		return err
	}
	if e.enqueuer == nil {
		return fmt.Errorf("未配置任务队列，无法生成报告")
	}
	return e.enqueuer.EnqueueGenerateReport(workflowID, reportType, requestedBy)
}
