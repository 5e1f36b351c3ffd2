package serviceflow

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Repository 工作流存储接口。引擎只依赖该接口，不持有任何进程级单例；
// 参考实现基于 GORM，可替换为其他持久化方案。
type Repository interface {
	// CreateWorkflow 原子地创建工作流及其全部步骤行
	CreateWorkflow(ctx context.Context, wf *ServiceWorkflow, steps []*WorkflowStep) error
	FindWorkflow(ctx context.Context, workflowID string) (*ServiceWorkflow, error)
	UpdateWorkflow(ctx context.Context, wf *ServiceWorkflow) error
	ListWorkflowsByTicket(ctx context.Context, ticketID string) ([]*ServiceWorkflow, error)
	ListWorkflowsByDevice(ctx context.Context, serialNumber string) ([]*ServiceWorkflow, error)
	ListWorkflows(ctx context.Context, page, pageSize int) ([]*ServiceWorkflow, int64, error)

	FindStep(ctx context.Context, stepID string) (*WorkflowStep, error)
	FindStepByNumber(ctx context.Context, workflowID string, stepNumber int) (*WorkflowStep, error)
	FindWorkflowSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error)
	UpdateStep(ctx context.Context, step *WorkflowStep) error

	CreateAttachment(ctx context.Context, att *Attachment) error
	FindAttachment(ctx context.Context, attachmentID string) (*Attachment, error)
	ListStepAttachments(ctx context.Context, stepID string) ([]*Attachment, error)
	DeleteAttachment(ctx context.Context, attachmentID string) error

	CreateAuditLog(ctx context.Context, entry *AuditLog) error
	ListWorkflowAuditLogs(ctx context.Context, workflowID string) ([]*AuditLog, error)
}

// GormRepository 基于 GORM 的 Repository 实现，生产环境使用 Postgres，
// 测试环境可用内存 sqlite。
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository 创建 GormRepository 实例
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// AutoMigrate 迁移本模块的四张表
func (r *GormRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&ServiceWorkflow{},
		&WorkflowStep{},
		&Attachment{},
		&AuditLog{},
	)
}

// CreateWorkflow 在一个事务内创建工作流与10条步骤行
func (r *GormRepository) CreateWorkflow(ctx context.Context, wf *ServiceWorkflow, steps []*WorkflowStep) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(wf).Error; err != nil {
			return fmt.Errorf("创建工作流失败: %w", err)
		}
		if err := tx.Create(&steps).Error; err != nil {
			return fmt.Errorf("创建工作流步骤失败: %w", err)
		}
		return nil
	})
}

// FindWorkflow 按 ID 查询工作流
func (r *GormRepository) FindWorkflow(ctx context.Context, workflowID string) (*ServiceWorkflow, error) {
	var wf ServiceWorkflow
	if err := r.db.WithContext(ctx).Where("id = ?", workflowID).First(&wf).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("查询工作流失败: %w", err)
	}
	return &wf, nil
}

// UpdateWorkflow 保存工作流全部字段
func (r *GormRepository) UpdateWorkflow(ctx context.Context, wf *ServiceWorkflow) error {
	if err := r.db.WithContext(ctx).Save(wf).Error; err != nil {
		return fmt.Errorf("更新工作流失败: %w", err)
	}
	return nil
}

// ListWorkflowsByTicket 按工单查询工作流列表
func (r *GormRepository) ListWorkflowsByTicket(ctx context.Context, ticketID string) ([]*ServiceWorkflow, error) {
	var list []*ServiceWorkflow
	if err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("initiated_at DESC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("按工单查询工作流失败: %w", err)
	}
	return list, nil
}

// ListWorkflowsByDevice 按设备序列号查询工作流列表
func (r *GormRepository) ListWorkflowsByDevice(ctx context.Context, serialNumber string) ([]*ServiceWorkflow, error) {
	var list []*ServiceWorkflow
	if err := r.db.WithContext(ctx).
		Where("device_serial_number = ?", serialNumber).
		Order("initiated_at DESC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("按设备查询工作流失败: %w", err)
	}
	return list, nil
}

// ListWorkflows 分页查询全部工作流
func (r *GormRepository) ListWorkflows(ctx context.Context, page, pageSize int) ([]*ServiceWorkflow, int64, error) {
	query := r.db.WithContext(ctx).Model(&ServiceWorkflow{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计工作流数量失败: %w", err)
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var list []*ServiceWorkflow
	if err := query.
		Order("initiated_at DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&list).Error; err != nil {
		return nil, 0, fmt.Errorf("查询工作流列表失败: %w", err)
	}
	return list, total, nil
}

// FindStep 按 ID 查询步骤
func (r *GormRepository) FindStep(ctx context.Context, stepID string) (*WorkflowStep, error) {
	var step WorkflowStep
	if err := r.db.WithContext(ctx).Where("id = ?", stepID).First(&step).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStepNotFound
		}
		return nil, fmt.Errorf("查询步骤失败: %w", err)
	}
	return &step, nil
}

// FindStepByNumber 按 (工作流, 步骤号) 查询步骤
func (r *GormRepository) FindStepByNumber(ctx context.Context, workflowID string, stepNumber int) (*WorkflowStep, error) {
	var step WorkflowStep
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ? AND step_number = ?", workflowID, stepNumber).
		First(&step).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStepNotFound
		}
		return nil, fmt.Errorf("查询步骤失败: %w", err)
	}
	return &step, nil
}

// FindWorkflowSteps 查询工作流全部步骤，按步骤号升序
func (r *GormRepository) FindWorkflowSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error) {
	var steps []*WorkflowStep
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("step_number ASC").
		Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("查询工作流步骤失败: %w", err)
	}
	return steps, nil
}

// UpdateStep 保存步骤全部字段
func (r *GormRepository) UpdateStep(ctx context.Context, step *WorkflowStep) error {
	if err := r.db.WithContext(ctx).Save(step).Error; err != nil {
		return fmt.Errorf("更新步骤失败: %w", err)
	}
	return nil
}

// CreateAttachment 写入附件元数据
func (r *GormRepository) CreateAttachment(ctx context.Context, att *Attachment) error {
	if err := r.db.WithContext(ctx).Create(att).Error; err != nil {
		return fmt.Errorf("创建附件记录失败: %w", err)
	}
	return nil
}

// FindAttachment 按 ID 查询附件元数据
func (r *GormRepository) FindAttachment(ctx context.Context, attachmentID string) (*Attachment, error) {
	var att Attachment
	if err := r.db.WithContext(ctx).Where("id = ?", attachmentID).First(&att).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAttachmentNotFound
		}
		return nil, fmt.Errorf("查询附件失败: %w", err)
	}
	return &att, nil
}

// ListStepAttachments 查询步骤的全部附件，空列表不是错误
func (r *GormRepository) ListStepAttachments(ctx context.Context, stepID string) ([]*Attachment, error) {
	var list []*Attachment
	if err := r.db.WithContext(ctx).
		Where("step_id = ?", stepID).
		Order("uploaded_at ASC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询步骤附件失败: %w", err)
	}
	return list, nil
}

// DeleteAttachment 删除附件元数据
func (r *GormRepository) DeleteAttachment(ctx context.Context, attachmentID string) error {
	if err := r.db.WithContext(ctx).
		Where("id = ?", attachmentID).
		Delete(&Attachment{}).Error; err != nil {
		return fmt.Errorf("删除附件记录失败: %w", err)
	}
	return nil
}

// CreateAuditLog 追加一条审计日志
func (r *GormRepository) CreateAuditLog(ctx context.Context, entry *AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("写入审计日志失败: %w", err)
	}
	return nil
}

// ListWorkflowAuditLogs 查询工作流审计日志，按时间倒序
func (r *GormRepository) ListWorkflowAuditLogs(ctx context.Context, workflowID string) ([]*AuditLog, error) {
	var list []*AuditLog
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("performed_at DESC, id DESC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询审计日志失败: %w", err)
	}
	return list, nil
}
