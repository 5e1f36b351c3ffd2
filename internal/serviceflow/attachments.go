package serviceflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"backend/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UploadedFile 上传文件的入参视图，与具体传输层（multipart 等）解耦
type UploadedFile struct {
	OriginalName string
	Size         int64
	MimeType     string
	Reader       io.Reader
}

// AttachmentManager 附件管理器。
// 写入顺序固定为"先落盘、后记账"：物理文件持久化成功之前绝不写元数据，
// 保证数据库里的每条附件记录都指向真实存在的文件。
type AttachmentManager struct {
	repo    Repository
	audit   *AuditLogger
	baseDir string
	logger  *zap.Logger
}

// NewAttachmentManager 创建附件管理器
func NewAttachmentManager(repo Repository, audit *AuditLogger, baseDir string, logger *zap.Logger) *AttachmentManager {
	return &AttachmentManager{
		repo:    repo,
		audit:   audit,
		baseDir: baseDir,
		logger:  logger,
	}
}

// Upload 上传步骤附件。
// 文件先写入同目录临时文件并刷盘，再原子重命名为最终文件名（uuid+原扩展名），
// 最后写入元数据行。元数据写入失败时回收已落盘的文件。
func (m *AttachmentManager) Upload(ctx context.Context, stepID string, file *UploadedFile, uploadedBy string) (*Attachment, error) {
	step, err := m.repo.FindStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(m.baseDir, step.WorkflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建附件目录失败: %w", err)
	}

	storedName := uuid.New().String() + filepath.Ext(file.OriginalName)
	finalPath := filepath.Join(dir, storedName)

	if err := m.writeFile(dir, finalPath, file.Reader); err != nil {
		return nil, err
	}

	att := &Attachment{
		ID:           uuid.New().String(),
		StepID:       step.ID,
		WorkflowID:   step.WorkflowID,
		FileName:     storedName,
		OriginalName: file.OriginalName,
		FilePath:     finalPath,
		FileSize:     file.Size,
		MimeType:     file.MimeType,
		UploadedBy:   uploadedBy,
		UploadedAt:   time.Now().UTC(),
	}
	if err := m.repo.CreateAttachment(ctx, att); err != nil {
		// 记账失败，回收孤儿文件
		if rmErr := os.Remove(finalPath); rmErr != nil {
			m.logger.Warn("回收附件文件失败",
				zap.String("path", finalPath),
				zap.Error(rmErr),
			)
		}
		return nil, err
	}

	m.audit.Log(ctx, step.WorkflowID, step.ID, ActionAttachmentUploaded,
		fmt.Sprintf("步骤 %d 上传附件 %s", step.StepNumber, file.OriginalName),
		uploadedBy,
		map[string]any{"attachmentId": att.ID, "originalName": file.OriginalName, "size": file.Size},
	)
	metrics.AttachmentUploadsTotal.Inc()
	return att, nil
}

// writeFile 临时文件 + fsync + 原子重命名，目标路径上永远不会出现半截文件
func (m *AttachmentManager) writeFile(dir, finalPath string, r io.Reader) error {
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		cleanup()
		return fmt.Errorf("写入附件内容失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("刷盘失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("附件落盘失败: %w", err)
	}
	return nil
}

// Get 查询附件元数据
func (m *AttachmentManager) Get(ctx context.Context, attachmentID string) (*Attachment, error) {
	return m.repo.FindAttachment(ctx, attachmentID)
}

// GetStepAttachments 查询步骤的全部附件，无附件返回空列表
func (m *AttachmentManager) GetStepAttachments(ctx context.Context, stepID string) ([]*Attachment, error) {
	if _, err := m.repo.FindStep(ctx, stepID); err != nil {
		return nil, err
	}
	return m.repo.ListStepAttachments(ctx, stepID)
}

// Open 打开附件物理文件供下载，调用方负责关闭
func (m *AttachmentManager) Open(ctx context.Context, attachmentID string) (*Attachment, io.ReadCloser, error) {
	att, err := m.repo.FindAttachment(ctx, attachmentID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(att.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("打开附件文件失败: %w", err)
	}
	return att, f, nil
}

// Delete 删除附件，返回被删除的元数据。元数据删除是权威动作，必须成功；
// 物理文件删除尽力而为，失败只告警（文件可能已被运维清理）。
func (m *AttachmentManager) Delete(ctx context.Context, attachmentID, deletedBy string) (*Attachment, error) {
	att, err := m.repo.FindAttachment(ctx, attachmentID)
	if err != nil {
		return nil, err
	}

	if err := m.repo.DeleteAttachment(ctx, att.ID); err != nil {
		return nil, err
	}

	if err := os.Remove(att.FilePath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("删除附件物理文件失败",
			zap.String("attachment_id", att.ID),
			zap.String("path", att.FilePath),
			zap.Error(err),
		)
	}

	m.audit.Log(ctx, att.WorkflowID, att.StepID, ActionAttachmentDeleted,
		fmt.Sprintf("删除附件 %s", att.OriginalName),
		deletedBy,
		map[string]any{"attachmentId": att.ID, "originalName": att.OriginalName},
	)
	return att, nil
}
