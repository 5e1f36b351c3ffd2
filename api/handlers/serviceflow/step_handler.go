package serviceflow

import (
	"errors"
	"net/http"

	response "backend/api/handlers/common"
	flow "backend/internal/serviceflow"

	"github.com/gin-gonic/gin"
)

// StepHandler 工作流步骤 Handler
type StepHandler struct {
	engine      *flow.Engine
	attachments *flow.AttachmentManager
	maxFileSize int64
}

// NewStepHandler 创建 StepHandler 实例
func NewStepHandler(engine *flow.Engine, attachments *flow.AttachmentManager, maxFileSize int64) *StepHandler {
	return &StepHandler{
		engine:      engine,
		attachments: attachments,
		maxFileSize: maxFileSize,
	}
}

// UpdateStep 更新步骤数据/状态。
// 校验失败返回 422 与全部违规字段，单次往返即可展示所有问题。
func (h *StepHandler) UpdateStep(c *gin.Context) {
	var req UpdateStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	step, err := h.engine.UpdateWorkflowStep(c.Request.Context(), c.Param("stepId"), req.Updates, req.AgentID)
	if err != nil {
		var vErr *flow.ValidationFailedError
		switch {
		case errors.As(err, &vErr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"success": false,
				"message": "校验失败",
				"errors":  vErr.Errors,
			})
		case errors.Is(err, flow.ErrStepNotFound), errors.Is(err, flow.ErrWorkflowNotFound):
			c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, step)
}

// UploadAttachment 上传步骤附件（multipart 表单，字段名 file）
func (h *StepHandler) UploadAttachment(c *gin.Context) {
	uploadedBy := c.PostForm("uploadedBy")
	if uploadedBy == "" {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "uploadedBy 不能为空"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "缺少上传文件: " + err.Error()})
		return
	}
	if h.maxFileSize > 0 && fileHeader.Size > h.maxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, response.ErrorResponse{Success: false, Message: "文件超过大小限制"})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "读取上传文件失败: " + err.Error()})
		return
	}
	defer src.Close()

	att, err := h.attachments.Upload(c.Request.Context(), c.Param("stepId"), &flow.UploadedFile{
		OriginalName: fileHeader.Filename,
		Size:         fileHeader.Size,
		MimeType:     fileHeader.Header.Get("Content-Type"),
		Reader:       src,
	}, uploadedBy)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, flow.ErrStepNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, att)
}

// ListAttachments 查询步骤附件列表，无附件返回空列表
func (h *StepHandler) ListAttachments(c *gin.Context) {
	list, err := h.attachments.GetStepAttachments(c.Request.Context(), c.Param("stepId"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, flow.ErrStepNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: list})
}

// GetAttachment 查询附件元数据
func (h *StepHandler) GetAttachment(c *gin.Context) {
	att, err := h.attachments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, flow.ErrAttachmentNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, att)
}

// DownloadAttachment 下载附件物理文件
func (h *StepHandler) DownloadAttachment(c *gin.Context) {
	att, reader, err := h.attachments.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, flow.ErrAttachmentNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", `attachment; filename="`+att.OriginalName+`"`)
	c.DataFromReader(http.StatusOK, att.FileSize, att.MimeType, reader, nil)
}

// DeleteAttachment 删除附件，返回被删除的元数据
func (h *StepHandler) DeleteAttachment(c *gin.Context) {
	deletedBy := c.Query("deletedBy")
	if deletedBy == "" {
		deletedBy = "unknown"
	}

	att, err := h.attachments.Delete(c.Request.Context(), c.Param("id"), deletedBy)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, flow.ErrAttachmentNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "附件已删除", Data: att})
}
