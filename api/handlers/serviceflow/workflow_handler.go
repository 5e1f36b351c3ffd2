package serviceflow

import (
	"errors"
	"net/http"
	"strconv"

	response "backend/api/handlers/common"
	flow "backend/internal/serviceflow"

	"github.com/gin-gonic/gin"
)

// WorkflowHandler 维修工作流 Handler
type WorkflowHandler struct {
	engine *flow.Engine
}

// NewWorkflowHandler 创建 WorkflowHandler 实例
func NewWorkflowHandler(engine *flow.Engine) *WorkflowHandler {
	return &WorkflowHandler{engine: engine}
}

// CreateWorkflow 创建维修工作流
func (h *WorkflowHandler) CreateWorkflow(c *gin.Context) {
	var req CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	wf, err := h.engine.CreateWorkflow(c.Request.Context(), req.TicketID, req.DeviceSerialNumber, req.InitiatedBy)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, wf)
}

// ListWorkflows 查询工作流列表。
// 支持 ticketId / deviceSerialNumber 过滤，否则分页返回全部。
func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	ctx := c.Request.Context()

	if ticketID := c.Query("ticketId"); ticketID != "" {
		list, err := h.engine.GetWorkflowsByTicket(ctx, ticketID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: list})
		return
	}

	if serial := c.Query("deviceSerialNumber"); serial != "" {
		list, err := h.engine.GetWorkflowsByDevice(ctx, serial)
		if err != nil {
			c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: list})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	list, total, err := h.engine.GetAllWorkflows(ctx, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.NewListResponse(list, page, pageSize, total))
}

// GetWorkflow 查询工作流完整快照（含全部步骤与定义）
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	detail, err := h.engine.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, flow.ErrWorkflowNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, detail)
}

// CancelWorkflow 取消工作流
func (h *WorkflowHandler) CancelWorkflow(c *gin.Context) {
	var req CancelWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	wf, err := h.engine.CancelWorkflow(c.Request.Context(), c.Param("id"), req.CancelledBy, req.Reason)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, flow.ErrWorkflowNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, wf)
}

// GetAuditLogs 查询工作流审计日志（最新在前）
func (h *WorkflowHandler) GetAuditLogs(c *gin.Context) {
	workflowID := c.Param("id")

	// 先确认工作流存在，区分 404 与空日志
	if _, err := h.engine.GetWorkflow(c.Request.Context(), workflowID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, flow.ErrWorkflowNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	logs, err := h.engine.GetWorkflowAuditLogs(c.Request.Context(), workflowID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: logs})
}

// RequestReport 请求异步生成维修报告
func (h *WorkflowHandler) RequestReport(c *gin.Context) {
	var req GenerateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}
	if req.ReportType == "" {
		req.ReportType = flow.ReportTypeSummary
	}

	if err := h.engine.RequestReport(c.Request.Context(), c.Param("id"), req.ReportType, req.RequestedBy); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, flow.ErrWorkflowNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, response.APIResponse{Success: true, Message: "报告生成任务已提交"})
}

// GetStepDefinitions 返回10个步骤的静态定义
func (h *WorkflowHandler) GetStepDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: h.engine.GetAllStepDefinitions()})
}

// CanSkipStep 判断某步骤在指定工作流里当前是否可跳过
func (h *WorkflowHandler) CanSkipStep(c *gin.Context) {
	stepNumber, err := strconv.Atoi(c.Param("stepNumber"))
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "无效的步骤号"})
		return
	}
	workflowID := c.Query("workflowId")
	if workflowID == "" {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "workflowId 不能为空"})
		return
	}

	canSkip, err := h.engine.CanSkipStep(c.Request.Context(), stepNumber, workflowID)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, flow.ErrStepNotFound) || errors.Is(err, flow.ErrWorkflowNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: gin.H{"canSkip": canSkip}})
}
