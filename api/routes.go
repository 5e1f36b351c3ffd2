package api

import (
	serviceflowHandlers "backend/api/handlers/serviceflow"

	"github.com/gin-gonic/gin"
)

// Handlers 全部 API Handler 的集合
type Handlers struct {
	Workflow *serviceflowHandlers.WorkflowHandler
	Step     *serviceflowHandlers.StepHandler
}

// RegisterRoutes 注册所有 API 路由，同时挂载 /api 与 /api/v1
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	registerAPIRoutes(router.Group("/api"), h)
	registerAPIRoutes(router.Group("/api/v1"), h)
}

func registerAPIRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	// 步骤静态定义
	definitions := apiGroup.Group("/step-definitions")
	{
		definitions.GET("", h.Workflow.GetStepDefinitions)
		definitions.GET("/:stepNumber/can-skip", h.Workflow.CanSkipStep)
	}

	// 维修工作流
	workflows := apiGroup.Group("/service-workflows")
	{
		workflows.POST("", h.Workflow.CreateWorkflow)
		workflows.GET("", h.Workflow.ListWorkflows)
		workflows.GET("/:id", h.Workflow.GetWorkflow)
		workflows.POST("/:id/cancel", h.Workflow.CancelWorkflow)
		workflows.GET("/:id/audit-logs", h.Workflow.GetAuditLogs)
		workflows.POST("/:id/report", h.Workflow.RequestReport)
	}

	// 工作流步骤
	steps := apiGroup.Group("/workflow-steps")
	{
		steps.PUT("/:stepId", h.Step.UpdateStep)
		steps.POST("/:stepId/attachments", h.Step.UploadAttachment)
		steps.GET("/:stepId/attachments", h.Step.ListAttachments)
	}

	// 附件
	attachments := apiGroup.Group("/attachments")
	{
		attachments.GET("/:id", h.Step.GetAttachment)
		attachments.GET("/:id/download", h.Step.DownloadAttachment)
		attachments.DELETE("/:id", h.Step.DeleteAttachment)
	}
}
