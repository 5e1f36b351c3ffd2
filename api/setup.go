package api

import (
	"time"

	serviceflowHandlers "backend/api/handlers/serviceflow"
	"backend/internal/config"
	"backend/internal/infra"
	"backend/internal/infra/queue"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/serviceflow"
	"backend/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupRouter 设置并返回 Gin 路由和 Worker 服务器
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *worker.Server) {
	router := gin.New()

	// 统一归一化 Redis 配置，优先使用 cfg.Redis，再回退到环境变量
	redisCfg := normalizeRedisConfig(cfg.Redis)
	cfg.Redis = redisCfg

	// 初始化队列客户端
	queueClient := queue.NewClient(redisCfg)

	// 初始化 Redis 客户端（工作流编号序列）
	var sequence serviceflow.NumberSequence
	if redisClient, err := infra.InitRedis(&redisCfg); err != nil {
		logger.Warn("Redis 不可用，工作流编号序列退回进程内实现", zap.Error(err))
		sequence = serviceflow.NewLocalNumberSequence(time.Now().UTC().UnixNano() % 1_000_000)
	} else {
		sequence = serviceflow.NewRedisNumberSequence(redisClient, "")
	}

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger())
	router.Use(CORS())

	// Prometheus 指标收集中间件
	router.Use(metrics.PrometheusMiddleware())

	// 公开端点（不需要认证）
	router.GET("/health", HealthCheck(db))
	router.GET("/ready", ReadinessCheck(db))

	// Prometheus 指标端点
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 初始化设备解析器（未配置设备台账服务时禁用异步解析）
	var resolver serviceflow.DeviceResolver
	var enqueuer serviceflow.TaskEnqueuer = queueClient
	if cfg.Device.BaseURL != "" {
		resolver = serviceflow.NewHTTPDeviceResolver(cfg.Device.BaseURL, time.Duration(cfg.Device.TimeoutSeconds)*time.Second)
	} else {
		logger.Warn("未配置设备台账服务，设备解析已禁用")
		enqueuer = &noDeviceEnqueuer{inner: queueClient}
	}

	// 初始化核心服务
	repo := serviceflow.NewGormRepository(db)
	audit := serviceflow.NewAuditLogger(repo, logger.Get())
	registry := serviceflow.NewStepDefinitionRegistry()
	engine := serviceflow.NewEngine(repo, registry, audit, sequence, enqueuer, logger.Get())
	attachments := serviceflow.NewAttachmentManager(repo, audit, cfg.Storage.AttachmentDir, logger.Get())
	reports := serviceflow.NewReportGenerator(engine, cfg.Storage.ReportDir, logger.Get())

	// 初始化 Handlers 并注册路由
	handlers := &Handlers{
		Workflow: serviceflowHandlers.NewWorkflowHandler(engine),
		Step:     serviceflowHandlers.NewStepHandler(engine, attachments, cfg.Storage.MaxFileSize),
	}
	RegisterRoutes(router, handlers)

	// 初始化 Worker 服务器
	workerServer := worker.NewServer(redisCfg, cfg.Worker.Concurrency, resolver, engine, reports, logger.Get())

	return router, workerServer
}

// noDeviceEnqueuer 设备解析未启用时丢弃设备解析任务，其余任务正常入队
type noDeviceEnqueuer struct {
	inner queue.Client
}

func (e *noDeviceEnqueuer) EnqueueResolveDevice(workflowID, serialNumber string) error {
	return nil
}

func (e *noDeviceEnqueuer) EnqueueGenerateReport(workflowID, reportType, requestedBy string) error {
	return e.inner.EnqueueGenerateReport(workflowID, reportType, requestedBy)
}
