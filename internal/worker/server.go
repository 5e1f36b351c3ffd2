package worker

import (
	"context"
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/metrics"
	"backend/internal/serviceflow"
	"backend/internal/worker/handlers"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

func NewServer(
	cfg config.RedisConfig,
	concurrency int,
	resolver serviceflow.DeviceResolver,
	engine *serviceflow.Engine,
	reports *serviceflow.ReportGenerator,
	logger *zap.Logger,
) *Server {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"serviceflow": 6, // 业务任务优先级高
				"default":     1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.Use(metricsMiddleware)

	// 注册设备解析处理器（未配置设备台账服务时不注册）
	if resolver != nil {
		deviceHandler := handlers.NewDeviceHandler(resolver, engine, logger)
		mux.HandleFunc(tasks.TypeResolveDevice, deviceHandler.HandleResolveDevice)
	}

	// 注册报告生成处理器
	reportHandler := handlers.NewReportHandler(reports, logger)
	mux.HandleFunc(tasks.TypeGenerateReport, reportHandler.HandleGenerateReport)

	return &Server{
		server: srv,
		mux:    mux,
		logger: logger,
	}
}

// metricsMiddleware 统计任务处理次数与耗时
func metricsMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		err := next.ProcessTask(ctx, t)

		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.WorkerTasksTotal.WithLabelValues(t.Type(), status).Inc()
		metrics.WorkerTaskDuration.WithLabelValues(t.Type()).Observe(time.Since(start).Seconds())
		return err
	})
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.server.Shutdown()
}
