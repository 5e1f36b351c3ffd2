package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serviceflow_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "serviceflow_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets, // 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10
		},
		[]string{"method", "path"},
	)

	// APIRequestSize API 请求体大小（字节）
	APIRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "serviceflow_api_request_size_bytes",
			Help:    "API 请求体大小分布",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path"},
	)

	// APIResponseSize API 响应体大小（字节）
	APIResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "serviceflow_api_response_size_bytes",
			Help:    "API 响应体大小分布",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path"},
	)
)

// 工作流生命周期指标
var (
	// WorkflowsCreatedTotal 创建的维修工作流总数
	WorkflowsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serviceflow_workflows_created_total",
			Help: "创建的维修工作流总数",
		},
	)

	// WorkflowsCompletedTotal 完成的维修工作流总数
	WorkflowsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serviceflow_workflows_completed_total",
			Help: "完成的维修工作流总数",
		},
	)

	// WorkflowsCancelledTotal 取消的维修工作流总数
	WorkflowsCancelledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serviceflow_workflows_cancelled_total",
			Help: "取消的维修工作流总数",
		},
	)

	// StepsCompletedTotal 完成的步骤总数（按步骤号）
	StepsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serviceflow_steps_completed_total",
			Help: "完成的工作流步骤总数",
		},
		[]string{"step_number"},
	)

	// StepsSkippedTotal 跳过的步骤总数（按步骤号）
	StepsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serviceflow_steps_skipped_total",
			Help: "跳过的工作流步骤总数",
		},
		[]string{"step_number"},
	)

	// ValidationFailuresTotal 步骤校验失败总数（按步骤号）
	ValidationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serviceflow_validation_failures_total",
			Help: "步骤更新校验失败总数",
		},
		[]string{"step_number"},
	)

	// AttachmentUploadsTotal 附件上传总数
	AttachmentUploadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serviceflow_attachment_uploads_total",
			Help: "附件上传总数",
		},
	)
)

// 异步任务指标
var (
	// WorkerTasksTotal worker 任务处理总数
	WorkerTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serviceflow_worker_tasks_total",
			Help: "worker 任务处理总数",
		},
		[]string{"task_type", "status"},
	)

	// WorkerTaskDuration worker 任务处理耗时（秒）
	WorkerTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "serviceflow_worker_task_duration_seconds",
			Help:    "worker 任务处理耗时分布",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"task_type"},
	)
)

// 数据库指标
var (
	// DBConnections 数据库连接数
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "serviceflow_db_connections",
			Help: "数据库连接数",
		},
		[]string{"state"}, // state: open, in_use, idle
	)
)

// 系统指标
var (
	// BuildInfo 构建信息
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "serviceflow_build_info",
			Help: "ServiceFlow 构建信息",
		},
		[]string{"version", "go_version", "commit"},
	)
)

// RecordBuildInfo 记录构建信息
func RecordBuildInfo(version, goVersion, commit string) {
	BuildInfo.WithLabelValues(version, goVersion, commit).Set(1)
}
