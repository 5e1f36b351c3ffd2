package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口。实现了 serviceflow.TaskEnqueuer。
type Client interface {
	EnqueueResolveDevice(workflowID, serialNumber string) error
	EnqueueGenerateReport(workflowID, reportType, requestedBy string) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &asynqClient{client: client}
}

// EnqueueResolveDevice 入队设备解析任务。
// 设备台账可能暂时不可达，允许多次重试
func (c *asynqClient) EnqueueResolveDevice(workflowID, serialNumber string) error {
	payload, err := json.Marshal(tasks.ResolveDevicePayload{
		WorkflowID:   workflowID,
		SerialNumber: serialNumber,
	})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeResolveDevice, payload)

	_, err = c.client.Enqueue(task,
		asynq.MaxRetry(5),
		asynq.Timeout(1*time.Minute),
		asynq.Queue("serviceflow"),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

// EnqueueGenerateReport 入队报告生成任务
func (c *asynqClient) EnqueueGenerateReport(workflowID, reportType, requestedBy string) error {
	payload, err := json.Marshal(tasks.GenerateReportPayload{
		WorkflowID:  workflowID,
		ReportType:  reportType,
		RequestedBy: requestedBy,
	})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeGenerateReport, payload)

	_, err = c.client.Enqueue(task,
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Queue("serviceflow"),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
