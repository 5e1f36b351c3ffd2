package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"backend/internal/serviceflow"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// DeviceApplier 设备解析结果回写抽象，便于注入 mock
type DeviceApplier interface {
	ApplyDeviceResolution(ctx context.Context, workflowID, deviceID string) error
}

type DeviceHandler struct {
	resolver serviceflow.DeviceResolver
	applier  DeviceApplier
	logger   *zap.Logger
}

func NewDeviceHandler(resolver serviceflow.DeviceResolver, applier DeviceApplier, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		resolver: resolver,
		applier:  applier,
		logger:   logger,
	}
}

// HandleResolveDevice 查询设备台账并把设备 ID 回写到工作流
func (h *DeviceHandler) HandleResolveDevice(ctx context.Context, t *asynq.Task) error {
	var p tasks.ResolveDevicePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	h.logger.Info("开始解析设备",
		zap.String("workflow_id", p.WorkflowID),
		zap.String("serial_number", p.SerialNumber),
	)

	deviceID, err := h.resolver.ResolveSerialNumber(ctx, p.SerialNumber)
	if err != nil {
		h.logger.Error("设备解析失败",
			zap.String("workflow_id", p.WorkflowID),
			zap.String("serial_number", p.SerialNumber),
			zap.Error(err),
		)
		return err
	}

	if err := h.applier.ApplyDeviceResolution(ctx, p.WorkflowID, deviceID); err != nil {
		h.logger.Error("设备解析结果回写失败",
			zap.String("workflow_id", p.WorkflowID),
			zap.Error(err),
		)
		return err
	}

	h.logger.Info("设备解析完成",
		zap.String("workflow_id", p.WorkflowID),
		zap.String("device_id", deviceID),
	)
	return nil
}
