package serviceflow

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"backend/pkg/httputil"
)

// DeviceResolver 设备档案解析接口：把客户报的序列号解析为设备台账里的设备 ID。
// 解析在 worker 中异步执行，失败或超时不影响工作流推进。
type DeviceResolver interface {
	ResolveSerialNumber(ctx context.Context, serialNumber string) (deviceID string, err error)
}

// HTTPDeviceResolver 基于设备台账服务 HTTP 接口的解析实现。
// 序列号与设备的对应关系不变，查询结果走内存缓存。
type HTTPDeviceResolver struct {
	client  *httputil.CachedClient
	baseURL string
}

// NewHTTPDeviceResolver 创建 HTTP 设备解析器
func NewHTTPDeviceResolver(baseURL string, timeout time.Duration) *HTTPDeviceResolver {
	base := httputil.NewClient(
		httputil.WithTimeout(timeout),
		httputil.WithRetries(2),
	)
	return &HTTPDeviceResolver{
		client:  httputil.NewCachedClient(base, httputil.WithCacheTTL(time.Hour)),
		baseURL: baseURL,
	}
}

// deviceLookupResponse 设备台账服务的查询响应
type deviceLookupResponse struct {
	DeviceID     string `json:"deviceId"`
	SerialNumber string `json:"serialNumber"`
	Model        string `json:"model"`
}

// ResolveSerialNumber 按序列号查询设备台账
func (r *HTTPDeviceResolver) ResolveSerialNumber(ctx context.Context, serialNumber string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/devices/by-serial/%s", r.baseURL, url.PathEscape(serialNumber))

	var resp deviceLookupResponse
	if err := r.client.GetJSON(ctx, endpoint, &resp); err != nil {
		return "", fmt.Errorf("查询设备台账失败: %w", err)
	}
	if resp.DeviceID == "" {
		return "", fmt.Errorf("设备台账未收录序列号 %s", serialNumber)
	}
	return resp.DeviceID, nil
}
