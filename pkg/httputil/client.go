package httputil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client 面向内部服务查询的小型 JSON 客户端。
// 只做 GET + JSON 解码；网络错误与 5xx 做有限次退避重试，4xx 立即失败。
type Client struct {
	hc      *http.Client
	retries int
	backoff time.Duration
	agent   string
}

// ClientOption 客户端配置选项
type ClientOption func(*Client)

// WithTimeout 设置单次请求超时
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.hc.Timeout = timeout
	}
}

// WithRetries 设置失败后的额外重试次数
func WithRetries(retries int) ClientOption {
	return func(c *Client) {
		c.retries = retries
	}
}

// WithBackoff 设置重试退避基数，第 n 次重试前等待 n*backoff
func WithBackoff(backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.backoff = backoff
	}
}

// NewClient 创建 JSON 客户端
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		hc:      &http.Client{Timeout: 10 * time.Second},
		backoff: 100 * time.Millisecond,
		agent:   "ServiceFlow/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetJSON 发送 GET 请求并把响应解码到 result
func (c *Client) GetJSON(ctx context.Context, url string, result interface{}) error {
	body, err := c.getBytes(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("解析 JSON 响应失败: %w", err)
	}
	return nil
}

// getBytes 带重试地读取响应体。重试之间等待递增的退避间隔，
// 上下文取消会立刻中断等待。
func (c *Client) getBytes(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}

		body, retryable, err := c.getOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

// getOnce 执行一次 GET。第二个返回值标记该错误是否值得重试。
func (c *Client) getOnce(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("读取响应失败: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, false, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, true, fmt.Errorf("服务端错误: HTTP %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("请求返回状态 HTTP %d", resp.StatusCode)
	}
}
