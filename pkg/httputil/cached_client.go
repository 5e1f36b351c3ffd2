package httputil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// CachedClient 在 Client 之上按 URL 缓存响应字节，
// 用于结果不随时间变化的查询（如序列号到设备档案的映射）。
// 只有成功响应会进入缓存。
type CachedClient struct {
	base *Client
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	body      []byte
	expiresAt time.Time
}

// CacheOption 缓存配置选项
type CacheOption func(*CachedClient)

// WithCacheTTL 设置缓存条目的存活时间
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(cc *CachedClient) {
		cc.ttl = ttl
	}
}

// NewCachedClient 创建带缓存的 JSON 客户端
func NewCachedClient(base *Client, opts ...CacheOption) *CachedClient {
	cc := &CachedClient{
		base:    base,
		ttl:     5 * time.Minute,
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(cc)
	}
	return cc
}

// GetJSON 优先读缓存，未命中或已过期时回源并写回缓存
func (cc *CachedClient) GetJSON(ctx context.Context, url string, result interface{}) error {
	if body, ok := cc.lookup(url); ok {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("解析缓存响应失败: %w", err)
		}
		return nil
	}

	body, err := cc.base.getBytes(ctx, url)
	if err != nil {
		return err
	}
	cc.store(url, body)

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("解析 JSON 响应失败: %w", err)
	}
	return nil
}

// lookup 读取未过期的缓存条目，过期条目顺带清除
func (cc *CachedClient) lookup(url string) ([]byte, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	entry, ok := cc.entries[url]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(cc.entries, url)
		return nil, false
	}
	return entry.body, true
}

func (cc *CachedClient) store(url string, body []byte) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.entries[url] = cacheEntry{
		body:      body,
		expiresAt: time.Now().Add(cc.ttl),
	}
}

// Purge 清空全部缓存条目
func (cc *CachedClient) Purge() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.entries = make(map[string]cacheEntry)
}
