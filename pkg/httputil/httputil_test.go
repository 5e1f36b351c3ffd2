package httputil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type deviceRecord struct {
	DeviceID     string `json:"deviceId"`
	SerialNumber string `json:"serialNumber"`
}

func TestGetJSONDecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("期望 GET 请求, 实际 %s", r.Method)
		}
		if ua := r.Header.Get("User-Agent"); ua != "ServiceFlow/1.0" {
			t.Errorf("User-Agent 不正确: %s", ua)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deviceRecord{DeviceID: "dev-7", SerialNumber: "SN-1001"})
	}))
	defer server.Close()

	client := NewClient(WithTimeout(2 * time.Second))

	var rec deviceRecord
	if err := client.GetJSON(context.Background(), server.URL, &rec); err != nil {
		t.Fatalf("GetJSON 失败: %v", err)
	}
	if rec.DeviceID != "dev-7" || rec.SerialNumber != "SN-1001" {
		t.Fatalf("解码结果不正确: %+v", rec)
	}
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(deviceRecord{DeviceID: "dev-7"})
	}))
	defer server.Close()

	client := NewClient(WithRetries(2), WithBackoff(time.Millisecond))

	var rec deviceRecord
	if err := client.GetJSON(context.Background(), server.URL, &rec); err != nil {
		t.Fatalf("重试后仍失败: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("期望请求 3 次, 实际 %d 次", attempts)
	}
}

func TestGetJSONDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(WithRetries(3), WithBackoff(time.Millisecond))

	var rec deviceRecord
	if err := client.GetJSON(context.Background(), server.URL, &rec); err == nil {
		t.Fatal("4xx 应返回错误")
	}
	if attempts != 1 {
		t.Fatalf("4xx 不应重试, 实际请求 %d 次", attempts)
	}
}

func TestGetJSONExhaustsRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(WithRetries(2), WithBackoff(time.Millisecond))

	var rec deviceRecord
	if err := client.GetJSON(context.Background(), server.URL, &rec); err == nil {
		t.Fatal("持续 5xx 应最终返回错误")
	}
	if attempts != 3 {
		t.Fatalf("期望请求 1+2 次, 实际 %d 次", attempts)
	}
}

func TestCachedClientServesFromCache(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		json.NewEncoder(w).Encode(deviceRecord{DeviceID: "dev-7", SerialNumber: "SN-1001"})
	}))
	defer server.Close()

	cached := NewCachedClient(NewClient(), WithCacheTTL(time.Hour))
	ctx := context.Background()

	var first, second deviceRecord
	if err := cached.GetJSON(ctx, server.URL, &first); err != nil {
		t.Fatalf("首次查询失败: %v", err)
	}
	if err := cached.GetJSON(ctx, server.URL, &second); err != nil {
		t.Fatalf("二次查询失败: %v", err)
	}

	if requests != 1 {
		t.Fatalf("二次查询应命中缓存, 实际发出 %d 次请求", requests)
	}
	if second.DeviceID != first.DeviceID {
		t.Fatalf("缓存结果不一致: %+v vs %+v", first, second)
	}
}

func TestCachedClientExpiresEntries(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		json.NewEncoder(w).Encode(deviceRecord{DeviceID: "dev-7"})
	}))
	defer server.Close()

	cached := NewCachedClient(NewClient(), WithCacheTTL(30*time.Millisecond))
	ctx := context.Background()

	var rec deviceRecord
	if err := cached.GetJSON(ctx, server.URL, &rec); err != nil {
		t.Fatalf("首次查询失败: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if err := cached.GetJSON(ctx, server.URL, &rec); err != nil {
		t.Fatalf("过期后回源失败: %v", err)
	}

	if requests != 2 {
		t.Fatalf("过期后应重新回源, 实际发出 %d 次请求", requests)
	}
}

func TestCachedClientDoesNotCacheErrors(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(deviceRecord{DeviceID: "dev-7"})
	}))
	defer server.Close()

	cached := NewCachedClient(NewClient(), WithCacheTTL(time.Hour))
	ctx := context.Background()

	var rec deviceRecord
	if err := cached.GetJSON(ctx, server.URL, &rec); err == nil {
		t.Fatal("失败响应应返回错误")
	}
	if err := cached.GetJSON(ctx, server.URL, &rec); err != nil {
		t.Fatalf("失败不应被缓存, 二次查询应回源成功: %v", err)
	}
	if requests != 2 {
		t.Fatalf("期望回源 2 次, 实际 %d 次", requests)
	}
}

func TestCachedClientPurge(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		json.NewEncoder(w).Encode(deviceRecord{DeviceID: "dev-7"})
	}))
	defer server.Close()

	cached := NewCachedClient(NewClient(), WithCacheTTL(time.Hour))
	ctx := context.Background()

	var rec deviceRecord
	if err := cached.GetJSON(ctx, server.URL, &rec); err != nil {
		t.Fatalf("首次查询失败: %v", err)
	}
	cached.Purge()
	if err := cached.GetJSON(ctx, server.URL, &rec); err != nil {
		t.Fatalf("清空缓存后回源失败: %v", err)
	}
	if requests != 2 {
		t.Fatalf("清空缓存后应重新回源, 实际 %d 次请求", requests)
	}
}
