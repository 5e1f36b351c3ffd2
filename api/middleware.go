package api

import (
	"net/http"
	"strings"
	"time"

	"backend/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestID 为每个请求分配追踪 ID。调用方带 X-Request-Id 时沿用，
// 否则生成新 ID；ID 写回响应头并注入请求上下文供日志关联。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Request-Id")
		if traceID == "" {
			traceID = uuid.New().String()
		}

		c.Writer.Header().Set("X-Request-Id", traceID)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), traceID))
		c.Next()
	}
}

// RequestLogger 请求日志中间件。健康探针与指标端点不记日志；
// 5xx 提升为 Error 级别。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.Request.URL.Path
		switch path {
		case "/health", "/ready", "/metrics":
			return
		}

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}

		log := logger.WithContext(c.Request.Context())
		if status >= http.StatusInternalServerError {
			log.Error("HTTP 请求", fields...)
		} else {
			log.Info("HTTP 请求", fields...)
		}
	}
}

// 坐席工作台前端实际用到的方法与请求头
var (
	corsDefaultMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	corsDefaultHeaders = []string{
		"Content-Type", "Content-Length", "Accept", "Origin",
		"Authorization", "X-Request-Id", "X-Requested-With",
	}
)

// CORS 跨域中间件。CORS_ALLOW_ORIGINS 未配置时放行全部来源，
// 配置后只回显白名单内的来源。
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowedOrigins := getEnvList("CORS_ALLOW_ORIGINS")
		origin := c.GetHeader("Origin")

		switch {
		case len(allowedOrigins) == 0:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && stringInSlice(origin, allowedOrigins):
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")

		methods := defaultIfEmpty(getEnvList("CORS_ALLOW_METHODS"), corsDefaultMethods)
		headers := defaultIfEmpty(getEnvList("CORS_ALLOW_HEADERS"), corsDefaultHeaders)
		c.Writer.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
		c.Writer.Header().Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
		c.Writer.Header().Set("Access-Control-Max-Age", "600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
