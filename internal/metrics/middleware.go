package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// 自身端点与探针不计入业务指标
var skipPaths = map[string]struct{}{
	"/metrics": {},
	"/health":  {},
	"/ready":   {},
}

// PrometheusMiddleware 按请求记录 QPS、延迟与报文大小
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, skip := skipPaths[c.Request.URL.Path]; skip {
			c.Next()
			return
		}

		start := time.Now()
		requestSize := c.Request.ContentLength

		c.Next()

		route := routeLabel(c)
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		APIRequestsTotal.WithLabelValues(method, route, status).Inc()
		APIRequestDuration.WithLabelValues(method, route).Observe(duration)

		if requestSize > 0 {
			APIRequestSize.WithLabelValues(method, route).Observe(float64(requestSize))
		}
		if respSize := c.Writer.Size(); respSize >= 0 {
			APIResponseSize.WithLabelValues(method, route).Observe(float64(respSize))
		}
	}
}

// routeLabel 使用路由模板作为标签（如 /api/service-workflows/:id）。
// 未匹配任何路由的请求统一归入 unmatched，避免标签基数被任意 URL 撑爆。
func routeLabel(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return "unmatched"
}
