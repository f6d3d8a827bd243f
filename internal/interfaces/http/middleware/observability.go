package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Observability records request totals and latency labeled by route template,
// and annotates the server span started by the otelhttp handler.
// Observability 按路由模板记录请求总数与延迟，并补充 otelhttp 创建的服务端 span。
func Observability(requests *prometheus.CounterVec, duration *prometheus.HistogramVec) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "not_found"
		}
		status := c.Writer.Status()
		requests.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
		duration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())

		span := trace.SpanFromContext(c.Request.Context())
		span.SetName(c.Request.Method + " " + path)
		span.SetAttributes(
			attribute.String("http.route", path),
			attribute.Int("http.status_code", status),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, strconv.Itoa(status))
		}
	}
}
