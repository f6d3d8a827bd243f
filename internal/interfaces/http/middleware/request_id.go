package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/logger"
)

// HeaderRequestID carries the correlation id of an HTTP call.
const HeaderRequestID = "X-Request-ID"

// RequestID propagates or assigns a correlation id and puts it on the request
// context, where the logger picks it up.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		ctx := context.WithValue(c.Request.Context(), constants.ContextKeyRequestID, id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Logging writes one access log line per call.
func Logging(log logger.Logger) gin.HandlerFunc {
	log = log.WithComponent("HTTP")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("latency", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			log.Warn(c.Request.Context(), "request failed", fields...)
			return
		}
		log.Info(c.Request.Context(), "request processed", fields...)
	}
}
