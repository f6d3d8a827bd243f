package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/eldorplus/pki/internal/infrastructure/ratelimit"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// RateLimit throttles per authenticated subject, or per client IP for
// anonymous calls. Limiter failures let the call through.
func RateLimit(limiter ratelimit.Limiter, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if token := TokenFrom(c); token != nil && token.Subject != "" {
			key = "sub:" + token.Subject
		}

		res, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			log.Error(c.Request.Context(), "rate limiter failed", err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, &errors.ErrorResponse{
				Error:            "rate_limited",
				ErrorDescription: "too many requests",
			})
			return
		}
		c.Next()
	}
}
