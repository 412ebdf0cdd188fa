package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/compliance-core/compliance-core/internal/logging"
)

// LoggerMiddleware returns a Gin handler that emits one structured log record
// per request through the PHI-filtering logger. Client errors log at WARNING
// and server errors at ERROR so alerting can key off the level alone.
//
// The record inherits the correlation ID placed on the request context by
// CorrelationMiddleware, so it must be registered after it.
func LoggerMiddleware(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []logging.Field{
			logging.F("method", c.Request.Method),
			logging.F("path", c.Request.URL.Path),
			logging.F("status", status),
			logging.F("duration_ms", time.Since(start).Milliseconds()),
			logging.F("client_ip", c.ClientIP()),
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			log.Error(ctx, "request failed", fields...)
		case status >= 400:
			log.Warning(ctx, "request rejected", fields...)
		default:
			log.Info(ctx, "request completed", fields...)
		}
	}
}
