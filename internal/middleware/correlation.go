package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/compliance-core/compliance-core/internal/logging"
)

const (
	// CorrelationIDHeader is the canonical HTTP header used to propagate the
	// correlation identifier across service boundaries.
	CorrelationIDHeader = "X-Correlation-ID"

	// CorrelationIDKey is the gin.Context key under which the correlation ID is
	// stored so handlers can retrieve it without reading the request headers.
	CorrelationIDKey = "correlation_id"
)

// CorrelationMiddleware returns a Gin handler that ensures every request
// carries a correlation identifier.
//
// Behaviour:
//   - If the inbound request already carries an X-Correlation-ID header (set by
//     an upstream gateway or caller), its value is reused unchanged.
//   - Otherwise a new UUID v4 is generated for the request.
//
// The identifier is attached to the request context via the logging package,
// so every log record and audit diagnostic emitted while handling the request
// carries the same correlation_id without the handlers passing it explicitly.
// It is also echoed back in the response header so clients can correlate their
// request with server-side log entries.
//
// Register this middleware as early as possible so all downstream logging
// includes the ID:
//
//	router.Use(gin.Recovery())
//	router.Use(CorrelationMiddleware())
//	router.Use(MetricsMiddleware())
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationIDHeader)
		if id == "" {
			id = logging.NewCorrelationID()
		}

		// Rebind the request so ctx-aware code below sees the ID.
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), id))
		c.Set(CorrelationIDKey, id)

		// Echo back to caller so they can correlate their request with server-side logs.
		c.Header(CorrelationIDHeader, id)

		c.Next()
	}
}
