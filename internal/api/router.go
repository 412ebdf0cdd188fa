// Package api wires together all HTTP routes for the compliance core.
//
// Route grouping philosophy:
//   - /healthz and /version are public liveness surfaces with no audit
//     side effects.
//   - /v1/audit/ carries the audit trail operations. Recording an action
//     writes both to the operational log stream (as an AUDIT-tagged record)
//     and to the hash-chained trail; reads never mutate the chain.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/compliance-core/compliance-core/internal/audit"
	"github.com/compliance-core/compliance-core/internal/config"
	"github.com/compliance-core/compliance-core/internal/logging"
	"github.com/compliance-core/compliance-core/internal/middleware"
)

// Version is the service version reported by /version. Overridable at build
// time with -ldflags "-X ...api.Version=x.y.z".
var Version = "0.1.0"

// Deps carries the wired components the router serves.
type Deps struct {
	Config *config.Config
	Trail  *audit.Trail
	Logger *logging.Logger
	// Ping reports backing-store health for /healthz; nil means the store
	// has no external dependency to probe.
	Ping func() error
}

// NewRouter creates and configures the Gin router
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware(deps.Logger))

	router.GET("/healthz", healthCheckHandler(deps.Ping))
	router.GET("/version", versionHandler())

	h := newAuditHandlers(deps.Trail, deps.Logger)

	v1 := router.Group("/v1/audit")
	{
		v1.POST("/actions", h.recordAction)
		v1.GET("/entries", h.listEntries)
		v1.GET("/verify", h.verify)
		v1.GET("/export", h.export)
	}

	return router
}

// healthCheckHandler returns the health status of the service
func healthCheckHandler(ping func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ping != nil {
			if err := ping(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "audit store connection failed",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
