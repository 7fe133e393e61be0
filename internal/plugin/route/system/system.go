// Package system provides liveness, readiness, and metrics endpoints plus the
// unauthenticated service.* actions.
package system

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thinkdrop/user-memory-service/internal/mcp"
	registryroute "github.com/thinkdrop/user-memory-service/internal/registry/route"
	"github.com/thinkdrop/user-memory-service/internal/service"
)

var (
	ready   atomic.Bool
	started = time.Now()
)

// MarkReady signals that the service has finished initializing and is ready to
// serve traffic. Call this once StartServer has completed successfully.
func MarkReady() {
	ready.Store(true)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 0,
		Type:  registryroute.RouteTypeManagement,
		Loader: func(r *gin.Engine) error {
			// Liveness: process is up
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			// Readiness: service has finished initializing
			r.GET("/ready", func(c *gin.Context) {
				if ready.Load() {
					c.JSON(http.StatusOK, gin.H{"status": "ready"})
				} else {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
				}
			})

			// Prometheus metrics
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))

			return nil
		},
	})
}

// Actions lists every envelope action the service accepts.
var Actions = []string{
	"memory.store",
	"memory.search",
	"memory.retrieve",
	"memory.update",
	"memory.delete",
	"memory.list",
	"memory.classify-conversational-query",
	"memory.debug-embedding",
	"memory.health-check",
	"memory.getRecentOcr",
	"skills.store-prompt",
	"skills.search-prompts",
	"skills.increment-prompt-hit",
	"context-rules.store",
	"context-rules.get",
	"context-rules.list",
	"context-rules.delete",
	"skill-registry.install",
	"skill-registry.list",
	"skill-registry.get",
	"skill-registry.set-enabled",
	"skill-registry.remove",
	"service.health",
	"service.capabilities",
}

// MountRoutes wires the unauthenticated service.* actions onto the main
// engine. These carry the mcp.v1 envelope but require no bearer token so
// orchestrators can probe the pipeline.
func MountRoutes(r *gin.Engine, svc *service.MemoryService) {
	r.POST("/service.health", mcp.GinHandler("service.health", service.ErrorCode,
		func(c *gin.Context, req *mcp.Request) (any, error) {
			return svc.HealthCheck(c.Request.Context())
		}))

	r.POST("/service.capabilities", mcp.GinHandler("service.capabilities", service.ErrorCode,
		func(c *gin.Context, req *mcp.Request) (any, error) {
			return gin.H{
				"service":       mcp.ServiceName,
				"version":       mcp.Version,
				"actions":       Actions,
				"uptimeSeconds": int64(time.Since(started).Seconds()),
			}, nil
		}))
}
