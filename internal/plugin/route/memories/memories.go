// Package memories mounts the memory.* action endpoints.
package memories

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/thinkdrop/user-memory-service/internal/classifier"
	"github.com/thinkdrop/user-memory-service/internal/mcp"
	"github.com/thinkdrop/user-memory-service/internal/service"
)

// MountRoutes wires the memory.* actions onto the engine. Every action is a
// POST on its own path carrying the mcp.v1 envelope, behind the given auth
// middleware.
func MountRoutes(r *gin.Engine, svc *service.MemoryService, auth gin.HandlerFunc) {
	mount := func(action string, fn mcp.HandlerFunc) {
		r.POST("/"+action, auth, mcp.GinHandler(action, service.ErrorCode, fn))
	}

	mount("memory.store", func(c *gin.Context, req *mcp.Request) (any, error) {
		var p service.StoreRequest
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return svc.Store(c.Request.Context(), req.Context.ResolveUserID(""), p)
	})

	mount("memory.search", func(c *gin.Context, req *mcp.Request) (any, error) {
		var p service.SearchRequest
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			p.SessionID = req.Context.SessionID
		}
		return svc.Search(c.Request.Context(), req.Context.ResolveUserID(""), p)
	})

	mount("memory.retrieve", func(c *gin.Context, req *mcp.Request) (any, error) {
		var p struct {
			MemoryID string `json:"memoryId"`
		}
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return svc.Retrieve(c.Request.Context(), req.Context.ResolveUserID(""), p.MemoryID)
	})

	mount("memory.update", func(c *gin.Context, req *mcp.Request) (any, error) {
		var p service.UpdateRequest
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return svc.Update(c.Request.Context(), req.Context.ResolveUserID(""), p)
	})

	mount("memory.delete", func(c *gin.Context, req *mcp.Request) (any, error) {
		var p struct {
			MemoryID string `json:"memoryId"`
		}
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return svc.Delete(c.Request.Context(), req.Context.ResolveUserID(""), p.MemoryID)
	})

	mount("memory.list", func(c *gin.Context, req *mcp.Request) (any, error) {
		var p service.ListRequest
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return svc.List(c.Request.Context(), req.Context.ResolveUserID(""), p)
	})

	mount("memory.classify-conversational-query", func(c *gin.Context, req *mcp.Request) (any, error) {
		var p struct {
			Query string `json:"query"`
		}
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		if p.Query == "" {
			return nil, fmt.Errorf("%w: query is required", service.ErrInvalidRequest)
		}
		return classifier.Classify(p.Query, classifier.Context{
			SessionID:    req.Context.SessionID,
			MessageCount: req.Context.MessageCount,
			HasHistory:   req.Context.HasHistory,
		}), nil
	})

	mount("memory.debug-embedding", func(c *gin.Context, req *mcp.Request) (any, error) {
		var p struct {
			Text string `json:"text"`
		}
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return svc.DebugEmbedding(c.Request.Context(), p.Text)
	})

	mount("memory.health-check", func(c *gin.Context, req *mcp.Request) (any, error) {
		return svc.HealthCheck(c.Request.Context())
	})

	mount("memory.getRecentOcr", func(c *gin.Context, req *mcp.Request) (any, error) {
		var p struct {
			Limit int `json:"limit"`
		}
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return svc.RecentOcr(c.Request.Context(), req.Context.ResolveUserID(""), p.Limit)
	})
}

func decode(req *mcp.Request, v any) error {
	if err := req.DecodePayload(v); err != nil {
		return fmt.Errorf("%w: %v", service.ErrInvalidRequest, err)
	}
	return nil
}
