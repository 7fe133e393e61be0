// Package routeaux mounts the skill-prompt, context-rule, and skill-registry
// action endpoints.
package routeaux

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/thinkdrop/user-memory-service/internal/config"
	"github.com/thinkdrop/user-memory-service/internal/embed"
	"github.com/thinkdrop/user-memory-service/internal/mcp"
	"github.com/thinkdrop/user-memory-service/internal/model"
	"github.com/thinkdrop/user-memory-service/internal/service"
	"github.com/thinkdrop/user-memory-service/internal/store"
)

// MountRoutes wires the skills.*, context-rules.*, and skill-registry.*
// actions onto the engine, behind the given auth middleware.
func MountRoutes(r *gin.Engine, st *store.Store, em *embed.Service, cfg *config.Config, auth gin.HandlerFunc) {
	h := &handlers{store: st, embedder: em, cfg: cfg}
	mount := func(action string, fn mcp.HandlerFunc) {
		r.POST("/"+action, auth, mcp.GinHandler(action, service.ErrorCode, fn))
	}

	mount("skills.store-prompt", h.storePrompt)
	mount("skills.search-prompts", h.searchPrompts)
	mount("skills.increment-prompt-hit", h.incrementPromptHit)

	mount("context-rules.store", h.storeContextRule)
	mount("context-rules.get", h.getContextRules)
	mount("context-rules.list", h.listContextRules)
	mount("context-rules.delete", h.deleteContextRule)

	mount("skill-registry.install", h.installSkill)
	mount("skill-registry.list", h.listSkills)
	mount("skill-registry.get", h.getSkill)
	mount("skill-registry.set-enabled", h.setSkillEnabled)
	mount("skill-registry.remove", h.removeSkill)
}

type handlers struct {
	store    *store.Store
	embedder *embed.Service
	cfg      *config.Config
}

func (h *handlers) storePrompt(c *gin.Context, req *mcp.Request) (any, error) {
	var p struct {
		PromptText string   `json:"promptText"`
		Tags       []string `json:"tags"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(p.PromptText)
	if text == "" {
		return nil, invalidf("promptText is required")
	}

	vec, fallback, err := h.embedder.Embed(c.Request.Context(), text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrEmbeddingFailed, err)
	}
	now := time.Now().UTC()
	prompt := model.SkillPrompt{
		ID:         uuid.NewString(),
		Tags:       strings.Join(p.Tags, ","),
		PromptText: text,
		Embedding:  vec,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.InsertSkillPrompt(c.Request.Context(), prompt); err != nil {
		return nil, dbErr(err)
	}
	return gin.H{"id": prompt.ID, "stored": true, "embeddingFallback": fallback}, nil
}

func (h *handlers) searchPrompts(c *gin.Context, req *mcp.Request) (any, error) {
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(p.Query)
	if query == "" {
		return nil, invalidf("query is required")
	}

	vec, _, err := h.embedder.Embed(c.Request.Context(), query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrEmbeddingFailed, err)
	}
	results, err := h.store.SearchSkillPrompts(c.Request.Context(), vec, p.Limit)
	if err != nil {
		return nil, dbErr(err)
	}
	type hit struct {
		model.SkillPrompt
		Similarity float64 `json:"similarity"`
	}
	hits := make([]hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, hit{SkillPrompt: res.Prompt, Similarity: res.Similarity})
	}
	return gin.H{"count": len(hits), "results": hits}, nil
}

func (h *handlers) incrementPromptHit(c *gin.Context, req *mcp.Request) (any, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidf("id is required")
	}
	if err := h.store.IncrementSkillPromptHit(c.Request.Context(), p.ID); err != nil {
		return nil, dbErr(err)
	}
	return gin.H{"id": p.ID, "incremented": true}, nil
}

func (h *handlers) storeContextRule(c *gin.Context, req *mcp.Request) (any, error) {
	var p struct {
		ContextType string `json:"contextType"`
		ContextKey  string `json:"contextKey"`
		RuleText    string `json:"ruleText"`
		Category    string `json:"category"`
		Source      string `json:"source"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if p.ContextType != model.ContextTypeSite && p.ContextType != model.ContextTypeApp {
		return nil, invalidf("contextType must be %q or %q", model.ContextTypeSite, model.ContextTypeApp)
	}
	if strings.TrimSpace(p.ContextKey) == "" {
		return nil, invalidf("contextKey is required")
	}
	if strings.TrimSpace(p.RuleText) == "" {
		return nil, invalidf("ruleText is required")
	}
	rule, err := h.store.UpsertContextRule(c.Request.Context(), model.ContextRule{
		ContextType: p.ContextType,
		ContextKey:  p.ContextKey,
		RuleText:    p.RuleText,
		Category:    p.Category,
		Source:      p.Source,
	})
	if err != nil {
		return nil, dbErr(err)
	}
	return rule, nil
}

func (h *handlers) getContextRules(c *gin.Context, req *mcp.Request) (any, error) {
	var p struct {
		ContextType string `json:"contextType"`
		ContextKey  string `json:"contextKey"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if p.ContextType == "" || p.ContextKey == "" {
		return nil, invalidf("contextType and contextKey are required")
	}
	rules, err := h.store.GetContextRules(c.Request.Context(), p.ContextType, p.ContextKey)
	if err != nil {
		return nil, dbErr(err)
	}
	if rules == nil {
		rules = []model.ContextRule{}
	}
	return gin.H{"count": len(rules), "rules": rules}, nil
}

func (h *handlers) listContextRules(c *gin.Context, req *mcp.Request) (any, error) {
	rules, err := h.store.ListContextRules(c.Request.Context())
	if err != nil {
		return nil, dbErr(err)
	}
	if rules == nil {
		rules = []model.ContextRule{}
	}
	return gin.H{"count": len(rules), "rules": rules}, nil
}

func (h *handlers) deleteContextRule(c *gin.Context, req *mcp.Request) (any, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidf("id is required")
	}
	if err := h.store.DeleteContextRule(c.Request.Context(), p.ID); err != nil {
		return nil, dbErr(err)
	}
	return gin.H{"id": p.ID, "deleted": true}, nil
}

func (h *handlers) installSkill(c *gin.Context, req *mcp.Request) (any, error) {
	var p struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		ContractMd  string `json:"contractMd"`
		ExecPath    string `json:"execPath"`
		ExecType    string `json:"execType"`
		Enabled     *bool  `json:"enabled"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if !model.ValidSkillName(p.Name) {
		return nil, invalidf("name %q must be dotted lowercase segments, e.g. web.search", p.Name)
	}
	if p.ExecType != model.ExecTypeNode && p.ExecType != model.ExecTypeShell {
		return nil, invalidf("execType must be %q or %q", model.ExecTypeNode, model.ExecTypeShell)
	}
	if err := model.ValidateSkillExecPath(h.cfg.ResolvedSkillsHome(), p.ExecPath); err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err)
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	now := time.Now().UTC()
	sk := model.InstalledSkill{
		ID:          uuid.NewString(),
		Name:        p.Name,
		Description: p.Description,
		ContractMd:  p.ContractMd,
		ExecPath:    p.ExecPath,
		ExecType:    p.ExecType,
		Enabled:     enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.InstallSkill(c.Request.Context(), sk); err != nil {
		return nil, dbErr(err)
	}
	return gin.H{"name": sk.Name, "installed": true, "enabled": enabled}, nil
}

func (h *handlers) listSkills(c *gin.Context, req *mcp.Request) (any, error) {
	skills, err := h.store.ListSkills(c.Request.Context())
	if err != nil {
		return nil, dbErr(err)
	}
	if skills == nil {
		skills = []model.InstalledSkill{}
	}
	return gin.H{"count": len(skills), "skills": skills}, nil
}

func (h *handlers) getSkill(c *gin.Context, req *mcp.Request) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, invalidf("name is required")
	}
	sk, err := h.store.GetSkill(c.Request.Context(), p.Name)
	if err != nil {
		return nil, dbErr(err)
	}
	return sk, nil
}

func (h *handlers) setSkillEnabled(c *gin.Context, req *mcp.Request) (any, error) {
	var p struct {
		Name    string `json:"name"`
		Enabled *bool  `json:"enabled"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if p.Name == "" || p.Enabled == nil {
		return nil, invalidf("name and enabled are required")
	}
	if err := h.store.SetSkillEnabled(c.Request.Context(), p.Name, *p.Enabled); err != nil {
		return nil, dbErr(err)
	}
	return gin.H{"name": p.Name, "enabled": *p.Enabled}, nil
}

func (h *handlers) removeSkill(c *gin.Context, req *mcp.Request) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, invalidf("name is required")
	}
	if err := h.store.RemoveSkill(c.Request.Context(), p.Name); err != nil {
		return nil, dbErr(err)
	}
	return gin.H{"name": p.Name, "removed": true}, nil
}

func decode(req *mcp.Request, v any) error {
	if err := req.DecodePayload(v); err != nil {
		return fmt.Errorf("%w: %v", service.ErrInvalidRequest, err)
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", service.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// dbErr mirrors the service-layer mapping: not-found passes through, every
// other store failure surfaces as a database error.
func dbErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", service.ErrDatabase, err)
}
