// Package service implements the memory operations behind the action
// endpoints plus the background retention controller.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/thinkdrop/user-memory-service/internal/config"
	"github.com/thinkdrop/user-memory-service/internal/embed"
	"github.com/thinkdrop/user-memory-service/internal/model"
	"github.com/thinkdrop/user-memory-service/internal/security"
	"github.com/thinkdrop/user-memory-service/internal/store"
)

// searchOvershoot is how many extra candidates are fetched beyond the
// requested limit before the similarity floor is applied.
const searchOvershoot = 10

// MemoryService owns the store/embed pipeline for memory records.
type MemoryService struct {
	store    *store.Store
	embedder *embed.Service
	cfg      *config.Config

	// Optional stat providers, set once during server assembly.
	monitorStats   func() any
	retentionStats func() any
}

// SetMonitorStats registers the screen monitor's counter snapshot for
// health reporting. Call before serving traffic.
func (m *MemoryService) SetMonitorStats(fn func() any) { m.monitorStats = fn }

// SetRetentionStats registers the retention controller's counter snapshot
// for health reporting. Call before serving traffic.
func (m *MemoryService) SetRetentionStats(fn func() any) { m.retentionStats = fn }

// NewMemoryService wires the pipeline.
func NewMemoryService(st *store.Store, em *embed.Service, cfg *config.Config) *MemoryService {
	return &MemoryService{store: st, embedder: em, cfg: cfg}
}

// Timings reports per-phase latency in milliseconds.
type Timings struct {
	EmbeddingMs int64 `json:"embedding"`
	DBMs        int64 `json:"dbInsert,omitempty"`
	SearchMs    int64 `json:"search,omitempty"`
	TotalMs     int64 `json:"total"`
}

// EntityInput is a caller-supplied entity tag.
type EntityInput struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// StoreRequest is the memory.store payload.
type StoreRequest struct {
	Text          string          `json:"text"`
	Type          string          `json:"type"`
	Metadata      json.RawMessage `json:"metadata"`
	Screenshot    string          `json:"screenshot"`
	ExtractedText string          `json:"extractedText"`
	Entities      []EntityInput   `json:"entities"`
}

// StoreResult is the memory.store response body.
type StoreResult struct {
	MemoryID            string  `json:"memoryId"`
	Stored              bool    `json:"stored"`
	Entities            int     `json:"entities"`
	EmbeddingDimensions int     `json:"embeddingDimensions"`
	EmbeddingFallback   bool    `json:"embeddingFallback,omitempty"`
	Timings             Timings `json:"timings"`
}

// Store validates, embeds, and persists one record.
func (m *MemoryService) Store(ctx context.Context, userID string, req StoreRequest) (*StoreResult, error) {
	started := time.Now()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, invalidf("text is required")
	}
	if len(text) > model.MaxSourceTextLen {
		return nil, invalidf("text exceeds %d characters", model.MaxSourceTextLen)
	}
	if userID == "" {
		userID = model.DefaultUserID
	}
	recType := req.Type
	if recType == "" {
		recType = model.TypeUserMemory
	}

	id := model.NewMemoryID()
	entities := normalizeEntities(id, req.Entities)

	embedStart := time.Now()
	vec, fallback, err := m.embedder.Embed(ctx, text)
	embedElapsed := time.Since(embedStart)
	security.ObserveEmbed(embedElapsed)
	if err != nil {
		if errors.Is(err, embed.ErrInvalidInput) {
			return nil, err
		}
		return nil, dbJoin(ErrEmbeddingFailed, err)
	}
	if fallback {
		log.Warn("Stored record with fallback embedding", "memoryId", id)
	}

	now := time.Now().UTC()
	rec := model.Record{
		ID:            id,
		UserID:        userID,
		Type:          recType,
		SourceText:    text,
		Metadata:      string(req.Metadata),
		Screenshot:    req.Screenshot,
		ExtractedText: req.ExtractedText,
		Embedding:     vec,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	dbStart := time.Now()
	if err := m.store.Insert(ctx, rec, entities); err != nil {
		return nil, dbErr(err)
	}
	dbElapsed := time.Since(dbStart)
	security.ObserveStore("insert", dbElapsed)

	return &StoreResult{
		MemoryID:            id,
		Stored:              true,
		Entities:            len(entities),
		EmbeddingDimensions: model.EmbeddingDim,
		EmbeddingFallback:   fallback,
		Timings: Timings{
			EmbeddingMs: embedElapsed.Milliseconds(),
			DBMs:        dbElapsed.Milliseconds(),
			TotalMs:     time.Since(started).Milliseconds(),
		},
	}, nil
}

// SearchRequest is the memory.search payload.
type SearchRequest struct {
	Query         string   `json:"query"`
	Limit         int      `json:"limit"`
	Type          string   `json:"type"`
	SessionID     string   `json:"sessionId"`
	MaxAgeDays    *int     `json:"maxAgeDays"`
	MinSimilarity *float64 `json:"minSimilarity"`
}

// SearchHit is one scored search result.
type SearchHit struct {
	model.Record
	Similarity float64        `json:"similarity"`
	Entities   []model.Entity `json:"entities,omitempty"`
}

// SearchResult is the memory.search response body.
type SearchResult struct {
	Query   string      `json:"query"`
	Count   int         `json:"count"`
	Results []SearchHit `json:"results"`
	Timings Timings     `json:"timings"`
}

// Search embeds the query and runs a filtered similarity search.
func (m *MemoryService) Search(ctx context.Context, userID string, req SearchRequest) (*SearchResult, error) {
	started := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, invalidf("query is required")
	}
	if userID == "" {
		userID = model.DefaultUserID
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	maxAge := m.cfg.MaxAgeDays
	if req.MaxAgeDays != nil {
		maxAge = *req.MaxAgeDays
	}
	minSim := m.cfg.MinSimilarity
	if req.MinSimilarity != nil {
		minSim = *req.MinSimilarity
	}
	filters := store.Filters{
		Type:       req.Type,
		SessionID:  req.SessionID,
		MaxAgeDays: maxAge,
	}

	embedStart := time.Now()
	vec, fallback, err := m.embedder.Embed(ctx, query)
	embedElapsed := time.Since(embedStart)
	security.ObserveEmbed(embedElapsed)
	if err != nil {
		if errors.Is(err, embed.ErrInvalidInput) {
			return nil, err
		}
		return nil, dbJoin(ErrEmbeddingFailed, err)
	}
	if fallback {
		log.Warn("Search query embedded with fallback vector", "query", truncate(query, 60))
	}

	searchStart := time.Now()
	raw, err := m.store.VectorSearch(ctx, userID, vec, limit+searchOvershoot, filters)
	if err != nil {
		return nil, dbErr(err)
	}

	hits := make([]SearchHit, 0, limit)
	for _, r := range raw {
		if r.Similarity < minSim {
			continue
		}
		entities, err := m.store.ListEntities(ctx, r.Record.ID)
		if err != nil {
			log.Warn("Entity fetch failed for search hit", "memoryId", r.Record.ID, "err", err)
		}
		hits = append(hits, SearchHit{Record: r.Record, Similarity: r.Similarity, Entities: entities})
		if len(hits) == limit {
			break
		}
	}
	searchElapsed := time.Since(searchStart)
	security.ObserveStore("search", searchElapsed)

	return &SearchResult{
		Query:   query,
		Count:   len(hits),
		Results: hits,
		Timings: Timings{
			EmbeddingMs: embedElapsed.Milliseconds(),
			SearchMs:    searchElapsed.Milliseconds(),
			TotalMs:     time.Since(started).Milliseconds(),
		},
	}, nil
}

// RetrieveResult is the memory.retrieve response body.
type RetrieveResult struct {
	model.Record
	Entities []model.Entity `json:"entities"`
}

// Retrieve returns one record with its entities.
func (m *MemoryService) Retrieve(ctx context.Context, userID, id string) (*RetrieveResult, error) {
	if id == "" {
		return nil, invalidf("memoryId is required")
	}
	if userID == "" {
		userID = model.DefaultUserID
	}
	rec, err := m.store.GetByID(ctx, id, userID)
	if err != nil {
		return nil, dbErr(err)
	}
	entities, err := m.store.ListEntities(ctx, id)
	if err != nil {
		return nil, dbErr(err)
	}
	return &RetrieveResult{Record: *rec, Entities: entities}, nil
}

// UpdateRequest is the memory.update payload. Nil fields are unchanged.
type UpdateRequest struct {
	MemoryID string          `json:"memoryId"`
	Text     *string         `json:"text"`
	Metadata json.RawMessage `json:"metadata"`
	Entities *[]EntityInput  `json:"entities"`
}

// UpdateResult is the memory.update response body.
type UpdateResult struct {
	MemoryID   string `json:"memoryId"`
	Updated    bool   `json:"updated"`
	Reembedded bool   `json:"reembedded"`
}

// Update replaces a record in place. The backing store has no reliable
// UPDATE for vector columns, so the record is deleted and re-inserted under
// the same id with its original createdAt. The text is re-embedded only when
// it actually changed.
func (m *MemoryService) Update(ctx context.Context, userID string, req UpdateRequest) (*UpdateResult, error) {
	if req.MemoryID == "" {
		return nil, invalidf("memoryId is required")
	}
	if userID == "" {
		userID = model.DefaultUserID
	}

	current, err := m.store.GetByID(ctx, req.MemoryID, userID)
	if err != nil {
		return nil, dbErr(err)
	}
	entities, err := m.store.ListEntities(ctx, req.MemoryID)
	if err != nil {
		return nil, dbErr(err)
	}

	next := *current
	reembed := false
	if req.Text != nil {
		text := strings.TrimSpace(*req.Text)
		if text == "" {
			return nil, invalidf("text must be non-empty")
		}
		if len(text) > model.MaxSourceTextLen {
			return nil, invalidf("text exceeds %d characters", model.MaxSourceTextLen)
		}
		if text != current.SourceText {
			next.SourceText = text
			reembed = true
		}
	}
	if req.Metadata != nil {
		next.Metadata = string(req.Metadata)
	}
	if req.Entities != nil {
		entities = normalizeEntities(req.MemoryID, *req.Entities)
	}

	if reembed {
		vec, fallback, err := m.embedder.Embed(ctx, next.SourceText)
		if err != nil {
			return nil, dbJoin(ErrEmbeddingFailed, err)
		}
		if fallback {
			log.Warn("Updated record with fallback embedding", "memoryId", req.MemoryID)
		}
		next.Embedding = vec
	}
	next.UpdatedAt = time.Now().UTC()

	if err := m.store.Delete(ctx, req.MemoryID, userID); err != nil {
		return nil, dbErr(err)
	}
	if err := m.store.Insert(ctx, next, entities); err != nil {
		return nil, dbErr(err)
	}
	return &UpdateResult{MemoryID: req.MemoryID, Updated: true, Reembedded: reembed}, nil
}

// DeleteResult is the memory.delete response body.
type DeleteResult struct {
	MemoryID string `json:"memoryId"`
	Deleted  bool   `json:"deleted"`
}

// Delete removes one record. Deleting an id that is already gone succeeds,
// so repeated deletes are safe.
func (m *MemoryService) Delete(ctx context.Context, userID, id string) (*DeleteResult, error) {
	if id == "" {
		return nil, invalidf("memoryId is required")
	}
	if userID == "" {
		userID = model.DefaultUserID
	}
	if err := m.store.Delete(ctx, id, userID); err != nil {
		return nil, dbErr(err)
	}
	return &DeleteResult{MemoryID: id, Deleted: true}, nil
}

// ListRequest is the memory.list payload.
type ListRequest struct {
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	SortBy    string `json:"sortBy"`    // createdAt | updatedAt
	SortOrder string `json:"sortOrder"` // asc | desc
}

// ListResult is the memory.list response body.
type ListResult struct {
	Total   int64          `json:"total"`
	Count   int            `json:"count"`
	Offset  int            `json:"offset"`
	Results []model.Record `json:"results"`
}

// List returns a structured page of records, newest first by default.
func (m *MemoryService) List(ctx context.Context, userID string, req ListRequest) (*ListResult, error) {
	if userID == "" {
		userID = model.DefaultUserID
	}
	filters := store.Filters{Type: req.Type, SessionID: req.SessionID}
	sort := store.Sort{Key: req.SortBy, Desc: !strings.EqualFold(req.SortOrder, "asc")}

	records, err := m.store.MetadataQuery(ctx, userID, filters, sort, req.Limit, req.Offset)
	if err != nil {
		return nil, dbErr(err)
	}
	total, err := m.store.CountRecords(ctx, userID, filters)
	if err != nil {
		return nil, dbErr(err)
	}
	if records == nil {
		records = []model.Record{}
	}
	return &ListResult{Total: total, Count: len(records), Offset: req.Offset, Results: records}, nil
}

// DebugEmbeddingResult is the memory.debug-embedding response body.
type DebugEmbeddingResult struct {
	Text       string           `json:"text"`
	Model      string           `json:"model"`
	Dimensions int              `json:"dimensions"`
	Norm       float64          `json:"norm"`
	Fallback   bool             `json:"fallback"`
	Sample     []float32        `json:"sample"`
	CacheStats embed.CacheStats `json:"cacheStats"`
}

// DebugEmbedding embeds text and reports vector diagnostics.
func (m *MemoryService) DebugEmbedding(ctx context.Context, text string) (*DebugEmbeddingResult, error) {
	vec, fallback, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	sample := vec
	if len(sample) > 8 {
		sample = sample[:8]
	}
	return &DebugEmbeddingResult{
		Text:       truncate(strings.TrimSpace(text), 200),
		Model:      m.embedder.ModelName(),
		Dimensions: len(vec),
		Norm:       math.Sqrt(norm),
		Fallback:   fallback,
		Sample:     sample,
		CacheStats: m.embedder.Stats(),
	}, nil
}

// HealthResult is the memory.health-check response body.
type HealthResult struct {
	Status        string           `json:"status"`
	EmbedderReady bool             `json:"embedderReady"`
	Model         string           `json:"model,omitempty"`
	Store         *store.Stats     `json:"store,omitempty"`
	CacheStats    embed.CacheStats `json:"cacheStats"`
	Monitor       any              `json:"monitor,omitempty"`
	Retention     any              `json:"retention,omitempty"`
}

// HealthCheck reports pipeline readiness, store statistics, and the counters
// of whichever background services are running.
func (m *MemoryService) HealthCheck(ctx context.Context) (*HealthResult, error) {
	res := &HealthResult{
		Status:        "ok",
		EmbedderReady: m.embedder.Ready(),
		Model:         m.embedder.ModelName(),
		CacheStats:    m.embedder.Stats(),
	}
	if m.monitorStats != nil {
		res.Monitor = m.monitorStats()
	}
	if m.retentionStats != nil {
		res.Retention = m.retentionStats()
	}
	stats, err := m.store.GetStats(ctx)
	if err != nil {
		res.Status = "degraded"
		log.Warn("Store stats unavailable", "err", err)
		return res, nil
	}
	res.Store = stats
	if !res.EmbedderReady {
		res.Status = "degraded"
	}
	return res, nil
}

// RecentOcrResult is the memory.getRecentOcr response body.
type RecentOcrResult struct {
	Count   int            `json:"count"`
	Results []model.Record `json:"results"`
}

// RecentOcr returns the newest screen-capture records.
func (m *MemoryService) RecentOcr(ctx context.Context, userID string, limit int) (*RecentOcrResult, error) {
	if userID == "" {
		userID = model.DefaultUserID
	}
	if limit <= 0 {
		limit = 10
	}
	records, err := m.store.MetadataQuery(ctx, userID,
		store.Filters{Type: model.TypeScreenCapture},
		store.Sort{Key: "createdAt", Desc: true}, limit, 0)
	if err != nil {
		return nil, dbErr(err)
	}
	if records == nil {
		records = []model.Record{}
	}
	return &RecentOcrResult{Count: len(records), Results: records}, nil
}

// normalizeEntities drops entries missing type or value and caps the list.
func normalizeEntities(memoryID string, in []EntityInput) []model.Entity {
	out := make([]model.Entity, 0, len(in))
	for _, e := range in {
		typ := strings.TrimSpace(e.Type)
		val := strings.TrimSpace(e.Value)
		if typ == "" || val == "" {
			continue
		}
		out = append(out, model.NewEntity(memoryID, typ, val))
		if len(out) == model.MaxEntitiesPerRecord {
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	if runes := []rune(s); len(runes) > n {
		return string(runes[:n])
	}
	return s
}
