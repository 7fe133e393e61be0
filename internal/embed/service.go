// Package embed wraps a pluggable embedding provider with an in-process
// result cache, request coalescing, and a deterministic degraded-mode
// fallback so callers always receive a usable vector.
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/thinkdrop/user-memory-service/internal/config"
	"github.com/thinkdrop/user-memory-service/internal/model"
	registryembed "github.com/thinkdrop/user-memory-service/internal/registry/embed"
	"github.com/thinkdrop/user-memory-service/internal/security"
)

var (
	// ErrNotReady is returned when Embed is called before Init succeeds.
	ErrNotReady = errors.New("embedder not initialized")

	// ErrInvalidInput is returned for empty or whitespace-only text.
	ErrInvalidInput = errors.New("embedder: text must be non-empty")
)

// cacheKeyLen bounds the cache key to the first 200 characters of the
// normalized text.
const cacheKeyLen = 200

// CacheStats reports embedding cache effectiveness.
type CacheStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	TotalRequests int64 `json:"totalRequests"`
}

// Service is the process-wide embedder: one provider, one cache.
type Service struct {
	cfg *config.Config

	mu       sync.Mutex
	provider registryembed.Embedder

	cache *ristretto.Cache[string, []float32]
	sf    singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
	total  atomic.Int64
}

// New creates an uninitialized Service. Call Init before embedding.
func New(cfg *config.Config) (*Service, error) {
	size := cfg.EmbedCacheSize
	if size <= 0 {
		size = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Service{cfg: cfg, cache: cache}, nil
}

// Init loads the configured provider. Safe to call repeatedly; a failed
// attempt is retried on the next call.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider != nil {
		return nil
	}
	loader, err := registryembed.Select(s.cfg.EmbedType)
	if err != nil {
		return err
	}
	provider, err := loader(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("load embedder %q: %w", s.cfg.EmbedType, err)
	}
	if provider.Dimension() != model.EmbeddingDim {
		return fmt.Errorf("embedder %q produces %d dimensions, need %d",
			s.cfg.EmbedType, provider.Dimension(), model.EmbeddingDim)
	}
	log.Info("Embedder ready", "type", s.cfg.EmbedType, "model", provider.ModelName())
	s.provider = provider
	return nil
}

// Ready reports whether Init has completed.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider != nil
}

// ModelName returns the active provider's model identifier, or "".
func (s *Service) ModelName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider == nil {
		return ""
	}
	return s.provider.ModelName()
}

// Embed returns the 384-dim vector for text. The second return is true when
// the provider failed and the deterministic fallback vector was substituted.
// Fallback vectors are never cached.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false, ErrInvalidInput
	}
	s.mu.Lock()
	provider := s.provider
	s.mu.Unlock()
	if provider == nil {
		return nil, false, ErrNotReady
	}

	s.total.Add(1)
	key := cacheKey(text)
	if vec, ok := s.cache.Get(key); ok {
		s.hits.Add(1)
		security.CountEmbedCache(true)
		return vec, false, nil
	}
	s.misses.Add(1)
	security.CountEmbedCache(false)

	// Coalesce concurrent requests for the same text; the computation is
	// finished and cached even if this caller's context is cancelled.
	v, err, _ := s.sf.Do(key, func() (any, error) {
		vecs, err := provider.EmbedTexts(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("provider returned %d vectors for one text", len(vecs))
		}
		if err := validateVector(vecs[0]); err != nil {
			return nil, err
		}
		s.cache.SetWithTTL(key, vecs[0], 1, s.ttl())
		return vecs[0], nil
	})
	if err != nil {
		log.Warn("Embedding failed; using deterministic fallback", "err", err)
		return FallbackVector(text), true, nil
	}
	return v.([]float32), false, nil
}

// EmbedBatch embeds texts in parallel, preserving input order. Any invalid
// input fails the whole batch.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedWorkers())
	for i, text := range texts {
		g.Go(func() error {
			vec, _, err := s.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns a snapshot of the cache counters.
func (s *Service) Stats() CacheStats {
	return CacheStats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		TotalRequests: s.total.Load(),
	}
}

// Close releases the cache.
func (s *Service) Close() {
	s.cache.Close()
}

func (s *Service) ttl() time.Duration {
	if s.cfg.EmbedCacheTTL > 0 {
		return s.cfg.EmbedCacheTTL
	}
	return 24 * time.Hour
}

func embedWorkers() int {
	if n := runtime.NumCPU(); n < 4 {
		return n
	}
	return 4
}

func cacheKey(text string) string {
	key := strings.ToLower(strings.TrimSpace(text))
	if runes := []rune(key); len(runes) > cacheKeyLen {
		return string(runes[:cacheKeyLen])
	}
	return key
}

func validateVector(vec []float32) error {
	if len(vec) != model.EmbeddingDim {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(vec), model.EmbeddingDim)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("embedding component %d is not finite", i)
		}
	}
	return nil
}
