package embed

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thinkdrop/user-memory-service/internal/config"
	"github.com/thinkdrop/user-memory-service/internal/model"
	_ "github.com/thinkdrop/user-memory-service/internal/plugin/embed/local"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.EmbedType = "local"
	cfg.EmbedCacheTTL = time.Hour
	s, err := New(&cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func TestEmbedRejectsEmptyInput(t *testing.T) {
	s := newTestService(t)
	_, _, err := s.Embed(context.Background(), "   ")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestEmbedBeforeInit(t *testing.T) {
	cfg := config.DefaultConfig()
	s, err := New(&cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, _, err = s.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, ErrNotReady)
}

func TestInitIsIdempotent(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Init(context.Background()))
	require.True(t, s.Ready())
	require.NotEmpty(t, s.ModelName())
}

func TestInitUnknownProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.EmbedType = "no-such-provider"
	s, err := New(&cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.Error(t, s.Init(context.Background()))
}

func TestEmbedShapeAndNorm(t *testing.T) {
	s := newTestService(t)
	vec, fallback, err := s.Embed(context.Background(), "I take my coffee black")
	require.NoError(t, err)
	require.False(t, fallback)
	require.Len(t, vec, model.EmbeddingDim)
	require.InDelta(t, 1.0, l2Norm(vec), 1e-4)
}

func TestEmbedCacheHit(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first, _, err := s.Embed(ctx, "Remember This")
	require.NoError(t, err)
	s.cache.Wait()

	// Same text modulo case and surrounding space hits the cache.
	second, _, err := s.Embed(ctx, "  remember this ")
	require.NoError(t, err)
	require.Equal(t, first, second)

	stats := s.Stats()
	require.EqualValues(t, 2, stats.TotalRequests)
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	texts := []string{"alpha", "beta", "gamma", "delta"}
	batch, err := s.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))
	for i, text := range texts {
		single, _, err := s.Embed(ctx, text)
		require.NoError(t, err)
		require.Equal(t, single, batch[i], "order mismatch at %d", i)
	}
}

func TestEmbedBatchFailsOnEmptyElement(t *testing.T) {
	s := newTestService(t)
	_, err := s.EmbedBatch(context.Background(), []string{"ok", ""})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestFallbackVectorIsPure(t *testing.T) {
	a := FallbackVector("the quick brown fox jumps over the lazy dog")
	b := FallbackVector("the quick brown fox jumps over the lazy dog")
	require.Equal(t, a, b)
	require.Len(t, a, model.EmbeddingDim)
	require.InDelta(t, 1.0, l2Norm(a), 1e-4)
}

func TestFallbackVectorDistinguishesTexts(t *testing.T) {
	a := FallbackVector("coffee preferences")
	b := FallbackVector("meeting notes from tuesday")
	require.NotEqual(t, a, b)
}

func TestFallbackVectorAllFinite(t *testing.T) {
	for _, text := range []string{"x", "", "a b c d e f g", "....", "日本語のテキスト"} {
		vec := FallbackVector(text)
		require.Len(t, vec, model.EmbeddingDim)
		for i, v := range vec {
			f := float64(v)
			require.False(t, math.IsNaN(f) || math.IsInf(f, 0), "component %d of %q", i, text)
		}
	}
}

func TestValidateVector(t *testing.T) {
	require.Error(t, validateVector(make([]float32, 10)))
	bad := make([]float32, model.EmbeddingDim)
	bad[7] = float32(math.NaN())
	require.Error(t, validateVector(bad))
	require.NoError(t, validateVector(make([]float32, model.EmbeddingDim)))
}

func l2Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
