package service

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thinkdrop/user-memory-service/internal/config"
	"github.com/thinkdrop/user-memory-service/internal/embed"
	"github.com/thinkdrop/user-memory-service/internal/model"
	_ "github.com/thinkdrop/user-memory-service/internal/plugin/embed/local"
	"github.com/thinkdrop/user-memory-service/internal/store"
)

func newTestMemoryService(t *testing.T) *MemoryService {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.EmbedType = "local"
	cfg.MaxAgeDays = 0

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	em, err := embed.New(&cfg)
	require.NoError(t, err)
	require.NoError(t, em.Init(context.Background()))
	t.Cleanup(em.Close)

	return NewMemoryService(st, em, &cfg)
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	m := newTestMemoryService(t)
	ctx := context.Background()

	res, err := m.Store(ctx, "u1", StoreRequest{
		Text:     "Meeting with Dr. Smith tomorrow at 3pm",
		Entities: []EntityInput{{Type: "person", Value: "Dr. Smith"}},
	})
	require.NoError(t, err)
	require.True(t, res.Stored)
	require.Equal(t, 1, res.Entities)
	require.Equal(t, model.EmbeddingDim, res.EmbeddingDimensions)
	require.True(t, model.ValidMemoryID(res.MemoryID))

	got, err := m.Retrieve(ctx, "u1", res.MemoryID)
	require.NoError(t, err)
	require.Equal(t, "Meeting with Dr. Smith tomorrow at 3pm", got.SourceText)
	require.Len(t, got.Entities, 1)
	require.Equal(t, "Dr. Smith", got.Entities[0].Entity)
}

func TestStoreValidation(t *testing.T) {
	m := newTestMemoryService(t)
	ctx := context.Background()

	_, err := m.Store(ctx, "", StoreRequest{Text: "   "})
	require.Equal(t, "INVALID_REQUEST", ErrorCode(err))

	_, err = m.Store(ctx, "", StoreRequest{Text: strings.Repeat("x", model.MaxSourceTextLen+1)})
	require.Equal(t, "INVALID_REQUEST", ErrorCode(err))
}

func TestStoreDropsMalformedEntities(t *testing.T) {
	m := newTestMemoryService(t)

	res, err := m.Store(context.Background(), "", StoreRequest{
		Text: "entity hygiene",
		Entities: []EntityInput{
			{Type: "person", Value: "Ada"},
			{Type: "", Value: "no type"},
			{Type: "no value", Value: "  "},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Entities)
}

func TestSearchFindsStoredMemory(t *testing.T) {
	m := newTestMemoryService(t)
	ctx := context.Background()

	stored, err := m.Store(ctx, "u1", StoreRequest{
		Text: "I have an appointment with Dr. Johnson next Tuesday",
	})
	require.NoError(t, err)

	res, err := m.Search(ctx, "u1", SearchRequest{Query: "appointment with dr johnson"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	require.Equal(t, stored.MemoryID, res.Results[0].ID)
	require.GreaterOrEqual(t, res.Results[0].Similarity, 0.3)
}

func TestSearchAppliesSimilarityFloor(t *testing.T) {
	m := newTestMemoryService(t)
	ctx := context.Background()

	_, err := m.Store(ctx, "u1", StoreRequest{Text: "completely unrelated gardening advice"})
	require.NoError(t, err)

	floor := 0.9
	res, err := m.Search(ctx, "u1", SearchRequest{
		Query:         "quantum cryptography seminar",
		MinSimilarity: &floor,
	})
	require.NoError(t, err)
	require.Empty(t, res.Results)

	// Results that do come back are sorted by descending similarity.
	_, err = m.Store(ctx, "u1", StoreRequest{Text: "quantum cryptography seminar notes"})
	require.NoError(t, err)
	_, err = m.Store(ctx, "u1", StoreRequest{Text: "seminar schedule"})
	require.NoError(t, err)
	low := 0.01
	res, err = m.Search(ctx, "u1", SearchRequest{Query: "quantum cryptography seminar", MinSimilarity: &low})
	require.NoError(t, err)
	for i := 1; i < len(res.Results); i++ {
		require.GreaterOrEqual(t, res.Results[i-1].Similarity, res.Results[i].Similarity)
	}
}

func TestSearchValidation(t *testing.T) {
	m := newTestMemoryService(t)
	_, err := m.Search(context.Background(), "", SearchRequest{Query: ""})
	require.Equal(t, "INVALID_REQUEST", ErrorCode(err))
}

func TestUpdateReembedsOnTextChange(t *testing.T) {
	m := newTestMemoryService(t)
	ctx := context.Background()

	stored, err := m.Store(ctx, "u1", StoreRequest{Text: "Meeting on Tuesday"})
	require.NoError(t, err)
	control, err := m.Store(ctx, "u1", StoreRequest{Text: "Coffee on Friday"})
	require.NoError(t, err)

	before, err := m.Retrieve(ctx, "u1", stored.MemoryID)
	require.NoError(t, err)

	newText := "Meeting on Wednesday"
	upd, err := m.Update(ctx, "u1", UpdateRequest{MemoryID: stored.MemoryID, Text: &newText})
	require.NoError(t, err)
	require.True(t, upd.Updated)
	require.True(t, upd.Reembedded)

	after, err := m.Retrieve(ctx, "u1", stored.MemoryID)
	require.NoError(t, err)
	require.Equal(t, newText, after.SourceText)
	require.True(t, after.CreatedAt.Equal(before.CreatedAt), "createdAt must be preserved")
	require.False(t, after.UpdatedAt.Before(before.UpdatedAt))

	res, err := m.Search(ctx, "u1", SearchRequest{Query: "Wednesday meeting"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	require.Equal(t, stored.MemoryID, res.Results[0].ID)
	for _, hit := range res.Results {
		if hit.ID == control.MemoryID {
			require.Less(t, hit.Similarity, res.Results[0].Similarity)
		}
	}
}

func TestUpdateWithoutTextChangeKeepsEmbedding(t *testing.T) {
	m := newTestMemoryService(t)
	ctx := context.Background()

	stored, err := m.Store(ctx, "u1", StoreRequest{Text: "stable text"})
	require.NoError(t, err)

	same := "stable text"
	upd, err := m.Update(ctx, "u1", UpdateRequest{
		MemoryID: stored.MemoryID,
		Text:     &same,
		Metadata: []byte(`{"note":"metadata only"}`),
	})
	require.NoError(t, err)
	require.False(t, upd.Reembedded)

	got, err := m.Retrieve(ctx, "u1", stored.MemoryID)
	require.NoError(t, err)
	require.JSONEq(t, `{"note":"metadata only"}`, got.Metadata)
}

func TestUpdateMissingRecord(t *testing.T) {
	m := newTestMemoryService(t)
	text := "anything"
	_, err := m.Update(context.Background(), "u1", UpdateRequest{MemoryID: "mem_1_00000000", Text: &text})
	require.Equal(t, "NOT_FOUND", ErrorCode(err))
}

func TestDeleteThenRetrieveNotFound(t *testing.T) {
	m := newTestMemoryService(t)
	ctx := context.Background()

	stored, err := m.Store(ctx, "u1", StoreRequest{Text: "ephemeral"})
	require.NoError(t, err)

	del, err := m.Delete(ctx, "u1", stored.MemoryID)
	require.NoError(t, err)
	require.True(t, del.Deleted)

	_, err = m.Retrieve(ctx, "u1", stored.MemoryID)
	require.Equal(t, "NOT_FOUND", ErrorCode(err))
}

func TestDeleteIsIdempotent(t *testing.T) {
	m := newTestMemoryService(t)
	ctx := context.Background()

	stored, err := m.Store(ctx, "u1", StoreRequest{Text: "ephemeral"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		del, err := m.Delete(ctx, "u1", stored.MemoryID)
		require.NoError(t, err)
		require.True(t, del.Deleted)
	}

	_, err = m.Retrieve(ctx, "u1", stored.MemoryID)
	require.Equal(t, "NOT_FOUND", ErrorCode(err))

	del, err := m.Delete(ctx, "u1", "mem_0_00000000")
	require.NoError(t, err)
	require.True(t, del.Deleted)
}

func TestListPagination(t *testing.T) {
	m := newTestMemoryService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.Store(ctx, "u1", StoreRequest{Text: "note " + strings.Repeat("x", i+1)})
		require.NoError(t, err)
	}

	page, err := m.List(ctx, "u1", ListRequest{Limit: 2})
	require.NoError(t, err)
	require.EqualValues(t, 5, page.Total)
	require.Equal(t, 2, page.Count)

	rest, err := m.List(ctx, "u1", ListRequest{Limit: 10, Offset: 4})
	require.NoError(t, err)
	require.Equal(t, 1, rest.Count)
}

func TestDebugEmbedding(t *testing.T) {
	m := newTestMemoryService(t)

	res, err := m.DebugEmbedding(context.Background(), "diagnostics text")
	require.NoError(t, err)
	require.Equal(t, model.EmbeddingDim, res.Dimensions)
	require.InDelta(t, 1.0, res.Norm, 1e-4)
	require.False(t, res.Fallback)
	require.NotEmpty(t, res.Sample)
}

func TestHealthCheck(t *testing.T) {
	m := newTestMemoryService(t)

	res, err := m.HealthCheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)
	require.True(t, res.EmbedderReady)
	require.NotNil(t, res.Store)
	require.Nil(t, res.Monitor)
	require.Nil(t, res.Retention)
}

func TestHealthCheckIncludesBackgroundCounters(t *testing.T) {
	m := newTestMemoryService(t)
	m.SetMonitorStats(func() any { return map[string]int64{"ticks": 3} })
	m.SetRetentionStats(func() any { return RetentionStats{Checks: 1} })

	res, err := m.HealthCheck(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Monitor)
	require.NotNil(t, res.Retention)
}

func TestRecentOcr(t *testing.T) {
	m := newTestMemoryService(t)
	ctx := context.Background()

	_, err := m.Store(ctx, "u1", StoreRequest{Text: "plain note"})
	require.NoError(t, err)
	_, err = m.Store(ctx, "u1", StoreRequest{
		Text:          "Terminal zsh session",
		Type:          model.TypeScreenCapture,
		ExtractedText: "zsh session",
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	latest, err := m.Store(ctx, "u1", StoreRequest{
		Text:          "Editor main.go",
		Type:          model.TypeScreenCapture,
		ExtractedText: "main.go",
	})
	require.NoError(t, err)

	res, err := m.RecentOcr(ctx, "u1", 10)
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	require.Equal(t, latest.MemoryID, res.Results[0].ID)
	for _, r := range res.Results {
		require.Equal(t, model.TypeScreenCapture, r.Type)
	}
}
