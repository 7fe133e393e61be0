package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thinkdrop/user-memory-service/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// unitVec returns a one-hot embedding; distinct seeds are orthogonal, so
// cosine similarity is 1 for a match and 0 for everything else.
func unitVec(seed int) []float32 {
	v := make([]float32, model.EmbeddingDim)
	v[seed%model.EmbeddingDim] = 1
	return v
}

func newRecord(text string, vec []float32) model.Record {
	now := time.Now().UTC()
	return model.Record{
		ID:         model.NewMemoryID(),
		UserID:     model.DefaultUserID,
		Type:       model.TypeUserMemory,
		SourceText: text,
		Embedding:  vec,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord("I prefer dark roast coffee", unitVec(1))
	ents := []model.Entity{model.NewEntity(rec.ID, "preference", "Dark Roast")}
	require.NoError(t, s.Insert(ctx, rec, ents))

	got, err := s.GetByID(ctx, rec.ID, rec.UserID)
	require.NoError(t, err)
	require.Equal(t, rec.SourceText, got.SourceText)
	require.Equal(t, rec.Embedding, got.Embedding)

	stored, err := s.ListEntities(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "dark roast", stored[0].NormalizedValue)
	require.Equal(t, "preference", stored[0].EntityType)
}

func TestGetByIDScopedToUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord("private note", unitVec(2))
	require.NoError(t, s.Insert(ctx, rec, nil))

	_, err := s.GetByID(ctx, rec.ID, "someone_else")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord("to be removed", unitVec(3))
	require.NoError(t, s.Insert(ctx, rec, []model.Entity{model.NewEntity(rec.ID, "topic", "removal")}))

	require.NoError(t, s.Delete(ctx, rec.ID, rec.UserID))
	_, err := s.GetByID(ctx, rec.ID, rec.UserID)
	require.ErrorIs(t, err, ErrNotFound)

	ents, err := s.ListEntities(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, ents)

	// Second delete of the same id succeeds.
	require.NoError(t, s.Delete(ctx, rec.ID, rec.UserID))
}

func TestVectorSearchRanksBySimilarity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := newRecord("about coffee", unitVec(1))
	b := newRecord("about tea", unitVec(2))
	require.NoError(t, s.Insert(ctx, a, nil))
	require.NoError(t, s.Insert(ctx, b, nil))
	require.NoError(t, s.RebuildIndex(ctx))

	results, err := s.VectorSearch(ctx, model.DefaultUserID, unitVec(1), 10, Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, a.ID, results[0].Record.ID)
	require.InDelta(t, 1.0, results[0].Similarity, 1e-5)
}

func TestVectorSearchFilteredScanMatchesKNN(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := newRecord("capture", unitVec(1))
	a.Type = model.TypeScreenCapture
	b := newRecord("memory", unitVec(1))
	require.NoError(t, s.Insert(ctx, a, nil))
	require.NoError(t, s.Insert(ctx, b, nil))
	require.NoError(t, s.RebuildIndex(ctx))

	results, err := s.VectorSearch(ctx, model.DefaultUserID, unitVec(1), 10, Filters{Type: model.TypeScreenCapture})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, a.ID, results[0].Record.ID)
}

func TestVectorSearchExcludesOtherUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mine := newRecord("mine", unitVec(4))
	theirs := newRecord("theirs", unitVec(4))
	theirs.UserID = "other_user"
	require.NoError(t, s.Insert(ctx, mine, nil))
	require.NoError(t, s.Insert(ctx, theirs, nil))
	require.NoError(t, s.RebuildIndex(ctx))

	results, err := s.VectorSearch(ctx, model.DefaultUserID, unitVec(4), 10, Filters{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, mine.ID, results[0].Record.ID)
}

func TestMetadataQueryOrderingAndPaging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		rec := newRecord("note", unitVec(i))
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		rec.UpdatedAt = rec.CreatedAt
		require.NoError(t, s.Insert(ctx, rec, nil))
	}

	newest, err := s.MetadataQuery(ctx, model.DefaultUserID, Filters{}, Sort{Key: "createdAt", Desc: true}, 2, 0)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	require.True(t, newest[0].CreatedAt.After(newest[1].CreatedAt))

	page2, err := s.MetadataQuery(ctx, model.DefaultUserID, Filters{}, Sort{Key: "createdAt", Desc: true}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)

	n, err := s.CountRecords(ctx, model.DefaultUserID, Filters{})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestPurgeBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := newRecord("stale", unitVec(1))
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -40)
	old.UpdatedAt = old.CreatedAt
	fresh := newRecord("fresh", unitVec(2))
	require.NoError(t, s.Insert(ctx, old, []model.Entity{model.NewEntity(old.ID, "topic", "stale")}))
	require.NoError(t, s.Insert(ctx, fresh, nil))

	n, err := s.PurgeBefore(ctx, time.Now().UTC().AddDate(0, 0, -30))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.GetByID(ctx, old.ID, model.DefaultUserID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByID(ctx, fresh.ID, model.DefaultUserID)
	require.NoError(t, err)
}

func TestRebuildIndexAfterPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord("kept", unitVec(5))
	require.NoError(t, s.Insert(ctx, rec, nil))
	require.NoError(t, s.RebuildIndex(ctx))

	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, st.IndexRows)
	require.EqualValues(t, 1, st.EmbeddedRows)

	_, err = s.PurgeBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.CompactIndex(ctx))
	require.NoError(t, s.RebuildIndex(ctx))

	st, err = s.GetStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, st.IndexRows)
}

func TestGetStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord("stats fodder", unitVec(6))
	require.NoError(t, s.Insert(ctx, rec, nil))
	capture := newRecord("capture", nil)
	capture.Type = model.TypeScreenCapture
	require.NoError(t, s.Insert(ctx, capture, nil))

	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, st.TotalRecords)
	require.EqualValues(t, 1, st.EmbeddedRows)
	require.EqualValues(t, 1, st.RecordsByType[model.TypeUserMemory])
	require.EqualValues(t, 1, st.RecordsByType[model.TypeScreenCapture])
	require.NotNil(t, st.OldestRecord)
}

func TestVectorCodecRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.125, 0}
	got := decodeVector(encodeVector(vec))
	require.Equal(t, vec, got)
}

func TestMaxAgeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := newRecord("old", unitVec(1))
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -60)
	old.UpdatedAt = old.CreatedAt
	fresh := newRecord("fresh", unitVec(1))
	require.NoError(t, s.Insert(ctx, old, nil))
	require.NoError(t, s.Insert(ctx, fresh, nil))

	results, err := s.VectorSearch(ctx, model.DefaultUserID, unitVec(1), 10, Filters{MaxAgeDays: 30})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, fresh.ID, results[0].Record.ID)
}

func TestMaxAgeFilterUsesIndexWhenAvailable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := newRecord("old", unitVec(1))
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -60)
	old.UpdatedAt = old.CreatedAt
	fresh := newRecord("fresh", unitVec(1))
	require.NoError(t, s.Insert(ctx, old, nil))
	require.NoError(t, s.Insert(ctx, fresh, nil))
	require.NoError(t, s.RebuildIndex(ctx))
	require.True(t, s.hasIndex.Load())

	results, err := s.VectorSearch(ctx, model.DefaultUserID, unitVec(1), 10, Filters{MaxAgeDays: 30})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, fresh.ID, results[0].Record.ID)
}

func TestMaxAgeFilterExactWhenOldRowsDominate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Ten stale rows that match the query perfectly, one fresh row that
	// matches it less well. The age cap must still surface the fresh row.
	for i := 0; i < 10; i++ {
		old := newRecord("stale duplicate", unitVec(1))
		old.CreatedAt = time.Now().UTC().AddDate(0, 0, -60)
		old.UpdatedAt = old.CreatedAt
		require.NoError(t, s.Insert(ctx, old, nil))
	}
	mixed := make([]float32, model.EmbeddingDim)
	mixed[1] = 0.8
	mixed[2] = 0.6
	fresh := newRecord("fresh but further", mixed)
	require.NoError(t, s.Insert(ctx, fresh, nil))
	require.NoError(t, s.RebuildIndex(ctx))

	results, err := s.VectorSearch(ctx, model.DefaultUserID, unitVec(1), 2, Filters{MaxAgeDays: 30})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, fresh.ID, results[0].Record.ID)
}

func TestDropOlderThan(t *testing.T) {
	old := newRecord("old", nil)
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -31)
	fresh := newRecord("fresh", nil)

	kept := dropOlderThan([]SearchResult{{Record: old}, {Record: fresh}}, 30)
	require.Len(t, kept, 1)
	require.Equal(t, fresh.ID, kept[0].Record.ID)
}
