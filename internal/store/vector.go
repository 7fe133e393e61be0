package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/thinkdrop/user-memory-service/internal/model"
)

// SearchResult pairs a record with its similarity to the query vector.
// Similarity is 1 - cosineDistance.
type SearchResult struct {
	Record     model.Record
	Similarity float64
}

// knnAgeOverfetch is how many times k the KNN path fetches when an age cap
// must be applied after ranking.
const knnAgeOverfetch = 4

// VectorSearch returns up to k records ordered by ascending cosine distance.
// Rows with a null embedding are excluded. When the ANN index is available
// and the only filter is record age, the KNN path is used; an age cap is
// applied after ranking, over-fetching so the cap rarely starves the result.
// Anything the index cannot answer exactly runs as a filtered scan with
// vec_distance_cosine over the memory table. Both paths rank by exact cosine
// distance, so the result set is identical either way.
func (s *Store) VectorSearch(ctx context.Context, userID string, qVec []float32, k int, f Filters) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	qBlob := encodeVector(qVec)

	if s.hasIndex.Load() && f.Type == "" && f.SessionID == "" {
		fetch := k
		if f.MaxAgeDays > 0 {
			fetch = k * knnAgeOverfetch
		}
		results, err := s.knnSearch(ctx, userID, qBlob, fetch)
		if err == nil {
			if f.MaxAgeDays <= 0 {
				return results, nil
			}
			kept := dropOlderThan(results, f.MaxAgeDays)
			// A short index response means the whole partition was ranked,
			// so the filtered result is exact. Otherwise only trust it when
			// the cap did not eat into the requested k.
			if len(kept) >= k || len(results) < fetch {
				if len(kept) > k {
					kept = kept[:k]
				}
				return kept, nil
			}
		} else {
			log.Warn("ANN search failed; falling back to full scan", "err", err)
		}
	}
	return s.scanSearch(ctx, userID, qBlob, k, f)
}

// dropOlderThan keeps hits created within the last maxAgeDays, preserving
// the same cutoff the scan path's SQL filter uses.
func dropOlderThan(results []SearchResult, maxAgeDays int) []SearchResult {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	kept := results[:0:len(results)]
	for _, r := range results {
		if !r.Record.CreatedAt.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	return kept
}

func (s *Store) knnSearch(ctx context.Context, userID string, qBlob []byte, k int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, distance FROM memory_vec_index
		 WHERE embedding MATCH ? AND k = ? AND user_id = ?`,
		qBlob, k, userID)
	if err != nil {
		return nil, wrapDB("knn search", err)
	}

	type hit struct {
		id   string
		dist float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.dist); err != nil {
			_ = rows.Close()
			return nil, wrapDB("scan knn hit", err)
		}
		hits = append(hits, h)
	}
	// Release the connection before fetching records; the store runs on a
	// single writer connection.
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, wrapDB("knn rows", err)
	}
	_ = rows.Close()

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		rec, err := s.GetByID(ctx, h.id, userID)
		if err != nil {
			// Index row without a backing record; compaction reconciles.
			continue
		}
		results = append(results, SearchResult{Record: *rec, Similarity: 1 - h.dist})
	}
	return results, nil
}

func (s *Store) scanSearch(ctx context.Context, userID string, qBlob []byte, k int, f Filters) ([]SearchResult, error) {
	where, args := filterClauses(userID, f)
	where = append(where, "embedding IS NOT NULL")
	q := `SELECT ` + recordColumns + `, vec_distance_cosine(embedding, ?) AS dist
	      FROM memory WHERE ` + strings.Join(where, " AND ") + `
	      ORDER BY dist ASC LIMIT ?`
	args = append([]any{qBlob}, append(args, k)...)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDB("vector scan", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var rec model.Record
		var metadata, screenshot, extracted sql.NullString
		var emb []byte
		var dist float64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Type, &rec.SourceText, &metadata,
			&screenshot, &extracted, &emb, &rec.CreatedAt, &rec.UpdatedAt, &dist); err != nil {
			return nil, wrapDB("scan search row", err)
		}
		rec.Metadata = metadata.String
		rec.Screenshot = screenshot.String
		rec.ExtractedText = extracted.String
		if len(emb) > 0 {
			rec.Embedding = decodeVector(emb)
		}
		results = append(results, SearchResult{Record: rec, Similarity: 1 - dist})
	}
	return results, rows.Err()
}

// RebuildIndex drops and recreates the ANN index from all embedded rows.
// Rebuilds are skipped when no embedded rows exist.
func (s *Store) RebuildIndex(ctx context.Context) error {
	var embedded int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory WHERE embedding IS NOT NULL`).Scan(&embedded); err != nil {
		return wrapDB("count embedded", err)
	}
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS memory_vec_index`); err != nil {
		return wrapDB("drop index", err)
	}
	s.hasIndex.Store(false)
	if embedded == 0 {
		return nil
	}
	if err := s.createIndexTable(ctx); err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, embedding FROM memory WHERE embedding IS NOT NULL`)
	if err != nil {
		return wrapDB("read embedded rows", err)
	}

	type entry struct {
		id, userID string
		emb        []byte
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.userID, &e.emb); err != nil {
			_ = rows.Close()
			return wrapDB("scan embedded row", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return wrapDB("embedded rows", err)
	}
	_ = rows.Close()

	indexed := 0
	for _, e := range entries {
		if len(e.emb) != model.EmbeddingDim*4 {
			continue // legacy row with a wrong-width vector
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO memory_vec_index (memory_id, user_id, embedding) VALUES (?, ?, ?)`,
			e.id, e.userID, e.emb); err != nil {
			log.Warn("Index row insert failed during rebuild", "memoryId", e.id, "err", err)
			continue
		}
		indexed++
	}
	log.Info("ANN index rebuilt", "rows", indexed)
	return nil
}

// CompactIndex removes index rows whose backing record no longer exists.
func (s *Store) CompactIndex(ctx context.Context) error {
	if !s.hasIndex.Load() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_vec_index WHERE memory_id NOT IN (SELECT id FROM memory)`)
	return wrapDB("compact index", err)
}

func (s *Store) createIndexTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_vec_index USING vec0(
			memory_id TEXT PRIMARY KEY,
			user_id TEXT PARTITION KEY,
			embedding FLOAT[384] distance_metric=cosine
		)`)
	if err != nil {
		return wrapDB("create index table", err)
	}
	s.hasIndex.Store(true)
	return nil
}

func (s *Store) indexRowCount(ctx context.Context) int64 {
	if !s.hasIndex.Load() {
		return 0
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_vec_index`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (s *Store) indexInsertTx(ctx context.Context, tx *sql.Tx, id, userID string, vec []float32) error {
	if !s.hasIndex.Load() {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO memory_vec_index (memory_id, user_id, embedding) VALUES (?, ?, ?)`,
		id, userID, encodeVector(vec))
	return err
}

func (s *Store) indexDeleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	if !s.hasIndex.Load() {
		return nil
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM memory_vec_index WHERE memory_id = ?`, id)
	return err
}

// encodeVector serializes a float32 vector as the little-endian blob format
// sqlite-vec expects.
func encodeVector(vec []float32) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
