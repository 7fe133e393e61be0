package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/thinkdrop/user-memory-service/internal/model"
)

// Filters narrows record queries. Zero values mean "no filter".
type Filters struct {
	Type string
	// SessionID is substring-matched against the metadata JSON document.
	SessionID string
	// MaxAgeDays excludes records older than now - MaxAgeDays.
	MaxAgeDays int
}

// Sort controls MetadataQuery ordering.
type Sort struct {
	Key  string // "createdAt" | "updatedAt"
	Desc bool
}

const recordColumns = "id, user_id, type, source_text, metadata, screenshot, extracted_text, embedding, created_at, updated_at"

// Insert appends a record and its entity rows. The record insert is fatal on
// failure; individual entity inserts are logged and skipped so the parent
// record is never left with a partial-failure error. The ANN index row is
// added when an embedding is present.
func (s *Store) Insert(ctx context.Context, rec model.Record, entities []model.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB("begin insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	var emb any
	if rec.Embedding != nil {
		emb = encodeVector(rec.Embedding)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory (id, user_id, type, source_text, metadata, screenshot, extracted_text, embedding, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Type, rec.SourceText, nullable(rec.Metadata),
		nullable(rec.Screenshot), nullable(rec.ExtractedText), emb,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return wrapDB("insert record", err)
	}

	for _, e := range entities {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memory_entities (id, memory_id, entity, type, entity_type, normalized_value, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, rec.ID, e.Entity, e.Type, e.EntityType, e.NormalizedValue, e.CreatedAt.UTC())
		if err != nil {
			log.Warn("Entity insert failed; skipping", "memoryId", rec.ID, "entity", e.Entity, "err", err)
		}
	}

	if rec.Embedding != nil {
		if err := s.indexInsertTx(ctx, tx, rec.ID, rec.UserID, rec.Embedding); err != nil {
			log.Warn("ANN index insert failed; row remains searchable via scan", "memoryId", rec.ID, "err", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapDB("commit insert", err)
	}
	return nil
}

// Delete removes a record and its entities atomically. Deleting a missing
// record is not an error (delete is idempotent).
func (s *Store) Delete(ctx context.Context, id, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB("begin delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Entities cascade, but delete explicitly so behavior does not depend on
	// the connection's foreign_keys pragma.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_entities WHERE memory_id IN (SELECT id FROM memory WHERE id = ? AND user_id = ?)`,
		id, userID); err != nil {
		return wrapDB("delete entities", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return wrapDB("delete record", err)
	}
	if err := s.indexDeleteTx(ctx, tx, id); err != nil {
		log.Warn("ANN index delete failed; compaction will reconcile", "memoryId", id, "err", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapDB("commit delete", err)
	}
	return nil
}

// GetByID returns the record, or ErrNotFound when it does not exist in the
// user's scope.
func (s *Store) GetByID(ctx context.Context, id, userID string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM memory WHERE id = ? AND user_id = ?`, id, userID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapDB("get record", err)
	}
	return rec, nil
}

// ListEntities returns the entity rows for one record.
func (s *Store) ListEntities(ctx context.Context, memoryID string) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, memory_id, entity, type, entity_type, normalized_value, created_at
		 FROM memory_entities WHERE memory_id = ? ORDER BY created_at`, memoryID)
	if err != nil {
		return nil, wrapDB("list entities", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.MemoryID, &e.Entity, &e.Type, &e.EntityType, &e.NormalizedValue, &e.CreatedAt); err != nil {
			return nil, wrapDB("scan entity", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MetadataQuery returns a structured listing for one user. Sort keys are
// limited to createdAt and updatedAt; unknown keys fall back to createdAt.
func (s *Store) MetadataQuery(ctx context.Context, userID string, f Filters, sort Sort, limit, offset int) ([]model.Record, error) {
	where, args := filterClauses(userID, f)
	col := "created_at"
	if sort.Key == "updatedAt" {
		col = "updated_at"
	}
	dir := "ASC"
	if sort.Desc {
		dir = "DESC"
	}
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + recordColumns + ` FROM memory WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ` + col + ` ` + dir + ` LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDB("metadata query", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountRecords returns the number of records matching the filters.
func (s *Store) CountRecords(ctx context.Context, userID string, f Filters) (int64, error) {
	where, args := filterClauses(userID, f)
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory WHERE `+strings.Join(where, " AND "), args...).Scan(&n)
	return n, wrapDB("count records", err)
}

// Stats summarizes the store for health reporting.
type Stats struct {
	TotalRecords   int64            `json:"totalRecords"`
	EmbeddedRows   int64            `json:"embeddedRows"`
	IndexRows      int64            `json:"indexRows"`
	RecordsByType  map[string]int64 `json:"recordsByType"`
	EntityRows     int64            `json:"entityRows"`
	OldestRecord   *time.Time       `json:"oldestRecord,omitempty"`
	NewestRecord   *time.Time       `json:"newestRecord,omitempty"`
	DBPath         string           `json:"dbPath"`
}

// GetStats reads the summary counters.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{RecordsByType: map[string]int64{}, DBPath: s.path}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory`).Scan(&st.TotalRecords); err != nil {
		return nil, wrapDB("stats total", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory WHERE embedding IS NOT NULL`).Scan(&st.EmbeddedRows); err != nil {
		return nil, wrapDB("stats embedded", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entities`).Scan(&st.EntityRows); err != nil {
		return nil, wrapDB("stats entities", err)
	}
	st.IndexRows = s.indexRowCount(ctx)

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM memory GROUP BY type`)
	if err != nil {
		return nil, wrapDB("stats by type", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, wrapDB("stats scan", err)
		}
		st.RecordsByType[typ] = n
	}

	oldest, newest, err := s.DatasetAgeBounds(ctx)
	if err == nil && !oldest.IsZero() {
		st.OldestRecord, st.NewestRecord = &oldest, &newest
	}
	return st, nil
}

// DatasetAgeBounds returns min(createdAt) and max(createdAt) over all records.
// Zero times are returned for an empty dataset.
func (s *Store) DatasetAgeBounds(ctx context.Context) (oldest, newest time.Time, err error) {
	var minT, maxT sql.NullTime
	err = s.db.QueryRowContext(ctx, `SELECT MIN(created_at), MAX(created_at) FROM memory`).Scan(&minT, &maxT)
	if err != nil {
		return time.Time{}, time.Time{}, wrapDB("age bounds", err)
	}
	if minT.Valid {
		oldest = minT.Time
	}
	if maxT.Valid {
		newest = maxT.Time
	}
	return oldest, newest, nil
}

// PurgeBefore deletes all records (and their entities) created before cutoff,
// across all users, returning how many records were removed. The ANN index is
// not touched here; the retention loop compacts and rebuilds it afterwards.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapDB("begin purge", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_entities WHERE memory_id IN (SELECT id FROM memory WHERE created_at < ?)`,
		cutoff.UTC()); err != nil {
		return 0, wrapDB("purge entities", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM memory WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, wrapDB("purge records", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, wrapDB("commit purge", err)
	}
	return n, nil
}

func filterClauses(userID string, f Filters) ([]string, []any) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.SessionID != "" {
		where = append(where, "metadata LIKE ?")
		args = append(args, "%"+f.SessionID+"%")
	}
	if f.MaxAgeDays > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, time.Now().UTC().AddDate(0, 0, -f.MaxAgeDays))
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.Record, error) {
	var rec model.Record
	var metadata, screenshot, extracted sql.NullString
	var emb []byte
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Type, &rec.SourceText, &metadata,
		&screenshot, &extracted, &emb, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Metadata = metadata.String
	rec.Screenshot = screenshot.String
	rec.ExtractedText = extracted.String
	if len(emb) > 0 {
		rec.Embedding = decodeVector(emb)
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]model.Record, error) {
	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
