package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/thinkdrop/user-memory-service/internal/config"
	"github.com/thinkdrop/user-memory-service/internal/security"
	"github.com/thinkdrop/user-memory-service/internal/store"
)

// RetentionService bounds the dataset's age span. When the spread between the
// oldest and newest record exceeds maxDays, the oldest purgeDays worth of
// records are removed, the ANN index is rebuilt, and the file is
// checkpointed. A purge interrupted mid-way is harmless: the next check
// simply continues from the new min(createdAt).
type RetentionService struct {
	store         *store.Store
	maxDays       int
	purgeDays     int
	checkInterval time.Duration

	mu        sync.Mutex
	lastPurge time.Time

	totalPurged atomic.Int64
	checks      atomic.Int64
}

// NewRetentionService applies config defaults for unset values.
func NewRetentionService(st *store.Store, cfg *config.Config) *RetentionService {
	r := &RetentionService{
		store:         st,
		maxDays:       cfg.RetentionMaxDays,
		purgeDays:     cfg.RetentionPurgeDays,
		checkInterval: cfg.RetentionCheckInterval,
	}
	if r.maxDays <= 0 {
		r.maxDays = 1825
	}
	if r.purgeDays <= 0 {
		r.purgeDays = 365
	}
	if r.checkInterval <= 0 {
		r.checkInterval = 24 * time.Hour
	}
	return r
}

// Start runs a check immediately, then on every tick until ctx is cancelled.
// A final check runs on the way out so short-lived sessions still get one.
func (r *RetentionService) Start(ctx context.Context) {
	log.Info("Retention controller started",
		"maxDays", r.maxDays, "purgeDays", r.purgeDays, "interval", r.checkInterval)
	r.runCheck(ctx)

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			r.runCheck(final)
			cancel()
			log.Info("Retention controller stopped", "totalPurged", r.totalPurged.Load())
			return
		case <-ticker.C:
			r.runCheck(ctx)
		}
	}
}

// RetentionStats is the health-reporting snapshot.
type RetentionStats struct {
	LastPurge   *time.Time `json:"lastPurge,omitempty"`
	TotalPurged int64      `json:"totalPurged"`
	Checks      int64      `json:"checks"`
}

// Stats returns the lifetime counters.
func (r *RetentionService) Stats() RetentionStats {
	r.mu.Lock()
	last := r.lastPurge
	r.mu.Unlock()
	st := RetentionStats{TotalPurged: r.totalPurged.Load(), Checks: r.checks.Load()}
	if !last.IsZero() {
		st.LastPurge = &last
	}
	return st
}

func (r *RetentionService) runCheck(ctx context.Context) {
	r.checks.Add(1)
	oldest, newest, err := r.store.DatasetAgeBounds(ctx)
	if err != nil {
		log.Error("Retention: age bounds read failed", "err", err)
		return
	}
	if oldest.IsZero() {
		return // empty dataset
	}
	ageDays := int(newest.Sub(oldest).Hours() / 24)
	if ageDays <= r.maxDays {
		return
	}

	cutoff := oldest.AddDate(0, 0, r.purgeDays)
	log.Info("Retention: purging oldest records",
		"ageDays", ageDays, "maxDays", r.maxDays, "cutoff", cutoff)

	purged, err := r.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		log.Error("Retention: purge failed", "err", err)
		return
	}
	if err := r.store.CompactIndex(ctx); err != nil {
		log.Warn("Retention: index compaction failed", "err", err)
	}
	if err := r.store.Checkpoint(ctx); err != nil {
		log.Warn("Retention: checkpoint failed", "err", err)
	}
	if err := r.store.RebuildIndex(ctx); err != nil {
		log.Warn("Retention: index rebuild failed; scans remain correct", "err", err)
	}

	r.totalPurged.Add(purged)
	security.AddRetentionPurged(purged)
	r.mu.Lock()
	r.lastPurge = time.Now().UTC()
	r.mu.Unlock()
	log.Info("Retention: purge complete", "purged", purged, "totalPurged", r.totalPurged.Load())
}
