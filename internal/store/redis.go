package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/hyperfuzz/internal/model"
)

// CrashChannel is the pub/sub channel crash alerts are published on.
const CrashChannel = "hyperfuzz:crashes"

// CrashAlert is the message published for every saved crash bundle.
type CrashAlert struct {
	CrashID    string `json:"crash_id"`
	RunID      string `json:"run_id"`
	Seed       int64  `json:"random_seed"`
	Invariant  string `json:"failing_invariant_name"`
	KnownError string `json:"known_error,omitempty"`
}

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Saved crash bundles are
// also announced on CrashChannel.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveRun(ctx context.Context, r *model.FuzzRunReport) error {
	if err := s.primary.SaveRun(ctx, r); err != nil {
		return err
	}
	// A frozen report never changes again; anything else is re-read.
	if r.Frozen {
		s.cacheJSON(ctx, runKey(r.RunID), r)
	} else {
		s.rdb.Del(ctx, runKey(r.RunID))
	}
	return nil
}

func (s *CachedStore) SaveCrash(ctx context.Context, b *model.CrashBundle) error {
	if err := s.primary.SaveCrash(ctx, b); err != nil {
		return err
	}
	s.cacheJSON(ctx, crashKey(b.ID), b)
	s.rdb.Del(ctx, runKey(b.RunID), crashRunKey(b.RunID))

	alert, err := json.Marshal(CrashAlert{
		CrashID:    b.ID,
		RunID:      b.RunID,
		Seed:       b.RandomSeed,
		Invariant:  b.FailingInvariantName,
		KnownError: b.KnownError,
	})
	if err != nil {
		return fmt.Errorf("encode crash alert %s: %w", b.ID, err)
	}
	if err := s.rdb.Publish(ctx, CrashChannel, alert).Err(); err != nil {
		return fmt.Errorf("publish crash alert %s: %w", b.ID, err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRun(ctx context.Context, runID string) (*model.FuzzRunReport, error) {
	var r model.FuzzRunReport
	if s.cached(ctx, runKey(runID), &r) {
		return &r, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if got.Frozen {
		s.cacheJSON(ctx, runKey(runID), got)
	}
	return got, nil
}

func (s *CachedStore) GetCrash(ctx context.Context, id string) (*model.CrashBundle, error) {
	var b model.CrashBundle
	if s.cached(ctx, crashKey(id), &b) {
		return &b, nil
	}

	got, err := s.primary.GetCrash(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, crashKey(id), got)
	return got, nil
}

func (s *CachedStore) GetCrashByRun(ctx context.Context, runID string) (*model.CrashBundle, error) {
	// Try cache via run→crashID mapping.
	crashID, err := s.rdb.Get(ctx, crashRunKey(runID)).Result()
	if err == nil {
		return s.GetCrash(ctx, crashID)
	}

	got, err := s.primary.GetCrashByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, crashKey(got.ID), got)
	s.rdb.Set(ctx, crashRunKey(runID), got.ID, s.ttl)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	return s.primary.ListRuns(ctx, limit)
}

func (s *CachedStore) ViolationCounts(ctx context.Context) (map[string]int, error) {
	return s.primary.ViolationCounts(ctx)
}

// SubscribeCrashes returns a subscription to CrashChannel. The caller
// closes it.
func (s *CachedStore) SubscribeCrashes(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, CrashChannel)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func runKey(id string) string         { return fmt.Sprintf("run:%s", id) }
func crashKey(id string) string       { return fmt.Sprintf("crash:%s", id) }
func crashRunKey(runID string) string { return fmt.Sprintf("crash:run:%s", runID) }
