package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/hyperfuzz/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and for CLI runs without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*model.FuzzRunReport
	crashes map[string]*model.CrashBundle
	byRun   map[string]string // run id -> crash id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*model.FuzzRunReport),
		crashes: make(map[string]*model.CrashBundle),
		byRun:   make(map[string]string),
	}
}

func (s *MemoryStore) SaveRun(_ context.Context, r *model.FuzzRunReport) error {
	if r.RunID == "" {
		return fmt.Errorf("save run: empty run id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.runs[r.RunID] = copyReport(r)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*model.FuzzRunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return copyReport(r), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunSummary, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r.Summary())
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if n := listLimit(limit); len(runs) > n {
		runs = runs[:n]
	}
	return runs, nil
}

func (s *MemoryStore) ViolationCounts(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, r := range s.runs {
		for _, c := range r.CheckResults {
			if !c.Passed {
				counts[c.Name]++
			}
		}
	}
	return counts, nil
}

func (s *MemoryStore) SaveCrash(_ context.Context, b *model.CrashBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.crashes[b.ID]; ok {
		return fmt.Errorf("crash bundle %s already exists", b.ID)
	}
	s.crashes[b.ID] = copyBundle(b)
	if b.RunID != "" {
		s.byRun[b.RunID] = b.ID
	}
	return nil
}

func (s *MemoryStore) GetCrash(_ context.Context, id string) (*model.CrashBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.crashes[id]
	if !ok {
		return nil, fmt.Errorf("crash %s: %w", id, ErrNotFound)
	}
	return copyBundle(b), nil
}

func (s *MemoryStore) GetCrashByRun(_ context.Context, runID string) (*model.CrashBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRun[runID]
	if !ok {
		return nil, fmt.Errorf("crash for run %s: %w", runID, ErrNotFound)
	}
	return copyBundle(s.crashes[id]), nil
}

func copyReport(r *model.FuzzRunReport) *model.FuzzRunReport {
	c := *r
	c.TradeSequence = append([]model.TradeSpec(nil), r.TradeSequence...)
	c.CheckResults = append([]model.InvariantCheckResult(nil), r.CheckResults...)
	if r.CrashDump != nil {
		c.CrashDump = copyBundle(r.CrashDump)
	}
	return &c
}

func copyBundle(b *model.CrashBundle) *model.CrashBundle {
	c := *b
	if b.PoolConfig != nil {
		cfg := *b.PoolConfig
		c.PoolConfig = &cfg
	}
	if b.PoolInfo != nil {
		info := *b.PoolInfo
		c.PoolInfo = &info
	}
	if b.LatestCheckpoint != nil {
		cp := *b.LatestCheckpoint
		c.LatestCheckpoint = &cp
	}
	if b.AdditionalInfo != nil {
		c.AdditionalInfo = make(map[string]string, len(b.AdditionalInfo))
		for k, v := range b.AdditionalInfo {
			c.AdditionalInfo[k] = v
		}
	}
	c.PartialFailures = append([]string(nil), b.PartialFailures...)
	return &c
}
