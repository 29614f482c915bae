// Package store defines the persistence interface for fuzz run reports and
// crash bundles. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/hyperfuzz/internal/model"
)

// ErrNotFound is returned when a run or crash bundle does not exist.
var ErrNotFound = errors.New("store: not found")

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 100

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Run reports ---

	// SaveRun inserts or replaces a run report and its check results.
	SaveRun(ctx context.Context, r *model.FuzzRunReport) error

	// GetRun retrieves a run report by its ID.
	GetRun(ctx context.Context, runID string) (*model.FuzzRunReport, error)

	// ListRuns returns the most recently started runs first.
	ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error)

	// ViolationCounts returns the number of failed checks per invariant
	// across all runs.
	ViolationCounts(ctx context.Context) (map[string]int, error)

	// --- Crash bundles ---

	// SaveCrash persists a crash bundle. Bundles are immutable.
	SaveCrash(ctx context.Context, b *model.CrashBundle) error

	// GetCrash retrieves a crash bundle by its ID.
	GetCrash(ctx context.Context, id string) (*model.CrashBundle, error)

	// GetCrashByRun retrieves the crash bundle raised by a run.
	GetCrashByRun(ctx context.Context, runID string) (*model.CrashBundle, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
