package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
)

// Schema creates the tables PostgresStore reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS fuzz_runs (
	run_id         TEXT PRIMARY KEY,
	scenario       TEXT NOT NULL,
	random_seed    BIGINT NOT NULL,
	status         TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	trade_sequence JSONB NOT NULL DEFAULT '[]',
	frozen         BOOLEAN NOT NULL DEFAULT FALSE,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS check_results (
	run_id              TEXT NOT NULL REFERENCES fuzz_runs(run_id) ON DELETE CASCADE,
	seq                 INTEGER NOT NULL,
	name                TEXT NOT NULL,
	passed              BOOLEAN NOT NULL,
	expected            NUMERIC NOT NULL,
	actual              NUMERIC NOT NULL,
	absolute_difference NUMERIC NOT NULL,
	context             TEXT NOT NULL DEFAULT '',
	fatal               BOOLEAN NOT NULL,
	log_level           TEXT NOT NULL,
	checked_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS crash_bundles (
	id                     TEXT PRIMARY KEY,
	run_id                 TEXT NOT NULL,
	random_seed            BIGINT NOT NULL,
	failing_invariant_name TEXT NOT NULL,
	expected               NUMERIC NOT NULL,
	actual                 NUMERIC NOT NULL,
	absolute_difference    NUMERIC NOT NULL,
	known_error            TEXT NOT NULL DEFAULT '',
	bundle                 JSONB NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS crash_bundles_run_id ON crash_bundles (run_id);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Fixed-point values are stored as NUMERIC so they round-trip to the wei.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, r *model.FuzzRunReport) error {
	trades, err := json.Marshal(r.TradeSequence)
	if err != nil {
		return fmt.Errorf("encode trade sequence: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.RunID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO fuzz_runs (run_id, scenario, random_seed, status, error, trade_sequence, frozen, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7, $8, $9)
		 ON CONFLICT (run_id) DO UPDATE
		 SET status = EXCLUDED.status, error = EXCLUDED.error,
		     trade_sequence = EXCLUDED.trade_sequence, frozen = EXCLUDED.frozen,
		     finished_at = EXCLUDED.finished_at`,
		r.RunID, r.Scenario, r.RandomSeed, string(r.Status), r.Error,
		string(trades), r.Frozen, r.StartedAt, nullTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.RunID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM check_results WHERE run_id = $1`, r.RunID); err != nil {
		return fmt.Errorf("save run %s: %w", r.RunID, err)
	}
	batch := &pgx.Batch{}
	for i, c := range r.CheckResults {
		batch.Queue(
			`INSERT INTO check_results (run_id, seq, name, passed, expected, actual, absolute_difference, context, fatal, log_level, checked_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
			r.RunID, i, c.Name, c.Passed,
			c.Expected.Decimal().String(), c.Actual.Decimal().String(), c.AbsoluteDifference.Decimal().String(),
			c.Context, c.Fatal, string(c.LogLevel), c.CheckedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save check results for %s: %w", r.RunID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.FuzzRunReport, error) {
	var (
		r          model.FuzzRunReport
		status     string
		trades     []byte
		finishedAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, scenario, random_seed, status, error, trade_sequence, frozen, started_at, finished_at
		 FROM fuzz_runs WHERE run_id = $1`, runID).
		Scan(&r.RunID, &r.Scenario, &r.RandomSeed, &status, &r.Error, &trades, &r.Frozen, &r.StartedAt, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	r.Status = model.RunStatus(status)
	if finishedAt != nil {
		r.FinishedAt = *finishedAt
	}
	if err := json.Unmarshal(trades, &r.TradeSequence); err != nil {
		return nil, fmt.Errorf("decode trade sequence of %s: %w", runID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT name, passed, expected::TEXT, actual::TEXT, absolute_difference::TEXT,
		        context, fatal, log_level, checked_at
		 FROM check_results WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("get check results of %s: %w", runID, err)
	}
	defer rows.Close()
	if r.CheckResults, err = scanCheckResults(rows); err != nil {
		return nil, fmt.Errorf("get check results of %s: %w", runID, err)
	}

	crash, err := s.GetCrashByRun(ctx, runID)
	switch {
	case err == nil:
		r.CrashDump = crash
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.run_id, r.scenario, r.random_seed, r.status, r.started_at, r.finished_at,
		        COUNT(c.seq), COUNT(c.seq) FILTER (WHERE NOT c.passed)
		 FROM fuzz_runs r
		 LEFT JOIN check_results c ON c.run_id = r.run_id
		 GROUP BY r.run_id
		 ORDER BY r.started_at DESC, r.run_id
		 LIMIT $1`, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var (
			sum        model.RunSummary
			status     string
			finishedAt *time.Time
		)
		if err := rows.Scan(&sum.RunID, &sum.Scenario, &sum.RandomSeed, &status,
			&sum.StartedAt, &finishedAt, &sum.Checks, &sum.Failures); err != nil {
			return nil, err
		}
		sum.Status = model.RunStatus(status)
		if finishedAt != nil {
			sum.FinishedAt = *finishedAt
		}
		runs = append(runs, sum)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) ViolationCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, COUNT(*) FROM check_results WHERE NOT passed GROUP BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) SaveCrash(ctx context.Context, b *model.CrashBundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode crash bundle: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO crash_bundles (id, run_id, random_seed, failing_invariant_name,
		                            expected, actual, absolute_difference, known_error, bundle, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::JSONB, $10)`,
		b.ID, b.RunID, b.RandomSeed, b.FailingInvariantName,
		b.Expected.Decimal().String(), b.Actual.Decimal().String(), b.AbsoluteDifference.Decimal().String(),
		b.KnownError, string(data), b.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save crash %s: %w", b.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetCrash(ctx context.Context, id string) (*model.CrashBundle, error) {
	return s.crashWhere(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetCrashByRun(ctx context.Context, runID string) (*model.CrashBundle, error) {
	return s.crashWhere(ctx, `run_id = $1`, runID)
}

func (s *PostgresStore) crashWhere(ctx context.Context, cond, arg string) (*model.CrashBundle, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT bundle FROM crash_bundles WHERE `+cond+` ORDER BY created_at DESC LIMIT 1`, arg).
		Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("crash %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get crash %s: %w", arg, err)
	}
	var b model.CrashBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode crash %s: %w", arg, err)
	}
	return &b, nil
}

// pgxRows is the part of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanCheckResults(rows pgxRows) ([]model.InvariantCheckResult, error) {
	var results []model.InvariantCheckResult
	for rows.Next() {
		var (
			c                       model.InvariantCheckResult
			expected, actual, diffS string
			level                   string
		)
		if err := rows.Scan(&c.Name, &c.Passed, &expected, &actual, &diffS,
			&c.Context, &c.Fatal, &level, &c.CheckedAt); err != nil {
			return nil, err
		}
		var err error
		if c.Expected, err = fixedpoint.Parse(expected); err != nil {
			return nil, fmt.Errorf("%s expected: %w", c.Name, err)
		}
		if c.Actual, err = fixedpoint.Parse(actual); err != nil {
			return nil, fmt.Errorf("%s actual: %w", c.Name, err)
		}
		if c.AbsoluteDifference, err = fixedpoint.Parse(diffS); err != nil {
			return nil, fmt.Errorf("%s difference: %w", c.Name, err)
		}
		c.LogLevel = model.LogLevel(level)
		results = append(results, c)
	}
	return results, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
