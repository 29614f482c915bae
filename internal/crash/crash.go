// Package crash assembles the forensic bundle recorded when a fuzz run hits
// a fatal failure.
//
// Every diagnostic field is fetched independently and best-effort: a field
// that cannot be read is left empty, a *PartialFailureError is logged at
// warn and recorded on the bundle, and assembly continues. The underlying
// failure is never replaced or suppressed.
package crash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/hyperfuzz/internal/chain"
	"github.com/atmx/hyperfuzz/internal/invariant"
	"github.com/atmx/hyperfuzz/internal/metrics"
	"github.com/atmx/hyperfuzz/internal/model"
)

// DefaultFetchTimeout bounds the diagnostic reads made while building a
// bundle.
const DefaultFetchTimeout = 30 * time.Second

// Failure names used when the failure is not an invariant violation.
const (
	ChainInteractionFailure = "chain_interaction"
	UnrecoverableFailure    = "unrecoverable_error"
)

// Bundle field names reported in partial failures.
const (
	FieldPoolConfig       = "pool_config"
	FieldPoolInfo         = "pool_info"
	FieldLatestCheckpoint = "latest_checkpoint"
	FieldStateDump        = "chain_state_dump"
	FieldSink             = "sink"
)

// Source is the part of a chain controller the reporter reads from.
type Source interface {
	ReadPoolState(ctx context.Context) (model.PoolState, error)
	LatestCheckpoint(ctx context.Context) (model.Checkpoint, error)
	DumpState(ctx context.Context) (chain.StateDumpRef, error)
}

// PartialFailureError records one bundle field that could not be fetched.
type PartialFailureError struct {
	Field string
	Err   error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("crash report assembly: %s: %v", e.Field, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// CrashError wraps the failure that caused a crash together with the bundle
// built for it. errors.Is and errors.As see through it to the failure.
type CrashError struct {
	Bundle  *model.CrashBundle
	Partial []*PartialFailureError
	Err     error
}

func (e *CrashError) Error() string {
	if e.Bundle == nil {
		return fmt.Sprintf("crash: %v", e.Err)
	}
	return fmt.Sprintf("crash %s: %v", e.Bundle.ID, e.Err)
}

func (e *CrashError) Unwrap() error { return e.Err }

// Meta identifies the run a bundle belongs to.
type Meta struct {
	RunID    string
	Scenario string
	Seed     int64

	// PoolConfig is the last configuration the run read. When nil the
	// configuration is taken from a fresh pool state read.
	PoolConfig *model.PoolConfig

	Additional map[string]string
}

// Reporter builds crash bundles and hands them to its sinks.
type Reporter struct {
	logger  *slog.Logger
	sinks   []Sink
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithSinks adds sinks every raised bundle is published to.
func WithSinks(sinks ...Sink) Option {
	return func(r *Reporter) { r.sinks = append(r.sinks, sinks...) }
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Reporter) { r.timeout = d }
}

// WithLogger sets the logger partial failures are reported through.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

// NewReporter creates a Reporter.
func NewReporter(opts ...Option) *Reporter {
	r := &Reporter{
		logger:  slog.Default(),
		timeout: DefaultFetchTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Build assembles a bundle for failure. It always returns a bundle; the
// second return lists the fields that could not be filled.
//
// Reads run detached from ctx cancellation so a run aborted by fail-fast
// still gets its diagnostics, bounded by the fetch timeout.
func (r *Reporter) Build(ctx context.Context, src Source, failure error, meta Meta) (*model.CrashBundle, []*PartialFailureError) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	b := &model.CrashBundle{
		ID:             uuid.NewString(),
		RunID:          meta.RunID,
		RandomSeed:     meta.Seed,
		Timestamp:      r.now().UTC(),
		AdditionalInfo: map[string]string{},
	}
	describeFailure(b, failure)

	var partial []*PartialFailureError
	fail := func(field string, err error) {
		pf := &PartialFailureError{Field: field, Err: err}
		partial = append(partial, pf)
		b.PartialFailures = append(b.PartialFailures, pf.Error())
		r.logger.WarnContext(ctx, "crash report field unavailable",
			"crash_id", b.ID,
			"field", field,
			"error", err,
		)
	}

	if meta.PoolConfig != nil {
		cfg := *meta.PoolConfig
		b.PoolConfig = &cfg
	}
	if src == nil {
		fail(FieldPoolInfo, errors.New("no chain source"))
	} else {
		if s, err := src.ReadPoolState(ctx); err != nil {
			fail(FieldPoolInfo, err)
		} else {
			b.PoolInfo = &s
			if b.PoolConfig == nil {
				cfg := s.Config
				b.PoolConfig = &cfg
			}
			addStateInfo(b.AdditionalInfo, s)
		}
		if cp, err := src.LatestCheckpoint(ctx); err != nil {
			fail(FieldLatestCheckpoint, err)
		} else {
			b.LatestCheckpoint = &cp
		}
		if ref, err := src.DumpState(ctx); err != nil {
			fail(FieldStateDump, err)
		} else {
			b.ChainStateDumpReference = string(ref)
		}
	}
	if b.PoolConfig == nil {
		fail(FieldPoolConfig, errors.New("no pool config captured"))
	}

	if meta.Scenario != "" {
		b.AdditionalInfo["scenario"] = meta.Scenario
	}
	for k, v := range meta.Additional {
		b.AdditionalInfo[k] = v
	}
	metrics.CrashReportsTotal.Inc()
	return b, partial
}

// Raise builds the bundle, publishes it to every sink and returns the
// failure wrapped in a *CrashError. Sink errors become partial failures.
func (r *Reporter) Raise(ctx context.Context, src Source, failure error, meta Meta) *CrashError {
	b, partial := r.Build(ctx, src, failure, meta)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Publish(pubCtx, b); err != nil {
			pf := &PartialFailureError{Field: FieldSink, Err: err}
			partial = append(partial, pf)
			b.PartialFailures = append(b.PartialFailures, pf.Error())
			r.logger.WarnContext(ctx, "crash report sink failed", "crash_id", b.ID, "error", err)
		}
	}
	r.logger.ErrorContext(ctx, "crash report raised",
		"crash_id", b.ID,
		"run_id", b.RunID,
		"seed", b.RandomSeed,
		"invariant", b.FailingInvariantName,
		"known_error", b.KnownError,
		"partial_failures", len(partial),
	)
	return &CrashError{Bundle: b, Partial: partial, Err: failure}
}

func describeFailure(b *model.CrashBundle, failure error) {
	if failure == nil {
		b.FailingInvariantName = UnrecoverableFailure
		return
	}
	b.Error = failure.Error()
	b.KnownError = ClassifyKnownError(failure)

	var v *invariant.ViolationError
	switch {
	case errors.As(failure, &v):
		b.FailingInvariantName = v.Name
		b.Expected = v.Expected
		b.Actual = v.Actual
		b.AbsoluteDifference = v.Difference
	case errors.Is(failure, chain.ErrChainInteraction):
		b.FailingInvariantName = ChainInteractionFailure
		if op := chain.Op(failure); op != "" {
			b.AdditionalInfo["chain_op"] = op
		}
	default:
		b.FailingInvariantName = UnrecoverableFailure
	}
}

func addStateInfo(info map[string]string, s model.PoolState) {
	info["block_number"] = strconv.FormatUint(s.BlockNumber, 10)
	info["block_time"] = strconv.FormatInt(s.BlockTime, 10)
	info["spot_price"] = s.SpotPrice.String()
	info["fixed_rate"] = s.FixedRate().String()
	info["variable_rate"] = s.VariableRate.String()
	info["vault_shares"] = s.VaultShares.String()
}
