// Package harness drives fuzz scenarios against a chain and turns their
// outcome into a frozen report.
//
// A run moves through Setup, OpeningTrades, Snapshot, then LoadSnapshot,
// CloseTrades and CheckInvariants once per trial, and finally Teardown.
// Teardown is deferred, so the controller is cleaned up on every path.
// Every path out of a run, passing or not, freezes a report; a run that
// aborts also raises a crash bundle.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atmx/hyperfuzz/internal/chain"
	"github.com/atmx/hyperfuzz/internal/crash"
	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/invariant"
	"github.com/atmx/hyperfuzz/internal/metrics"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/predict"
	"github.com/atmx/hyperfuzz/internal/tracing"
	"github.com/atmx/hyperfuzz/internal/tradegen"
)

// ErrUnknownScenario is returned for a scenario name that is not registered.
var ErrUnknownScenario = errors.New("harness: unknown scenario")

// Policy decides which violations abort a run.
type Policy int

const (
	// FailFast aborts on the first violation that is not a warning.
	FailFast Policy = iota
	// CollectAll aborts only on fatal violations and reports the rest.
	CollectAll
)

func (p Policy) String() string {
	if p == CollectAll {
		return "collect_all"
	}
	return "fail_fast"
}

// UnmarshalText parses "fail_fast" or "collect_all".
func (p *Policy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "fail_fast", "":
		*p = FailFast
	case "collect_all":
		*p = CollectAll
	default:
		return fmt.Errorf("harness: unknown policy %q", text)
	}
	return nil
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Config is the per-run configuration.
type Config struct {
	// Trades is the number of positions a scenario opens.
	Trades int `yaml:"trades"`
	// Paths is the number of close orderings path independence compares.
	Paths int `yaml:"paths"`

	Policy Policy `yaml:"policy"`

	// Seed fixes the run seed. Zero draws a fresh one per run.
	Seed int64 `yaml:"seed"`

	Tolerances invariant.Tolerances  `yaml:"tolerances"`
	DriftBound fixedpoint.FixedPoint `yaml:"drift_bound"`
	Budget     fixedpoint.FixedPoint `yaml:"budget"`
	Bounds     tradegen.Bounds       `yaml:"bounds"`
}

// DefaultConfig returns five trades over ten paths, failing fast.
func DefaultConfig() Config {
	return Config{
		Trades:     5,
		Paths:      10,
		Policy:     FailFast,
		Tolerances: invariant.DefaultTolerances(),
		DriftBound: predict.DefaultDriftBound,
		Budget:     tradegen.DefaultBudget,
	}
}

// Phase is a step of the run state machine.
type Phase int

const (
	PhaseSetup Phase = iota
	PhaseOpeningTrades
	PhaseSnapshot
	PhaseLoadSnapshot
	PhaseCloseTrades
	PhaseCheckInvariants
	PhaseTeardown
)

var phaseNames = [...]string{
	PhaseSetup:           "setup",
	PhaseOpeningTrades:   "opening_trades",
	PhaseSnapshot:        "snapshot",
	PhaseLoadSnapshot:    "load_snapshot",
	PhaseCloseTrades:     "close_trades",
	PhaseCheckInvariants: "check_invariants",
	PhaseTeardown:        "teardown",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "phase(" + strconv.Itoa(int(p)) + ")"
}

// Runner executes scenarios, each against a freshly deployed pool.
type Runner struct {
	factory  chain.Factory
	cfg      Config
	suite    *invariant.Suite
	reporter *crash.Reporter
	saver    ReportSaver
	observer Observer
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithReporter sets the crash reporter. The default has no sinks.
func WithReporter(r *crash.Reporter) Option {
	return func(rn *Runner) { rn.reporter = r }
}

// WithReportSaver persists every finished report.
func WithReportSaver(s ReportSaver) Option {
	return func(rn *Runner) { rn.saver = s }
}

// WithObserver sets the observer told about results as they happen.
func WithObserver(o Observer) Option {
	return func(rn *Runner) { rn.observer = o }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(rn *Runner) { rn.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rn *Runner) { rn.logger = l }
}

// New creates a Runner deploying pools through factory.
func New(factory chain.Factory, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		factory:  factory,
		cfg:      cfg,
		observer: nopObserver{},
		tracer:   tracing.Tracer(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.reporter == nil {
		r.reporter = crash.NewReporter(crash.WithLogger(r.logger))
	}
	r.suite = invariant.NewSuite(r.logger)
	return r
}

// Config returns the runner's configuration.
func (r *Runner) Config() Config { return r.cfg }

// Run executes one scenario and returns its frozen report. The error is
// nil only for a passing run; an aborted run returns a *crash.CrashError
// wrapping the cause.
func (r *Runner) Run(ctx context.Context, sc Scenario) (*model.FuzzRunReport, error) {
	def, ok := registry[sc]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, sc)
	}
	seed := r.cfg.Seed
	if seed == 0 {
		seed = tradegen.Seed()
	}
	return r.run(ctx, sc, def, seed)
}

// RunAll runs every scenario iterations times, each on its own pool. With
// iterations <= 0 it loops until ctx is done and keeps no reports or errors in
// memory; failures are only logged. Under FailFast it stops at the first
// failing run.
func (r *Runner) RunAll(ctx context.Context, iterations int) ([]*model.FuzzRunReport, error) {
	var (
		reports []*model.FuzzRunReport
		errs    []error
	)
	for i := 0; iterations <= 0 || i < iterations; i++ {
		for _, sc := range Scenarios() {
			if err := ctx.Err(); err != nil {
				return reports, errors.Join(append(errs, err)...)
			}
			seed := r.cfg.Seed
			if seed == 0 {
				seed = tradegen.Seed()
			} else {
				seed += int64(i)
			}
			rep, err := r.run(ctx, sc, registry[sc], seed)
			if iterations > 0 {
				reports = append(reports, rep)
			}
			if err == nil {
				continue
			}
			err = fmt.Errorf("%s iteration %d: %w", sc, i, err)
			if r.cfg.Policy == FailFast {
				return reports, errors.Join(append(errs, err)...)
			}
			if iterations > 0 {
				errs = append(errs, err)
			}
		}
	}
	return reports, errors.Join(errs...)
}

func (r *Runner) run(ctx context.Context, sc Scenario, def scenarioDef, seed int64) (*model.FuzzRunReport, error) {
	runID := uuid.NewString()
	ctx, span := r.tracer.Start(ctx, "hyperfuzz.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("scenario", string(sc)),
		attribute.Int64("seed", seed),
	))
	defer span.End()

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	logger := r.logger.With("run_id", runID, "scenario", string(sc), "seed", seed)
	rn := &run{
		r:        r,
		runID:    runID,
		scenario: sc,
		seed:     seed,
		logger:   logger,
		rec:      NewRecorder(runID, string(sc), seed, r.now()),
		gen: tradegen.New(tradegen.NewRNG(seed),
			tradegen.WithBudget(r.cfg.Budget),
			tradegen.WithBounds(r.cfg.Bounds),
			tradegen.WithLogger(logger),
		),
	}
	logger.Info("fuzz run started", "trades", r.cfg.Trades, "paths", r.cfg.Paths, "policy", r.cfg.Policy.String())

	pool, err := r.factory.Deploy(ctx, def.deployment)
	if err != nil {
		return r.finish(ctx, rn, chain.Wrap("deploy", err))
	}
	rn.pool = pool
	defer rn.teardown(ctx)

	if err := rn.setup(ctx); err != nil {
		return r.finish(ctx, rn, err)
	}
	return r.finish(ctx, rn, rn.exec(ctx, def.body))
}

// finish freezes the report, raising a crash bundle when the run aborted.
func (r *Runner) finish(ctx context.Context, rn *run, runErr error) (*model.FuzzRunReport, error) {
	span := trace.SpanFromContext(ctx)
	status := model.RunPassed
	retErr := runErr
	var bundle *model.CrashBundle

	switch {
	case runErr != nil && ctx.Err() != nil && errors.Is(runErr, ctx.Err()):
		status = model.RunErrored
	case runErr != nil:
		status = model.RunErrored
		if errors.Is(runErr, invariant.ErrInvariantViolation) {
			status = model.RunFailed
		}
		cerr := r.reporter.Raise(ctx, rn.source(), runErr, crash.Meta{
			RunID:      rn.runID,
			Scenario:   string(rn.scenario),
			Seed:       rn.seed,
			PoolConfig: rn.config,
			Additional: map[string]string{
				"phase":  rn.phase.String(),
				"trades": strconv.Itoa(rn.rec.Trades()),
			},
		})
		bundle = cerr.Bundle
		retErr = cerr
	case len(rn.violations) > 0:
		status = model.RunFailed
		errs := make([]error, len(rn.violations))
		for i, v := range rn.violations {
			errs[i] = v
		}
		retErr = fmt.Errorf("%d invariant violations: %w", len(rn.violations), errors.Join(errs...))
	}

	msg := ""
	if retErr != nil {
		msg = retErr.Error()
	}
	report, err := rn.rec.Freeze(status, msg, bundle, r.now())
	if err != nil {
		return nil, err
	}

	if r.saver != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := r.saver.SaveRun(saveCtx, report); err != nil {
			rn.logger.Warn("failed to save run report", "error", err)
		}
		cancel()
	}
	r.observer.RunFinished(report)
	metrics.RunsTotal.WithLabelValues(report.Scenario, string(status)).Inc()

	if retErr != nil {
		span.RecordError(retErr)
		span.SetStatus(codes.Error, string(status))
		rn.logger.Error("fuzz run finished",
			"status", string(status),
			"checks", len(report.CheckResults),
			"failures", len(report.Failures()),
			"error", retErr,
		)
	} else {
		rn.logger.Info("fuzz run finished",
			"status", string(status),
			"checks", len(report.CheckResults),
			"trades", len(report.TradeSequence),
		)
	}
	return report, retErr
}
