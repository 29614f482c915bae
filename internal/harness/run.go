package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/hyperfuzz/internal/chain"
	"github.com/atmx/hyperfuzz/internal/crash"
	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/invariant"
	"github.com/atmx/hyperfuzz/internal/metrics"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/tradegen"
)

// teardownTimeout bounds controller cleanup, which runs even after ctx is
// canceled.
const teardownTimeout = 10 * time.Second

// run is the state of one scenario execution. It is owned by a single
// goroutine.
type run struct {
	r        *Runner
	runID    string
	scenario Scenario
	seed     int64
	logger   *slog.Logger
	rec      *Recorder
	gen      *tradegen.Generator
	pool     chain.Pool

	phase  Phase
	config *model.PoolConfig

	// deployCheckpoint is the first checkpoint of the pool. Checkpoints
	// before it never exist.
	deployCheckpoint int64

	// gapped is set once time has moved without checkpointing, after which
	// previous-checkpoint checks no longer apply.
	gapped bool

	violations []*invariant.ViolationError
}

func (rn *run) exec(ctx context.Context, body func(context.Context, *run) error) (err error) {
	defer fixedpoint.Recover(&err)
	return body(ctx, rn)
}

// source returns the pool for crash reporting, or a nil interface when no
// pool was deployed.
func (rn *run) source() crash.Source {
	if rn.pool == nil {
		return nil
	}
	return rn.pool
}

func (rn *run) setup(ctx context.Context) error {
	rn.phase = PhaseSetup
	s, err := rn.readState(ctx)
	if err != nil {
		return err
	}
	rn.deployCheckpoint = s.CheckpointID
	rn.logger.Debug("pool deployed",
		"block", s.BlockNumber,
		"checkpoint", s.CheckpointID,
		"share_reserves", s.ShareReserves.String(),
		"bond_reserves", s.BondReserves.String(),
		"fixed_rate", s.FixedRate().String(),
	)
	return nil
}

func (rn *run) teardown(ctx context.Context) {
	rn.phase = PhaseTeardown
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := rn.pool.Cleanup(ctx); err != nil {
		rn.logger.Warn("controller cleanup failed", "error", err)
	}
}

// readState reads the pool and remembers its configuration for crash
// reports.
func (rn *run) readState(ctx context.Context) (model.PoolState, error) {
	s, err := rn.pool.ReadPoolState(ctx)
	if err != nil {
		return model.PoolState{}, chain.Wrap("read_pool_state", err)
	}
	cfg := s.Config
	rn.config = &cfg
	return s, nil
}

// trade records spec in the report and executes it.
func (rn *run) trade(ctx context.Context, spec model.TradeSpec) (model.TradeReceipt, error) {
	if err := rn.rec.AddTrade(spec); err != nil {
		return model.TradeReceipt{}, err
	}
	receipt, err := rn.pool.ExecuteTrade(ctx, spec)
	if err != nil {
		return model.TradeReceipt{}, fmt.Errorf("%s: %w", spec, chain.Wrap("execute_trade", err))
	}
	metrics.TradesTotal.WithLabelValues(string(spec.Kind)).Inc()
	return receipt, nil
}

// close closes the position an opening receipt created.
func (rn *run) close(ctx context.Context, open model.TradeReceipt) (model.TradeReceipt, error) {
	kind, ok := open.Kind.Closing()
	if !ok {
		return model.TradeReceipt{}, fmt.Errorf("harness: %s does not open a position", open.Kind)
	}
	return rn.trade(ctx, model.TradeSpec{Kind: kind, Amount: open.BondAmount, MaturityTime: open.MaturityTime})
}

func (rn *run) advance(ctx context.Context, seconds int64, checkpoints bool) error {
	if seconds <= 0 {
		return nil
	}
	if _, err := rn.pool.AdvanceTime(ctx, seconds, checkpoints); err != nil {
		return chain.Wrap("advance_time", err)
	}
	if !checkpoints {
		rn.gapped = true
	}
	return nil
}

// alignToCheckpoint advances to the start of the next checkpoint.
func (rn *run) alignToCheckpoint(ctx context.Context) error {
	s, err := rn.readState(ctx)
	if err != nil {
		return err
	}
	d := s.Config.CheckpointDuration
	return rn.advance(ctx, d-s.BlockTime%d, true)
}

// check evaluates checks and applies the policy. Warnings are recorded and
// never fail a run; fatal violations always abort it.
func (rn *run) check(ctx context.Context, checks ...invariant.Check) error {
	rn.phase = PhaseCheckInvariants
	results, violations := rn.r.suite.Run(ctx, checks...)
	if err := rn.rec.AddResults(results...); err != nil {
		return err
	}
	for _, res := range results {
		rn.r.observer.CheckResult(rn.runID, res)
	}
	for _, v := range violations {
		switch {
		case v.Fatal:
			return v
		case v.Level == model.LevelWarn:
		case rn.r.cfg.Policy == FailFast:
			return v
		default:
			rn.violations = append(rn.violations, v)
		}
	}
	return nil
}

// systemCheck builds the pool-wide check for s.
func (rn *run) systemCheck(ctx context.Context, s model.PoolState) (invariant.SystemCheck, error) {
	c := invariant.SystemCheck{State: s, TotalSharesEpsilon: rn.r.cfg.Tolerances.TotalShares}
	prev := s.CheckpointID - s.Config.CheckpointDuration
	if rn.gapped || prev < rn.deployCheckpoint {
		c.SkipPreviousCheckpoint = true
		return c, nil
	}
	cp, err := rn.pool.ReadCheckpoint(ctx, prev)
	switch {
	case err == nil:
		c.PreviousCheckpoint = &cp
	case errors.Is(err, chain.ErrCheckpointNotFound):
	default:
		return c, chain.Wrap("read_checkpoint", err)
	}
	return c, nil
}

func (rn *run) checkSystem(ctx context.Context, s model.PoolState) error {
	c, err := rn.systemCheck(ctx, s)
	if err != nil {
		return err
	}
	return rn.check(ctx, c)
}

// openRandom opens n generated positions, waiting a random time before
// each, and checks the pool after every trade.
func (rn *run) openRandom(ctx context.Context, n int) ([]model.TradeReceipt, error) {
	rn.phase = PhaseOpeningTrades
	s, err := rn.readState(ctx)
	if err != nil {
		return nil, err
	}
	waits := rn.gen.TimeAdvances(s.Config.PositionDuration, n)

	// The positions stay open together, so they share one batch.
	rn.gen.Reset()
	opened := make([]model.TradeReceipt, 0, n)
	for i, wait := range waits {
		rn.phase = PhaseOpeningTrades
		if err := rn.advance(ctx, wait, true); err != nil {
			return nil, err
		}
		receipt, err := rn.openGenerated(ctx)
		if err != nil {
			return nil, fmt.Errorf("opening trade %d: %w", i, err)
		}
		opened = append(opened, receipt)
	}
	return opened, nil
}

// openGenerated draws one opening trade against the current state,
// executes it and runs the system checks.
func (rn *run) openGenerated(ctx context.Context) (model.TradeReceipt, error) {
	s, err := rn.readState(ctx)
	if err != nil {
		return model.TradeReceipt{}, err
	}
	specs, err := rn.gen.Generate(ctx, rn.pool, s, 1)
	if err != nil {
		return model.TradeReceipt{}, fmt.Errorf("generate trade: %w", err)
	}
	receipt, err := rn.trade(ctx, specs[0])
	if err != nil {
		return model.TradeReceipt{}, err
	}
	after, err := rn.readState(ctx)
	if err != nil {
		return model.TradeReceipt{}, err
	}
	return receipt, rn.checkSystem(ctx, after)
}
