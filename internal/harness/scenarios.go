package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atmx/hyperfuzz/internal/chain"
	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/invariant"
	"github.com/atmx/hyperfuzz/internal/metrics"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/predict"
	"github.com/atmx/hyperfuzz/internal/tradegen"
)

// Scenario names a fuzz scenario.
type Scenario string

const (
	PathIndependence   Scenario = "path_independence"
	PresentValue       Scenario = "present_value"
	Profit             Scenario = "profit"
	MaturityValues     Scenario = "maturity"
	PredictionAccuracy Scenario = "prediction_accuracy"
)

// Scenarios returns every scenario in the order RunAll runs them.
func Scenarios() []Scenario {
	return []Scenario{PathIndependence, PresentValue, Profit, MaturityValues, PredictionAccuracy}
}

// ParseScenario resolves a scenario name.
func ParseScenario(name string) (Scenario, error) {
	sc := Scenario(name)
	if _, ok := registry[sc]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownScenario, name)
	}
	return sc, nil
}

type scenarioDef struct {
	deployment chain.Deployment
	body       func(context.Context, *run) error
}

var registry = map[Scenario]scenarioDef{
	PathIndependence:   {deployment: chain.Deployment{Fees: fees(fixedpoint.Zero)}, body: pathIndependence},
	PresentValue:       {deployment: chain.Deployment{Fees: fees(fixedpoint.Zero)}, body: presentValue},
	Profit:             {deployment: chain.Deployment{Fees: fees(fixedpoint.MustParse("0.001")), VariableRate: &fixedpoint.Zero}, body: profit},
	MaturityValues:     {body: maturity},
	PredictionAccuracy: {body: predictionAccuracy},
}

// fees charges only a curve fee.
func fees(curve fixedpoint.FixedPoint) *model.Fees {
	return &model.Fees{Curve: curve, Flat: fixedpoint.Zero, GovernanceLP: fixedpoint.Zero}
}

// errTrialSkipped marks a path independence trial that could not be
// compared.
var errTrialSkipped = errors.New("trial skipped")

// --- Path independence ---

// pathIndependence opens random positions, snapshots, then closes them in
// several random orders from the snapshot. Every ordering must end in the
// same pool state as the first one that completed.
func pathIndependence(ctx context.Context, rn *run) error {
	cfg := rn.r.cfg
	perms, err := rn.gen.Permutations(cfg.Trades, cfg.Paths)
	if err != nil {
		return err
	}
	opened, err := rn.openRandom(ctx, cfg.Trades)
	if err != nil {
		return err
	}

	rn.phase = PhaseSnapshot
	if err := rn.pool.SetVariableRate(ctx, fixedpoint.Zero); err != nil {
		return chain.Wrap("set_variable_rate", err)
	}
	if err := rn.alignToCheckpoint(ctx); err != nil {
		return err
	}
	snap, err := rn.pool.SaveSnapshot(ctx)
	if err != nil {
		return chain.Wrap("save_snapshot", err)
	}
	base, err := rn.readState(ctx)
	if err != nil {
		return err
	}

	var (
		first     *model.PoolState
		completed int
		lastSkip  error
	)
	for i, perm := range perms {
		final, err := rn.trial(ctx, i, snap, base.CheckpointID, tradegen.Apply(opened, perm))
		if errors.Is(err, errTrialSkipped) {
			lastSkip = err
			continue
		}
		if err != nil {
			return err
		}
		completed++
		if first == nil {
			first = &final
			continue
		}
		if err := rn.check(ctx, invariant.PathIndependenceCheck{First: *first, Final: final, Tol: cfg.Tolerances}); err != nil {
			return err
		}
	}

	switch {
	case completed == 0:
		return lastSkip
	case completed < 2:
		rn.logger.Warn("path independence compared fewer than two orderings", "completed", completed, "paths", len(perms))
	}
	return nil
}

// trial restores the snapshot and closes every position in order. It
// returns errTrialSkipped when a close reverts or the checkpoint moved.
func (rn *run) trial(ctx context.Context, i int, snap chain.SnapshotID, checkpointID int64, order []model.TradeReceipt) (model.PoolState, error) {
	ctx, span := rn.r.tracer.Start(ctx, "hyperfuzz.trial", trace.WithAttributes(attribute.Int("trial", i)))
	defer span.End()

	rn.phase = PhaseLoadSnapshot
	if err := rn.pool.LoadSnapshot(ctx, snap); err != nil {
		return model.PoolState{}, chain.Wrap("load_snapshot", err)
	}

	rn.phase = PhaseCloseTrades
	for _, open := range order {
		if _, err := rn.close(ctx, open); err != nil {
			if ctx.Err() != nil || !errors.Is(err, chain.ErrChainInteraction) {
				return model.PoolState{}, err
			}
			rn.logger.Warn("skipping trial, close reverted", "trial", i, "error", err)
			span.SetAttributes(attribute.Bool("skipped", true))
			return model.PoolState{}, fmt.Errorf("%w: trial %d: %w", errTrialSkipped, i, err)
		}
	}

	final, err := rn.readState(ctx)
	if err != nil {
		return model.PoolState{}, err
	}
	if final.CheckpointID != checkpointID {
		rn.logger.Warn("skipping trial, checkpoint changed", "trial", i, "from", checkpointID, "to", final.CheckpointID)
		span.SetAttributes(attribute.Bool("skipped", true))
		return model.PoolState{}, fmt.Errorf("%w: trial %d: checkpoint moved from %d to %d", errTrialSkipped, i, checkpointID, final.CheckpointID)
	}
	return final, rn.checkSystem(ctx, final)
}

// --- Present value ---

// presentValue runs a fixed open/close long, open/close short, add/remove
// liquidity sequence. Present value and the LP share price are checked
// after every step against the pool before the first trade.
func presentValue(ctx context.Context, rn *run) error {
	tol := rn.r.cfg.Tolerances
	rn.phase = PhaseOpeningTrades
	initial, err := rn.readState(ctx)
	if err != nil {
		return err
	}

	step := func(spec model.TradeSpec) (model.TradeReceipt, error) {
		rn.phase = PhaseOpeningTrades
		before, err := rn.readState(ctx)
		if err != nil {
			return model.TradeReceipt{}, err
		}
		receipt, err := rn.trade(ctx, spec)
		if err != nil {
			return model.TradeReceipt{}, err
		}
		after, err := rn.readState(ctx)
		if err != nil {
			return model.TradeReceipt{}, err
		}
		sys, err := rn.systemCheck(ctx, after)
		if err != nil {
			return model.TradeReceipt{}, err
		}
		return receipt, rn.check(ctx,
			invariant.PresentValueCheck{
				Kind:                spec.Kind,
				Before:              before,
				After:               after,
				InitialPresentValue: initial.PresentValue,
				Epsilon:             tol.TestEpsilon,
			},
			invariant.LPSharePriceCheck{Before: initial.LPSharePrice, After: after.LPSharePrice, Bound: tol.LPSharePriceBound},
			sys,
		)
	}

	for _, kind := range []model.TradeKind{model.OpenLong, model.OpenShort} {
		s, err := rn.readState(ctx)
		if err != nil {
			return err
		}
		rn.gen.Reset()
		spec, err := rn.gen.Open(ctx, rn.pool, s, kind)
		if err != nil {
			return fmt.Errorf("generate %s: %w", kind, err)
		}
		opened, err := step(spec)
		if err != nil {
			return err
		}
		closing, _ := kind.Closing()
		if _, err := step(model.TradeSpec{Kind: closing, Amount: opened.BondAmount, MaturityTime: opened.MaturityTime}); err != nil {
			return err
		}
	}

	s, err := rn.readState(ctx)
	if err != nil {
		return err
	}
	poolBase := s.ShareReserves.MulDown(s.VaultSharePrice)
	hi := poolBase.DivDown(fixedpoint.New(10))
	added, err := step(model.TradeSpec{Kind: model.AddLiquidity, Amount: rn.gen.Uniform(s.Config.MinimumTransactionAmount, hi)})
	if err != nil {
		return err
	}
	_, err = step(model.TradeSpec{Kind: model.RemoveLiquidity, Amount: added.LPAmount})
	return err
}

// --- Profit ---

// profit opens and closes a long and then a short inside one checkpoint.
// Neither round trip may return more base than it cost.
func profit(ctx context.Context, rn *run) error {
	for _, side := range []model.PositionKind{model.Long, model.Short} {
		kind := model.OpenLong
		if side == model.Short {
			kind = model.OpenShort
		}

		rn.phase = PhaseOpeningTrades
		if err := rn.alignToCheckpoint(ctx); err != nil {
			return err
		}
		s, err := rn.readState(ctx)
		if err != nil {
			return err
		}
		balanceBefore, err := rn.pool.TraderBase(ctx)
		if err != nil {
			return chain.Wrap("trader_base", err)
		}
		rn.gen.Reset()
		spec, err := rn.gen.Open(ctx, rn.pool, s, kind)
		if err != nil {
			return fmt.Errorf("generate %s: %w", kind, err)
		}
		opened, err := rn.trade(ctx, spec)
		if err != nil {
			return err
		}

		if err := rn.advance(ctx, rn.gen.Int64N(s.Config.CheckpointDuration/2), true); err != nil {
			return err
		}
		rn.phase = PhaseCloseTrades
		closed, err := rn.close(ctx, opened)
		if err != nil {
			return err
		}
		balanceAfter, err := rn.pool.TraderBase(ctx)
		if err != nil {
			return chain.Wrap("trader_base", err)
		}
		after, err := rn.readState(ctx)
		if err != nil {
			return err
		}
		sys, err := rn.systemCheck(ctx, after)
		if err != nil {
			return err
		}
		if err := rn.check(ctx,
			invariant.ProfitCheck{
				Side:          side,
				Provided:      opened.BaseAmount,
				Returned:      closed.BaseAmount,
				BalanceBefore: balanceBefore,
				BalanceAfter:  balanceAfter,
			},
			sys,
		); err != nil {
			return err
		}
	}
	return nil
}

// --- Maturity ---

// maturity opens positions, lets them mature and closes them in random
// order, comparing each payout with its closed form.
func maturity(ctx context.Context, rn *run) error {
	rn.phase = PhaseOpeningTrades
	if err := rn.alignToCheckpoint(ctx); err != nil {
		return err
	}
	rn.gen.Reset()
	opened := make([]model.TradeReceipt, 0, rn.r.cfg.Trades)
	for i := 0; i < rn.r.cfg.Trades; i++ {
		receipt, err := rn.openGenerated(ctx)
		if err != nil {
			return fmt.Errorf("opening trade %d: %w", i, err)
		}
		opened = append(opened, receipt)
	}
	if len(opened) == 0 {
		return nil
	}

	s, err := rn.readState(ctx)
	if err != nil {
		return err
	}
	cfg := s.Config
	if err := rn.advance(ctx, cfg.PositionDuration+30, false); err != nil {
		return err
	}
	var maturities []int64
	for _, o := range opened {
		if !slices.Contains(maturities, o.MaturityTime) {
			maturities = append(maturities, o.MaturityTime)
		}
	}
	for _, m := range maturities {
		if _, err := rn.pool.Checkpoint(ctx, m); err != nil {
			return chain.Wrap("checkpoint", err)
		}
	}
	if err := rn.advance(ctx, rn.gen.Int64N(cfg.PositionDuration), false); err != nil {
		return err
	}

	tradegen.Shuffle(rn.gen, opened)
	for _, o := range opened {
		rn.phase = PhaseCloseTrades
		closed, err := rn.close(ctx, o)
		if err != nil {
			return err
		}
		start, err := rn.pool.ReadCheckpoint(ctx, o.MaturityTime-cfg.PositionDuration)
		if err != nil {
			return chain.Wrap("read_checkpoint", err)
		}
		end, err := rn.pool.ReadCheckpoint(ctx, o.MaturityTime)
		if err != nil {
			return chain.Wrap("read_checkpoint", err)
		}

		side, eps := model.Long, rn.r.cfg.Tolerances.LongMaturity
		if o.Kind == model.OpenShort {
			side, eps = model.Short, rn.r.cfg.Tolerances.ShortMaturity
		}
		after, err := rn.readState(ctx)
		if err != nil {
			return err
		}
		sys, err := rn.systemCheck(ctx, after)
		if err != nil {
			return err
		}
		if err := rn.check(ctx,
			invariant.MaturityCheck{
				Side:            side,
				Bonds:           o.BondAmount,
				BaseOut:         closed.BaseAmount,
				FlatFee:         cfg.Fees.Flat,
				OpenSharePrice:  start.VaultSharePrice,
				CloseSharePrice: end.VaultSharePrice,
				Epsilon:         eps,
			},
			sys,
		); err != nil {
			return err
		}
	}
	return nil
}

// --- Prediction accuracy ---

// predictionAccuracy predicts each generated open before executing it and
// compares the prediction with the pool's actual change.
func predictionAccuracy(ctx context.Context, rn *run) error {
	cfg := rn.r.cfg
	s, err := rn.readState(ctx)
	if err != nil {
		return err
	}
	waits := rn.gen.TimeAdvances(s.Config.CheckpointDuration, cfg.Trades)
	rn.gen.Reset()

	for i, wait := range waits {
		rn.phase = PhaseOpeningTrades
		if err := rn.advance(ctx, wait, true); err != nil {
			return err
		}
		before, err := rn.readState(ctx)
		if err != nil {
			return err
		}
		specs, err := rn.gen.Generate(ctx, rn.pool, before, 1)
		if err != nil {
			return fmt.Errorf("generate trade %d: %w", i, err)
		}
		spec := specs[0]
		amount := model.Base(spec.Amount)
		if spec.Kind == model.OpenShort {
			amount = model.Bonds(spec.Amount)
		}
		predicted, err := predict.Predict(ctx, rn.pool, before, spec.Kind, amount)
		if err != nil {
			return fmt.Errorf("predict %s: %w", spec, err)
		}

		if _, err := rn.trade(ctx, spec); err != nil {
			return err
		}
		after, err := rn.readState(ctx)
		if err != nil {
			return err
		}
		actual := model.DeltasBetween(before, after)
		drift, err := predict.CompareExecution(predicted.Pool, actual, cfg.DriftBound)
		if err != nil {
			return fmt.Errorf("compare %s: %w", spec, err)
		}
		metrics.PredictionDrift.WithLabelValues(string(spec.Kind), "bonds").Observe(drift.Bonds.Float64())
		metrics.PredictionDrift.WithLabelValues(string(spec.Kind), "shares").Observe(drift.Shares.Float64())

		sys, err := rn.systemCheck(ctx, after)
		if err != nil {
			return err
		}
		if err := rn.check(ctx,
			invariant.PredictionCheck{
				Kind:      spec.Kind,
				Amount:    amount,
				Predicted: predicted,
				Actual:    actual,
				Drift:     drift,
				Bound:     cfg.DriftBound,
			},
			sys,
		); err != nil {
			return err
		}
	}
	return nil
}
