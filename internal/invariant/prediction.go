package invariant

import (
	"fmt"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/predict"
)

// PredictionCheck compares a predicted open with its execution. Drift is
// predict.CompareExecution of the predicted and executed pool deltas.
type PredictionCheck struct {
	Kind      model.TradeKind
	Amount    model.AmountSpec
	Predicted model.TradeDeltas
	Actual    model.Deltas
	Drift     predict.Drift
	Bound     fixedpoint.FixedPoint
}

func (c PredictionCheck) Results() []model.InvariantCheckResult {
	prefix := Prediction + "." + string(c.Kind)
	p := c.Predicted
	out := []model.InvariantCheckResult{
		result(prefix+".bonds", c.Drift.Bonds.Lt(c.Bound), p.Pool.Bonds, c.Actual.Bonds, false, model.LevelCritical,
			fmt.Sprintf("relative drift %s, bound %s", c.Drift.Bonds, c.Bound)),
		result(prefix+".shares", c.Drift.Shares.Lt(c.Bound), p.Pool.Shares, c.Actual.Shares, false, model.LevelCritical,
			fmt.Sprintf("relative drift %s, bound %s", c.Drift.Shares, c.Bound)),
	}

	if base, ok := c.Amount.Base(); ok && c.Kind == model.OpenLong {
		out = append(out, exact(prefix+".echo", base, p.User.Base, false, model.LevelCritical))
	}
	if bonds, ok := c.Amount.Bonds(); ok && c.Kind == model.OpenShort {
		out = append(out, exact(prefix+".echo", bonds, p.User.Bonds, false, model.LevelCritical))
	}
	if c.Kind == model.OpenLong {
		// Bonds leaving the pool are the trader's plus governance's share.
		out = append(out, exact(prefix+".fee_conservation",
			p.Pool.Bonds.Neg(), p.User.Bonds.Add(p.Governance.Bonds), false, model.LevelCritical))
	}
	return out
}
