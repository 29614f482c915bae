package invariant

import (
	"fmt"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
)

// Tolerances are the explicit epsilons the checks compare with. Nothing is
// compared with an implicit tolerance.
type Tolerances struct {
	// Path independence, absolute.
	LPSharePrice           fixedpoint.FixedPoint `yaml:"lp_share_price"`
	PresentValue           fixedpoint.FixedPoint `yaml:"present_value"`
	EffectiveShareReserves fixedpoint.FixedPoint `yaml:"effective_share_reserves"`

	// TestEpsilon is the relative present value tolerance per trade.
	TestEpsilon fixedpoint.FixedPoint `yaml:"test_epsilon"`

	// LPSharePriceBound is the largest relative LP share price move a
	// single trade may cause.
	LPSharePriceBound fixedpoint.FixedPoint `yaml:"lp_share_price_bound"`

	// Maturity redemption, absolute.
	LongMaturity  fixedpoint.FixedPoint `yaml:"long_maturity"`
	ShortMaturity fixedpoint.FixedPoint `yaml:"short_maturity"`

	TotalShares fixedpoint.FixedPoint `yaml:"total_shares"`
}

// DefaultTolerances returns the tolerances the scenarios run with.
func DefaultTolerances() Tolerances {
	return Tolerances{
		LPSharePrice:           fixedpoint.MustParse("0.00000000000001"),
		PresentValue:           fixedpoint.MustParse("0.0001"),
		EffectiveShareReserves: fixedpoint.MustParse("0.0001"),
		TestEpsilon:            fixedpoint.MustParse("0.0001"),
		LPSharePriceBound:      fixedpoint.MustParse("0.001"),
		LongMaturity:           fixedpoint.MustParse("0.00000000000001"),
		ShortMaturity:          fixedpoint.MustParse("0.000000001"),
		TotalShares:            fixedpoint.MustParse("0.000000001"),
	}
}

// --- Path independence ---

// PathIndependenceCheck compares the pool after closing a fixed set of
// positions in some order against the first ordering observed.
type PathIndependenceCheck struct {
	First model.PoolState
	Final model.PoolState
	Tol   Tolerances
}

func (c PathIndependenceCheck) Results() []model.InvariantCheckResult {
	name := func(field string) string { return PathIndependence + "." + field }
	f, g := c.First, c.Final
	return []model.InvariantCheckResult{
		exact(name("share_reserves"), f.ShareReserves, g.ShareReserves, false, model.LevelCritical),
		exact(name("bond_reserves"), f.BondReserves, g.BondReserves, false, model.LevelCritical),
		exact(name("lp_total_supply"), f.LPTotalSupply, g.LPTotalSupply, false, model.LevelCritical),
		exact(name("longs_outstanding"), f.LongsOutstanding, g.LongsOutstanding, false, model.LevelCritical),
		exact(name("shorts_outstanding"), f.ShortsOutstanding, g.ShortsOutstanding, false, model.LevelCritical),
		exact(name("withdrawal_shares_proceeds"), f.WithdrawalSharesProceeds, g.WithdrawalSharesProceeds, false, model.LevelCritical),
		exact(name("vault_share_price"), f.VaultSharePrice, g.VaultSharePrice, false, model.LevelCritical),
		exact(name("long_exposure"), f.LongExposure, g.LongExposure, false, model.LevelCritical),
		within(name("lp_share_price"), f.LPSharePrice, g.LPSharePrice, c.Tol.LPSharePrice, false, model.LevelCritical),
		within(name("present_value"), f.PresentValue, g.PresentValue, c.Tol.PresentValue, false, model.LevelCritical),
		within(name("effective_share_reserves"), f.EffectiveShareReserves(), g.EffectiveShareReserves(), c.Tol.EffectiveShareReserves, false, model.LevelCritical),
	}
}

// --- Present value ---

// PresentValueCheck covers one trade's effect on present value. Before is
// the state the trade ran against; InitialPresentValue is the reference
// open and close trades are measured from.
type PresentValueCheck struct {
	Kind                model.TradeKind
	Before              model.PoolState
	After               model.PoolState
	InitialPresentValue fixedpoint.FixedPoint
	Epsilon             fixedpoint.FixedPoint
}

func (c PresentValueCheck) Results() []model.InvariantCheckResult {
	pv, idle := c.After.PresentValue, c.After.IdleShares
	out := []model.InvariantCheckResult{
		result(PresentValue+".above_idle", pv.Gte(idle), idle, pv, true, model.LevelCritical,
			fmt.Sprintf("present value %s below idle shares %s", pv, idle)),
	}

	before := c.Before.PresentValue
	switch c.Kind {
	case model.AddLiquidity:
		floor := before.Sub(before.MulDown(c.Epsilon))
		out = append(out, result(PresentValue+".add_liquidity", pv.Gte(floor), before, pv, false, model.LevelCritical,
			"adding liquidity decreased present value"))
	case model.RemoveLiquidity:
		ceil := before.Add(before.MulUp(c.Epsilon))
		out = append(out, result(PresentValue+".remove_liquidity", pv.Lte(ceil), before, pv, false, model.LevelCritical,
			"removing liquidity increased present value"))
	case model.OpenLong, model.OpenShort, model.CloseLong, model.CloseShort:
		tol := c.InitialPresentValue.MulDown(c.Epsilon)
		out = append(out, result(PresentValue+".trade", c.InitialPresentValue.WithinEpsilon(pv, tol), c.InitialPresentValue, pv, false, model.LevelCritical,
			fmt.Sprintf("%s moved present value by more than %s", c.Kind, tol)))
	}
	return out
}

// --- LP share price ---

// LPSharePriceCheck bounds the relative LP share price move of one trade.
// A drop is critical; a rise only warns, since interest and matured
// positions legitimately push it up.
type LPSharePriceCheck struct {
	Before fixedpoint.FixedPoint
	After  fixedpoint.FixedPoint
	Bound  fixedpoint.FixedPoint
}

func (c LPSharePriceCheck) Results() []model.InvariantCheckResult {
	tol := c.Before.MulDown(c.Bound)
	diff := c.After.Sub(c.Before)
	level := model.LevelWarn
	if diff.IsNegative() {
		level = model.LevelCritical
	}
	return []model.InvariantCheckResult{
		result(LPSharePrice+".stability", diff.Abs().Lte(tol), c.Before, c.After, false, level,
			fmt.Sprintf("lp share price moved %s, allowed %s", diff, tol)),
	}
}

// --- Profit ---

// ProfitCheck is one open and close inside a single checkpoint. Amounts
// are base; balances are the trader's base balance around the round trip.
type ProfitCheck struct {
	Side          model.PositionKind
	Provided      fixedpoint.FixedPoint
	Returned      fixedpoint.FixedPoint
	BalanceBefore fixedpoint.FixedPoint
	BalanceAfter  fixedpoint.FixedPoint
}

func (c ProfitCheck) Results() []model.InvariantCheckResult {
	prefix := Profit + "." + string(c.Side)
	return []model.InvariantCheckResult{
		result(prefix+".returned", c.Returned.Lt(c.Provided), c.Provided, c.Returned, true, model.LevelCritical,
			fmt.Sprintf("%s returned %s for %s provided", c.Side, c.Returned, c.Provided)),
		result(prefix+".balance", c.BalanceAfter.Lt(c.BalanceBefore), c.BalanceBefore, c.BalanceAfter, true, model.LevelCritical,
			fmt.Sprintf("%s round trip left balance at %s from %s", c.Side, c.BalanceAfter, c.BalanceBefore)),
	}
}

// --- Maturity ---

// MaturityCheck compares the base paid for closing a matured position with
// its closed form. OpenSharePrice and CloseSharePrice are the vault share
// prices recorded in the opening and maturity checkpoints.
type MaturityCheck struct {
	Side            model.PositionKind
	Bonds           fixedpoint.FixedPoint
	BaseOut         fixedpoint.FixedPoint
	FlatFee         fixedpoint.FixedPoint
	OpenSharePrice  fixedpoint.FixedPoint
	CloseSharePrice fixedpoint.FixedPoint
	Epsilon         fixedpoint.FixedPoint
}

// Expected returns the closed-form redemption value:
//
//	long:  bonds − bonds·flat
//	short: bonds·(c1/c0 + flat) − (bonds + bonds·flat)
func (c MaturityCheck) Expected() (fixedpoint.FixedPoint, error) {
	flat := c.Bonds.MulDown(c.FlatFee)
	if c.Side == model.Long {
		return c.Bonds.Sub(flat), nil
	}
	growth, err := c.CloseSharePrice.SafeDivDown(c.OpenSharePrice)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return c.Bonds.MulDown(growth.Add(c.FlatFee)).Sub(c.Bonds.Add(flat)), nil
}

func (c MaturityCheck) Results() []model.InvariantCheckResult {
	name := Maturity + "." + string(c.Side)
	expected, err := c.Expected()
	if err != nil {
		return []model.InvariantCheckResult{
			result(name, false, fixedpoint.Zero, c.BaseOut, false, model.LevelCritical, err.Error()),
		}
	}
	return []model.InvariantCheckResult{
		within(name, expected, c.BaseOut, c.Epsilon, false, model.LevelCritical),
	}
}
