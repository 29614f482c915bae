package yieldspace

import (
	"context"
	"math"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
)

// Oracle prices trades against a PoolState snapshot. It reads nothing but
// the snapshot, so it serves both the simulated pool and a live chain whose
// state was read over RPC.
type Oracle struct{}

func curveFor(s model.PoolState) (Curve, error) {
	return NewCurve(ParamsFromState(s), s.EffectiveShareReserves(), s.BondReserves)
}

// SpotPrice returns the bond price implied by the snapshot's reserves.
func (Oracle) SpotPrice(_ context.Context, s model.PoolState) (fixedpoint.FixedPoint, error) {
	cv, err := curveFor(s)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return cv.SpotPrice(s.EffectiveShareReserves(), s.BondReserves)
}

// CalcOpenLong returns the bonds, net of fees, a long of `base` receives.
func (Oracle) CalcOpenLong(_ context.Context, s model.PoolState, base fixedpoint.FixedPoint) (bonds fixedpoint.FixedPoint, err error) {
	defer fixedpoint.Recover(&err)
	cv, err := curveFor(s)
	if err != nil {
		return fixedpoint.Zero, err
	}
	open, err := cv.OpenLong(s.EffectiveShareReserves(), s.BondReserves, base.DivDown(s.VaultSharePrice), s.Config.Fees)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return open.BondsAfterFees, nil
}

// SharesInGivenBondsOut prices buying `bonds` from the pool.
func (Oracle) SharesInGivenBondsOut(_ context.Context, s model.PoolState, bonds fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	cv, err := curveFor(s)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return cv.SharesInGivenBondsOut(s.EffectiveShareReserves(), s.BondReserves, bonds)
}

// SharesOutGivenBondsIn prices selling `bonds` to the pool.
func (Oracle) SharesOutGivenBondsIn(_ context.Context, s model.PoolState, bonds fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	cv, err := curveFor(s)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return cv.SharesOutGivenBondsIn(s.EffectiveShareReserves(), s.BondReserves, bonds)
}

// BondsOutGivenSharesIn prices paying `shares` into the pool.
func (Oracle) BondsOutGivenSharesIn(_ context.Context, s model.PoolState, shares fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	cv, err := curveFor(s)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return cv.BondsOutGivenSharesIn(s.EffectiveShareReserves(), s.BondReserves, shares)
}

// BondsInGivenSharesOut prices withdrawing `shares` from the pool.
func (Oracle) BondsInGivenSharesOut(_ context.Context, s model.PoolState, shares fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	cv, err := curveFor(s)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return cv.BondsInGivenSharesOut(s.EffectiveShareReserves(), s.BondReserves, shares)
}

// MaxLong returns the largest long, in base, that keeps the spot price at
// or below 1 and the pool solvent, capped by budget.
func (Oracle) MaxLong(_ context.Context, s model.PoolState, budget fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	cv, err := curveFor(s)
	if err != nil {
		return fixedpoint.Zero, err
	}
	var (
		ze       = s.EffectiveShareReserves().Float64()
		y        = s.BondReserves.Float64()
		z        = s.ShareReserves.Float64()
		exposure = s.LongExposure.Float64()
		zMin     = s.Config.MinimumShareReserves.Float64()
		gov      = s.Config.Fees.GovernanceLP.Float64()
		spot     = math.Pow(cv.mu*ze/y, cv.t)
		feeRate  = math.Max(1-spot, 0) * s.Config.Fees.Curve.Float64()
	)

	hi := cv.SharesAtUnitPrice() - ze
	if !(hi > 0) {
		return fixedpoint.Zero, nil
	}
	shares := bisect(hi, func(dz float64) bool {
		yCurve, err := cv.bondsAt(ze + dz)
		if err != nil {
			return false
		}
		after := (y - yCurve) / (1 + feeRate)
		govBonds := after * feeRate * gov
		govShares := dz * feeRate * gov
		if cv.mu*(ze+dz-govShares) > y-after-govBonds {
			return false
		}
		return z+dz-govShares-(exposure+after)/cv.c-zMin >= 0
	})

	base, err := toFixed(shares * cv.c)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return fixedpoint.Min(base, budget), nil
}

// MaxShort returns the largest short, in bonds, that leaves the pool above
// its minimum reserves net of long exposure and whose deposit fits budget.
func (Oracle) MaxShort(_ context.Context, s model.PoolState, budget fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	cv, err := curveFor(s)
	if err != nil {
		return fixedpoint.Zero, err
	}
	var (
		ze       = s.EffectiveShareReserves().Float64()
		y        = s.BondReserves.Float64()
		zeta     = s.ShareAdjustment.Float64()
		exposure = s.LongExposure.Float64()
		zMin     = s.Config.MinimumShareReserves.Float64()
		flat     = s.Config.Fees.Flat.Float64()
		spot     = math.Pow(cv.mu*ze/y, cv.t)
		feeRate  = math.Max(1-spot, 0) * s.Config.Fees.Curve.Float64()
		limit    = budget.Float64()
		floor    = zMin + exposure/cv.c
	)

	target := math.Max(floor-zeta, 0)
	if target >= ze {
		return fixedpoint.Zero, nil
	}
	yMax, err := cv.bondsAt(target)
	if err != nil {
		return fixedpoint.Zero, err
	}
	bonds := bisect(yMax-y, func(b float64) bool {
		zeAfter, err := cv.sharesAt(y + b)
		if err != nil || zeAfter+zeta < floor {
			return false
		}
		deposit := b*(1+flat) - (ze-zeAfter)*cv.c + b*feeRate
		return deposit <= limit
	})
	return toFixed(bonds)
}

// bisect returns the largest x in [0, hi] for which ok holds, assuming ok
// is true at 0 and monotone.
func bisect(hi float64, ok func(float64) bool) float64 {
	if !(hi > 0) {
		return 0
	}
	if ok(hi) {
		return hi
	}
	lo := 0.0
	for i := 0; i < 128 && hi-lo > 1e-12*hi; i++ {
		mid := (lo + hi) / 2
		if ok(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}
