package simchain

import (
	"fmt"

	"github.com/atmx/hyperfuzz/internal/asset"
	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/yieldspace"
)

// checkSolvency rejects a state where the pool could not pay out its long
// exposure and keep its minimum reserves.
func (c *Chain) checkSolvency() error {
	st := c.st
	if !st.ze().IsPositive() {
		return fmt.Errorf("%w: effective share reserves %s", yieldspace.ErrCurveBounds, st.ze())
	}
	free := st.z.Sub(st.longExposure().DivDown(st.c))
	if free.Lt(c.cfg.Pool.MinimumShareReserves) {
		return fmt.Errorf("%w: %s shares left against minimum %s", ErrInsufficientLiquidity, free, c.cfg.Pool.MinimumShareReserves)
	}
	return nil
}

func (c *Chain) afterTrade() error {
	if c.chargesFees() {
		if err := c.rebase(); err != nil {
			return err
		}
	}
	return c.checkSolvency()
}

func (c *Chain) openLong(base fixedpoint.FixedPoint) (model.TradeReceipt, error) {
	st := c.st
	cv, err := c.curve()
	if err != nil {
		return model.TradeReceipt{}, err
	}
	shares := base.DivDown(st.c)
	open, err := cv.OpenLong(st.ze(), st.y, shares, c.cfg.Pool.Fees)
	if err != nil {
		return model.TradeReceipt{}, err
	}
	maturity := c.checkpointID() + c.cfg.Pool.PositionDuration

	st.z = st.z.Add(shares).Sub(open.GovShares)
	st.y = st.y.Sub(open.BondsAfterFees).Sub(open.GovBonds)
	st.govFees = st.govFees.Add(open.GovShares)
	st.vault = st.vault.Add(shares)
	addAmount(st.longs, maturity, open.BondsAfterFees)

	if err := c.afterTrade(); err != nil {
		return model.TradeReceipt{}, err
	}
	return model.TradeReceipt{
		MaturityTime: maturity,
		BaseAmount:   base,
		BondAmount:   open.BondsAfterFees,
		ShareAmount:  shares,
	}, nil
}

func (c *Chain) openShort(bonds fixedpoint.FixedPoint) (model.TradeReceipt, error) {
	st := c.st
	cv, err := c.curve()
	if err != nil {
		return model.TradeReceipt{}, err
	}
	open, err := cv.OpenShort(st.ze(), st.y, bonds, c.cfg.Pool.Fees)
	if err != nil {
		return model.TradeReceipt{}, err
	}
	openCheckpoint := c.checkpointID()
	maturity := openCheckpoint + c.cfg.Pool.PositionDuration
	c0 := st.checkpoints[openCheckpoint].VaultSharePrice

	// The trader posts the bonds' face value plus the interest accrued since
	// the checkpoint opened, less what the pool pays for the bonds.
	deposit := bonds.MulDown(st.c.DivDown(c0).Add(c.cfg.Pool.Fees.Flat)).
		Sub(open.SharesBeforeFees.MulDown(st.c)).
		Add(open.BaseFees)
	if !deposit.IsPositive() {
		return model.TradeReceipt{}, fmt.Errorf("%w: short of %s bonds needs no deposit", yieldspace.ErrCurveBounds, bonds)
	}

	st.z = st.z.Sub(open.SharesBeforeFees).Add(open.PoolBase.DivDown(st.c))
	st.y = st.y.Add(bonds)
	st.govFees = st.govFees.Add(open.GovBase.DivDown(st.c))
	st.vault = st.vault.Add(deposit.DivDown(st.c))
	addAmount(st.shorts, maturity, bonds)

	if err := c.afterTrade(); err != nil {
		return model.TradeReceipt{}, err
	}
	return model.TradeReceipt{
		MaturityTime: maturity,
		BaseAmount:   deposit,
		BondAmount:   bonds,
		ShareAmount:  deposit.DivDown(st.c),
	}, nil
}

// closeSplit is the common part of closing a position: the bonds traded on
// the curve, the bonds settled at par, and the fees on each.
type closeSplit struct {
	curveBonds fixedpoint.FixedPoint
	flatBonds  fixedpoint.FixedPoint
	curveFee   fixedpoint.FixedPoint // base
	flatFee    fixedpoint.FixedPoint // base
}

func (c *Chain) split(bonds fixedpoint.FixedPoint, maturity int64, spot fixedpoint.FixedPoint) closeSplit {
	fees := c.cfg.Pool.Fees
	curveBonds := bonds.MulDown(c.tau(maturity))
	flatBonds := bonds.Sub(curveBonds)
	discount := fixedpoint.Max(fixedpoint.One.Sub(spot), fixedpoint.Zero)
	return closeSplit{
		curveBonds: curveBonds,
		flatBonds:  flatBonds,
		curveFee:   curveBonds.MulDown(discount).MulDown(fees.Curve),
		flatFee:    flatBonds.MulDown(fees.Flat),
	}
}

// chargeFees credits the LP share of the fees to the reserves and the rest
// to governance.
func (c *Chain) chargeFees(sp closeSplit) {
	st := c.st
	feeBase := sp.curveFee.Add(sp.flatFee)
	gov := feeBase.MulDown(c.cfg.Pool.Fees.GovernanceLP)
	st.z = st.z.Add(feeBase.Sub(gov).DivDown(st.c))
	st.govFees = st.govFees.Add(gov.DivDown(st.c))
}

func (c *Chain) closeLong(bonds fixedpoint.FixedPoint, maturity int64) (model.TradeReceipt, error) {
	st := c.st
	if held := st.trader.Balance(asset.Long(maturity)); held.Lt(bonds) || st.longs[maturity].Lt(bonds) {
		return model.TradeReceipt{}, fmt.Errorf("%w: long %d holds %s, closing %s", ErrUnknownPosition, maturity, held, bonds)
	}
	cv, err := c.curve()
	if err != nil {
		return model.TradeReceipt{}, err
	}
	spot, err := cv.SpotPrice(st.ze(), st.y)
	if err != nil {
		return model.TradeReceipt{}, err
	}
	sp := c.split(bonds, maturity, spot)

	curveShares := fixedpoint.Zero
	if sp.curveBonds.IsPositive() {
		zeBefore := st.ze()
		y := st.y.Add(sp.curveBonds)
		ze, err := cv.ShareReservesAt(y)
		if err != nil {
			return model.TradeReceipt{}, err
		}
		curveShares = fixedpoint.Max(zeBefore.Sub(ze), fixedpoint.Zero)
		st.y = y
		st.z = ze.Add(st.zeta)
	}
	flatShares := sp.flatBonds.DivDown(st.c)
	st.z = st.z.Sub(flatShares)
	st.zeta = st.zeta.Sub(flatShares)
	c.chargeFees(sp)

	traderBase := curveShares.MulDown(st.c).Sub(sp.curveFee).Add(sp.flatBonds).Sub(sp.flatFee)
	traderBase = fixedpoint.Max(traderBase, fixedpoint.Zero)
	st.vault = st.vault.Sub(traderBase.DivDown(st.c))
	addAmount(st.longs, maturity, bonds.Neg())

	if err := c.afterTrade(); err != nil {
		return model.TradeReceipt{}, err
	}
	return model.TradeReceipt{
		MaturityTime: maturity,
		BaseAmount:   traderBase,
		BondAmount:   bonds,
		ShareAmount:  traderBase.DivDown(st.c),
	}, nil
}

func (c *Chain) closeShort(bonds fixedpoint.FixedPoint, maturity int64) (model.TradeReceipt, error) {
	st := c.st
	if held := st.trader.Balance(asset.Short(maturity)); held.Lt(bonds) || st.shorts[maturity].Lt(bonds) {
		return model.TradeReceipt{}, fmt.Errorf("%w: short %d holds %s, closing %s", ErrUnknownPosition, maturity, held, bonds)
	}
	open, ok := st.checkpoints[maturity-c.cfg.Pool.PositionDuration]
	if !ok {
		return model.TradeReceipt{}, fmt.Errorf("%w: opening checkpoint of short %d", ErrCheckpointNotFound, maturity)
	}
	cv, err := c.curve()
	if err != nil {
		return model.TradeReceipt{}, err
	}
	spot, err := cv.SpotPrice(st.ze(), st.y)
	if err != nil {
		return model.TradeReceipt{}, err
	}
	sp := c.split(bonds, maturity, spot)

	curveShares := fixedpoint.Zero
	if sp.curveBonds.IsPositive() {
		if sp.curveBonds.Gte(st.y) {
			return model.TradeReceipt{}, fmt.Errorf("%w: buying back %s bonds from %s", yieldspace.ErrCurveBounds, sp.curveBonds, st.y)
		}
		zeBefore := st.ze()
		y := st.y.Sub(sp.curveBonds)
		ze, err := cv.ShareReservesAt(y)
		if err != nil {
			return model.TradeReceipt{}, err
		}
		curveShares = fixedpoint.Max(ze.Sub(zeBefore), fixedpoint.Zero)
		st.y = y
		st.z = ze.Add(st.zeta)
	}
	flatShares := sp.flatBonds.DivDown(st.c)
	st.z = st.z.Add(flatShares)
	st.zeta = st.zeta.Add(flatShares)
	c.chargeFees(sp)

	// A matured short earns interest up to maturity only.
	closePrice := st.c
	if c.checkpointID() >= maturity {
		if cp, ok := st.checkpoints[maturity]; ok {
			closePrice = cp.VaultSharePrice
		}
	}
	cost := curveShares.MulDown(st.c).Add(sp.flatBonds).Add(sp.curveFee).Add(sp.flatFee)
	value := bonds.MulDown(closePrice.DivDown(open.VaultSharePrice).Add(c.cfg.Pool.Fees.Flat))
	proceeds := value.Sub(cost)
	if proceeds.IsNegative() {
		// The collateral backs only value; the pool absorbs the rest of
		// what it credited itself.
		st.z = st.z.Sub(proceeds.Neg().DivUp(st.c))
		proceeds = fixedpoint.Zero
	}
	st.vault = st.vault.Sub(proceeds.DivDown(st.c))
	addAmount(st.shorts, maturity, bonds.Neg())

	if err := c.afterTrade(); err != nil {
		return model.TradeReceipt{}, err
	}
	return model.TradeReceipt{
		MaturityTime: maturity,
		BaseAmount:   proceeds,
		BondAmount:   bonds,
		ShareAmount:  proceeds.DivDown(st.c),
	}, nil
}

// rescaleBonds moves the bond reserves with the effective share reserves so
// the spot price is unchanged.
func (c *Chain) rescaleBonds(zeBefore fixedpoint.FixedPoint) {
	st := c.st
	st.y = st.y.MulDown(st.ze()).DivDown(zeBefore)
}

func (c *Chain) lpSharePrice() (fixedpoint.FixedPoint, error) {
	pv, err := c.presentValue()
	if err != nil {
		return fixedpoint.Zero, err
	}
	if !c.st.lpSupply.IsPositive() || !pv.IsPositive() {
		return fixedpoint.Zero, fmt.Errorf("%w: pool has no present value", ErrInsufficientLiquidity)
	}
	return pv.MulDown(c.st.c).DivDown(c.st.lpSupply), nil
}

func (c *Chain) addLiquidity(base fixedpoint.FixedPoint) (model.TradeReceipt, error) {
	st := c.st
	price, err := c.lpSharePrice()
	if err != nil {
		return model.TradeReceipt{}, err
	}
	shares := base.DivDown(st.c)
	minted := base.DivDown(price)

	zeBefore := st.ze()
	st.z = st.z.Add(shares)
	c.rescaleBonds(zeBefore)
	st.vault = st.vault.Add(shares)
	st.lpSupply = st.lpSupply.Add(minted)
	if err := c.rebase(); err != nil {
		return model.TradeReceipt{}, err
	}
	return model.TradeReceipt{
		BaseAmount:  base,
		ShareAmount: shares,
		LPAmount:    minted,
	}, nil
}

func (c *Chain) removeLiquidity(lp fixedpoint.FixedPoint) (model.TradeReceipt, error) {
	st := c.st
	if held := st.trader.Balance(asset.LP); held.Lt(lp) {
		return model.TradeReceipt{}, fmt.Errorf("%w: lp holds %s, removing %s", ErrUnknownPosition, held, lp)
	}
	pv, err := c.presentValue()
	if err != nil {
		return model.TradeReceipt{}, err
	}
	shares := lp.MulDown(pv).DivDown(st.lpSupply)
	if idle := c.idleShares(); shares.Gt(idle) {
		return model.TradeReceipt{}, fmt.Errorf("%w: withdrawing %s shares with %s idle", ErrInsufficientLiquidity, shares, idle)
	}

	zeBefore := st.ze()
	st.z = st.z.Sub(shares)
	c.rescaleBonds(zeBefore)
	st.vault = st.vault.Sub(shares)
	st.lpSupply = st.lpSupply.Sub(lp)
	if err := c.rebase(); err != nil {
		return model.TradeReceipt{}, err
	}
	if err := c.checkSolvency(); err != nil {
		return model.TradeReceipt{}, err
	}
	base := shares.MulDown(st.c)
	return model.TradeReceipt{
		BaseAmount:  base,
		ShareAmount: shares,
		LPAmount:    lp,
	}, nil
}
