package yieldspace

import (
	"fmt"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
)

// LongOpen is the curve side of opening a long: the bonds released and the
// governance cut, before any accounting is applied to the pool.
type LongOpen struct {
	Spot            fixedpoint.FixedPoint
	BondsBeforeFees fixedpoint.FixedPoint
	BondsAfterFees  fixedpoint.FixedPoint
	BondFees        fixedpoint.FixedPoint
	GovBonds        fixedpoint.FixedPoint
	GovShares       fixedpoint.FixedPoint
}

// OpenLong prices a long of `shares` vault shares. The curve fee is charged
// in bonds on the price discount: fees = after · (1 − p) · curve_fee.
func (cv Curve) OpenLong(ze, y, shares fixedpoint.FixedPoint, fees model.Fees) (out LongOpen, err error) {
	defer fixedpoint.Recover(&err)

	spot, err := cv.SpotPrice(ze, y)
	if err != nil {
		return LongOpen{}, err
	}
	if spot.Gt(fixedpoint.One) {
		return LongOpen{}, fmt.Errorf("%w: spot price %s above 1", ErrCurveBounds, spot)
	}
	discount := fixedpoint.One.Sub(spot)

	before, err := cv.BondsOutGivenSharesIn(ze, y, shares)
	if err != nil {
		return LongOpen{}, err
	}
	after := before.DivDown(fixedpoint.One.Add(discount.MulDown(fees.Curve)))
	bondFees := after.MulDown(discount).MulDown(fees.Curve)
	govBonds := bondFees.MulDown(fees.GovernanceLP)
	govShares := shares.MulDown(discount).MulDown(fees.Curve).MulDown(fees.GovernanceLP)

	// The long may not push the bond price above par.
	zeAfter := ze.Add(shares).Sub(govShares)
	yAfter := y.Sub(after).Sub(govBonds)
	if yAfter.Lt(zeAfter.MulDown(cv.initialSharePrice)) {
		return LongOpen{}, fmt.Errorf("%w: long of %s shares pushes spot price above 1", ErrCurveBounds, shares)
	}

	return LongOpen{
		Spot:            spot,
		BondsBeforeFees: before,
		BondsAfterFees:  after,
		BondFees:        bondFees,
		GovBonds:        govBonds,
		GovShares:       govShares,
	}, nil
}

// ShortOpen is the curve side of opening a short. Fees accrue in base.
type ShortOpen struct {
	Spot             fixedpoint.FixedPoint
	SharesBeforeFees fixedpoint.FixedPoint
	BaseFees         fixedpoint.FixedPoint
	GovBase          fixedpoint.FixedPoint
	PoolBase         fixedpoint.FixedPoint
}

// OpenShort prices a short of `bonds` bonds.
func (cv Curve) OpenShort(ze, y, bonds fixedpoint.FixedPoint, fees model.Fees) (out ShortOpen, err error) {
	defer fixedpoint.Recover(&err)

	spot, err := cv.SpotPrice(ze, y)
	if err != nil {
		return ShortOpen{}, err
	}
	discount := fixedpoint.Max(fixedpoint.One.Sub(spot), fixedpoint.Zero)

	sharesOut, err := cv.SharesOutGivenBondsIn(ze, y, bonds)
	if err != nil {
		return ShortOpen{}, err
	}
	baseFees := bonds.MulDown(discount).MulDown(fees.Curve)
	toGov := baseFees.MulDown(fees.GovernanceLP)

	return ShortOpen{
		Spot:             spot,
		SharesBeforeFees: sharesOut,
		BaseFees:         baseFees,
		GovBase:          toGov,
		PoolBase:         baseFees.Sub(toGov),
	}, nil
}
