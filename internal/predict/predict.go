// Package predict computes the closed-form effect of opening a long or a
// short on the four accounts a trade touches (user, pool, fee collector and
// governance), in base, bonds and shares.
//
// The engine does not integrate the bonding curve itself. Spot price and
// curve evaluations come from an Oracle, the live read path, and the
// engine applies the fee split on top. Predictions are pure: the same
// state, amount and oracle answers always produce the same deltas.
package predict

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/yieldspace"
)

var (
	// ErrInvalidArguments is returned when the amount is not exactly one
	// positive base or bond amount. It is checked before any oracle call.
	ErrInvalidArguments = errors.New("predict: invalid arguments")

	// ErrCurveBoundsExceeded marks a trade the curve cannot price. It is the
	// curve package's sentinel, so errors.Is matches either name.
	ErrCurveBoundsExceeded = yieldspace.ErrCurveBounds
)

// BlocksPerYear is the block count used to project the share price one
// block forward (12 second blocks).
var BlocksPerYear = fixedpoint.New(model.SecondsPerYear / 12)

// Oracle is the read path into the live bonding curve. Implementations
// treat the state as the point at which to evaluate the curve.
type Oracle interface {
	SpotPrice(ctx context.Context, s model.PoolState) (fixedpoint.FixedPoint, error)
	CalcOpenLong(ctx context.Context, s model.PoolState, base fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
	SharesInGivenBondsOut(ctx context.Context, s model.PoolState, bonds fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
	SharesOutGivenBondsIn(ctx context.Context, s model.PoolState, bonds fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
	BondsOutGivenSharesIn(ctx context.Context, s model.PoolState, shares fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
}

type options struct {
	forPool bool
}

// Option configures a prediction.
type Option func(*options)

// WithForPool interprets the amount from the pool's side of the trade
// rather than the trader's, scaling it by the fee the pool retains.
func WithForPool() Option {
	return func(o *options) { o.forPool = true }
}

// terms are the pool-level quantities every prediction starts from.
type terms struct {
	spot       fixedpoint.FixedPoint
	discount   fixedpoint.FixedPoint
	curveFee   fixedpoint.FixedPoint
	govFee     fixedpoint.FixedPoint
	sharePrice fixedpoint.FixedPoint
}

func readTerms(ctx context.Context, oracle Oracle, s model.PoolState) (terms, error) {
	if !s.VaultSharePrice.IsPositive() {
		return terms{}, fmt.Errorf("%w: vault share price %s", ErrInvalidArguments, s.VaultSharePrice)
	}
	spot, err := oracle.SpotPrice(ctx, s)
	if err != nil {
		return terms{}, fmt.Errorf("spot price: %w", err)
	}
	return terms{
		spot:       spot,
		discount:   fixedpoint.One.Sub(spot),
		curveFee:   s.Config.Fees.Curve,
		govFee:     s.Config.Fees.GovernanceLP,
		sharePrice: s.VaultSharePrice,
	}, nil
}

func validate(amount model.AmountSpec) error {
	if err := amount.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// PredictOpenLong predicts the deltas of opening a long of the given size.
func PredictOpenLong(ctx context.Context, oracle Oracle, s model.PoolState, amount model.AmountSpec, opts ...Option) (deltas model.TradeDeltas, err error) {
	if err := validate(amount); err != nil {
		return model.TradeDeltas{}, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	defer fixedpoint.Recover(&err)

	tm, err := readTerms(ctx, oracle, s)
	if err != nil {
		return model.TradeDeltas{}, err
	}
	c := tm.sharePrice

	var base fixedpoint.FixedPoint
	if b, ok := amount.Base(); ok {
		base = b
		if o.forPool {
			base = b.DivDown(fixedpoint.One.Sub(tm.discount.MulDown(tm.govFee)))
		}
	} else {
		bonds, _ := amount.Bonds()
		shares, err := oracle.SharesInGivenBondsOut(ctx, s, bonds)
		if err != nil {
			return model.TradeDeltas{}, fmt.Errorf("shares in for %s bonds: %w", bonds, err)
		}
		if o.forPool {
			shares = shares.DivDown(fixedpoint.One.Sub(tm.discount.MulDown(tm.curveFee).MulDown(tm.govFee)))
		} else {
			shares = shares.DivDown(fixedpoint.One.Sub(tm.discount.MulDown(tm.curveFee)))
		}
		// The trade lands one block later, after the vault has accrued.
		nextPrice := c.MulDown(fixedpoint.One.Add(s.VariableRate.DivDown(BlocksPerYear)))
		base = shares.MulDown(nextPrice)
	}

	bondsAfterFees, err := oracle.CalcOpenLong(ctx, s, base)
	if err != nil {
		return model.TradeDeltas{}, fmt.Errorf("open long of %s base: %w", base, err)
	}

	bondFees := bondsAfterFees.MulDown(tm.discount).MulDown(tm.curveFee)
	toGov := bondFees.MulDown(tm.govFee)
	toPool := bondFees.Sub(toGov)

	govScale := fixedpoint.One.Sub(tm.discount.MulDown(tm.curveFee).MulDown(tm.govFee))
	poolShares := base.DivDown(c).MulDown(govScale)

	return model.TradeDeltas{
		User: model.Deltas{
			Base:   base,
			Bonds:  bondsAfterFees,
			Shares: base.DivDown(c),
		},
		Pool: model.Deltas{
			Base:   poolShares.MulDown(c),
			Bonds:  bondsAfterFees.Add(toGov).Neg(),
			Shares: poolShares,
		},
		Fee:        bondFeeDeltas(toPool, tm),
		Governance: bondFeeDeltas(toGov, tm),
	}, nil
}

func bondFeeDeltas(bonds fixedpoint.FixedPoint, tm terms) model.Deltas {
	base := bonds.MulDown(tm.spot)
	return model.Deltas{
		Base:   base,
		Bonds:  bonds,
		Shares: base.DivDown(tm.sharePrice),
	}
}

// PredictOpenShort predicts the deltas of opening a short of the given size.
// Fees accrue in base.
func PredictOpenShort(ctx context.Context, oracle Oracle, s model.PoolState, amount model.AmountSpec, opts ...Option) (deltas model.TradeDeltas, err error) {
	if err := validate(amount); err != nil {
		return model.TradeDeltas{}, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	defer fixedpoint.Recover(&err)

	tm, err := readTerms(ctx, oracle, s)
	if err != nil {
		return model.TradeDeltas{}, err
	}
	c := tm.sharePrice

	var bonds fixedpoint.FixedPoint
	if b, ok := amount.Bonds(); ok {
		bonds = b
		if o.forPool {
			bonds = b.MulDown(fixedpoint.One.Sub(tm.discount.MulDown(tm.curveFee).MulDown(tm.govFee)))
		}
	} else {
		base, _ := amount.Base()
		// There is no bonds-in-given-shares-in view, so price the opposite
		// direction and correct for the fee.
		out, err := oracle.BondsOutGivenSharesIn(ctx, s, base.DivDown(c))
		if err != nil {
			return model.TradeDeltas{}, fmt.Errorf("bonds for %s base: %w", base, err)
		}
		if o.forPool {
			bonds = out.DivDown(fixedpoint.One.Sub(tm.discount.MulDown(tm.curveFee)))
		} else {
			bonds = out.DivDown(fixedpoint.One.Sub(tm.discount.MulDown(tm.curveFee).MulDown(fixedpoint.One.Sub(tm.govFee))))
		}
	}

	sharesBeforeFees, err := oracle.SharesOutGivenBondsIn(ctx, s, bonds)
	if err != nil {
		return model.TradeDeltas{}, fmt.Errorf("open short of %s bonds: %w", bonds, err)
	}

	baseFees := bonds.MulDown(tm.discount).MulDown(tm.curveFee)
	toGov := baseFees.MulDown(tm.govFee)
	toPool := baseFees.Sub(toGov)

	userShares := sharesBeforeFees.Add(baseFees.DivDown(c))
	poolShares := toPool.DivDown(c).Sub(sharesBeforeFees)

	return model.TradeDeltas{
		User: model.Deltas{
			Base:   userShares.MulDown(c),
			Bonds:  bonds,
			Shares: userShares,
		},
		Pool: model.Deltas{
			Base:   poolShares.MulDown(c),
			Bonds:  bonds,
			Shares: poolShares,
		},
		Fee:        baseFeeDeltas(toPool, tm),
		Governance: baseFeeDeltas(toGov, tm),
	}, nil
}

func baseFeeDeltas(base fixedpoint.FixedPoint, tm terms) model.Deltas {
	return model.Deltas{
		Base:   base,
		Bonds:  base.DivDown(tm.spot),
		Shares: base.DivDown(tm.sharePrice),
	}
}

// Predict dispatches on kind. Only opening trades can be predicted.
func Predict(ctx context.Context, oracle Oracle, s model.PoolState, kind model.TradeKind, amount model.AmountSpec, opts ...Option) (model.TradeDeltas, error) {
	switch kind {
	case model.OpenLong:
		return PredictOpenLong(ctx, oracle, s, amount, opts...)
	case model.OpenShort:
		return PredictOpenShort(ctx, oracle, s, amount, opts...)
	}
	return model.TradeDeltas{}, fmt.Errorf("%w: cannot predict %s", ErrInvalidArguments, kind)
}
