// Package yieldspace implements the YieldSpace constant-power bonding curve
// that prices Hyperdrive bonds against vault shares.
//
// The curve invariant is
//
//	k = (c/µ)·(µ·ze)^(1−t) + y^(1−t)
//
// where ze is the effective share reserves, y the bond reserves, c the vault
// share price, µ the initial vault share price and t the time stretch. The
// spot price of a bond in base is (µ·ze / y)^t.
//
// All reserve amounts cross the package boundary as fixedpoint.FixedPoint.
// The fractional powers are evaluated in float64 and immediately converted
// back to fixed point, so every result is reproducible to the wei for the
// same inputs.
//
// A Curve is stateless with respect to reserves: the invariant k is captured
// once and reserves are passed to every call.
package yieldspace

import (
	"errors"
	"fmt"
	"math"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
)

var (
	// ErrCurveBounds is returned when a trade cannot be priced on the curve:
	// the reserves it implies are negative, or the power term is undefined.
	ErrCurveBounds = errors.New("yieldspace: trade exceeds curve bounds")

	// ErrInvalidParams is returned for a time stretch outside (0, 1) or a
	// non-positive share price.
	ErrInvalidParams = errors.New("yieldspace: time stretch must be in (0, 1) and share prices positive")
)

// Params are the curve parameters read from the pool.
type Params struct {
	TimeStretch            fixedpoint.FixedPoint
	VaultSharePrice        fixedpoint.FixedPoint
	InitialVaultSharePrice fixedpoint.FixedPoint
}

// ParamsFromState extracts the curve parameters from a pool snapshot.
func ParamsFromState(s model.PoolState) Params {
	return Params{
		TimeStretch:            s.Config.TimeStretch,
		VaultSharePrice:        s.VaultSharePrice,
		InitialVaultSharePrice: s.Config.InitialVaultSharePrice,
	}
}

// Curve evaluates the bonding curve at a fixed invariant k.
type Curve struct {
	t  float64
	c  float64
	mu float64
	k  float64

	initialSharePrice fixedpoint.FixedPoint
}

// NewCurve builds a curve through the point (ze, y).
func NewCurve(p Params, ze, y fixedpoint.FixedPoint) (Curve, error) {
	cv, err := newCurve(p)
	if err != nil {
		return Curve{}, err
	}
	if !ze.IsPositive() || !y.IsPositive() {
		return Curve{}, fmt.Errorf("%w: reserves ze=%s y=%s must be positive", ErrCurveBounds, ze, y)
	}
	cv.k = cv.invariant(ze.Float64(), y.Float64())
	return cv, nil
}

// NewCurveWithK builds a curve from a previously captured invariant.
func NewCurveWithK(p Params, k float64) (Curve, error) {
	cv, err := newCurve(p)
	if err != nil {
		return Curve{}, err
	}
	if !(k > 0) || math.IsInf(k, 0) {
		return Curve{}, fmt.Errorf("%w: invariant %v", ErrCurveBounds, k)
	}
	cv.k = k
	return cv, nil
}

func newCurve(p Params) (Curve, error) {
	t := p.TimeStretch.Float64()
	c := p.VaultSharePrice.Float64()
	mu := p.InitialVaultSharePrice.Float64()
	if !(t > 0 && t < 1) || !(c > 0) || !(mu > 0) {
		return Curve{}, fmt.Errorf("%w: t=%v c=%v µ=%v", ErrInvalidParams, t, c, mu)
	}
	return Curve{t: t, c: c, mu: mu, initialSharePrice: p.InitialVaultSharePrice}, nil
}

// K returns the curve invariant.
func (cv Curve) K() float64 {
	return cv.k
}

func (cv Curve) invariant(ze, y float64) float64 {
	e := 1 - cv.t
	return cv.c/cv.mu*math.Pow(cv.mu*ze, e) + math.Pow(y, e)
}

// bondsAt solves the invariant for y given ze.
func (cv Curve) bondsAt(ze float64) (float64, error) {
	if ze < 0 {
		return 0, fmt.Errorf("%w: negative share reserves %v", ErrCurveBounds, ze)
	}
	e := 1 - cv.t
	inner := cv.k - cv.c/cv.mu*math.Pow(cv.mu*ze, e)
	if !(inner > 0) {
		return 0, fmt.Errorf("%w: no bond reserves at ze=%v", ErrCurveBounds, ze)
	}
	return math.Pow(inner, 1/e), nil
}

// sharesAt solves the invariant for ze given y.
func (cv Curve) sharesAt(y float64) (float64, error) {
	if y < 0 {
		return 0, fmt.Errorf("%w: negative bond reserves %v", ErrCurveBounds, y)
	}
	e := 1 - cv.t
	inner := cv.k - math.Pow(y, e)
	if !(inner > 0) {
		return 0, fmt.Errorf("%w: no share reserves at y=%v", ErrCurveBounds, y)
	}
	return math.Pow(inner*cv.mu/cv.c, 1/e) / cv.mu, nil
}

func toFixed(f float64) (fixedpoint.FixedPoint, error) {
	v, err := fixedpoint.FromFloat(f)
	if err != nil {
		return fixedpoint.Zero, fmt.Errorf("%w: %v", ErrCurveBounds, err)
	}
	return v, nil
}

// BondReservesAt returns the bond reserves on the curve at effective share
// reserves ze.
func (cv Curve) BondReservesAt(ze fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	y, err := cv.bondsAt(ze.Float64())
	if err != nil {
		return fixedpoint.Zero, err
	}
	return toFixed(y)
}

// ShareReservesAt returns the effective share reserves on the curve at bond
// reserves y.
func (cv Curve) ShareReservesAt(y fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	ze, err := cv.sharesAt(y.Float64())
	if err != nil {
		return fixedpoint.Zero, err
	}
	return toFixed(ze)
}

// SpotPrice returns (µ·ze / y)^t.
func (cv Curve) SpotPrice(ze, y fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	yf := y.Float64()
	if !(yf > 0) || ze.IsNegative() {
		return fixedpoint.Zero, fmt.Errorf("%w: spot price at ze=%s y=%s", ErrCurveBounds, ze, y)
	}
	return toFixed(math.Pow(cv.mu*ze.Float64()/yf, cv.t))
}

// BondsOutGivenSharesIn returns the bonds released for dz shares in.
func (cv Curve) BondsOutGivenSharesIn(ze, y, dz fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	after, err := cv.BondReservesAt(ze.Add(dz))
	if err != nil {
		return fixedpoint.Zero, err
	}
	return positive(y.Sub(after))
}

// SharesInGivenBondsOut returns the shares needed to release dy bonds.
func (cv Curve) SharesInGivenBondsOut(ze, y, dy fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	if dy.Gte(y) {
		return fixedpoint.Zero, fmt.Errorf("%w: %s bonds out exceeds reserves %s", ErrCurveBounds, dy, y)
	}
	after, err := cv.ShareReservesAt(y.Sub(dy))
	if err != nil {
		return fixedpoint.Zero, err
	}
	return positive(after.Sub(ze))
}

// SharesOutGivenBondsIn returns the shares released for dy bonds in.
func (cv Curve) SharesOutGivenBondsIn(ze, y, dy fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	after, err := cv.ShareReservesAt(y.Add(dy))
	if err != nil {
		return fixedpoint.Zero, err
	}
	return positive(ze.Sub(after))
}

// BondsInGivenSharesOut returns the bonds needed to release dz shares.
func (cv Curve) BondsInGivenSharesOut(ze, y, dz fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	if dz.Gte(ze) {
		return fixedpoint.Zero, fmt.Errorf("%w: %s shares out exceeds reserves %s", ErrCurveBounds, dz, ze)
	}
	after, err := cv.BondReservesAt(ze.Sub(dz))
	if err != nil {
		return fixedpoint.Zero, err
	}
	return positive(after.Sub(y))
}

// positive clamps float noise on tiny trades. A trade that moves reserves
// the wrong way by more than a wei is reported as out of bounds.
func positive(v fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	if v.IsNegative() {
		if v.Abs().Gt(fixedpoint.FromWei(1)) {
			return fixedpoint.Zero, fmt.Errorf("%w: negative trade output %s", ErrCurveBounds, v)
		}
		return fixedpoint.Zero, nil
	}
	return v, nil
}

// SharesAtUnitPrice returns the effective share reserves at which the spot
// price reaches 1, the upper bound for any long.
func (cv Curve) SharesAtUnitPrice() float64 {
	e := 1 - cv.t
	return math.Pow(cv.k/(cv.c/cv.mu+1), 1/e) / cv.mu
}

// TimeStretch returns the time stretch t for a target APR, using the
// calibration Hyperdrive ships with: 1/t = 5.24592 / (0.04665 · apr · 100).
func TimeStretch(apr fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	r := apr.Float64()
	if !(r > 0) {
		return fixedpoint.Zero, fmt.Errorf("%w: apr %s must be positive", ErrInvalidParams, apr)
	}
	return toFixed(1 / (5.24592 / (0.04665 * r * 100)))
}

// BondReservesForRate returns the bond reserves that put the spot price at
// 1 / (1 + apr · annualizedTime) for effective share reserves ze.
func BondReservesForRate(p Params, ze, apr, annualizedTime fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	cv, err := newCurve(p)
	if err != nil {
		return fixedpoint.Zero, err
	}
	price := 1 / (1 + apr.Float64()*annualizedTime.Float64())
	return toFixed(cv.mu * ze.Float64() / math.Pow(price, 1/cv.t))
}
