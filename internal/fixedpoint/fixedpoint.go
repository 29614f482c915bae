// Package fixedpoint implements the 18-decimal signed fixed-point number
// used for every financial quantity in the harness.
//
// Values are stored as a sign flag plus a 256-bit magnitude so that
// arithmetic matches the on-chain integer math to the wei. Multiplication
// and division use a 512-bit intermediate and round explicitly: the Down
// variants floor toward negative infinity, the Up variants ceil toward
// positive infinity.
//
// Operators such as Add or MulDown panic on overflow or division by zero so
// formulas stay readable. Callers at an API boundary convert those panics
// back into errors with:
//
//	defer fixedpoint.Recover(&err)
//
// The Safe* variants return errors directly.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional decimal digits.
const Decimals = 18

var (
	// ErrOverflow is returned when a result leaves the range (-2^255, 2^255).
	ErrOverflow = errors.New("fixedpoint: overflow")

	// ErrDivisionByZero is returned when dividing by zero.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")

	// ErrPrecision is returned when parsing a value with more than 18
	// fractional digits.
	ErrPrecision = errors.New("fixedpoint: more than 18 decimal places")

	// ErrNotFinite is returned for NaN or infinite float inputs.
	ErrNotFinite = errors.New("fixedpoint: value is not finite")
)

var (
	scale = uint256.NewInt(1_000_000_000_000_000_000)
	unit  = uint256.NewInt(1)
	limit = new(uint256.Int).Lsh(uint256.NewInt(1), 255)

	// Zero is 0.
	Zero = FixedPoint{}

	// One is 1.0 (1e18 scaled).
	One = New(1)
)

// FixedPoint is a signed 18-decimal fixed-point number. The zero value is 0.
// FixedPoint values are immutable and safe to copy.
type FixedPoint struct {
	neg bool
	mag uint256.Int
}

// arithmeticPanic carries an error raised by a panicking operator.
type arithmeticPanic struct {
	err error
}

// Recover converts a panic raised by a FixedPoint operator into *errp.
// It must be deferred directly. Panics of any other kind are re-raised.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if p, ok := r.(arithmeticPanic); ok {
		*errp = p.err
		return
	}
	panic(r)
}

func must(v FixedPoint, err error) FixedPoint {
	if err != nil {
		panic(arithmeticPanic{err: err})
	}
	return v
}

func fromParts(neg bool, mag *uint256.Int) (FixedPoint, error) {
	if !mag.Lt(limit) {
		return FixedPoint{}, ErrOverflow
	}
	if mag.IsZero() {
		neg = false
	}
	return FixedPoint{neg: neg, mag: *mag}, nil
}

// --- Construction ---

// New returns the fixed-point representation of the integer i.
func New(i int64) FixedPoint {
	neg := i < 0
	u := uint64(i)
	if neg {
		u = uint64(-(i + 1)) + 1
	}
	mag := new(uint256.Int).Mul(uint256.NewInt(u), scale)
	return FixedPoint{neg: neg, mag: *mag}
}

// FromScaled interprets s as an already-scaled integer (wei).
func FromScaled(s *big.Int) (FixedPoint, error) {
	abs := new(big.Int).Abs(s)
	mag, overflow := uint256.FromBig(abs)
	if overflow {
		return FixedPoint{}, ErrOverflow
	}
	return fromParts(s.Sign() < 0, mag)
}

// FromWei returns the fixed-point value whose scaled representation is w.
func FromWei(w uint64) FixedPoint {
	return FixedPoint{mag: *uint256.NewInt(w)}
}

// MustFromScaled is FromScaled that panics on error. For constants.
func MustFromScaled(s *big.Int) FixedPoint {
	v, err := FromScaled(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromDecimal converts a shopspring decimal, truncating digits beyond the
// 18th fractional place toward zero.
func FromDecimal(d decimal.Decimal) (FixedPoint, error) {
	return FromScaled(d.Shift(Decimals).BigInt())
}

// FromFloat converts a float64. Used only where a curve evaluation is
// computed in floating point and immediately brought back to fixed point.
func FromFloat(f float64) (FixedPoint, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return FixedPoint{}, fmt.Errorf("%w: %v", ErrNotFinite, f)
	}
	return FromDecimal(decimal.NewFromFloat(f))
}

// Parse reads a decimal string such as "1.5", "-0.001" or "1e-4".
func Parse(s string) (FixedPoint, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return FixedPoint{}, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return FixedPoint{}, fmt.Errorf("%w: %q", ErrPrecision, s)
	}
	return FromScaled(shifted.BigInt())
}

// MustParse is Parse that panics on error. For constants and tests.
func MustParse(s string) FixedPoint {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// --- Conversion ---

// Scaled returns the scaled integer (wei) representation.
func (a FixedPoint) Scaled() *big.Int {
	b := a.mag.ToBig()
	if a.neg {
		b.Neg(b)
	}
	return b
}

// Decimal returns the exact value as a shopspring decimal.
func (a FixedPoint) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.Scaled(), -Decimals)
}

// Float64 returns the nearest float64. Lossy.
func (a FixedPoint) Float64() float64 {
	return a.Decimal().InexactFloat64()
}

// String formats the value with the minimal number of fractional digits.
func (a FixedPoint) String() string {
	return a.Decimal().String()
}

// MarshalText implements encoding.TextMarshaler. JSON and YAML encode
// fixed-point values as decimal strings.
func (a FixedPoint) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *FixedPoint) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// --- Predicates ---

// Sign returns -1, 0 or +1.
func (a FixedPoint) Sign() int {
	switch {
	case a.mag.IsZero():
		return 0
	case a.neg:
		return -1
	default:
		return 1
	}
}

func (a FixedPoint) IsZero() bool     { return a.mag.IsZero() }
func (a FixedPoint) IsNegative() bool { return a.neg }
func (a FixedPoint) IsPositive() bool { return !a.neg && !a.mag.IsZero() }

// Cmp returns -1, 0 or +1 comparing a to b.
func (a FixedPoint) Cmp(b FixedPoint) int {
	switch {
	case a.neg && !b.neg:
		return -1
	case !a.neg && b.neg:
		return 1
	}
	c := a.mag.Cmp(&b.mag)
	if a.neg {
		return -c
	}
	return c
}

func (a FixedPoint) Eq(b FixedPoint) bool  { return a == b }
func (a FixedPoint) Lt(b FixedPoint) bool  { return a.Cmp(b) < 0 }
func (a FixedPoint) Lte(b FixedPoint) bool { return a.Cmp(b) <= 0 }
func (a FixedPoint) Gt(b FixedPoint) bool  { return a.Cmp(b) > 0 }
func (a FixedPoint) Gte(b FixedPoint) bool { return a.Cmp(b) >= 0 }

// AbsDiff returns |a - b|.
func (a FixedPoint) AbsDiff(b FixedPoint) FixedPoint {
	return a.Sub(b).Abs()
}

// WithinEpsilon reports whether |a - b| <= eps.
func (a FixedPoint) WithinEpsilon(b, eps FixedPoint) bool {
	return a.AbsDiff(b).Lte(eps)
}

// Min returns the smaller of a and b.
func Min(a, b FixedPoint) FixedPoint {
	if a.Lt(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b FixedPoint) FixedPoint {
	if a.Gt(b) {
		return a
	}
	return b
}

// --- Checked arithmetic ---

// Neg returns -a.
func (a FixedPoint) Neg() FixedPoint {
	if a.mag.IsZero() {
		return a
	}
	return FixedPoint{neg: !a.neg, mag: a.mag}
}

// Abs returns |a|.
func (a FixedPoint) Abs() FixedPoint {
	return FixedPoint{mag: a.mag}
}

// SafeAdd returns a + b.
func (a FixedPoint) SafeAdd(b FixedPoint) (FixedPoint, error) {
	if a.neg == b.neg {
		sum, overflow := new(uint256.Int).AddOverflow(&a.mag, &b.mag)
		if overflow {
			return FixedPoint{}, ErrOverflow
		}
		return fromParts(a.neg, sum)
	}
	if a.mag.Lt(&b.mag) {
		return fromParts(b.neg, new(uint256.Int).Sub(&b.mag, &a.mag))
	}
	return fromParts(a.neg, new(uint256.Int).Sub(&a.mag, &b.mag))
}

// SafeSub returns a - b.
func (a FixedPoint) SafeSub(b FixedPoint) (FixedPoint, error) {
	return a.SafeAdd(b.Neg())
}

// mulDiv computes x*y/d on magnitudes with a 512-bit intermediate. When up
// is true a non-zero remainder bumps the magnitude by one wei.
func mulDiv(x, y, d *uint256.Int, up bool) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if up && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		if _, overflow := q.AddOverflow(q, unit); overflow {
			return nil, ErrOverflow
		}
	}
	return q, nil
}

// roundMagUp reports whether the magnitude must be rounded away from zero
// to round the signed result in the requested direction.
func roundMagUp(neg, down bool) bool {
	return neg == down
}

func (a FixedPoint) mul(b FixedPoint, down bool) (FixedPoint, error) {
	neg := a.neg != b.neg
	q, err := mulDiv(&a.mag, &b.mag, scale, roundMagUp(neg, down))
	if err != nil {
		return FixedPoint{}, fmt.Errorf("mul %s * %s: %w", a, b, err)
	}
	return fromParts(neg, q)
}

func (a FixedPoint) div(b FixedPoint, down bool) (FixedPoint, error) {
	if b.IsZero() {
		return FixedPoint{}, fmt.Errorf("div %s / 0: %w", a, ErrDivisionByZero)
	}
	neg := a.neg != b.neg
	q, err := mulDiv(&a.mag, scale, &b.mag, roundMagUp(neg, down))
	if err != nil {
		return FixedPoint{}, fmt.Errorf("div %s / %s: %w", a, b, err)
	}
	return fromParts(neg, q)
}

// SafeMulDown returns floor(a*b).
func (a FixedPoint) SafeMulDown(b FixedPoint) (FixedPoint, error) { return a.mul(b, true) }

// SafeMulUp returns ceil(a*b).
func (a FixedPoint) SafeMulUp(b FixedPoint) (FixedPoint, error) { return a.mul(b, false) }

// SafeDivDown returns floor(a/b).
func (a FixedPoint) SafeDivDown(b FixedPoint) (FixedPoint, error) { return a.div(b, true) }

// SafeDivUp returns ceil(a/b).
func (a FixedPoint) SafeDivUp(b FixedPoint) (FixedPoint, error) { return a.div(b, false) }

// --- Panicking operators ---

func (a FixedPoint) Add(b FixedPoint) FixedPoint     { return must(a.SafeAdd(b)) }
func (a FixedPoint) Sub(b FixedPoint) FixedPoint     { return must(a.SafeSub(b)) }
func (a FixedPoint) MulDown(b FixedPoint) FixedPoint { return must(a.SafeMulDown(b)) }
func (a FixedPoint) MulUp(b FixedPoint) FixedPoint   { return must(a.SafeMulUp(b)) }
func (a FixedPoint) DivDown(b FixedPoint) FixedPoint { return must(a.SafeDivDown(b)) }
func (a FixedPoint) DivUp(b FixedPoint) FixedPoint   { return must(a.SafeDivUp(b)) }

// Mul is MulDown.
func (a FixedPoint) Mul(b FixedPoint) FixedPoint { return a.MulDown(b) }

// Div is DivDown.
func (a FixedPoint) Div(b FixedPoint) FixedPoint { return a.DivDown(b) }

// MulInt multiplies by an integer exactly.
func (a FixedPoint) MulInt(i int64) FixedPoint {
	return a.MulDown(New(i))
}

// Floor rounds down to a whole number toward negative infinity.
func (a FixedPoint) Floor() FixedPoint {
	q, r := new(uint256.Int).DivMod(&a.mag, scale, new(uint256.Int))
	q.Mul(q, scale)
	if a.neg && !r.IsZero() {
		q.Add(q, scale)
	}
	return must(fromParts(a.neg, q))
}
