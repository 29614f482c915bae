package tradegen

import (
	"errors"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
)

var (
	// ErrPerTradeLimitExceeded is returned when a single generated trade is
	// larger than the per-trade cap.
	ErrPerTradeLimitExceeded = errors.New("tradegen: per-trade limit exceeded")

	// ErrAggregateLimitExceeded is returned when a trade would push the sum
	// of generated trades of its kind beyond the aggregate cap.
	ErrAggregateLimitExceeded = errors.New("tradegen: aggregate exposure limit exceeded")
)

// Bounds caps generated trade sizes.
//
// Trades are sized against one pool snapshot but executed one after
// another, so each open eats into the room the next one sees. MaxAggregate
// bounds the running total per kind (base for longs, bonds for shorts) so a
// batch sized against the same state cannot drain the pool.
//
// A zero cap means unlimited. The Generator tightens MaxAggregate further to
// the room the pool offered when the batch began.
type Bounds struct {
	// MaxPerTrade is the largest amount any single trade may carry.
	MaxPerTrade fixedpoint.FixedPoint `yaml:"max_per_trade"`

	// MaxAggregate is the largest sum of amounts across trades of one kind.
	MaxAggregate fixedpoint.FixedPoint `yaml:"max_aggregate"`
}

// CheckLimit validates a trade of amount against the caps, given the
// amounts already generated per kind.
func (b Bounds) CheckLimit(kind model.TradeKind, amount fixedpoint.FixedPoint, used map[model.TradeKind]fixedpoint.FixedPoint) error {
	if b.MaxPerTrade.IsPositive() && amount.Gt(b.MaxPerTrade) {
		return ErrPerTradeLimitExceeded
	}
	if b.MaxAggregate.IsPositive() && used[kind].Add(amount).Gt(b.MaxAggregate) {
		return ErrAggregateLimitExceeded
	}
	return nil
}

// Remaining returns the largest amount of kind the caps still allow, and
// false when the caps place no limit.
func (b Bounds) Remaining(kind model.TradeKind, used map[model.TradeKind]fixedpoint.FixedPoint) (fixedpoint.FixedPoint, bool) {
	var (
		room    fixedpoint.FixedPoint
		limited bool
	)
	if b.MaxPerTrade.IsPositive() {
		room, limited = b.MaxPerTrade, true
	}
	if b.MaxAggregate.IsPositive() {
		left := fixedpoint.Max(b.MaxAggregate.Sub(used[kind]), fixedpoint.Zero)
		if !limited || left.Lt(room) {
			room = left
		}
		limited = true
	}
	return room, limited
}
