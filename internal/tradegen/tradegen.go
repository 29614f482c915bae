// Package tradegen draws random trade sequences for the fuzz scenarios.
//
// Every draw goes through the *rand.Rand handed to New, so a seed and a pool
// snapshot fully determine the trades, time advances and orderings a run
// produces.
package tradegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/metrics"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/yieldspace"
)

const (
	// DefaultMaxAttempts bounds re-sampling of a single trade.
	DefaultMaxAttempts = 16

	maxSeed = 99_999_999
)

var (
	// DefaultBudget caps the trader's spend when sizing the largest trade.
	DefaultBudget = fixedpoint.New(1_000_000_000)

	// MaxTradeFraction scales the largest allowed trade down so generated
	// trades stay clear of the pool's edge.
	MaxTradeFraction = fixedpoint.MustParse("0.75")
)

var (
	// ErrNoTradeAvailable is returned when neither a long nor a short of at
	// least the minimum transaction amount fits the pool and the bounds.
	ErrNoTradeAvailable = errors.New("tradegen: no trade fits the pool")

	// ErrResampleExhausted is returned when every attempt at a trade was
	// rejected by the curve.
	ErrResampleExhausted = errors.New("tradegen: re-sample attempts exhausted")
)

// Oracle sizes and quotes trades against a pool snapshot.
type Oracle interface {
	MaxLong(ctx context.Context, s model.PoolState, budget fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
	MaxShort(ctx context.Context, s model.PoolState, budget fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
	CalcOpenLong(ctx context.Context, s model.PoolState, base fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
	SharesOutGivenBondsIn(ctx context.Context, s model.PoolState, bonds fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
}

// Option configures a Generator.
type Option func(*Generator)

// WithBudget sets the budget passed to the oracle's max trade calculation.
func WithBudget(budget fixedpoint.FixedPoint) Option {
	return func(g *Generator) { g.budget = budget }
}

// WithBounds caps trade sizes.
func WithBounds(b Bounds) Option {
	return func(g *Generator) { g.bounds = b }
}

// WithMaxAttempts sets how many times one trade is re-drawn after a curve
// rejection.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithLogger sets the logger used for re-sample events.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// Generator draws trades. It is not safe for concurrent use; each run owns
// its own Generator and RNG.
type Generator struct {
	rng         *rand.Rand
	budget      fixedpoint.FixedPoint
	bounds      Bounds
	maxAttempts int
	logger      *slog.Logger

	// used is the running total drawn per kind since the last Reset. caps
	// is the aggregate room per kind, measured for both kinds at the first
	// draw since the last Reset.
	used map[model.TradeKind]fixedpoint.FixedPoint
	caps map[model.TradeKind]fixedpoint.FixedPoint
}

// New creates a Generator drawing from rng.
func New(rng *rand.Rand, opts ...Option) *Generator {
	g := &Generator{
		rng:         rng,
		budget:      DefaultBudget,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		used:        make(map[model.TradeKind]fixedpoint.FixedPoint),
		caps:        make(map[model.TradeKind]fixedpoint.FixedPoint),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewRNG returns the deterministic source for seed.
func NewRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}

// Seed draws a fresh run seed in [1, 99_999_999).
func Seed() int64 {
	return 1 + rand.Int64N(maxSeed-1)
}

// Reset starts a new batch: it forgets the amounts generated so far and
// the aggregate caps measured for them.
func (g *Generator) Reset() {
	clear(g.used)
	clear(g.caps)
}

// Used returns the running total generated for kind.
func (g *Generator) Used(kind model.TradeKind) fixedpoint.FixedPoint {
	return g.used[kind]
}

// Generate draws n opening trades sized against s. Each trade picks long or
// short uniformly, then an amount uniform in [minimum transaction amount,
// 0.75 · max trade], floored to the wei. A draw the curve rejects is drawn
// again; only exhausting every attempt is an error.
//
// The sum of every trade of one kind drawn since the last Reset stays within
// 0.75 · that kind's max trade in the state of the batch's first draw, so
// the trades of a batch cannot together outgrow the pool.
func (g *Generator) Generate(ctx context.Context, o Oracle, s model.PoolState, n int) ([]model.TradeSpec, error) {
	if n < 0 {
		return nil, fmt.Errorf("tradegen: negative trade count %d", n)
	}

	maxes := make(map[model.TradeKind]fixedpoint.FixedPoint, 2)
	out := make([]model.TradeSpec, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		spec, err := g.next(ctx, o, s, maxes)
		if err != nil {
			return out, fmt.Errorf("trade %d: %w", i, err)
		}
		g.used[spec.Kind] = g.used[spec.Kind].Add(spec.Amount)
		out = append(out, spec)
	}
	return out, nil
}

func (g *Generator) next(ctx context.Context, o Oracle, s model.PoolState, maxes map[model.TradeKind]fixedpoint.FixedPoint) (model.TradeSpec, error) {
	minTx := s.Config.MinimumTransactionAmount
	kinds := [2]model.TradeKind{model.OpenLong, model.OpenShort}

	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		pick := g.rng.IntN(2)
		kind := kinds[pick]
		hi, err := g.upper(ctx, o, s, kind, maxes)
		if err != nil {
			return model.TradeSpec{}, err
		}
		if hi.Lt(minTx) {
			// This side is closed; fall through to the other one.
			kind = kinds[1-pick]
			if hi, err = g.upper(ctx, o, s, kind, maxes); err != nil {
				return model.TradeSpec{}, err
			}
			if hi.Lt(minTx) {
				return model.TradeSpec{}, ErrNoTradeAvailable
			}
		}

		amount := g.Uniform(minTx, hi)
		if err := g.limits(kind).CheckLimit(kind, amount, g.used); err != nil {
			return model.TradeSpec{}, fmt.Errorf("%s of %s: %w", kind, amount, err)
		}
		err = quote(ctx, o, s, kind, amount)
		if err == nil {
			return model.TradeSpec{Kind: kind, Amount: amount}, nil
		}
		if !errors.Is(err, yieldspace.ErrCurveBounds) {
			return model.TradeSpec{}, err
		}
		metrics.ResampledTrades.Inc()
		g.logger.Debug("re-sampling trade outside curve bounds",
			"kind", kind,
			"amount", amount.String(),
			"attempt", attempt+1,
			"error", err,
		)
	}
	return model.TradeSpec{}, ErrResampleExhausted
}

// Open draws one opening trade of the given kind, re-sampling curve
// rejections like Generate.
func (g *Generator) Open(ctx context.Context, o Oracle, s model.PoolState, kind model.TradeKind) (model.TradeSpec, error) {
	if kind != model.OpenLong && kind != model.OpenShort {
		return model.TradeSpec{}, fmt.Errorf("tradegen: %s is not an opening trade", kind)
	}
	minTx := s.Config.MinimumTransactionAmount
	maxes := make(map[model.TradeKind]fixedpoint.FixedPoint, 1)
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		hi, err := g.upper(ctx, o, s, kind, maxes)
		if err != nil {
			return model.TradeSpec{}, err
		}
		if hi.Lt(minTx) {
			return model.TradeSpec{}, ErrNoTradeAvailable
		}
		amount := g.Uniform(minTx, hi)
		if err := g.limits(kind).CheckLimit(kind, amount, g.used); err != nil {
			return model.TradeSpec{}, fmt.Errorf("%s of %s: %w", kind, amount, err)
		}
		err = quote(ctx, o, s, kind, amount)
		if err == nil {
			g.used[kind] = g.used[kind].Add(amount)
			return model.TradeSpec{Kind: kind, Amount: amount}, nil
		}
		if !errors.Is(err, yieldspace.ErrCurveBounds) {
			return model.TradeSpec{}, err
		}
		metrics.ResampledTrades.Inc()
	}
	return model.TradeSpec{}, ErrResampleExhausted
}

// Int64N draws uniformly from [0, n). n must be positive.
func (g *Generator) Int64N(n int64) int64 {
	return g.rng.Int64N(n)
}

// Shuffle reorders items in place.
func Shuffle[T any](g *Generator, items []T) {
	g.rng.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
}

// upper returns the largest amount of kind to draw from, after the
// fraction and the bounds. The oracle is asked once per kind per call. The
// first draw of a batch measures the room of both kinds against the same
// state.
func (g *Generator) upper(ctx context.Context, o Oracle, s model.PoolState, kind model.TradeKind, maxes map[model.TradeKind]fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	if len(g.caps) == 0 {
		for _, k := range [2]model.TradeKind{model.OpenLong, model.OpenShort} {
			maxTrade, err := g.maxOf(ctx, o, s, k, maxes)
			if err != nil {
				return fixedpoint.Zero, err
			}
			g.caps[k] = maxTrade.MulDown(MaxTradeFraction)
		}
	}
	if !g.caps[kind].IsPositive() {
		return fixedpoint.Zero, nil
	}
	maxTrade, err := g.maxOf(ctx, o, s, kind, maxes)
	if err != nil {
		return fixedpoint.Zero, err
	}
	hi := maxTrade.MulDown(MaxTradeFraction)
	if room, limited := g.limits(kind).Remaining(kind, g.used); limited {
		hi = fixedpoint.Min(hi, room)
	}
	return hi, nil
}

func (g *Generator) maxOf(ctx context.Context, o Oracle, s model.PoolState, kind model.TradeKind, maxes map[model.TradeKind]fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error) {
	if m, ok := maxes[kind]; ok {
		return m, nil
	}
	var (
		m   fixedpoint.FixedPoint
		err error
	)
	switch kind {
	case model.OpenLong:
		m, err = o.MaxLong(ctx, s, g.budget)
	default:
		m, err = o.MaxShort(ctx, s, g.budget)
	}
	if err != nil {
		return fixedpoint.Zero, fmt.Errorf("max %s: %w", kind, err)
	}
	maxes[kind] = m
	return m, nil
}

// limits returns the configured bounds with the aggregate tightened to the
// cap measured for kind.
func (g *Generator) limits(kind model.TradeKind) Bounds {
	b := g.bounds
	if c, ok := g.caps[kind]; ok && c.IsPositive() {
		if !b.MaxAggregate.IsPositive() || c.Lt(b.MaxAggregate) {
			b.MaxAggregate = c
		}
	}
	return b
}

// Uniform draws a wei-granular amount in [lo, hi].
func (g *Generator) Uniform(lo, hi fixedpoint.FixedPoint) fixedpoint.FixedPoint {
	span := new(big.Int).Sub(hi.Scaled(), lo.Scaled())
	if span.Sign() <= 0 {
		return lo
	}
	u := new(big.Float).SetFloat64(g.rng.Float64())
	off, _ := u.Mul(u, new(big.Float).SetInt(span)).Int(nil)
	return fixedpoint.MustFromScaled(off.Add(off, lo.Scaled()))
}

func quote(ctx context.Context, o Oracle, s model.PoolState, kind model.TradeKind, amount fixedpoint.FixedPoint) error {
	var err error
	switch kind {
	case model.OpenLong:
		_, err = o.CalcOpenLong(ctx, s, amount)
	case model.OpenShort:
		_, err = o.SharesOutGivenBondsIn(ctx, s, amount)
	}
	return err
}
