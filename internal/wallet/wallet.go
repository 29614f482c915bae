// Package wallet tracks one trader's base balance and open positions.
// Balances can never go negative: every mutation is checked before it is
// applied, so a rejected update leaves the wallet unchanged.
package wallet

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/hyperfuzz/internal/asset"
	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
)

var (
	// ErrNegativeBalance is returned when a debit exceeds the balance held.
	ErrNegativeBalance = errors.New("wallet: balance would go negative")

	// ErrNegativeAmount is returned for a negative credit or debit.
	ErrNegativeAmount = errors.New("wallet: amount must not be negative")
)

// Wallet is not safe for concurrent use; its owner serializes access.
type Wallet struct {
	Address common.Address

	base     fixedpoint.FixedPoint
	balances map[asset.ID]fixedpoint.FixedPoint
}

// New returns a wallet holding base.
func New(addr common.Address, base fixedpoint.FixedPoint) *Wallet {
	return &Wallet{
		Address:  addr,
		base:     base,
		balances: make(map[asset.ID]fixedpoint.FixedPoint),
	}
}

// Base returns the base balance.
func (w *Wallet) Base() fixedpoint.FixedPoint {
	return w.base
}

// Balance returns the token balance for id, zero if none is held.
func (w *Wallet) Balance(id asset.ID) fixedpoint.FixedPoint {
	return w.balances[id]
}

// CreditBase adds amount to the base balance.
func (w *Wallet) CreditBase(amount fixedpoint.FixedPoint) error {
	if amount.IsNegative() {
		return fmt.Errorf("credit %s: %w", amount, ErrNegativeAmount)
	}
	w.base = w.base.Add(amount)
	return nil
}

// DebitBase removes amount from the base balance.
func (w *Wallet) DebitBase(amount fixedpoint.FixedPoint) error {
	if amount.IsNegative() {
		return fmt.Errorf("debit %s: %w", amount, ErrNegativeAmount)
	}
	if amount.Gt(w.base) {
		return fmt.Errorf("debit %s base from %s: %w", amount, w.base, ErrNegativeBalance)
	}
	w.base = w.base.Sub(amount)
	return nil
}

// Mint adds amount of token id.
func (w *Wallet) Mint(id asset.ID, amount fixedpoint.FixedPoint) error {
	if amount.IsNegative() {
		return fmt.Errorf("mint %s %s: %w", amount, id, ErrNegativeAmount)
	}
	if amount.IsZero() {
		return nil
	}
	w.balances[id] = w.balances[id].Add(amount)
	return nil
}

// Burn removes amount of token id. A balance reduced to zero is deleted.
func (w *Wallet) Burn(id asset.ID, amount fixedpoint.FixedPoint) error {
	if amount.IsNegative() {
		return fmt.Errorf("burn %s %s: %w", amount, id, ErrNegativeAmount)
	}
	held := w.balances[id]
	if amount.Gt(held) {
		return fmt.Errorf("burn %s %s from %s: %w", amount, id, held, ErrNegativeBalance)
	}
	if left := held.Sub(amount); left.IsZero() {
		delete(w.balances, id)
	} else {
		w.balances[id] = left
	}
	return nil
}

// Apply books a trade receipt: the base leg and the token leg. Both legs
// are checked before either is applied.
func (w *Wallet) Apply(r model.TradeReceipt) error {
	var (
		id       asset.ID
		tokens   fixedpoint.FixedPoint
		opening  bool
		baseLeg  = r.BaseAmount
		tokenLeg string
	)
	switch r.Kind {
	case model.OpenLong, model.CloseLong:
		id, tokens, tokenLeg = asset.Long(r.MaturityTime), r.BondAmount, "bonds"
		opening = r.Kind == model.OpenLong
	case model.OpenShort, model.CloseShort:
		id, tokens, tokenLeg = asset.Short(r.MaturityTime), r.BondAmount, "bonds"
		opening = r.Kind == model.OpenShort
	case model.AddLiquidity, model.RemoveLiquidity:
		id, tokens, tokenLeg = asset.LP, r.LPAmount, "lp"
		opening = r.Kind == model.AddLiquidity
	default:
		return fmt.Errorf("wallet: unknown trade kind %q", r.Kind)
	}

	if tokens.IsNegative() || baseLeg.IsNegative() {
		return fmt.Errorf("%s: base %s %s %s: %w", r.Kind, baseLeg, tokenLeg, tokens, ErrNegativeAmount)
	}
	if opening {
		if err := w.DebitBase(baseLeg); err != nil {
			return fmt.Errorf("%s: %w", r.Kind, err)
		}
		return w.Mint(id, tokens)
	}
	if err := w.Burn(id, tokens); err != nil {
		return fmt.Errorf("%s: %w", r.Kind, err)
	}
	return w.CreditBase(baseLeg)
}

// Positions returns open longs and shorts ordered by maturity, longs first.
func (w *Wallet) Positions() []model.TradePosition {
	out := make([]model.TradePosition, 0, len(w.balances))
	for id, bal := range w.balances {
		var kind model.PositionKind
		switch id.Prefix {
		case asset.PrefixLong:
			kind = model.Long
		case asset.PrefixShort:
			kind = model.Short
		default:
			continue
		}
		out = append(out, model.TradePosition{Kind: kind, MaturityTime: id.Maturity, BondAmount: bal})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MaturityTime != out[j].MaturityTime {
			return out[i].MaturityTime < out[j].MaturityTime
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Clone returns an independent copy.
func (w *Wallet) Clone() *Wallet {
	c := New(w.Address, w.base)
	for id, bal := range w.balances {
		c.balances[id] = bal
	}
	return c
}
