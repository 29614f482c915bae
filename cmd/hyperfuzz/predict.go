package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/predict"
	"github.com/atmx/hyperfuzz/internal/simchain"
)

type predictFlags struct {
	long, short  bool
	base, bonds  bool
	execute      bool
	forPool      bool
	advanceHours int64
}

func newPredictCmd(a *app) *cobra.Command {
	var f predictFlags
	cmd := &cobra.Command{
		Use:   "predict <amount>",
		Short: "Predict the account deltas of opening a position",
		Long: `Predict how opening a long or short moves the user, pool, fee and
governance accounts of a freshly deployed simulated pool.

With --execute the trade is then executed and the pool's actual reserve
change compared with the prediction.

Example:
  $ hyperfuzz predict --long --base 1000
  $ hyperfuzz predict --short --bonds 500 --execute`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, amount, err := f.parse(args[0])
			if err != nil {
				return err
			}
			return a.predict(cmd, kind, amount, f)
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&f.long, "long", false, "open a long")
	fl.BoolVar(&f.short, "short", false, "open a short")
	fl.BoolVar(&f.base, "base", false, "amount is in base")
	fl.BoolVar(&f.bonds, "bonds", false, "amount is in bonds")
	fl.BoolVar(&f.execute, "execute", false, "execute the trade and compare")
	fl.BoolVar(&f.forPool, "for-pool", false, "amount is the pool's side of the trade")
	fl.Int64Var(&f.advanceHours, "advance-hours", 0, "hours to advance the pool before predicting")
	cmd.MarkFlagsMutuallyExclusive("long", "short")
	cmd.MarkFlagsOneRequired("long", "short")
	cmd.MarkFlagsMutuallyExclusive("base", "bonds")
	cmd.MarkFlagsOneRequired("base", "bonds")
	return cmd
}

func (f predictFlags) parse(arg string) (model.TradeKind, model.AmountSpec, error) {
	v, err := fixedpoint.Parse(arg)
	if err != nil {
		return "", model.AmountSpec{}, fmt.Errorf("amount: %w", err)
	}
	kind := model.OpenLong
	if f.short {
		kind = model.OpenShort
	}
	amount := model.Base(v)
	if f.bonds {
		amount = model.Bonds(v)
	}
	return kind, amount, nil
}

// executable reports whether the amount is in the unit the trade is sized
// in: base for longs, bonds for shorts.
func executable(kind model.TradeKind, amount model.AmountSpec) (fixedpoint.FixedPoint, bool) {
	if kind == model.OpenLong {
		return amount.Base()
	}
	return amount.Bonds()
}

func (a *app) predict(cmd *cobra.Command, kind model.TradeKind, amount model.AmountSpec, f predictFlags) error {
	ctx := cmd.Context()
	pool, err := simchain.New(a.cfg.Pool.Simulation(), a.logger)
	if err != nil {
		return err
	}
	defer pool.Cleanup(ctx)

	if f.advanceHours > 0 {
		if _, err := pool.AdvanceTime(ctx, f.advanceHours*3600, true); err != nil {
			return err
		}
	}
	before, err := pool.ReadPoolState(ctx)
	if err != nil {
		return err
	}

	var opts []predict.Option
	if f.forPool {
		opts = append(opts, predict.WithForPool())
	}
	predicted, err := predict.Predict(ctx, pool, before, kind, amount, opts...)
	if err != nil {
		return err
	}

	spot, err := pool.SpotPrice(ctx, before)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s of %s at block %d (spot price %s, fixed rate %s)\n\n",
		kind, amount, before.BlockNumber, spot, before.FixedRate())
	fmt.Fprint(out, predict.Table(predicted))

	if !f.execute {
		return nil
	}
	size, ok := executable(kind, amount)
	if !ok || f.forPool {
		return errors.New("--execute needs a trader-side amount in the unit the trade is sized in (--long --base or --short --bonds)")
	}
	if _, err := pool.ExecuteTrade(ctx, model.TradeSpec{Kind: kind, Amount: size}); err != nil {
		return err
	}
	after, err := pool.ReadPoolState(ctx)
	if err != nil {
		return err
	}
	return printDrift(out, predicted.Pool, model.DeltasBetween(before, after), a.cfg.Harness.DriftBound)
}

func printDrift(w io.Writer, predicted, actual model.Deltas, bound fixedpoint.FixedPoint) error {
	drift, err := predict.CompareExecution(predicted, actual, bound)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nexecuted pool deltas: bonds %s, shares %s\n", actual.Bonds, actual.Shares)
	fmt.Fprintf(w, "relative drift: bonds %s, shares %s (bound %s)\n", drift.Bonds, drift.Shares, bound)
	if !drift.Within {
		return fmt.Errorf("prediction drift exceeds %s", bound)
	}
	return nil
}
