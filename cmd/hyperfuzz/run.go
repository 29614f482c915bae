package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/harness"
	"github.com/atmx/hyperfuzz/internal/model"
)

// runFlags are the harness overrides shared by run and all.
type runFlags struct {
	trades   int
	paths    int
	epsilon  string
	seed     int64
	failFast bool
	jsonOut  bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.IntVar(&f.trades, "trades", 0, "positions each scenario opens")
	fl.IntVar(&f.paths, "paths", 0, "close orderings compared by path_independence")
	fl.StringVar(&f.epsilon, "epsilon", "", "relative present value tolerance per trade")
	fl.Int64Var(&f.seed, "seed", 0, "fixed random seed (0 draws one per run)")
	fl.BoolVar(&f.failFast, "fail-fast", true, "abort a run at the first violation")
	fl.BoolVar(&f.jsonOut, "json", false, "print reports as JSON")
}

// apply overrides the loaded harness config with the flags the user set.
func (f *runFlags) apply(cmd *cobra.Command, a *app) error {
	h := &a.cfg.Harness
	fl := cmd.Flags()
	if fl.Changed("trades") {
		h.Trades = f.trades
	}
	if fl.Changed("paths") {
		h.Paths = f.paths
	}
	if fl.Changed("epsilon") {
		eps, err := fixedpoint.Parse(f.epsilon)
		if err != nil {
			return fmt.Errorf("--epsilon: %w", err)
		}
		h.Tolerances.TestEpsilon = eps
	}
	if fl.Changed("seed") {
		h.Seed = f.seed
	}
	if fl.Changed("fail-fast") {
		h.Policy = harness.CollectAll
		if f.failFast {
			h.Policy = harness.FailFast
		}
	}
	return a.cfg.Validate()
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Run one fuzz scenario",
		Long: `Run one fuzz scenario against a freshly deployed simulated pool.

Scenarios: ` + strings.Join(scenarioNames(), ", ") + `

Example:
  $ hyperfuzz run path_independence --trades 5 --paths 10 --seed 42`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: scenarioNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := harness.ParseScenario(args[0])
			if err != nil {
				return err
			}
			if err := f.apply(cmd, a); err != nil {
				return err
			}
			ctx := cmd.Context()
			st, _, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			runner, err := a.newRunner(ctx, st, nil)
			if err != nil {
				return err
			}

			report, runErr := runner.Run(ctx, sc)
			if report != nil {
				if err := printReports(cmd.OutOrStdout(), f.jsonOut, report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	f.register(cmd)
	return cmd
}

func newAllCmd(a *app) *cobra.Command {
	var (
		f          runFlags
		iterations int
	)
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run every fuzz scenario repeatedly",
		Long: `Run every scenario for the given number of iterations, each on its
own pool. With --iterations 0 it runs until interrupted.

Example:
  $ hyperfuzz all --iterations 20 --fail-fast=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if iterations < 0 {
				return fmt.Errorf("--iterations must be >= 0, got %d", iterations)
			}
			if err := f.apply(cmd, a); err != nil {
				return err
			}
			ctx := cmd.Context()
			st, _, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			runner, err := a.newRunner(ctx, st, nil)
			if err != nil {
				return err
			}

			reports, runErr := runner.RunAll(ctx, iterations)
			if err := printReports(cmd.OutOrStdout(), f.jsonOut, reports...); err != nil {
				return err
			}
			return runErr
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&iterations, "iterations", 1, "passes over every scenario (0 runs until interrupted)")
	return cmd
}

func scenarioNames() []string {
	var names []string
	for _, sc := range harness.Scenarios() {
		names = append(names, string(sc))
	}
	return names
}

// printReports writes a summary line per report and the failed checks
// beneath it, or the full reports as JSON.
func printReports(w io.Writer, asJSON bool, reports ...*model.FuzzRunReport) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(reports) == 1 {
			return enc.Encode(reports[0])
		}
		return enc.Encode(reports)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSCENARIO\tSEED\tSTATUS\tTRADES\tCHECKS\tFAILED\t")
	for _, r := range reports {
		if r == nil {
			continue
		}
		failures := r.Failures()
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%d\t\n",
			r.RunID, r.Scenario, r.RandomSeed, r.Status,
			len(r.TradeSequence), len(r.CheckResults), len(failures))
		for _, c := range failures {
			fmt.Fprintf(tw, "  %s\texpected %s\tactual %s\tdiff %s\t\t\t\t\n",
				c.Name, c.Expected, c.Actual, c.AbsoluteDifference)
		}
		if b := r.CrashDump; b != nil {
			fmt.Fprintf(tw, "  crash %s\t%s\t\t\t\t\t\t\n", b.ID, b.FailingInvariantName)
		}
	}
	return tw.Flush()
}
