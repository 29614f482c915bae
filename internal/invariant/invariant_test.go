package invariant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/predict"
)

func fp(s string) fixedpoint.FixedPoint {
	return fixedpoint.MustParse(s)
}

func byName(t *testing.T, results []model.InvariantCheckResult, name string) model.InvariantCheckResult {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no result named %q", name)
	return model.InvariantCheckResult{}
}

func pool() model.PoolState {
	return model.PoolState{
		Config: model.PoolConfig{
			CheckpointDuration:   3600,
			MinimumShareReserves: fp("10"),
			Fees:                 model.Fees{Flat: fp("0.001")},
		},
		CheckpointID:             7200,
		ShareReserves:            fp("1000"),
		ShareAdjustment:          fp("5"),
		BondReserves:             fp("2000"),
		VaultSharePrice:          fp("1.1"),
		LPSharePrice:             fp("1.0001"),
		LongsOutstanding:         fp("50"),
		ShortsOutstanding:        fp("110"),
		LongExposure:             fp("55"),
		LPTotalSupply:            fp("1100"),
		WithdrawalSharesProceeds: fp("0"),
		GovFeesAccrued:           fp("1"),
		VaultShares:              fp("1101.11"),
		PresentValue:             fp("990"),
		IdleShares:               fp("900"),
	}
}

// --- ViolationError ---

func TestViolation(t *testing.T) {
	r := exact("x", fp("1"), fp("2"), true, model.LevelCritical)
	v := Violation(r)
	if v == nil {
		t.Fatal("expected a violation")
	}
	if !errors.Is(v, ErrInvariantViolation) {
		t.Error("violation should match ErrInvariantViolation")
	}
	if !v.Difference.Eq(fp("1")) || !v.Fatal {
		t.Errorf("unexpected violation %+v", v)
	}
	if !strings.Contains(v.Error(), "invariant x violated") {
		t.Errorf("unexpected message %q", v.Error())
	}

	wrapped := fmt.Errorf("trial 3: %w", v)
	var target *ViolationError
	if !errors.As(wrapped, &target) || target.Name != "x" {
		t.Error("violation should survive wrapping")
	}

	if Violation(exact("x", fp("1"), fp("1"), true, model.LevelCritical)) != nil {
		t.Error("passed result produced a violation")
	}
}

// --- Path independence ---

func TestPathIndependence_Identical(t *testing.T) {
	s := pool()
	results := PathIndependenceCheck{First: s, Final: s, Tol: DefaultTolerances()}.Results()
	if len(results) != 11 {
		t.Fatalf("got %d results, want 11", len(results))
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("%s failed on identical states", r.Name)
		}
		if r.LogLevel != model.LevelInfo {
			t.Errorf("%s passed at level %s", r.Name, r.LogLevel)
		}
	}
}

func TestPathIndependence_ExactFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.PoolState)
	}{
		{"share_reserves", func(s *model.PoolState) { s.ShareReserves = s.ShareReserves.Add(fixedpoint.FromWei(1)) }},
		{"bond_reserves", func(s *model.PoolState) { s.BondReserves = s.BondReserves.Sub(fixedpoint.FromWei(1)) }},
		{"lp_total_supply", func(s *model.PoolState) { s.LPTotalSupply = s.LPTotalSupply.Add(fixedpoint.FromWei(1)) }},
		{"longs_outstanding", func(s *model.PoolState) { s.LongsOutstanding = fp("51") }},
		{"shorts_outstanding", func(s *model.PoolState) { s.ShortsOutstanding = fp("109") }},
		{"withdrawal_shares_proceeds", func(s *model.PoolState) { s.WithdrawalSharesProceeds = fixedpoint.FromWei(1) }},
		{"vault_share_price", func(s *model.PoolState) { s.VaultSharePrice = fp("1.1000001") }},
		{"long_exposure", func(s *model.PoolState) { s.LongExposure = fp("56") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := pool()
			final := pool()
			tt.mutate(&final)
			results := PathIndependenceCheck{First: first, Final: final, Tol: DefaultTolerances()}.Results()
			r := byName(t, results, PathIndependence+"."+tt.name)
			if r.Passed {
				t.Errorf("one-wei change in %s passed", tt.name)
			}
			if r.Fatal {
				t.Error("path independence should not be fatal")
			}
		})
	}
}

func TestPathIndependence_Tolerances(t *testing.T) {
	first := pool()
	final := pool()
	final.PresentValue = first.PresentValue.Add(fp("0.00009"))
	final.LPSharePrice = first.LPSharePrice.Add(fp("0.00000000000002"))

	results := PathIndependenceCheck{First: first, Final: final, Tol: DefaultTolerances()}.Results()
	if !byName(t, results, PathIndependence+".present_value").Passed {
		t.Error("present value within 1e-4 should pass")
	}
	if byName(t, results, PathIndependence+".lp_share_price").Passed {
		t.Error("lp share price 2e-14 away should fail a 1e-14 tolerance")
	}
}

// --- Present value ---

func TestPresentValue(t *testing.T) {
	eps := fp("0.0001")
	tests := []struct {
		name     string
		kind     model.TradeKind
		before   string
		after    string
		initial  string
		idle     string
		check    string
		passed   bool
		idleFail bool
	}{
		{"add increases", model.AddLiquidity, "1000", "1500", "1000", "900", "add_liquidity", true, false},
		{"add decreases", model.AddLiquidity, "1000", "999", "1000", "900", "add_liquidity", false, false},
		{"add within epsilon", model.AddLiquidity, "1000", "999.95", "1000", "900", "add_liquidity", true, false},
		{"remove decreases", model.RemoveLiquidity, "1500", "1000", "1500", "900", "remove_liquidity", true, false},
		{"remove increases", model.RemoveLiquidity, "1000", "1001", "1000", "900", "remove_liquidity", false, false},
		{"trade steady", model.OpenLong, "1000", "1000.05", "1000", "900", "trade", true, false},
		{"trade moves pv", model.CloseShort, "1000", "1000.2", "1000", "900", "trade", false, false},
		{"below idle", model.OpenShort, "1000", "1000", "1000", "1000.000000000000000001", "trade", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := pool()
			before.PresentValue = fp(tt.before)
			after := pool()
			after.PresentValue = fp(tt.after)
			after.IdleShares = fp(tt.idle)

			results := PresentValueCheck{
				Kind:                tt.kind,
				Before:              before,
				After:               after,
				InitialPresentValue: fp(tt.initial),
				Epsilon:             eps,
			}.Results()
			if len(results) != 2 {
				t.Fatalf("got %d results, want 2", len(results))
			}
			if got := byName(t, results, PresentValue+"."+tt.check).Passed; got != tt.passed {
				t.Errorf("%s passed = %v, want %v", tt.check, got, tt.passed)
			}
			idle := byName(t, results, PresentValue+".above_idle")
			if idle.Passed == tt.idleFail {
				t.Errorf("above_idle passed = %v", idle.Passed)
			}
			if !idle.Fatal {
				t.Error("present value below idle must be fatal")
			}
		})
	}
}

// --- LP share price ---

func TestLPSharePrice(t *testing.T) {
	bound := fp("0.001")
	tests := []struct {
		name   string
		after  string
		passed bool
		level  model.LogLevel
	}{
		{"steady", "1", true, model.LevelInfo},
		{"small rise", "1.0009", true, model.LevelInfo},
		{"rise", "1.0011", false, model.LevelWarn},
		{"drop", "0.9989", false, model.LevelCritical},
		{"edge", "0.999", true, model.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := LPSharePriceCheck{Before: fixedpoint.One, After: fp(tt.after), Bound: bound}.Results()[0]
			if r.Passed != tt.passed {
				t.Errorf("passed = %v, want %v", r.Passed, tt.passed)
			}
			if r.LogLevel != tt.level {
				t.Errorf("level = %s, want %s", r.LogLevel, tt.level)
			}
		})
	}
}

// --- Profit ---

func TestProfit(t *testing.T) {
	tests := []struct {
		name           string
		provided       string
		returned       string
		before, after  string
		returnedPassed bool
		balancePassed  bool
	}{
		{"loss", "100", "99.9", "1000", "999.9", true, true},
		{"break even", "100", "100", "1000", "1000", false, false},
		{"profit", "100", "100.000000000000000001", "1000", "1000.000000000000000001", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := ProfitCheck{
				Side:          model.Long,
				Provided:      fp(tt.provided),
				Returned:      fp(tt.returned),
				BalanceBefore: fp(tt.before),
				BalanceAfter:  fp(tt.after),
			}.Results()
			ret := byName(t, results, "profit.long.returned")
			bal := byName(t, results, "profit.long.balance")
			if ret.Passed != tt.returnedPassed || bal.Passed != tt.balancePassed {
				t.Errorf("returned passed = %v, balance passed = %v", ret.Passed, bal.Passed)
			}
			if !ret.Fatal || !bal.Fatal {
				t.Error("profit checks are always fatal")
			}
		})
	}
}

// --- Maturity ---

func TestMaturity_Long(t *testing.T) {
	c := MaturityCheck{
		Side:    model.Long,
		Bonds:   fp("100"),
		BaseOut: fp("99.9"),
		FlatFee: fp("0.001"),
		Epsilon: fp("0.00000000000001"),
	}
	if r := c.Results()[0]; !r.Passed {
		t.Errorf("exact long redemption failed: %+v", r)
	}

	c.BaseOut = fp("99.90000000000002")
	if r := c.Results()[0]; r.Passed {
		t.Error("long redemption off by 2e-14 should fail")
	}
}

func TestMaturity_Short(t *testing.T) {
	c := MaturityCheck{
		Side:            model.Short,
		Bonds:           fp("100"),
		FlatFee:         fp("0.001"),
		OpenSharePrice:  fp("1"),
		CloseSharePrice: fp("1.01"),
		Epsilon:         fp("0.000000001"),
	}
	// 100·(1.01 + 0.001) − (100 + 0.1) = 1
	want, err := c.Expected()
	if err != nil {
		t.Fatalf("expected: %v", err)
	}
	if !want.Eq(fp("1")) {
		t.Fatalf("expected = %s, want 1", want)
	}

	c.BaseOut = fp("1.0000000005")
	if r := c.Results()[0]; !r.Passed {
		t.Errorf("within 1e-9 failed: %+v", r)
	}
	c.BaseOut = fp("1.000000002")
	if r := c.Results()[0]; r.Passed {
		t.Error("2e-9 away should fail")
	}

	c.OpenSharePrice = fixedpoint.Zero
	if r := c.Results()[0]; r.Passed || r.Context == "" {
		t.Error("zero opening share price should fail with context")
	}
}

// --- System ---

func TestSystem_Healthy(t *testing.T) {
	prev := model.Checkpoint{ID: 3600, VaultSharePrice: fp("1.09")}
	results := SystemCheck{State: pool(), PreviousCheckpoint: &prev, TotalSharesEpsilon: fp("0.000000001")}.Results()
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("%s failed: %s", r.Name, r.Context)
		}
	}
}

func TestSystem_Failures(t *testing.T) {
	prev := model.Checkpoint{ID: 3600, VaultSharePrice: fp("1.09")}
	tests := []struct {
		name   string
		mutate func(*SystemCheck)
		failed string
		fatal  bool
	}{
		{"below minimum", func(c *SystemCheck) { c.State.ShareReserves = fp("9") }, MinimumShareReserves, false},
		{"insolvent", func(c *SystemCheck) { c.State.LongExposure = fp("1090") }, Solvency, true},
		{"vault short", func(c *SystemCheck) { c.State.VaultShares = fp("1100") }, TotalShares, false},
		{"missing checkpoint", func(c *SystemCheck) { c.PreviousCheckpoint = nil }, PreviousCheckpoint, false},
		{"empty checkpoint", func(c *SystemCheck) { c.PreviousCheckpoint = &model.Checkpoint{ID: 3600} }, PreviousCheckpoint, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := SystemCheck{State: pool(), PreviousCheckpoint: &prev, TotalSharesEpsilon: fp("0.000000001")}
			tt.mutate(&c)
			r := byName(t, c.Results(), tt.failed)
			if r.Passed {
				t.Fatalf("%s passed", tt.failed)
			}
			if r.Fatal != tt.fatal {
				t.Errorf("fatal = %v, want %v", r.Fatal, tt.fatal)
			}
		})
	}
}

func TestSystem_SkipPreviousCheckpoint(t *testing.T) {
	results := SystemCheck{State: pool(), SkipPreviousCheckpoint: true}.Results()
	for _, r := range results {
		if r.Name == PreviousCheckpoint {
			t.Error("previous checkpoint checked despite skip")
		}
	}
}

// --- Suite ---

func TestSuite_Run(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := NewSuite(logger)

	results, violations := s.Run(context.Background(),
		LPSharePriceCheck{Before: fixedpoint.One, After: fixedpoint.One, Bound: fp("0.001")},
		ProfitCheck{Side: model.Short, Provided: fp("10"), Returned: fp("11"), BalanceBefore: fp("5"), BalanceAfter: fp("4")},
	)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.CheckedAt.IsZero() {
			t.Errorf("%s not stamped", r.Name)
		}
	}
	if len(violations) != 1 || violations[0].Name != "profit.short.returned" {
		t.Fatalf("unexpected violations %+v", violations)
	}
	if FirstFatal(violations) != violations[0] {
		t.Error("profit violation should be the first fatal")
	}
	if !strings.Contains(buf.String(), `"invariant":"profit.short.returned"`) {
		t.Errorf("violation not logged: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"level":"ERROR+4"`) {
		t.Errorf("violation not logged at critical: %s", buf.String())
	}
}

func TestFirstFatal_None(t *testing.T) {
	if FirstFatal([]*ViolationError{{Name: "a"}, {Name: "b"}}) != nil {
		t.Error("no fatal violation expected")
	}
}

// --- Prediction ---

func TestPrediction(t *testing.T) {
	long := model.TradeDeltas{
		User:       model.Deltas{Base: fp("100"), Bonds: fp("104.95")},
		Pool:       model.Deltas{Bonds: fp("-104.955"), Shares: fp("99.9952")},
		Fee:        model.Deltas{Bonds: fp("0.045")},
		Governance: model.Deltas{Bonds: fp("0.005")},
	}
	actual := model.Deltas{Bonds: fp("-104.955"), Shares: fp("99.9952")}

	tests := []struct {
		name   string
		check  PredictionCheck
		failed []string
	}{
		{
			name: "long within bound",
			check: PredictionCheck{Kind: model.OpenLong, Amount: model.Base(fp("100")), Predicted: long,
				Actual: actual, Drift: predictDrift("0", "0"), Bound: fp("0.0000001")},
		},
		{
			name: "long drifted",
			check: PredictionCheck{Kind: model.OpenLong, Amount: model.Base(fp("100")), Predicted: long,
				Actual: actual, Drift: predictDrift("0.001", "0"), Bound: fp("0.0000001")},
			failed: []string{"prediction.open_long.bonds"},
		},
		{
			name: "long echo broken",
			check: PredictionCheck{Kind: model.OpenLong, Amount: model.Base(fp("99")), Predicted: long,
				Actual: actual, Drift: predictDrift("0", "0"), Bound: fp("0.0000001")},
			failed: []string{"prediction.open_long.echo"},
		},
		{
			name: "short echo",
			check: PredictionCheck{Kind: model.OpenShort, Amount: model.Bonds(fp("100")),
				Predicted: model.TradeDeltas{User: model.Deltas{Bonds: fp("100")}, Pool: model.Deltas{Bonds: fp("100")}},
				Drift:     predictDrift("0", "0"), Bound: fp("0.0000001")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var failed []string
			for _, r := range tt.check.Results() {
				if !r.Passed {
					failed = append(failed, r.Name)
				}
			}
			if fmt.Sprint(failed) != fmt.Sprint(tt.failed) {
				t.Errorf("failed = %v, want %v", failed, tt.failed)
			}
		})
	}
}

func predictDrift(bonds, shares string) predict.Drift {
	return predict.Drift{Bonds: fp(bonds), Shares: fp(shares)}
}
