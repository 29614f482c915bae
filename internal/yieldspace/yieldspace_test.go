package yieldspace

import (
	"context"
	"errors"
	"testing"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
)

// fp is a test helper for parsing fixed-point literals.
func fp(s string) fixedpoint.FixedPoint {
	return fixedpoint.MustParse(s)
}

// testPool returns a one-year pool priced at a 5% fixed rate with 1M shares.
func testPool(t *testing.T) model.PoolState {
	t.Helper()
	ts, err := TimeStretch(fp("0.05"))
	if err != nil {
		t.Fatalf("time stretch: %v", err)
	}
	cfg := model.PoolConfig{
		PositionDuration:       model.SecondsPerYear,
		CheckpointDuration:     86400,
		Fees:                   model.Fees{Curve: fp("0.01"), GovernanceLP: fp("0.1")},
		MinimumShareReserves:   fp("10"),
		InitialVaultSharePrice: fixedpoint.One,
		TimeStretch:            ts,
	}
	ze := fixedpoint.New(1_000_000)
	params := Params{TimeStretch: ts, VaultSharePrice: fixedpoint.One, InitialVaultSharePrice: fixedpoint.One}
	y, err := BondReservesForRate(params, ze, fp("0.05"), cfg.AnnualizedTime())
	if err != nil {
		t.Fatalf("bond reserves: %v", err)
	}
	return model.PoolState{
		Config:          cfg,
		ShareReserves:   ze,
		BondReserves:    y,
		VaultSharePrice: fixedpoint.One,
	}
}

func testCurve(t *testing.T, s model.PoolState) Curve {
	t.Helper()
	cv, err := curveFor(s)
	if err != nil {
		t.Fatalf("curve: %v", err)
	}
	return cv
}

// --- Constructor tests ---

func TestNewCurve_InvalidParams(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"zero time stretch", Params{TimeStretch: fixedpoint.Zero, VaultSharePrice: fixedpoint.One, InitialVaultSharePrice: fixedpoint.One}},
		{"time stretch of one", Params{TimeStretch: fixedpoint.One, VaultSharePrice: fixedpoint.One, InitialVaultSharePrice: fixedpoint.One}},
		{"zero share price", Params{TimeStretch: fp("0.05"), InitialVaultSharePrice: fixedpoint.One}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCurve(tt.p, fixedpoint.One, fixedpoint.One)
			if !errors.Is(err, ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestNewCurve_RejectsEmptyReserves(t *testing.T) {
	p := Params{TimeStretch: fp("0.05"), VaultSharePrice: fixedpoint.One, InitialVaultSharePrice: fixedpoint.One}
	if _, err := NewCurve(p, fixedpoint.Zero, fixedpoint.One); !errors.Is(err, ErrCurveBounds) {
		t.Errorf("expected ErrCurveBounds for zero share reserves, got %v", err)
	}
}

func TestTimeStretch(t *testing.T) {
	ts, err := TimeStretch(fp("0.05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 0.04665 * 5 / 5.24592
	if !ts.WithinEpsilon(fp("0.044463125629"), fp("1e-9")) {
		t.Errorf("expected t ≈ 0.0444631, got %s", ts)
	}
	if _, err := TimeStretch(fixedpoint.Zero); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams for zero apr, got %v", err)
	}
}

// --- Price function tests ---

func TestSpotPrice_MatchesFixedRate(t *testing.T) {
	s := testPool(t)
	spot, err := Oracle{}.SpotPrice(context.Background(), s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := fixedpoint.One.DivDown(fp("1.05"))
	if !spot.WithinEpsilon(want, fp("1e-9")) {
		t.Errorf("expected spot ≈ %s, got %s", want, spot)
	}
}

func TestSpotPrice_LongRaisesPrice(t *testing.T) {
	s := testPool(t)
	cv := testCurve(t, s)
	ze, y := s.EffectiveShareReserves(), s.BondReserves

	before, _ := cv.SpotPrice(ze, y)
	bonds, err := cv.BondsOutGivenSharesIn(ze, y, fixedpoint.New(10_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after, _ := cv.SpotPrice(ze.Add(fixedpoint.New(10_000)), y.Sub(bonds))
	if !after.Gt(before) {
		t.Errorf("buying bonds should raise the price: before=%s after=%s", before, after)
	}
}

func TestSpotPrice_ShortLowersPrice(t *testing.T) {
	s := testPool(t)
	cv := testCurve(t, s)
	ze, y := s.EffectiveShareReserves(), s.BondReserves

	before, _ := cv.SpotPrice(ze, y)
	shares, err := cv.SharesOutGivenBondsIn(ze, y, fixedpoint.New(10_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after, _ := cv.SpotPrice(ze.Sub(shares), y.Add(fixedpoint.New(10_000)))
	if !after.Lt(before) {
		t.Errorf("selling bonds should lower the price: before=%s after=%s", before, after)
	}
}

// --- Trade function tests ---

func TestBondsOutGivenSharesIn_InvertsSharesInGivenBondsOut(t *testing.T) {
	s := testPool(t)
	cv := testCurve(t, s)
	ze, y := s.EffectiveShareReserves(), s.BondReserves

	shares := fixedpoint.New(5_000)
	bonds, err := cv.BondsOutGivenSharesIn(ze, y, shares)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := cv.SharesInGivenBondsOut(ze, y, bonds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !back.WithinEpsilon(shares, fp("1e-6")) {
		t.Errorf("round trip: expected %s shares, got %s", shares, back)
	}
}

func TestSharesOutGivenBondsIn_InvertsBondsInGivenSharesOut(t *testing.T) {
	s := testPool(t)
	cv := testCurve(t, s)
	ze, y := s.EffectiveShareReserves(), s.BondReserves

	bonds := fixedpoint.New(5_000)
	shares, err := cv.SharesOutGivenBondsIn(ze, y, bonds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := cv.BondsInGivenSharesOut(ze, y, shares)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !back.WithinEpsilon(bonds, fp("1e-6")) {
		t.Errorf("round trip: expected %s bonds, got %s", bonds, back)
	}
}

func TestShareReservesAt_PathIndependence(t *testing.T) {
	s := testPool(t)
	cv := testCurve(t, s)
	y := s.BondReserves
	a, b := fixedpoint.New(1_234), fixedpoint.New(4_321)

	// The curve position depends only on the final bond reserves.
	ab, err := cv.ShareReservesAt(y.Add(a).Add(b))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ba, err := cv.ShareReservesAt(y.Add(b).Add(a))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ab.Eq(ba) {
		t.Errorf("share reserves depend on order: %s vs %s", ab, ba)
	}
}

func TestBondsOut_Convexity(t *testing.T) {
	s := testPool(t)
	cv := testCurve(t, s)
	ze, y := s.EffectiveShareReserves(), s.BondReserves

	small, _ := cv.BondsOutGivenSharesIn(ze, y, fixedpoint.New(100))
	large, _ := cv.BondsOutGivenSharesIn(ze, y, fixedpoint.New(100_000))
	// Larger trades get a worse average price.
	if !small.DivDown(fixedpoint.New(100)).Gt(large.DivDown(fixedpoint.New(100_000))) {
		t.Errorf("expected fewer bonds per share for the larger trade: small=%s large=%s", small, large)
	}
}

func TestSharesInGivenBondsOut_RejectsBeyondReserves(t *testing.T) {
	s := testPool(t)
	cv := testCurve(t, s)
	_, err := cv.SharesInGivenBondsOut(s.EffectiveShareReserves(), s.BondReserves, s.BondReserves)
	if !errors.Is(err, ErrCurveBounds) {
		t.Errorf("expected ErrCurveBounds, got %v", err)
	}
}

func TestOpenLong_FeeSplit(t *testing.T) {
	s := testPool(t)
	cv := testCurve(t, s)
	open, err := cv.OpenLong(s.EffectiveShareReserves(), s.BondReserves, fixedpoint.New(100), s.Config.Fees)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !open.BondsAfterFees.Lt(open.BondsBeforeFees) {
		t.Errorf("fees should reduce bonds: before=%s after=%s", open.BondsBeforeFees, open.BondsAfterFees)
	}
	if !open.BondsAfterFees.Add(open.BondFees).WithinEpsilon(open.BondsBeforeFees, fp("1e-12")) {
		t.Errorf("after + fees = %s, want %s", open.BondsAfterFees.Add(open.BondFees), open.BondsBeforeFees)
	}
	if !open.GovBonds.Eq(open.BondFees.MulDown(fp("0.1"))) {
		t.Errorf("governance should take 10%% of bond fees, got %s of %s", open.GovBonds, open.BondFees)
	}
}

func TestOpenLong_NoFees(t *testing.T) {
	s := testPool(t)
	cv := testCurve(t, s)
	open, err := cv.OpenLong(s.EffectiveShareReserves(), s.BondReserves, fixedpoint.New(100), model.Fees{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !open.BondsAfterFees.Eq(open.BondsBeforeFees) || !open.GovShares.IsZero() {
		t.Errorf("expected no fees, got %+v", open)
	}
}

func TestOpenShort_FeeSplitIsExact(t *testing.T) {
	s := testPool(t)
	cv := testCurve(t, s)
	open, err := cv.OpenShort(s.EffectiveShareReserves(), s.BondReserves, fixedpoint.New(100), s.Config.Fees)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !open.PoolBase.Add(open.GovBase).Eq(open.BaseFees) {
		t.Errorf("pool %s + gov %s != fees %s", open.PoolBase, open.GovBase, open.BaseFees)
	}
}

// --- Limits ---

func TestMaxLong_CappedByBudget(t *testing.T) {
	s := testPool(t)
	got, err := Oracle{}.MaxLong(context.Background(), s, fixedpoint.New(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(fixedpoint.New(10)) {
		t.Errorf("expected budget cap of 10, got %s", got)
	}
}

func TestMaxLong_KeepsPoolSolvent(t *testing.T) {
	s := testPool(t)
	maxTrade, err := Oracle{}.MaxLong(context.Background(), s, fixedpoint.New(1_000_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !maxTrade.IsPositive() {
		t.Fatalf("expected a positive max long, got %s", maxTrade)
	}
	bonds, err := Oracle{}.CalcOpenLong(context.Background(), s, maxTrade.MulDown(fp("0.99")))
	if err != nil {
		t.Fatalf("99%% of max long should be priceable: %v", err)
	}
	if bonds.Gt(s.ShareReserves.Add(maxTrade)) {
		t.Errorf("long of %s base buys %s bonds, more than the pool can cover", maxTrade, bonds)
	}
}

func TestMaxShort_Positive(t *testing.T) {
	s := testPool(t)
	maxTrade, err := Oracle{}.MaxShort(context.Background(), s, fixedpoint.New(1_000_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !maxTrade.IsPositive() {
		t.Fatalf("expected a positive max short, got %s", maxTrade)
	}
	if _, err := (Oracle{}).SharesOutGivenBondsIn(context.Background(), s, maxTrade); err != nil {
		t.Errorf("max short should be priceable: %v", err)
	}
}

func TestMaxShort_CappedByBudget(t *testing.T) {
	s := testPool(t)
	small, err := Oracle{}.MaxShort(context.Background(), s, fixedpoint.New(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A deposit costs roughly (1 - p) per bond, so 10 base backs a few hundred bonds at most.
	if !small.Lt(fixedpoint.New(1_000)) {
		t.Errorf("expected a budget-limited short, got %s bonds", small)
	}
}

func TestBisect(t *testing.T) {
	got := bisect(100, func(x float64) bool { return x <= 42 })
	if got < 41.999 || got > 42 {
		t.Errorf("expected ≈42, got %v", got)
	}
	if got := bisect(0, func(float64) bool { return true }); got != 0 {
		t.Errorf("expected 0 for empty range, got %v", got)
	}
}
