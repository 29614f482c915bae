package simchain_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hyperfuzz/internal/chain"
	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/invariant"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/predict"
	"github.com/atmx/hyperfuzz/internal/simchain"
)

func fp(s string) fixedpoint.FixedPoint {
	return fixedpoint.MustParse(s)
}

func newChain(t *testing.T, mutate func(*simchain.Config)) *simchain.Chain {
	t.Helper()
	cfg := simchain.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := simchain.New(cfg, nil)
	require.NoError(t, err)
	return c
}

func noFees(cfg *simchain.Config) {
	cfg.Pool.Fees = model.Fees{Curve: fixedpoint.Zero, Flat: fixedpoint.Zero, GovernanceLP: fixedpoint.Zero}
	cfg.VariableRate = fixedpoint.Zero
}

func readState(t *testing.T, c *simchain.Chain) model.PoolState {
	t.Helper()
	s, err := c.ReadPoolState(context.Background())
	require.NoError(t, err)
	return s
}

func trade(t *testing.T, c *simchain.Chain, kind model.TradeKind, amount fixedpoint.FixedPoint, maturity int64) model.TradeReceipt {
	t.Helper()
	r, err := c.ExecuteTrade(context.Background(), model.TradeSpec{Kind: kind, Amount: amount, MaturityTime: maturity})
	require.NoError(t, err, "%s %s", kind, amount)
	return r
}

// --- Deployment ---

func TestNew_InitialState(t *testing.T) {
	c := newChain(t, nil)
	s := readState(t, c)

	// 1 / (1 + 0.05 · 7/365)
	assert.True(t, s.SpotPrice.WithinEpsilon(fp("0.999042014506637471"), fp("0.000000001")), "spot %s", s.SpotPrice)
	assert.True(t, s.LPSharePrice.WithinEpsilon(fixedpoint.One, fp("0.000000001")), "lp share price %s", s.LPSharePrice)
	assert.True(t, s.VaultShares.Eq(s.ShareReserves))
	assert.True(t, s.FixedRate().WithinEpsilon(fp("0.05"), fp("0.000001")), "fixed rate %s", s.FixedRate())

	_, err := c.LatestCheckpoint(context.Background())
	assert.NoError(t, err)
}

func TestNew_RejectsBadDurations(t *testing.T) {
	cfg := simchain.DefaultConfig()
	cfg.Pool.CheckpointDuration = 7_000
	_, err := simchain.New(cfg, nil)
	assert.ErrorIs(t, err, simchain.ErrInvalidConfig)
}

// --- Trades ---

func TestOpenCloseLong_NoProfit(t *testing.T) {
	c := newChain(t, nil)
	before, err := c.TraderBase(context.Background())
	require.NoError(t, err)

	open := trade(t, c, model.OpenLong, fixedpoint.New(10_000), 0)
	assert.True(t, open.BondAmount.Gt(fixedpoint.New(10_000)), "bonds %s", open.BondAmount)

	closed := trade(t, c, model.CloseLong, open.BondAmount, open.MaturityTime)
	assert.True(t, closed.BaseAmount.Lt(open.BaseAmount), "returned %s >= provided %s", closed.BaseAmount, open.BaseAmount)
	assert.True(t, closed.TraderBaseAfter.Lt(before))
	assert.Empty(t, c.Positions())
}

func TestOpenCloseShort_NoProfit(t *testing.T) {
	c := newChain(t, nil)
	before, err := c.TraderBase(context.Background())
	require.NoError(t, err)

	open := trade(t, c, model.OpenShort, fixedpoint.New(10_000), 0)
	assert.True(t, open.BaseAmount.IsPositive())
	closed := trade(t, c, model.CloseShort, open.BondAmount, open.MaturityTime)
	assert.True(t, closed.BaseAmount.Lt(open.BaseAmount))
	assert.True(t, closed.TraderBaseAfter.Lt(before))
}

func TestExecuteTrade_FailureLeavesPoolUntouched(t *testing.T) {
	c := newChain(t, nil)
	before := readState(t, c)

	tests := []struct {
		name string
		spec model.TradeSpec
		want error
	}{
		{"below minimum", model.TradeSpec{Kind: model.OpenLong, Amount: fp("0.0001")}, simchain.ErrMinimumTransaction},
		{"unknown long", model.TradeSpec{Kind: model.CloseLong, Amount: fixedpoint.One, MaturityTime: 42}, simchain.ErrUnknownPosition},
		{"unknown short", model.TradeSpec{Kind: model.CloseShort, Amount: fixedpoint.One, MaturityTime: 42}, simchain.ErrUnknownPosition},
		{"lp not held", model.TradeSpec{Kind: model.RemoveLiquidity, Amount: fixedpoint.One}, simchain.ErrUnknownPosition},
		{"over budget", model.TradeSpec{Kind: model.AddLiquidity, Amount: fixedpoint.New(2_000_000_000)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ExecuteTrade(context.Background(), tt.spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, chain.ErrChainInteraction)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Equal(t, before, readState(t, c))
		})
	}
}

func TestAddRemoveLiquidity(t *testing.T) {
	c := newChain(t, noFees)
	before := readState(t, c)

	added := trade(t, c, model.AddLiquidity, fixedpoint.New(1_000_000), 0)
	mid := readState(t, c)
	assert.True(t, mid.PresentValue.Gt(before.PresentValue))
	assert.True(t, mid.SpotPrice.WithinEpsilon(before.SpotPrice, fp("0.000000000001")), "spot moved %s -> %s", before.SpotPrice, mid.SpotPrice)

	removed := trade(t, c, model.RemoveLiquidity, added.LPAmount, 0)
	after := readState(t, c)
	assert.True(t, removed.BaseAmount.Lte(added.BaseAmount))
	assert.True(t, after.PresentValue.WithinEpsilon(before.PresentValue, fp("0.0001").MulDown(before.PresentValue)))
}

// --- Invariants the harness relies on ---

func TestCloseOrderDoesNotMatter(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, noFees)

	var opened []model.TradeReceipt
	for i, spec := range []model.TradeSpec{
		{Kind: model.OpenLong, Amount: fixedpoint.New(50_000)},
		{Kind: model.OpenShort, Amount: fixedpoint.New(30_000)},
		{Kind: model.OpenLong, Amount: fp("12345.678")},
		{Kind: model.OpenShort, Amount: fp("777.77")},
	} {
		r, err := c.ExecuteTrade(ctx, spec)
		require.NoError(t, err, "trade %d", i)
		opened = append(opened, r)
	}
	snap, err := c.SaveSnapshot(ctx)
	require.NoError(t, err)

	closeAll := func(order []int) model.PoolState {
		require.NoError(t, c.LoadSnapshot(ctx, snap))
		for _, i := range order {
			kind, _ := opened[i].Kind.Closing()
			trade(t, c, kind, opened[i].BondAmount, opened[i].MaturityTime)
		}
		return readState(t, c)
	}

	first := closeAll([]int{0, 1, 2, 3})
	for _, order := range [][]int{{3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}} {
		got := closeAll(order)
		assert.True(t, got.ShareReserves.Eq(first.ShareReserves), "order %v share reserves %s != %s", order, got.ShareReserves, first.ShareReserves)
		assert.True(t, got.BondReserves.Eq(first.BondReserves), "order %v bond reserves %s != %s", order, got.BondReserves, first.BondReserves)
		assert.True(t, got.ShareAdjustment.Eq(first.ShareAdjustment))
		assert.True(t, got.LongsOutstanding.Eq(first.LongsOutstanding))
		assert.True(t, got.ShortsOutstanding.Eq(first.ShortsOutstanding))
		assert.True(t, got.LPTotalSupply.Eq(first.LPTotalSupply))
		assert.True(t, got.VaultSharePrice.Eq(first.VaultSharePrice))
	}
}

func TestLongAtMaturityPaysFaceValueLessFlatFee(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, nil)
	open := trade(t, c, model.OpenLong, fixedpoint.New(5_000), 0)

	_, err := c.AdvanceTime(ctx, c.Config().PositionDuration, true)
	require.NoError(t, err)
	closed := trade(t, c, model.CloseLong, open.BondAmount, open.MaturityTime)

	flat := c.Config().Fees.Flat
	want := open.BondAmount.Sub(open.BondAmount.MulDown(flat))
	assert.True(t, closed.BaseAmount.Eq(want), "got %s want %s", closed.BaseAmount, want)
}

func TestShortAtMaturityEarnsInterest(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, nil)
	open := trade(t, c, model.OpenShort, fixedpoint.New(5_000), 0)

	_, err := c.AdvanceTime(ctx, c.Config().PositionDuration, true)
	require.NoError(t, err)
	closed := trade(t, c, model.CloseShort, open.BondAmount, open.MaturityTime)

	start, err := c.ReadCheckpoint(ctx, open.MaturityTime-c.Config().PositionDuration)
	require.NoError(t, err)
	end, err := c.ReadCheckpoint(ctx, open.MaturityTime)
	require.NoError(t, err)
	require.True(t, end.VaultSharePrice.Gt(start.VaultSharePrice))

	flat := c.Config().Fees.Flat
	b := open.BondAmount
	want := b.MulDown(end.VaultSharePrice.DivDown(start.VaultSharePrice).Add(flat)).Sub(b.Add(b.MulDown(flat)))
	assert.True(t, closed.BaseAmount.Eq(want), "got %s want %s", closed.BaseAmount, want)
}

func TestVaultCoversObligations(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, nil)
	longs := trade(t, c, model.OpenLong, fixedpoint.New(200_000), 0)
	trade(t, c, model.OpenShort, fixedpoint.New(150_000), 0)
	_, err := c.AdvanceTime(ctx, 86_400, true)
	require.NoError(t, err)
	trade(t, c, model.CloseLong, longs.BondAmount.DivDown(fixedpoint.New(2)), longs.MaturityTime)

	s := readState(t, c)
	flat := s.Config.Fees.Flat
	owed := s.ShareReserves.
		Add(s.ShortsOutstanding.MulDown(fixedpoint.One.Add(flat)).DivDown(s.VaultSharePrice)).
		Add(s.GovFeesAccrued).
		Add(s.WithdrawalSharesProceeds)
	assert.True(t, s.VaultShares.Add(fp("0.000000001")).Gte(owed), "vault %s < owed %s", s.VaultShares, owed)
	assert.True(t, s.PresentValue.Gte(s.IdleShares), "pv %s < idle %s", s.PresentValue, s.IdleShares)
}

func requireSystemChecks(t *testing.T, c *simchain.Chain) {
	t.Helper()
	check := invariant.SystemCheck{
		State:                  readState(t, c),
		SkipPreviousCheckpoint: true,
		TotalSharesEpsilon:     fp("0.000000001"),
	}
	for _, r := range check.Results() {
		assert.True(t, r.Passed, "%s: %s", r.Name, r.Context)
	}
}

func TestCloseShort_UnderwaterKeepsVaultCovered(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, noFees)
	short := trade(t, c, model.OpenShort, fixedpoint.New(10_000_000), 0)

	// A long sized after the short pushes the spot back towards 1, so
	// buying the short's bonds back costs more than its face value.
	maxLong, err := c.MaxLong(ctx, readState(t, c), fixedpoint.New(1_000_000_000))
	require.NoError(t, err)
	trade(t, c, model.OpenLong, maxLong.MulDown(fp("0.999")), 0)

	before := readState(t, c)
	cost, err := c.SharesInGivenBondsOut(ctx, before, short.BondAmount)
	require.NoError(t, err)
	require.True(t, cost.MulDown(before.VaultSharePrice).Gt(short.BondAmount), "short is not underwater: cost %s", cost)

	closed := trade(t, c, model.CloseShort, short.BondAmount, short.MaturityTime)
	assert.True(t, closed.BaseAmount.IsZero(), "underwater short paid %s", closed.BaseAmount)
	requireSystemChecks(t, c)
}

func TestCloseShort_LossAtMaturityKeepsVaultCovered(t *testing.T) {
	ctx := context.Background()
	// No interest accrues, so the short gets back at most its flat fee.
	c := newChain(t, func(cfg *simchain.Config) { cfg.VariableRate = fixedpoint.Zero })
	open := trade(t, c, model.OpenShort, fixedpoint.New(50_000), 0)

	_, err := c.AdvanceTime(ctx, c.Config().PositionDuration+c.Config().CheckpointDuration, true)
	require.NoError(t, err)
	closed := trade(t, c, model.CloseShort, open.BondAmount, open.MaturityTime)

	assert.True(t, closed.BaseAmount.Lt(open.BaseAmount), "closed %s, deposited %s", closed.BaseAmount, open.BaseAmount)
	requireSystemChecks(t, c)
}

func TestPredictionMatchesExecution(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, nil)

	for _, tc := range []struct {
		kind   model.TradeKind
		amount model.AmountSpec
	}{
		{model.OpenLong, model.Base(fixedpoint.New(25_000))},
		{model.OpenShort, model.Bonds(fixedpoint.New(25_000))},
	} {
		before := readState(t, c)
		want, err := predict.Predict(ctx, c, before, tc.kind, tc.amount)
		require.NoError(t, err)

		amount, _ := tc.amount.Base()
		if tc.kind == model.OpenShort {
			amount, _ = tc.amount.Bonds()
		}
		trade(t, c, tc.kind, amount, 0)

		got := model.DeltasBetween(before, readState(t, c))
		drift, err := predict.CompareExecution(want.Pool, got, predict.DefaultDriftBound)
		require.NoError(t, err)
		assert.True(t, drift.Within, "%s drift bonds %s shares %s", tc.kind, drift.Bonds, drift.Shares)
	}
}

// --- Snapshots, time and diagnostics ---

func TestSnapshotIsIsolated(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, nil)
	snap, err := c.SaveSnapshot(ctx)
	require.NoError(t, err)
	before := readState(t, c)

	trade(t, c, model.OpenLong, fixedpoint.New(1_000), 0)
	require.NoError(t, c.LoadSnapshot(ctx, snap))
	assert.Equal(t, before, readState(t, c))
	assert.Empty(t, c.Positions())

	trade(t, c, model.OpenShort, fixedpoint.New(1_000), 0)
	require.NoError(t, c.LoadSnapshot(ctx, snap))
	assert.Equal(t, before, readState(t, c))

	assert.ErrorIs(t, c.LoadSnapshot(ctx, "sim-404"), chain.ErrUnknownSnapshot)
}

func TestAdvanceTime_Checkpoints(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, nil)
	start := readState(t, c)

	created, err := c.AdvanceTime(ctx, 3*3_600+100, true)
	require.NoError(t, err)
	require.Len(t, created, 3)
	for i, cp := range created {
		assert.Equal(t, start.CheckpointID+int64(i+1)*3_600, cp.ID)
	}
	s := readState(t, c)
	assert.Equal(t, start.BlockTime+3*3_600+100, s.BlockTime)
	assert.True(t, s.VaultSharePrice.Gt(start.VaultSharePrice))

	none, err := c.AdvanceTime(ctx, 7_200, false)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = c.Checkpoint(ctx, s.CheckpointID+1)
	assert.ErrorIs(t, err, simchain.ErrInvalidCheckpoint)
}

func TestDumpState(t *testing.T) {
	ctx := context.Background()
	ref, err := newChain(t, nil).DumpState(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(ref), "sim://0x"))

	dir := t.TempDir()
	c := newChain(t, func(cfg *simchain.Config) { cfg.DumpDir = dir })
	trade(t, c, model.OpenLong, fixedpoint.New(1_000), 0)
	ref, err = c.DumpState(ctx)
	require.NoError(t, err)
	data, err := os.ReadFile(string(ref))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"share_reserves"`)
}

func TestInjectFault(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, nil)
	boom := errors.New("node unreachable")
	c.InjectFault("read_pool_state", boom)

	_, err := c.ReadPoolState(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "read_pool_state", chain.Op(err))

	c.ClearFaults()
	_, err = c.ReadPoolState(ctx)
	assert.NoError(t, err)
}

// --- Factory ---

func TestFactory_DeploysIndependentPools(t *testing.T) {
	ctx := context.Background()
	f := simchain.NewFactory(simchain.DefaultConfig(), nil)

	a, err := f.Deploy(ctx, chain.Deployment{})
	require.NoError(t, err)
	b, err := f.Deploy(ctx, chain.Deployment{})
	require.NoError(t, err)

	_, err = a.ExecuteTrade(ctx, model.TradeSpec{Kind: model.OpenLong, Amount: fixedpoint.New(1_000)})
	require.NoError(t, err)

	sa, err := a.ReadPoolState(ctx)
	require.NoError(t, err)
	sb, err := b.ReadPoolState(ctx)
	require.NoError(t, err)
	assert.False(t, sa.ShareReserves.Eq(sb.ShareReserves))
	assert.True(t, sb.LongsOutstanding.IsZero())
}

func TestFactory_AppliesOverrides(t *testing.T) {
	ctx := context.Background()
	f := simchain.NewFactory(simchain.DefaultConfig(), nil)
	fees := model.Fees{Curve: fp("0.001"), Flat: fixedpoint.Zero, GovernanceLP: fixedpoint.Zero}
	rate := fixedpoint.Zero

	p, err := f.Deploy(ctx, chain.Deployment{Fees: &fees, VariableRate: &rate})
	require.NoError(t, err)
	s, err := p.ReadPoolState(ctx)
	require.NoError(t, err)
	assert.Equal(t, fees, s.Config.Fees)
	assert.True(t, s.VariableRate.IsZero())
}

func TestFactory_Errors(t *testing.T) {
	cfg := simchain.DefaultConfig()
	cfg.Pool.CheckpointDuration = 7_000
	_, err := simchain.NewFactory(cfg, nil).Deploy(context.Background(), chain.Deployment{})
	assert.ErrorIs(t, err, simchain.ErrInvalidConfig)
	assert.Equal(t, "deploy", chain.Op(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = simchain.NewFactory(simchain.DefaultConfig(), nil).Deploy(ctx, chain.Deployment{})
	assert.ErrorIs(t, err, context.Canceled)
}
