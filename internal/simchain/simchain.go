// Package simchain is an in-process Hyperdrive pool. It implements
// chain.Controller and chain.CurveOracle so the fuzz harness can run
// end to end without a node.
//
// The pool keeps its curve invariant k between trades and only re-derives
// it from reserves when the vault share price moves, fees are charged or
// liquidity changes. With zero fees and a zero variable rate, closing a set
// of positions in any order therefore lands on exactly the same reserves.
//
// Every trade mines one block before it executes. A trade that fails leaves
// the pool untouched.
package simchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/hyperfuzz/internal/chain"
	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/metrics"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/wallet"
	"github.com/atmx/hyperfuzz/internal/yieldspace"
)

var (
	ErrMinimumTransaction    = chain.ErrMinimumTransaction
	ErrInsufficientLiquidity = chain.ErrInsufficientLiquidity
	ErrUnknownPosition       = errors.New("simchain: no such position")
	ErrCheckpointNotFound    = chain.ErrCheckpointNotFound
	ErrInvalidCheckpoint     = errors.New("simchain: invalid checkpoint id")
	ErrInvalidConfig         = errors.New("simchain: invalid config")
)

// Config describes the pool at deployment.
type Config struct {
	Pool             model.PoolConfig
	TimeStretchAPR   fixedpoint.FixedPoint // used when Pool.TimeStretch is zero
	InitialLiquidity fixedpoint.FixedPoint // base
	InitialFixedRate fixedpoint.FixedPoint
	VariableRate     fixedpoint.FixedPoint
	StartTime        int64
	BlockInterval    int64
	TraderBudget     fixedpoint.FixedPoint
	Trader           common.Address
	DumpDir          string
}

// DefaultConfig mirrors a local dev deployment: a one week term with hourly
// checkpoints, 100M base of liquidity and 5% rates.
func DefaultConfig() Config {
	return Config{
		Pool: model.PoolConfig{
			PositionDuration:   604_800,
			CheckpointDuration: 3_600,
			Fees: model.Fees{
				Curve:        fixedpoint.MustParse("0.01"),
				Flat:         fixedpoint.MustParse("0.0005").DivDown(fixedpoint.New(52)),
				GovernanceLP: fixedpoint.MustParse("0.15"),
			},
			MinimumShareReserves:     fixedpoint.New(10),
			MinimumTransactionAmount: fixedpoint.MustParse("0.001"),
			InitialVaultSharePrice:   fixedpoint.One,
		},
		TimeStretchAPR:   fixedpoint.MustParse("0.05"),
		InitialLiquidity: fixedpoint.New(100_000_000),
		InitialFixedRate: fixedpoint.MustParse("0.05"),
		VariableRate:     fixedpoint.MustParse("0.05"),
		StartTime:        1_700_006_400,
		BlockInterval:    12,
		TraderBudget:     fixedpoint.New(1_000_000_000),
		Trader:           common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
	}
}

// Chain is a simulated pool with a single trader.
type Chain struct {
	yieldspace.Oracle

	cfg    Config
	st     *state
	logger *slog.Logger

	snapshots map[chain.SnapshotID]*state
	nextSnap  int
	faults    map[string]error
}

var (
	_ chain.Controller  = (*Chain)(nil)
	_ chain.CurveOracle = (*Chain)(nil)
)

// New deploys a pool and seeds it with the initial liquidity.
func New(cfg Config, logger *slog.Logger) (_ *Chain, err error) {
	defer fixedpoint.Recover(&err)
	if logger == nil {
		logger = slog.Default()
	}
	p := &cfg.Pool
	if p.PositionDuration <= 0 || p.CheckpointDuration <= 0 || p.PositionDuration%p.CheckpointDuration != 0 {
		return nil, fmt.Errorf("%w: position duration %d must be a positive multiple of checkpoint duration %d",
			ErrInvalidConfig, p.PositionDuration, p.CheckpointDuration)
	}
	if !cfg.InitialLiquidity.IsPositive() || !p.InitialVaultSharePrice.IsPositive() {
		return nil, fmt.Errorf("%w: initial liquidity and share price must be positive", ErrInvalidConfig)
	}
	if p.TimeStretch.IsZero() {
		ts, err := yieldspace.TimeStretch(cfg.TimeStretchAPR)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		p.TimeStretch = ts
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 12
	}

	c := p.InitialVaultSharePrice
	z := cfg.InitialLiquidity.DivDown(c)
	params := yieldspace.Params{TimeStretch: p.TimeStretch, VaultSharePrice: c, InitialVaultSharePrice: c}
	y, err := yieldspace.BondReservesForRate(params, z, cfg.InitialFixedRate, p.AnnualizedTime())
	if err != nil {
		return nil, fmt.Errorf("initial bond reserves: %w", err)
	}
	cv, err := yieldspace.NewCurve(params, z, y)
	if err != nil {
		return nil, fmt.Errorf("initial curve: %w", err)
	}

	ch := &Chain{
		cfg:    cfg,
		logger: logger,
		st: &state{
			blockNumber: 1,
			blockTime:   cfg.StartTime,
			z:           z,
			zeta:        fixedpoint.Zero,
			y:           y,
			c:           c,
			k:           cv.K(),
			rate:        cfg.VariableRate,
			longs:       make(map[int64]fixedpoint.FixedPoint),
			shorts:      make(map[int64]fixedpoint.FixedPoint),
			checkpoints: make(map[int64]model.Checkpoint),
			vault:       z,
			trader:      wallet.New(cfg.Trader, cfg.TraderBudget),
		},
		snapshots: make(map[chain.SnapshotID]*state),
		faults:    make(map[string]error),
	}
	ch.ensureCheckpoint(ch.checkpointID())

	pv, err := ch.presentValue()
	if err != nil {
		return nil, fmt.Errorf("initial present value: %w", err)
	}
	ch.st.lpSupply = pv.MulDown(c)

	logger.Info("simulated pool deployed",
		"share_reserves", z.String(),
		"bond_reserves", y.String(),
		"time_stretch", p.TimeStretch.String(),
		"lp_total_supply", ch.st.lpSupply.String(),
	)
	return ch, nil
}

// Config returns the pool configuration, time stretch resolved.
func (c *Chain) Config() model.PoolConfig {
	return c.cfg.Pool
}

// InjectFault makes every later call of op fail with err until cleared.
// Ops are named as in chain errors, e.g. "read_pool_state".
func (c *Chain) InjectFault(op string, err error) {
	c.faults[op] = err
}

// ClearFaults removes all injected faults.
func (c *Chain) ClearFaults() {
	c.faults = make(map[string]error)
}

func (c *Chain) fault(op string) error {
	if err, ok := c.faults[op]; ok {
		return chain.Wrap(op, err)
	}
	return nil
}

func (c *Chain) checkpointID() int64 {
	return c.cfg.Pool.CheckpointID(c.st.blockTime)
}

// tau is the fraction of the term left on a position maturing at maturity,
// measured from the current checkpoint.
func (c *Chain) tau(maturity int64) fixedpoint.FixedPoint {
	left := maturity - c.checkpointID()
	if left <= 0 {
		return fixedpoint.Zero
	}
	if left >= c.cfg.Pool.PositionDuration {
		return fixedpoint.One
	}
	return fixedpoint.New(left).DivDown(fixedpoint.New(c.cfg.Pool.PositionDuration))
}

func (c *Chain) params() yieldspace.Params {
	return yieldspace.Params{
		TimeStretch:            c.cfg.Pool.TimeStretch,
		VaultSharePrice:        c.st.c,
		InitialVaultSharePrice: c.cfg.Pool.InitialVaultSharePrice,
	}
}

func (c *Chain) curve() (yieldspace.Curve, error) {
	return yieldspace.NewCurveWithK(c.params(), c.st.k)
}

// rebase re-derives k from the current reserves.
func (c *Chain) rebase() error {
	cv, err := yieldspace.NewCurve(c.params(), c.st.ze(), c.st.y)
	if err != nil {
		return err
	}
	c.st.k = cv.K()
	return nil
}

func (c *Chain) chargesFees() bool {
	f := c.cfg.Pool.Fees
	return !f.Curve.IsZero() || !f.Flat.IsZero()
}

// mine advances the clock by dt seconds in one block, accruing interest.
func (c *Chain) mine(dt int64) error {
	if dt <= 0 {
		return nil
	}
	if !c.st.rate.IsZero() {
		growth := fixedpoint.One.Add(c.st.rate.MulDown(fixedpoint.New(dt)).DivDown(fixedpoint.New(model.SecondsPerYear)))
		c.st.c = c.st.c.MulDown(growth)
		if err := c.rebase(); err != nil {
			return err
		}
	}
	c.st.blockTime += dt
	c.st.blockNumber++
	return nil
}

func (c *Chain) ensureCheckpoint(id int64) (model.Checkpoint, bool) {
	if cp, ok := c.st.checkpoints[id]; ok {
		return cp, false
	}
	cp := model.Checkpoint{ID: id, VaultSharePrice: c.st.c, BlockNumber: c.st.blockNumber}
	c.st.checkpoints[id] = cp
	return cp, true
}

// presentValue is the share reserves left once every open position is
// closed at the current curve, net of the minimum reserves.
func (c *Chain) presentValue() (fixedpoint.FixedPoint, error) {
	st := c.st
	netCurve := fixedpoint.Zero // bonds the pool would buy back on the curve
	netFlat := fixedpoint.Zero  // base flowing into the pool at par
	for m, b := range st.longs {
		curveBonds := b.MulDown(c.tau(m))
		netCurve = netCurve.Add(curveBonds)
		netFlat = netFlat.Sub(b.Sub(curveBonds))
	}
	for m, b := range st.shorts {
		curveBonds := b.MulDown(c.tau(m))
		netCurve = netCurve.Sub(curveBonds)
		netFlat = netFlat.Add(b.Sub(curveBonds))
	}

	ze := st.ze()
	if !netCurve.IsZero() {
		cv, err := c.curve()
		if err != nil {
			return fixedpoint.Zero, err
		}
		if after, err := cv.ShareReservesAt(st.y.Add(netCurve)); err == nil {
			ze = after
		} else {
			// Past the curve's end: value the net position at spot.
			spot, err := cv.SpotPrice(ze, st.y)
			if err != nil {
				return fixedpoint.Zero, err
			}
			ze = ze.Sub(netCurve.MulDown(spot).DivDown(st.c))
		}
	}
	pv := ze.Add(st.zeta).Add(netFlat.DivDown(st.c)).Sub(c.cfg.Pool.MinimumShareReserves)
	return fixedpoint.Max(pv, fixedpoint.Zero), nil
}

func (c *Chain) idleShares() fixedpoint.FixedPoint {
	st := c.st
	idle := st.z.Sub(st.longExposure().DivDown(st.c)).Sub(c.cfg.Pool.MinimumShareReserves)
	return fixedpoint.Max(idle, fixedpoint.Zero)
}

func (c *Chain) poolState() (s model.PoolState, err error) {
	defer fixedpoint.Recover(&err)
	st := c.st
	pv, err := c.presentValue()
	if err != nil {
		return model.PoolState{}, err
	}
	cv, err := c.curve()
	if err != nil {
		return model.PoolState{}, err
	}
	spot, err := cv.SpotPrice(st.ze(), st.y)
	if err != nil {
		return model.PoolState{}, err
	}
	lpPrice := fixedpoint.Zero
	if st.lpSupply.IsPositive() {
		lpPrice = pv.MulDown(st.c).DivDown(st.lpSupply)
	}
	return model.PoolState{
		Config:                   c.cfg.Pool,
		BlockNumber:              st.blockNumber,
		BlockTime:                st.blockTime,
		CheckpointID:             c.checkpointID(),
		ShareReserves:            st.z,
		ShareAdjustment:          st.zeta,
		BondReserves:             st.y,
		VaultSharePrice:          st.c,
		LPSharePrice:             lpPrice,
		SpotPrice:                spot,
		VariableRate:             st.rate,
		LongsOutstanding:         total(st.longs),
		ShortsOutstanding:        total(st.shorts),
		LongExposure:             st.longExposure(),
		LPTotalSupply:            st.lpSupply,
		WithdrawalSharesProceeds: st.withdrawal,
		VaultShares:              st.vault,
		GovFeesAccrued:           st.govFees,
		PresentValue:             pv,
		IdleShares:               c.idleShares(),
	}, nil
}

// --- Controller ---

// ExecuteTrade mines a block and executes spec in it for the trader.
func (c *Chain) ExecuteTrade(ctx context.Context, spec model.TradeSpec) (receipt model.TradeReceipt, err error) {
	start := time.Now()
	backup := c.st.clone()
	defer func() {
		if err != nil {
			c.st = backup
			err = chain.Wrap("execute_trade", err)
		}
		metrics.ObserveChainCall("execute_trade", start, err)
	}()
	defer fixedpoint.Recover(&err)

	if err := ctx.Err(); err != nil {
		return model.TradeReceipt{}, err
	}
	if err := c.fault("execute_trade"); err != nil {
		return model.TradeReceipt{}, err
	}
	if !spec.Kind.Valid() {
		return model.TradeReceipt{}, fmt.Errorf("unknown trade kind %q", spec.Kind)
	}
	if spec.Amount.Lt(c.cfg.Pool.MinimumTransactionAmount) {
		return model.TradeReceipt{}, fmt.Errorf("%w: %s < %s", ErrMinimumTransaction, spec.Amount, c.cfg.Pool.MinimumTransactionAmount)
	}

	if err := c.mine(c.cfg.BlockInterval); err != nil {
		return model.TradeReceipt{}, err
	}
	c.ensureCheckpoint(c.checkpointID())

	switch spec.Kind {
	case model.OpenLong:
		receipt, err = c.openLong(spec.Amount)
	case model.OpenShort:
		receipt, err = c.openShort(spec.Amount)
	case model.CloseLong:
		receipt, err = c.closeLong(spec.Amount, spec.MaturityTime)
	case model.CloseShort:
		receipt, err = c.closeShort(spec.Amount, spec.MaturityTime)
	case model.AddLiquidity:
		receipt, err = c.addLiquidity(spec.Amount)
	case model.RemoveLiquidity:
		receipt, err = c.removeLiquidity(spec.Amount)
	}
	if err != nil {
		return model.TradeReceipt{}, err
	}

	receipt.Kind = spec.Kind
	receipt.BlockNumber = c.st.blockNumber
	receipt.CheckpointID = c.checkpointID()
	if err := c.st.trader.Apply(receipt); err != nil {
		return model.TradeReceipt{}, err
	}
	receipt.TraderBaseAfter = c.st.trader.Base()

	c.logger.Debug("trade executed",
		"kind", string(spec.Kind),
		"amount", spec.Amount.String(),
		"maturity", receipt.MaturityTime,
		"base", receipt.BaseAmount.String(),
		"bonds", receipt.BondAmount.String(),
		"block", receipt.BlockNumber,
	)
	return receipt, nil
}

func (c *Chain) ReadPoolState(ctx context.Context) (model.PoolState, error) {
	if err := c.fault("read_pool_state"); err != nil {
		return model.PoolState{}, err
	}
	s, err := c.poolState()
	return s, chain.Wrap("read_pool_state", err)
}

func (c *Chain) LatestCheckpoint(ctx context.Context) (model.Checkpoint, error) {
	if err := c.fault("read_checkpoint"); err != nil {
		return model.Checkpoint{}, err
	}
	cp, ok := c.st.latestCheckpoint()
	if !ok {
		return model.Checkpoint{}, chain.Wrap("read_checkpoint", ErrCheckpointNotFound)
	}
	return cp, nil
}

func (c *Chain) ReadCheckpoint(ctx context.Context, id int64) (model.Checkpoint, error) {
	if err := c.fault("read_checkpoint"); err != nil {
		return model.Checkpoint{}, err
	}
	cp, ok := c.st.checkpoints[id]
	if !ok {
		return model.Checkpoint{}, chain.Wrap("read_checkpoint", fmt.Errorf("%w: %d", ErrCheckpointNotFound, id))
	}
	return cp, nil
}

// Checkpoint records checkpoint id at the current share price if it is
// missing. Future and misaligned ids are rejected.
func (c *Chain) Checkpoint(ctx context.Context, id int64) (model.Checkpoint, error) {
	if err := c.fault("checkpoint"); err != nil {
		return model.Checkpoint{}, err
	}
	if id%c.cfg.Pool.CheckpointDuration != 0 || id > c.checkpointID() {
		return model.Checkpoint{}, chain.Wrap("checkpoint", fmt.Errorf("%w: %d", ErrInvalidCheckpoint, id))
	}
	cp, _ := c.ensureCheckpoint(id)
	return cp, nil
}

func (c *Chain) TraderBase(ctx context.Context) (fixedpoint.FixedPoint, error) {
	if err := c.fault("trader_base"); err != nil {
		return fixedpoint.Zero, err
	}
	return c.st.trader.Base(), nil
}

// Positions returns the trader's open positions.
func (c *Chain) Positions() []model.TradePosition {
	return c.st.trader.Positions()
}

func (c *Chain) SetVariableRate(ctx context.Context, rate fixedpoint.FixedPoint) error {
	if err := c.fault("set_variable_rate"); err != nil {
		return err
	}
	if rate.IsNegative() {
		return chain.Wrap("set_variable_rate", fmt.Errorf("negative rate %s", rate))
	}
	c.st.rate = rate
	return nil
}

func (c *Chain) SaveSnapshot(ctx context.Context) (chain.SnapshotID, error) {
	if err := c.fault("save_snapshot"); err != nil {
		return "", err
	}
	c.nextSnap++
	id := chain.SnapshotID(fmt.Sprintf("sim-%d", c.nextSnap))
	c.snapshots[id] = c.st.clone()
	return id, nil
}

func (c *Chain) LoadSnapshot(ctx context.Context, id chain.SnapshotID) error {
	if err := c.fault("load_snapshot"); err != nil {
		return err
	}
	snap, ok := c.snapshots[id]
	if !ok {
		return chain.Wrap("load_snapshot", fmt.Errorf("%w: %s", chain.ErrUnknownSnapshot, id))
	}
	c.st = snap.clone()
	return nil
}

// AdvanceTime moves the clock, stopping at each checkpoint boundary on the
// way so interest accrues up to it.
func (c *Chain) AdvanceTime(ctx context.Context, seconds int64, createCheckpoints bool) (created []model.Checkpoint, err error) {
	defer fixedpoint.Recover(&err)
	if err := c.fault("advance_time"); err != nil {
		return nil, err
	}
	if seconds < 0 {
		return nil, chain.Wrap("advance_time", fmt.Errorf("negative duration %d", seconds))
	}

	record := func() {
		if !createCheckpoints {
			return
		}
		if cp, made := c.ensureCheckpoint(c.checkpointID()); made {
			created = append(created, cp)
		}
	}

	record()
	target := c.st.blockTime + seconds
	step := c.cfg.Pool.CheckpointDuration
	for next := c.checkpointID() + step; next <= target; next += step {
		if err := c.mine(next - c.st.blockTime); err != nil {
			return created, chain.Wrap("advance_time", err)
		}
		record()
	}
	if err := c.mine(target - c.st.blockTime); err != nil {
		return created, chain.Wrap("advance_time", err)
	}
	return created, nil
}

// DumpState serializes the pool. With a dump directory configured the
// dump is written there and the path returned; otherwise the reference is
// the dump's hash.
func (c *Chain) DumpState(ctx context.Context) (chain.StateDumpRef, error) {
	if err := c.fault("dump_state"); err != nil {
		return "", err
	}
	s, err := c.poolState()
	if err != nil {
		return "", chain.Wrap("dump_state", err)
	}
	d := stateDump{
		Pool:   s,
		Curve:  c.st.k,
		Longs:  amountStrings(c.st.longs),
		Shorts: amountStrings(c.st.shorts),
		Trader: traderDump{
			Address:   c.st.trader.Address.Hex(),
			Base:      c.st.trader.Base(),
			Positions: c.st.trader.Positions(),
		},
	}
	for _, cp := range c.st.checkpoints {
		d.Checkpoints = append(d.Checkpoints, cp)
	}
	sort.Slice(d.Checkpoints, func(i, j int) bool { return d.Checkpoints[i].ID < d.Checkpoints[j].ID })

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", chain.Wrap("dump_state", err)
	}
	hash := crypto.Keccak256Hash(data)
	if c.cfg.DumpDir == "" {
		return chain.StateDumpRef("sim://" + hash.Hex()), nil
	}
	if err := os.MkdirAll(c.cfg.DumpDir, 0o755); err != nil {
		return "", chain.Wrap("dump_state", err)
	}
	path := filepath.Join(c.cfg.DumpDir, fmt.Sprintf("sim_state_%s.json", hash.Hex()[2:14]))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", chain.Wrap("dump_state", err)
	}
	return chain.StateDumpRef(path), nil
}

func (c *Chain) Cleanup(ctx context.Context) error {
	c.snapshots = make(map[chain.SnapshotID]*state)
	c.faults = make(map[string]error)
	return nil
}
