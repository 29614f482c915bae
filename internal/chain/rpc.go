package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/metrics"
	"github.com/atmx/hyperfuzz/internal/model"
)

// PoolBinding is the contract side of a deployed pool: the calls that need
// the pool ABI. The RPC controller handles everything the dev node itself
// provides.
type PoolBinding interface {
	ExecuteTrade(ctx context.Context, spec model.TradeSpec) (model.TradeReceipt, error)
	ReadPoolState(ctx context.Context) (model.PoolState, error)
	ReadCheckpoint(ctx context.Context, id int64) (model.Checkpoint, error)
	CreateCheckpoint(ctx context.Context, id int64) (model.Checkpoint, error)
	TraderBase(ctx context.Context) (fixedpoint.FixedPoint, error)
	SetVariableRate(ctx context.Context, rate fixedpoint.FixedPoint) error
}

// RPCConfig configures an RPCController.
type RPCConfig struct {
	URL          string      `yaml:"url"`
	RequestsPerS float64     `yaml:"requests_per_second"`
	Burst        int         `yaml:"burst"`
	Retry        RetryPolicy `yaml:"retry"`
	DumpDir      string      `yaml:"dump_dir"`
}

// RPCController drives an anvil dev node over JSON-RPC.
type RPCController struct {
	client  *rpc.Client
	eth     *ethclient.Client
	binding PoolBinding
	limiter *rate.Limiter
	retry   RetryPolicy
	dumpDir string
	logger  *slog.Logger

	// anvil consumes a snapshot on revert, so each load re-snapshots and
	// remaps the caller's id to the fresh node id.
	snapshots map[SnapshotID]string
	nextID    int
}

var _ Controller = (*RPCController)(nil)

// DialRPC connects to the node at cfg.URL.
func DialRPC(ctx context.Context, cfg RPCConfig, binding PoolBinding, logger *slog.Logger) (*RPCController, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("chain: rpc url required")
	}
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, Wrap("dial", err)
	}
	return NewRPCController(client, cfg, binding, logger), nil
}

// NewRPCController wraps an existing client. The controller owns it and
// closes it on Cleanup.
func NewRPCController(client *rpc.Client, cfg RPCConfig, binding PoolBinding, logger *slog.Logger) *RPCController {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RequestsPerS > 0 {
		limit = rate.Limit(cfg.RequestsPerS)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	dumpDir := cfg.DumpDir
	if dumpDir == "" {
		dumpDir = ".hyperfuzz_state"
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy
	}
	return &RPCController{
		client:    client,
		eth:       ethclient.NewClient(client),
		binding:   binding,
		limiter:   rate.NewLimiter(limit, burst),
		retry:     cfg.Retry,
		dumpDir:   dumpDir,
		logger:    logger,
		snapshots: make(map[SnapshotID]string),
	}
}

// call throttles and instruments one operation. Idempotent operations are
// retried on transient errors.
func (c *RPCController) call(ctx context.Context, op string, idempotent bool, fn func() error) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveChainCall(op, start, err) }()

	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn()
	}
	if idempotent {
		err = retry(ctx, c.retry, attempt)
	} else {
		err = attempt()
	}
	return Wrap(op, err)
}

func (c *RPCController) ExecuteTrade(ctx context.Context, spec model.TradeSpec) (model.TradeReceipt, error) {
	var receipt model.TradeReceipt
	err := c.call(ctx, "execute_trade", false, func() (err error) {
		receipt, err = c.binding.ExecuteTrade(ctx, spec)
		return err
	})
	return receipt, err
}

func (c *RPCController) ReadPoolState(ctx context.Context) (model.PoolState, error) {
	var s model.PoolState
	err := c.call(ctx, "read_pool_state", true, func() (err error) {
		s, err = c.binding.ReadPoolState(ctx)
		return err
	})
	return s, err
}

func (c *RPCController) LatestCheckpoint(ctx context.Context) (model.Checkpoint, error) {
	s, err := c.ReadPoolState(ctx)
	if err != nil {
		return model.Checkpoint{}, err
	}
	return c.ReadCheckpoint(ctx, s.Config.CheckpointID(s.BlockTime))
}

func (c *RPCController) ReadCheckpoint(ctx context.Context, id int64) (model.Checkpoint, error) {
	var cp model.Checkpoint
	err := c.call(ctx, "read_checkpoint", true, func() (err error) {
		cp, err = c.binding.ReadCheckpoint(ctx, id)
		return err
	})
	return cp, err
}

func (c *RPCController) Checkpoint(ctx context.Context, id int64) (model.Checkpoint, error) {
	var cp model.Checkpoint
	err := c.call(ctx, "checkpoint", false, func() (err error) {
		cp, err = c.binding.CreateCheckpoint(ctx, id)
		return err
	})
	return cp, err
}

func (c *RPCController) TraderBase(ctx context.Context) (fixedpoint.FixedPoint, error) {
	var v fixedpoint.FixedPoint
	err := c.call(ctx, "trader_base", true, func() (err error) {
		v, err = c.binding.TraderBase(ctx)
		return err
	})
	return v, err
}

func (c *RPCController) SetVariableRate(ctx context.Context, r fixedpoint.FixedPoint) error {
	return c.call(ctx, "set_variable_rate", false, func() error {
		return c.binding.SetVariableRate(ctx, r)
	})
}

func (c *RPCController) SaveSnapshot(ctx context.Context) (SnapshotID, error) {
	var nodeID string
	err := c.call(ctx, "save_snapshot", true, func() error {
		return c.client.CallContext(ctx, &nodeID, "evm_snapshot")
	})
	if err != nil {
		return "", err
	}
	c.nextID++
	id := SnapshotID(fmt.Sprintf("snap-%d", c.nextID))
	c.snapshots[id] = nodeID
	return id, nil
}

func (c *RPCController) LoadSnapshot(ctx context.Context, id SnapshotID) error {
	nodeID, ok := c.snapshots[id]
	if !ok {
		return Wrap("load_snapshot", fmt.Errorf("%w: %s", ErrUnknownSnapshot, id))
	}
	var reverted bool
	err := c.call(ctx, "load_snapshot", false, func() error {
		return c.client.CallContext(ctx, &reverted, "evm_revert", nodeID)
	})
	if err != nil {
		return err
	}
	if !reverted {
		return Wrap("load_snapshot", fmt.Errorf("node rejected revert to %s", nodeID))
	}
	var fresh string
	err = c.call(ctx, "save_snapshot", true, func() error {
		return c.client.CallContext(ctx, &fresh, "evm_snapshot")
	})
	if err != nil {
		return err
	}
	c.snapshots[id] = fresh
	return nil
}

type blockHeader struct {
	Number    hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

func (c *RPCController) latestTimestamp(ctx context.Context) (int64, error) {
	var number uint64
	err := c.call(ctx, "block_number", true, func() (err error) {
		number, err = c.eth.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	var h blockHeader
	err = c.call(ctx, "get_block", true, func() error {
		return c.client.CallContext(ctx, &h, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
	})
	if err != nil {
		return 0, err
	}
	return int64(h.Timestamp), nil
}

func (c *RPCController) mine(ctx context.Context, delta int64) error {
	if delta <= 0 {
		return nil
	}
	ts, err := c.latestTimestamp(ctx)
	if err != nil {
		return err
	}
	return c.call(ctx, "mine", false, func() error {
		return c.client.CallContext(ctx, nil, "evm_mine", ts+delta)
	})
}

// AdvanceTime mines a block delta seconds ahead. With checkpoints it steps
// one checkpoint duration at a time and checkpoints after each step.
func (c *RPCController) AdvanceTime(ctx context.Context, seconds int64, createCheckpoints bool) ([]model.Checkpoint, error) {
	if seconds < 0 {
		return nil, Wrap("advance_time", fmt.Errorf("negative duration %d", seconds))
	}
	if !createCheckpoints {
		return nil, c.mine(ctx, seconds)
	}
	s, err := c.ReadPoolState(ctx)
	if err != nil {
		return nil, err
	}
	step := s.Config.CheckpointDuration
	if step <= 0 {
		return nil, c.mine(ctx, seconds)
	}

	var created []model.Checkpoint
	checkpointNow := func() error {
		ts, err := c.latestTimestamp(ctx)
		if err != nil {
			return err
		}
		cp, err := c.Checkpoint(ctx, s.Config.CheckpointID(ts))
		if err != nil {
			return err
		}
		created = append(created, cp)
		return nil
	}

	if err := checkpointNow(); err != nil {
		return created, err
	}
	for i := int64(0); i < seconds/step; i++ {
		if err := c.mine(ctx, step); err != nil {
			return created, err
		}
		if err := checkpointNow(); err != nil {
			return created, err
		}
	}
	return created, c.mine(ctx, seconds%step)
}

// DumpState writes anvil's state dump under the dump directory and returns
// its path. The file name carries the dump's hash.
func (c *RPCController) DumpState(ctx context.Context) (StateDumpRef, error) {
	var dump hexutil.Bytes
	err := c.call(ctx, "dump_state", true, func() error {
		return c.client.CallContext(ctx, &dump, "anvil_dumpState")
	})
	if err != nil {
		return "", err
	}
	if len(dump) == 0 {
		return "", Wrap("dump_state", errors.New("empty state dump"))
	}
	if err := os.MkdirAll(c.dumpDir, 0o755); err != nil {
		return "", Wrap("dump_state", err)
	}
	hash := crypto.Keccak256Hash(dump)
	path := filepath.Join(c.dumpDir, fmt.Sprintf("anvil_state_%s.dump", hash.Hex()[2:14]))
	if err := os.WriteFile(path, []byte(hexutil.Encode(dump)), 0o644); err != nil {
		return "", Wrap("dump_state", err)
	}
	c.logger.Info("chain state dumped", "path", path, "bytes", len(dump))
	return StateDumpRef(path), nil
}

func (c *RPCController) Cleanup(context.Context) error {
	c.client.Close()
	c.snapshots = nil
	return nil
}
