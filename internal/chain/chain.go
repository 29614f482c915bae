// Package chain defines the boundary between the fuzz harness and the chain
// it drives: executing trades, reading pool state, snapshotting and
// restoring, and advancing time.
//
// Every failure crossing this boundary is an *InteractionError naming the
// operation that failed, so callers can tell a reverted trade from a broken
// transport with errors.Is(err, ErrChainInteraction).
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/model"
)

// ErrChainInteraction matches every *InteractionError.
var ErrChainInteraction = errors.New("chain: interaction failed")

// ErrUnknownSnapshot is returned by LoadSnapshot for an id the controller
// never issued.
var ErrUnknownSnapshot = errors.New("chain: unknown snapshot")

// ErrCheckpointNotFound is returned by ReadCheckpoint for a checkpoint that
// was never created.
var ErrCheckpointNotFound = errors.New("chain: checkpoint not found")

// ErrMinimumTransaction is returned for a trade below the pool's minimum
// transaction amount.
var ErrMinimumTransaction = errors.New("chain: amount below minimum transaction amount")

// ErrInsufficientLiquidity is returned when a trade would leave the pool
// unable to cover its obligations.
var ErrInsufficientLiquidity = errors.New("chain: insufficient liquidity")

// SnapshotID identifies a saved chain state.
type SnapshotID string

// StateDumpRef locates a full chain state dump, usually a file path.
type StateDumpRef string

// Controller drives a single Hyperdrive pool. Calls are blocking and a
// controller is not safe for concurrent use; concurrent runs use separate
// controllers.
type Controller interface {
	ExecuteTrade(ctx context.Context, spec model.TradeSpec) (model.TradeReceipt, error)
	ReadPoolState(ctx context.Context) (model.PoolState, error)
	LatestCheckpoint(ctx context.Context) (model.Checkpoint, error)
	ReadCheckpoint(ctx context.Context, id int64) (model.Checkpoint, error)
	// Checkpoint creates the checkpoint with the given id if it does not
	// exist yet and returns it.
	Checkpoint(ctx context.Context, id int64) (model.Checkpoint, error)
	TraderBase(ctx context.Context) (fixedpoint.FixedPoint, error)
	SetVariableRate(ctx context.Context, rate fixedpoint.FixedPoint) error

	SaveSnapshot(ctx context.Context) (SnapshotID, error)
	// LoadSnapshot restores a saved state. The snapshot stays valid and can
	// be loaded again.
	LoadSnapshot(ctx context.Context, id SnapshotID) error
	// AdvanceTime moves the chain clock forward. With createCheckpoints set,
	// every checkpoint boundary crossed is checkpointed on the way.
	AdvanceTime(ctx context.Context, seconds int64, createCheckpoints bool) ([]model.Checkpoint, error)
	DumpState(ctx context.Context) (StateDumpRef, error)

	Cleanup(ctx context.Context) error
}

// CurveOracle evaluates the pool's bonding curve at a given state without
// executing anything.
type CurveOracle interface {
	SpotPrice(ctx context.Context, s model.PoolState) (fixedpoint.FixedPoint, error)
	CalcOpenLong(ctx context.Context, s model.PoolState, base fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
	SharesInGivenBondsOut(ctx context.Context, s model.PoolState, bonds fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
	SharesOutGivenBondsIn(ctx context.Context, s model.PoolState, bonds fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
	BondsOutGivenSharesIn(ctx context.Context, s model.PoolState, shares fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
	BondsInGivenSharesOut(ctx context.Context, s model.PoolState, shares fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
	MaxLong(ctx context.Context, s model.PoolState, budget fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
	MaxShort(ctx context.Context, s model.PoolState, budget fixedpoint.FixedPoint) (fixedpoint.FixedPoint, error)
}

// Pool is a controller paired with the oracle that prices its curve.
type Pool interface {
	Controller
	CurveOracle
}

type boundPool struct {
	Controller
	CurveOracle
}

// Bind pairs a controller with an oracle.
func Bind(c Controller, o CurveOracle) Pool {
	return boundPool{Controller: c, CurveOracle: o}
}

// Deployment overrides pool parameters for one run. Nil fields keep the
// factory's defaults.
type Deployment struct {
	Fees         *model.Fees
	VariableRate *fixedpoint.FixedPoint
}

// Factory deploys a fresh pool per run. Each call returns an independent
// controller.
type Factory interface {
	Deploy(ctx context.Context, d Deployment) (Pool, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, d Deployment) (Pool, error)

func (f FactoryFunc) Deploy(ctx context.Context, d Deployment) (Pool, error) { return f(ctx, d) }

// InteractionError records which controller operation failed.
type InteractionError struct {
	Op  string
	Err error
}

func (e *InteractionError) Error() string {
	return fmt.Sprintf("chain: %s: %v", e.Op, e.Err)
}

func (e *InteractionError) Unwrap() error { return e.Err }

// Is reports ErrChainInteraction as a match.
func (e *InteractionError) Is(target error) bool {
	return target == ErrChainInteraction
}

// Wrap returns err as an *InteractionError for op. A nil err stays nil and
// an error that already is one is returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *InteractionError
	if errors.As(err, &ie) {
		return err
	}
	return &InteractionError{Op: op, Err: err}
}

// Op returns the failing operation of an interaction error, or "".
func Op(err error) string {
	var ie *InteractionError
	if errors.As(err, &ie) {
		return ie.Op
	}
	return ""
}
