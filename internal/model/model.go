// Package model defines the domain types shared across the harness: pool
// configuration and state snapshots, trade specifications and receipts,
// predicted deltas, invariant results and run reports.
// All financial quantities use fixedpoint.FixedPoint, never float64.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
)

// SecondsPerYear is the year length used to annualize rates.
const SecondsPerYear = 31_536_000

// Fees is the pool's three-way fee configuration, each a fraction of one.
type Fees struct {
	Curve        fixedpoint.FixedPoint `json:"curve" yaml:"curve"`
	Flat         fixedpoint.FixedPoint `json:"flat" yaml:"flat"`
	GovernanceLP fixedpoint.FixedPoint `json:"governance_lp" yaml:"governance_lp"`
}

// PoolConfig is fixed at pool deployment.
type PoolConfig struct {
	PositionDuration         int64                 `json:"position_duration"`          // seconds
	CheckpointDuration       int64                 `json:"checkpoint_duration"`        // seconds
	Fees                     Fees                  `json:"fees"`
	MinimumShareReserves     fixedpoint.FixedPoint `json:"minimum_share_reserves"`
	MinimumTransactionAmount fixedpoint.FixedPoint `json:"minimum_transaction_amount"`
	InitialVaultSharePrice   fixedpoint.FixedPoint `json:"initial_vault_share_price"`
	TimeStretch              fixedpoint.FixedPoint `json:"time_stretch"`
}

// CheckpointID returns the start of the checkpoint containing timestamp.
func (c PoolConfig) CheckpointID(timestamp int64) int64 {
	if c.CheckpointDuration <= 0 {
		return timestamp
	}
	return timestamp - timestamp%c.CheckpointDuration
}

// AnnualizedTime returns the position duration as a fraction of a year.
func (c PoolConfig) AnnualizedTime() fixedpoint.FixedPoint {
	return fixedpoint.New(c.PositionDuration).DivDown(fixedpoint.New(SecondsPerYear))
}

// PoolState is a snapshot of the pool taken at one block. It is a value:
// every reader gets its own copy.
type PoolState struct {
	Config PoolConfig `json:"config"`

	BlockNumber  uint64 `json:"block_number"`
	BlockTime    int64  `json:"block_time"`
	CheckpointID int64  `json:"checkpoint_id"`

	ShareReserves   fixedpoint.FixedPoint `json:"share_reserves"`
	ShareAdjustment fixedpoint.FixedPoint `json:"share_adjustment"`
	BondReserves    fixedpoint.FixedPoint `json:"bond_reserves"`
	VaultSharePrice fixedpoint.FixedPoint `json:"vault_share_price"`
	LPSharePrice    fixedpoint.FixedPoint `json:"lp_share_price"`
	SpotPrice       fixedpoint.FixedPoint `json:"spot_price"`
	VariableRate    fixedpoint.FixedPoint `json:"variable_rate"`

	LongsOutstanding         fixedpoint.FixedPoint `json:"longs_outstanding"`
	ShortsOutstanding        fixedpoint.FixedPoint `json:"shorts_outstanding"`
	LongExposure             fixedpoint.FixedPoint `json:"long_exposure"`
	LPTotalSupply            fixedpoint.FixedPoint `json:"lp_total_supply"`
	WithdrawalSharesProceeds fixedpoint.FixedPoint `json:"withdrawal_shares_proceeds"`
	VaultShares              fixedpoint.FixedPoint `json:"vault_shares"`
	GovFeesAccrued           fixedpoint.FixedPoint `json:"gov_fees_accrued"`
	PresentValue             fixedpoint.FixedPoint `json:"present_value"`
	IdleShares               fixedpoint.FixedPoint `json:"idle_shares"`
}

// EffectiveShareReserves returns share reserves net of the share adjustment,
// the reserves the bonding curve actually prices against.
func (s PoolState) EffectiveShareReserves() fixedpoint.FixedPoint {
	return s.ShareReserves.Sub(s.ShareAdjustment)
}

// FixedRate returns the annualized fixed rate implied by the spot price:
// (1 - p) / (p * t).
func (s PoolState) FixedRate() fixedpoint.FixedPoint {
	if s.SpotPrice.IsZero() {
		return fixedpoint.Zero
	}
	return fixedpoint.One.Sub(s.SpotPrice).DivDown(s.SpotPrice.MulDown(s.Config.AnnualizedTime()))
}

// Checkpoint is the share price recorded at the start of a checkpoint window.
type Checkpoint struct {
	ID              int64                 `json:"id"`
	VaultSharePrice fixedpoint.FixedPoint `json:"vault_share_price"`
	BlockNumber     uint64                `json:"block_number"`
}

// TradeKind enumerates the pool actions the harness drives.
type TradeKind string

const (
	OpenLong        TradeKind = "open_long"
	OpenShort       TradeKind = "open_short"
	CloseLong       TradeKind = "close_long"
	CloseShort      TradeKind = "close_short"
	AddLiquidity    TradeKind = "add_liquidity"
	RemoveLiquidity TradeKind = "remove_liquidity"
)

// Valid reports whether k is a known kind.
func (k TradeKind) Valid() bool {
	switch k {
	case OpenLong, OpenShort, CloseLong, CloseShort, AddLiquidity, RemoveLiquidity:
		return true
	}
	return false
}

// Closing returns the close kind matching an open kind.
func (k TradeKind) Closing() (TradeKind, bool) {
	switch k {
	case OpenLong:
		return CloseLong, true
	case OpenShort:
		return CloseShort, true
	}
	return "", false
}

// TradeSpec describes one trade to execute. Amount is denominated in base
// for OpenLong and AddLiquidity, in bonds for OpenShort, CloseLong and
// CloseShort, and in LP shares for RemoveLiquidity.
type TradeSpec struct {
	Kind         TradeKind             `json:"kind"`
	Amount       fixedpoint.FixedPoint `json:"amount"`
	MaturityTime int64                 `json:"maturity_time,omitempty"`
}

func (s TradeSpec) String() string {
	if s.MaturityTime != 0 {
		return fmt.Sprintf("%s(%s @%d)", s.Kind, s.Amount, s.MaturityTime)
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.Amount)
}

// TradeReceipt is what the chain reports after executing a TradeSpec.
type TradeReceipt struct {
	Kind            TradeKind             `json:"kind"`
	MaturityTime    int64                 `json:"maturity_time"`
	BaseAmount      fixedpoint.FixedPoint `json:"base_amount"`
	BondAmount      fixedpoint.FixedPoint `json:"bond_amount"`
	ShareAmount     fixedpoint.FixedPoint `json:"share_amount"`
	LPAmount        fixedpoint.FixedPoint `json:"lp_amount"`
	BlockNumber     uint64                `json:"block_number"`
	CheckpointID    int64                 `json:"checkpoint_id"`
	TraderBaseAfter fixedpoint.FixedPoint `json:"trader_base_after"`
}

// ErrInvalidAmountSpec is returned for a zero-valued or non-positive AmountSpec.
var ErrInvalidAmountSpec = errors.New("model: amount must be exactly one positive base or bond amount")

type amountUnit uint8

const (
	unitNone amountUnit = iota
	unitBase
	unitBonds
)

// AmountSpec is a trade size in exactly one unit: base or bonds. Construct
// with Base or Bonds; the zero value is invalid.
type AmountSpec struct {
	unit   amountUnit
	amount fixedpoint.FixedPoint
}

// Base returns an AmountSpec denominated in base.
func Base(v fixedpoint.FixedPoint) AmountSpec { return AmountSpec{unit: unitBase, amount: v} }

// Bonds returns an AmountSpec denominated in bonds.
func Bonds(v fixedpoint.FixedPoint) AmountSpec { return AmountSpec{unit: unitBonds, amount: v} }

// Base returns the base amount and whether the amount is given in base.
func (a AmountSpec) Base() (fixedpoint.FixedPoint, bool) {
	return a.amount, a.unit == unitBase
}

// Bonds returns the bond amount and whether the amount is given in bonds.
func (a AmountSpec) Bonds() (fixedpoint.FixedPoint, bool) {
	return a.amount, a.unit == unitBonds
}

// Validate rejects the zero value and non-positive amounts.
func (a AmountSpec) Validate() error {
	if a.unit == unitNone {
		return fmt.Errorf("%w: no unit given", ErrInvalidAmountSpec)
	}
	if !a.amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmountSpec, a.amount)
	}
	return nil
}

func (a AmountSpec) String() string {
	switch a.unit {
	case unitBase:
		return a.amount.String() + " base"
	case unitBonds:
		return a.amount.String() + " bonds"
	}
	return "<unset>"
}

// Deltas is the change to one account in each unit.
type Deltas struct {
	Base   fixedpoint.FixedPoint `json:"base"`
	Bonds  fixedpoint.FixedPoint `json:"bonds"`
	Shares fixedpoint.FixedPoint `json:"shares"`
}

// TradeDeltas is the coupled effect of one trade on the four accounts.
// Pool deltas are signed reserve changes; the others are magnitudes.
type TradeDeltas struct {
	User       Deltas `json:"user"`
	Pool       Deltas `json:"pool"`
	Fee        Deltas `json:"fee"`
	Governance Deltas `json:"governance"`
}

// DeltasBetween returns the pool reserve change from before to after.
func DeltasBetween(before, after PoolState) Deltas {
	return Deltas{
		Base:   after.ShareReserves.MulDown(after.VaultSharePrice).Sub(before.ShareReserves.MulDown(before.VaultSharePrice)),
		Bonds:  after.BondReserves.Sub(before.BondReserves),
		Shares: after.ShareReserves.Sub(before.ShareReserves),
	}
}

// --- Wallet ---

// PositionKind is the side of an open position.
type PositionKind string

const (
	Long  PositionKind = "long"
	Short PositionKind = "short"
)

// TradePosition is a bond position held until its matching close settles.
type TradePosition struct {
	Kind         PositionKind          `json:"kind"`
	MaturityTime int64                 `json:"maturity_time"`
	BondAmount   fixedpoint.FixedPoint `json:"bond_amount"`
}

// --- Invariant results and reports ---

// LogLevel mirrors the slog levels used when reporting a check.
type LogLevel string

const (
	LevelInfo     LogLevel = "info"
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// InvariantCheckResult is produced once per invariant per check point.
type InvariantCheckResult struct {
	Name               string                `json:"name"`
	Passed             bool                  `json:"passed"`
	Expected           fixedpoint.FixedPoint `json:"expected"`
	Actual             fixedpoint.FixedPoint `json:"actual"`
	AbsoluteDifference fixedpoint.FixedPoint `json:"absolute_difference"`
	Context            string                `json:"context,omitempty"`
	Fatal              bool                  `json:"fatal"`
	LogLevel           LogLevel              `json:"log_level"`
	CheckedAt          time.Time             `json:"checked_at"`
}

// CrashBundle is the forensic record assembled on a fatal failure. Every
// diagnostic field is best-effort; PartialFailures lists what could not be
// fetched.
type CrashBundle struct {
	ID                      string                `json:"id"`
	RunID                   string                `json:"run_id"`
	RandomSeed              int64                 `json:"random_seed"`
	FailingInvariantName    string                `json:"failing_invariant_name"`
	Expected                fixedpoint.FixedPoint `json:"expected"`
	Actual                  fixedpoint.FixedPoint `json:"actual"`
	AbsoluteDifference      fixedpoint.FixedPoint `json:"absolute_difference"`
	Error                   string                `json:"error"`
	KnownError              string                `json:"known_error,omitempty"`
	PoolConfig              *PoolConfig           `json:"pool_config,omitempty"`
	PoolInfo                *PoolState            `json:"pool_info,omitempty"`
	LatestCheckpoint        *Checkpoint           `json:"latest_checkpoint,omitempty"`
	ChainStateDumpReference string                `json:"chain_state_dump_reference,omitempty"`
	AdditionalInfo          map[string]string     `json:"additional_info,omitempty"`
	PartialFailures         []string              `json:"partial_failures,omitempty"`
	Timestamp               time.Time             `json:"timestamp"`
}

// RunStatus is the outcome of a fuzz run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	RunErrored RunStatus = "errored"
)

// FuzzRunReport is the structured result of one fuzz run.
type FuzzRunReport struct {
	RunID         string                 `json:"run_id"`
	Scenario      string                 `json:"scenario"`
	RandomSeed    int64                  `json:"random_seed"`
	TradeSequence []TradeSpec            `json:"trade_sequence"`
	CheckResults  []InvariantCheckResult `json:"check_results"`
	CrashDump     *CrashBundle           `json:"crash_dump,omitempty"`
	Status        RunStatus              `json:"status"`
	Error         string                 `json:"error,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    time.Time              `json:"finished_at,omitempty"`
	Frozen        bool                   `json:"frozen"`
}

// Failures returns the failed check results.
func (r *FuzzRunReport) Failures() []InvariantCheckResult {
	var out []InvariantCheckResult
	for _, c := range r.CheckResults {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// RunSummary is the listing view of a report.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Scenario   string    `json:"scenario"`
	RandomSeed int64     `json:"random_seed"`
	Status     RunStatus `json:"status"`
	Checks     int       `json:"checks"`
	Failures   int       `json:"failures"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Summary builds the listing view.
func (r *FuzzRunReport) Summary() RunSummary {
	return RunSummary{
		RunID:      r.RunID,
		Scenario:   r.Scenario,
		RandomSeed: r.RandomSeed,
		Status:     r.Status,
		Checks:     len(r.CheckResults),
		Failures:   len(r.Failures()),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}
