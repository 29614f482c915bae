// Package invariant implements the named checks the fuzz harness runs after
// every state-mutating step.
//
// A check is a plain struct holding exactly the values it compares. Its
// Results method is pure: it reads nothing but its fields and returns one
// model.InvariantCheckResult per predicate. Failed results become
// *ViolationError values; whether a violation aborts the run is decided by
// the harness, never here.
package invariant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/metrics"
	"github.com/atmx/hyperfuzz/internal/model"
)

// ErrInvariantViolation matches every *ViolationError under errors.Is.
var ErrInvariantViolation = errors.New("invariant: violation")

// Check families. Individual results are named "<family>.<predicate>".
const (
	PathIndependence     = "path_independence"
	PresentValue         = "present_value"
	LPSharePrice         = "lp_share_price"
	Profit               = "profit"
	Maturity             = "maturity"
	MinimumShareReserves = "minimum_share_reserves"
	Solvency             = "solvency"
	TotalShares          = "total_shares"
	PreviousCheckpoint   = "previous_checkpoint"
	Prediction           = "prediction"
)

// LevelCritical sits above slog.LevelError for checks that page.
const LevelCritical = slog.LevelError + 4

// ViolationError is a failed check carried as a value.
type ViolationError struct {
	Name       string
	Expected   fixedpoint.FixedPoint
	Actual     fixedpoint.FixedPoint
	Difference fixedpoint.FixedPoint
	Context    string
	Fatal      bool
	Level      model.LogLevel
}

func (e *ViolationError) Error() string {
	msg := fmt.Sprintf("invariant %s violated: expected %s, actual %s, difference %s",
		e.Name, e.Expected, e.Actual, e.Difference)
	if e.Context != "" {
		msg += " (" + e.Context + ")"
	}
	return msg
}

// Is reports ErrInvariantViolation as a match.
func (e *ViolationError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// Violation returns the violation for a failed result, or nil.
func Violation(r model.InvariantCheckResult) *ViolationError {
	if r.Passed {
		return nil
	}
	return &ViolationError{
		Name:       r.Name,
		Expected:   r.Expected,
		Actual:     r.Actual,
		Difference: r.AbsoluteDifference,
		Context:    r.Context,
		Fatal:      r.Fatal,
		Level:      r.LogLevel,
	}
}

// Check is one invariant over captured values.
type Check interface {
	Results() []model.InvariantCheckResult
}

// result builds a check result; the caller decides pass/fail.
func result(name string, passed bool, expected, actual fixedpoint.FixedPoint, fatal bool, failLevel model.LogLevel, context string) model.InvariantCheckResult {
	r := model.InvariantCheckResult{
		Name:               name,
		Passed:             passed,
		Expected:           expected,
		Actual:             actual,
		AbsoluteDifference: expected.AbsDiff(actual),
		Fatal:              fatal,
		LogLevel:           model.LevelInfo,
	}
	if !passed {
		r.LogLevel = failLevel
		r.Context = context
	}
	return r
}

// exact passes when expected and actual are identical to the wei.
func exact(name string, expected, actual fixedpoint.FixedPoint, fatal bool, failLevel model.LogLevel) model.InvariantCheckResult {
	return result(name, expected.Eq(actual), expected, actual, fatal, failLevel,
		fmt.Sprintf("%s changed by %s", name, expected.AbsDiff(actual)))
}

// within passes when |expected − actual| <= eps.
func within(name string, expected, actual, eps fixedpoint.FixedPoint, fatal bool, failLevel model.LogLevel) model.InvariantCheckResult {
	return result(name, expected.WithinEpsilon(actual, eps), expected, actual, fatal, failLevel,
		fmt.Sprintf("difference %s exceeds %s", expected.AbsDiff(actual), eps))
}

// Suite evaluates checks, stamps and logs each result, and records metrics.
type Suite struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewSuite creates a Suite logging through logger.
func NewSuite(logger *slog.Logger) *Suite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Suite{logger: logger, now: time.Now}
}

// Run evaluates every check in order and returns all results together with
// the violations among them.
func (s *Suite) Run(ctx context.Context, checks ...Check) ([]model.InvariantCheckResult, []*ViolationError) {
	var (
		results    []model.InvariantCheckResult
		violations []*ViolationError
	)
	for _, c := range checks {
		for _, r := range c.Results() {
			r.CheckedAt = s.now().UTC()
			metrics.ObserveCheck(r.Name, r.Passed, r.Fatal)
			if v := Violation(r); v != nil {
				violations = append(violations, v)
				s.logger.Log(ctx, slogLevel(r.LogLevel), "invariant violated",
					"invariant", r.Name,
					"expected", r.Expected.String(),
					"actual", r.Actual.String(),
					"difference", r.AbsoluteDifference.String(),
					"fatal", r.Fatal,
					"context", r.Context,
				)
			}
			results = append(results, r)
		}
	}
	return results, violations
}

// FirstFatal returns the first fatal violation, or nil.
func FirstFatal(vs []*ViolationError) *ViolationError {
	for _, v := range vs {
		if v.Fatal {
			return v
		}
	}
	return nil
}

func slogLevel(l model.LogLevel) slog.Level {
	switch l {
	case model.LevelWarn:
		return slog.LevelWarn
	case model.LevelError:
		return slog.LevelError
	case model.LevelCritical:
		return LevelCritical
	}
	return slog.LevelInfo
}
