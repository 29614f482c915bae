package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/atmx/hyperfuzz/internal/fixedpoint"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid")

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if c.Harness.Trades < 1 {
		return invalid("harness.trades must be >= 1, got %d", c.Harness.Trades)
	}
	if c.Harness.Paths < 2 {
		return invalid("harness.paths must be >= 2, got %d", c.Harness.Paths)
	}
	if c.Harness.DriftBound.IsNegative() {
		return invalid("harness.drift_bound must not be negative")
	}
	if c.Harness.Budget.Sign() <= 0 {
		return invalid("harness.budget must be positive")
	}

	if err := c.Pool.validate(); err != nil {
		return err
	}

	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port < 1 || port > 65535 {
		return invalid("server.port must be between 1 and 65535, got %q", c.Server.Port)
	}

	if c.Store.RedisURL != "" && c.Store.DatabaseURL == "" {
		return invalid("store.redis_url requires store.database_url")
	}

	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		return invalid("tracing.sample_ratio must be within [0, 1], got %g", r)
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level: %v", err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return invalid("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

func (p *PoolConfig) validate() error {
	if p.PositionDuration < 0 || p.CheckpointDuration < 0 {
		return invalid("pool durations must not be negative")
	}
	sim := p.Simulation()
	pos, cp := sim.Pool.PositionDuration, sim.Pool.CheckpointDuration
	if cp == 0 || pos%cp != 0 {
		return invalid("pool.position_duration (%d) must be a multiple of pool.checkpoint_duration (%d)", pos, cp)
	}
	if f := p.Fees; f != nil {
		for name, v := range map[string]fixedpoint.FixedPoint{
			"curve":         f.Curve,
			"flat":          f.Flat,
			"governance_lp": f.GovernanceLP,
		} {
			if v.IsNegative() || v.Gt(fixedpoint.One) {
				return invalid("pool.fees.%s must be within [0, 1], got %s", name, v)
			}
		}
	}
	if p.VariableRate != nil && p.VariableRate.IsNegative() {
		return invalid("pool.variable_rate must not be negative")
	}
	if p.InitialLiquidity.IsNegative() || p.InitialFixedRate.IsNegative() || p.TraderBudget.IsNegative() {
		return invalid("pool amounts must not be negative")
	}
	return nil
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
