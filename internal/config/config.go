// Package config loads the hyperfuzz YAML configuration.
//
// Values may reference environment variables as ${VAR}. Well-known
// variables (DATABASE_URL, REDIS_URL, PORT, OTEL_EXPORTER_OTLP_ENDPOINT)
// override the file, and command-line flags override both.
package config

import (
	"time"

	"github.com/atmx/hyperfuzz/internal/crash"
	"github.com/atmx/hyperfuzz/internal/fixedpoint"
	"github.com/atmx/hyperfuzz/internal/harness"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/simchain"
	"github.com/atmx/hyperfuzz/internal/tracing"
)

// Config is the top-level configuration.
type Config struct {
	Harness harness.Config `yaml:"harness"`
	Pool    PoolConfig     `yaml:"pool"`
	Store   StoreConfig    `yaml:"store"`
	Server  ServerConfig   `yaml:"server"`
	Crash   CrashConfig    `yaml:"crash"`
	Tracing tracing.Config `yaml:"tracing"`
	Logging LoggingConfig  `yaml:"logging"`
}

// PoolConfig overrides the simulated pool deployment. Zero values keep
// the simulator defaults.
type PoolConfig struct {
	PositionDuration   int64                  `yaml:"position_duration"`
	CheckpointDuration int64                  `yaml:"checkpoint_duration"`
	Fees               *model.Fees            `yaml:"fees"`
	InitialLiquidity   fixedpoint.FixedPoint  `yaml:"initial_liquidity"`
	InitialFixedRate   fixedpoint.FixedPoint  `yaml:"initial_fixed_rate"`
	VariableRate       *fixedpoint.FixedPoint `yaml:"variable_rate"`
	TraderBudget       fixedpoint.FixedPoint  `yaml:"trader_budget"`
	BlockInterval      int64                  `yaml:"block_interval"`
	DumpDir            string                 `yaml:"dump_dir"`
}

// Simulation applies the overrides to the simulator defaults.
func (p PoolConfig) Simulation() simchain.Config {
	c := simchain.DefaultConfig()
	if p.PositionDuration != 0 {
		c.Pool.PositionDuration = p.PositionDuration
	}
	if p.CheckpointDuration != 0 {
		c.Pool.CheckpointDuration = p.CheckpointDuration
	}
	if p.Fees != nil {
		c.Pool.Fees = *p.Fees
	}
	if !p.InitialLiquidity.IsZero() {
		c.InitialLiquidity = p.InitialLiquidity
	}
	if !p.InitialFixedRate.IsZero() {
		c.InitialFixedRate = p.InitialFixedRate
	}
	if p.VariableRate != nil {
		c.VariableRate = *p.VariableRate
	}
	if !p.TraderBudget.IsZero() {
		c.TraderBudget = p.TraderBudget
	}
	if p.BlockInterval != 0 {
		c.BlockInterval = p.BlockInterval
	}
	c.DumpDir = p.DumpDir
	return c
}

// StoreConfig selects where reports are persisted. Without a database URL
// reports are kept in memory.
type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Migrate     bool          `yaml:"migrate"`
}

// ServerConfig configures the report API.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// FailuresOnly streams only failed checks to WebSocket clients.
	FailuresOnly bool `yaml:"failures_only"`
}

// CrashConfig configures crash bundle output.
type CrashConfig struct {
	// Files writes bundles to disk in addition to the store.
	Files        bool                 `yaml:"files"`
	Sink         crash.FileSinkConfig `yaml:"sink"`
	FetchTimeout time.Duration        `yaml:"fetch_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text

	// File, when set, also writes logs to a rotated file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}
