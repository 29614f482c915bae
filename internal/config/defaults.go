package config

import (
	"time"

	"github.com/atmx/hyperfuzz/internal/harness"
	"github.com/atmx/hyperfuzz/internal/invariant"
)

// Default values for optional configuration fields.
const (
	DefaultPort            = "8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultCacheTTL        = 30 * time.Second
	DefaultFetchTimeout    = 10 * time.Second
	DefaultCrashDir        = "crash_reports"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultLogMaxSizeMB    = 100
	DefaultServiceName     = "hyperfuzz"
	DefaultSampleRatio     = 1.0
)

func (c *Config) applyDefaults() {
	// Harness defaults
	h := harness.DefaultConfig()
	if c.Harness.Trades == 0 {
		c.Harness.Trades = h.Trades
	}
	if c.Harness.Paths == 0 {
		c.Harness.Paths = h.Paths
	}
	if c.Harness.DriftBound.IsZero() {
		c.Harness.DriftBound = h.DriftBound
	}
	if c.Harness.Budget.IsZero() {
		c.Harness.Budget = h.Budget
	}
	applyToleranceDefaults(&c.Harness.Tolerances)

	// Store defaults
	if c.Store.CacheTTL == 0 {
		c.Store.CacheTTL = DefaultCacheTTL
	}

	// Server defaults
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Crash defaults
	if c.Crash.Sink.Dir == "" {
		c.Crash.Sink.Dir = DefaultCrashDir
	}
	if c.Crash.FetchTimeout == 0 {
		c.Crash.FetchTimeout = DefaultFetchTimeout
	}

	// Tracing defaults
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = DefaultServiceName
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = DefaultSampleRatio
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
}

func applyToleranceDefaults(t *invariant.Tolerances) {
	d := invariant.DefaultTolerances()
	if t.LPSharePrice.IsZero() {
		t.LPSharePrice = d.LPSharePrice
	}
	if t.PresentValue.IsZero() {
		t.PresentValue = d.PresentValue
	}
	if t.EffectiveShareReserves.IsZero() {
		t.EffectiveShareReserves = d.EffectiveShareReserves
	}
	if t.TestEpsilon.IsZero() {
		t.TestEpsilon = d.TestEpsilon
	}
	if t.LPSharePriceBound.IsZero() {
		t.LPSharePriceBound = d.LPSharePriceBound
	}
	if t.LongMaturity.IsZero() {
		t.LongMaturity = d.LongMaturity
	}
	if t.ShortMaturity.IsZero() {
		t.ShortMaturity = d.ShortMaturity
	}
	if t.TotalShares.IsZero() {
		t.TotalShares = d.TotalShares
	}
}
