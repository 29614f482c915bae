package simchain

import (
	"context"
	"log/slog"

	"github.com/atmx/hyperfuzz/internal/chain"
)

// Factory deploys a fresh simulated pool for every run.
type Factory struct {
	base   Config
	logger *slog.Logger
}

var _ chain.Factory = (*Factory)(nil)

// NewFactory deploys pools from base.
func NewFactory(base Config, logger *slog.Logger) *Factory {
	return &Factory{base: base, logger: logger}
}

// Deploy applies the overrides in d to the base config.
func (f *Factory) Deploy(ctx context.Context, d chain.Deployment) (chain.Pool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := f.base
	if d.Fees != nil {
		cfg.Pool.Fees = *d.Fees
	}
	if d.VariableRate != nil {
		cfg.VariableRate = *d.VariableRate
	}
	c, err := New(cfg, f.logger)
	if err != nil {
		return nil, chain.Wrap("deploy", err)
	}
	return c, nil
}
