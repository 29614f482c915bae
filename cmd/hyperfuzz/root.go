package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/hyperfuzz/internal/config"
	"github.com/atmx/hyperfuzz/internal/crash"
	"github.com/atmx/hyperfuzz/internal/harness"
	"github.com/atmx/hyperfuzz/internal/simchain"
	"github.com/atmx/hyperfuzz/internal/store"
	"github.com/atmx/hyperfuzz/internal/tracing"
)

// app holds what every command shares: the loaded configuration, the
// logger, and resources to release on exit.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	cleanup    []func()
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:           "hyperfuzz",
		Short:         "Fuzz Hyperdrive pool invariants",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		newRunCmd(a),
		newAllCmd(a),
		newPredictCmd(a),
		newServeCmd(a),
	)
	return root, a
}

func (a *app) init() error {
	cfg, err := config.LoadAndValidate(a.configPath)
	if err != nil {
		return err
	}
	logger, closeLog, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a.cfg = cfg
	a.logger = logger
	a.cleanup = append(a.cleanup, func() { closeLog() })
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// openStore connects to PostgreSQL, with an optional Redis read-through
// cache, or falls back to memory. The cached store is returned separately
// when Redis is configured so callers can subscribe to crash alerts.
func (a *app) openStore(ctx context.Context) (store.Store, *store.CachedStore, error) {
	sc := a.cfg.Store
	if sc.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set, using in-memory store (reports will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	pool, err := pgxpool.New(ctx, sc.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	a.cleanup = append(a.cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	if sc.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	a.logger.Info("connected to PostgreSQL")

	if sc.RedisURL == "" {
		return pg, nil, nil
	}
	opt, err := redis.ParseURL(sc.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	a.cleanup = append(a.cleanup, func() { rdb.Close() })
	cached := store.NewCachedStore(pg, rdb, sc.CacheTTL)
	a.logger.Info("Redis cache enabled", "ttl", sc.CacheTTL)
	return cached, cached, nil
}

// newRunner wires the harness to a simulated pool factory, the store, the
// crash sinks and tracing.
func (a *app) newRunner(ctx context.Context, st store.Store, obs harness.Observer) (*harness.Runner, error) {
	shutdown, err := tracing.Init(ctx, a.cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.cleanup = append(a.cleanup, func() {
		if err := shutdown(context.Background()); err != nil {
			a.logger.Warn("tracing shutdown failed", "err", err)
		}
	})

	sinks := []crash.Sink{crash.NewStoreSink(st)}
	if a.cfg.Crash.Files {
		fs, err := crash.NewFileSink(a.cfg.Crash.Sink)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { fs.Close() })
		sinks = append(sinks, fs)
	}
	reporter := crash.NewReporter(
		crash.WithSinks(sinks...),
		crash.WithFetchTimeout(a.cfg.Crash.FetchTimeout),
		crash.WithLogger(a.logger),
	)

	opts := []harness.Option{
		harness.WithReporter(reporter),
		harness.WithReportSaver(st),
		harness.WithLogger(a.logger),
	}
	if obs != nil {
		opts = append(opts, harness.WithObserver(obs))
	}
	factory := simchain.NewFactory(a.cfg.Pool.Simulation(), a.logger)
	return harness.New(factory, a.cfg.Harness, opts...), nil
}
