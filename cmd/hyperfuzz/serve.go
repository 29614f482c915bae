package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/atmx/hyperfuzz/internal/harness"
	"github.com/atmx/hyperfuzz/internal/reportapi"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		f    runFlags
		fuzz bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored reports and stream live results",
		Long: `Serve the report API: run reports, crash bundles, Prometheus metrics
and a WebSocket stream of check results and crash alerts.

With --fuzz the server also runs every scenario in a loop and streams
its results as they happen.

Example:
  $ DATABASE_URL=postgres://... hyperfuzz serve --fuzz --fail-fast=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := f.apply(cmd, a); err != nil {
				return err
			}
			return a.serve(cmd.Context(), fuzz)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&fuzz, "fuzz", false, "run scenarios continuously while serving")
	return cmd
}

func (a *app) serve(ctx context.Context, fuzz bool) error {
	logger := a.logger
	st, cached, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	// --- WebSocket hub ---
	hub := reportapi.NewWSHub(logger)
	hub.FailuresOnly = a.cfg.Server.FailuresOnly
	go hub.Run(ctx)
	if cached != nil {
		go hub.ForwardCrashes(ctx, cached.SubscribeCrashes(ctx))
	}

	// --- Background fuzzing ---
	if fuzz {
		runner, err := a.newRunner(ctx, st, hub)
		if err != nil {
			return err
		}
		go fuzzLoop(ctx, a, runner)
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + a.cfg.Server.Port,
		Handler:      reportapi.NewRouter(reportapi.NewService(st, logger), hub),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("hyperfuzz listening", "port", a.cfg.Server.Port, "fuzz", fuzz)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			logger.Error("server error", "err", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down hyperfuzz...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
		return err
	}
	return nil
}

// fuzzLoop runs every scenario until ctx is done. Under FailFast the loop
// stops at the first failing run and the server keeps serving.
func fuzzLoop(ctx context.Context, a *app, runner *harness.Runner) {
	_, err := runner.RunAll(ctx, 0)
	switch {
	case ctx.Err() != nil:
	case err != nil:
		a.logger.Error("fuzzing stopped", "err", err)
	}
}
