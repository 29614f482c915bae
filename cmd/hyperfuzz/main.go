// Command hyperfuzz runs invariant fuzz scenarios against a Hyperdrive pool
// and serves the resulting reports.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, a := newRootCmd()
	defer a.close()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "hyperfuzz:", err)
		return 1
	}
	return 0
}
