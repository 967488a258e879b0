package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"artifactledger/internal/cli"
)

// main translates signals into context cancellation; the daemon finishes
// the job in flight and returns.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	result, _ := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(result.ExitCode)
}
