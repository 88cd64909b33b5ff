package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jobpilot-dev/jobpilot/cmd"
	"github.com/jobpilot-dev/jobpilot/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		os.Exit(1)
	}
}
