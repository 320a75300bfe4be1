// Package main provides maintenance utilities.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	entrypoint "github.com/louisbranch/gradebook/internal/platform/cmd"
	"github.com/louisbranch/gradebook/internal/platform/config"
	"github.com/louisbranch/gradebook/internal/tools/maintenance"
)

func main() {
	root, err := maintenance.NewRootCommand(os.Stdout, os.Stderr)
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMaintenance, root.ExecuteContext); err != nil {
		config.Exitf("Error: %v", err)
	}
}
