// Package main provides the modsync CLI: on-demand fetches, cache status,
// background queue management and bulk runs against a relationship service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/unkn0wn-root/modsync/internal/config"

	modsynccmd "github.com/unkn0wn-root/modsync/internal/cmd/modsync"
)

func main() {
	cfg, err := modsynccmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := modsynccmd.Run(ctx, cfg, os.Stdout, os.Stderr); err != nil {
		config.Exitf("Error: %v", err)
	}
}
