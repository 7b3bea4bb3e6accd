// Package main starts the session stream service and handles termination.
//
// The process hosts the HTTP surface over one journal; replication consumers
// read progress from it or subscribe to commit notifications.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	sessionstreamcmd "github.com/louisbranch/sessionstream/internal/cmd/sessionstream"
	"github.com/louisbranch/sessionstream/internal/platform/config"
)

func main() {
	cfg, err := sessionstreamcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sessionstreamcmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
