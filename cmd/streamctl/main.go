// Package main runs the streamctl operator CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	streamctlcmd "github.com/louisbranch/sessionstream/internal/cmd/streamctl"
	"github.com/louisbranch/sessionstream/internal/platform/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := streamctlcmd.Execute(ctx, os.Args[1:], streamctlcmd.Options{}); err != nil {
		config.Exitf("streamctl: %v", err)
	}
}
