// Package cmd holds the startup plumbing shared by sessionstream binaries.
package cmd

import (
	"context"
	"errors"
	"flag"
	"strings"
	"time"

	"github.com/louisbranch/sessionstream/internal/platform/config"
	"github.com/louisbranch/sessionstream/internal/platform/otel"
	"github.com/sirupsen/logrus"
)

const defaultTelemetryFlush = 5 * time.Second

// Binary names, also used as the telemetry service name.
const (
	ServiceSessionStream = "sessionstream"
	ServiceStreamCtl     = "streamctl"
)

// RunOptions tunes Run.
type RunOptions struct {
	Telemetry otel.Config
	// FlushTimeout bounds the final span flush.
	FlushTimeout time.Duration
	Logger       logrus.FieldLogger
}

// ParseConfig fills cfg from SESSIONSTREAM_ environment variables.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs applies command-line flags on top of env defaults.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag set is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// Run installs tracing for service, calls run, then flushes spans.
func Run(ctx context.Context, service string, opts RunOptions, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	switch {
	case ctx == nil:
		return errors.New("context is required")
	case service == "":
		return errors.New("service name is required")
	case run == nil:
		return errors.New("run function is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	shutdown, err := otel.Setup(ctx, service, opts.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flush := opts.FlushTimeout
		if flush <= 0 {
			flush = defaultTelemetryFlush
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), flush)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.WithError(err).Warn("flush telemetry")
		}
	}()
	return run(ctx)
}
