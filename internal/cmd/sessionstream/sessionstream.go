// Package sessionstream parses sessionstream command flags and composes the
// HTTP surface over the configured journal.
package sessionstream

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/sessionstream/internal/platform/cmd"
	"github.com/louisbranch/sessionstream/internal/platform/logging"
	"github.com/louisbranch/sessionstream/internal/platform/otel"
	"github.com/louisbranch/sessionstream/internal/services/streams/app"
	"github.com/louisbranch/sessionstream/internal/services/streams/notify"
	"github.com/louisbranch/sessionstream/internal/services/streams/session"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/journal"
	"github.com/louisbranch/sessionstream/internal/services/streams/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config holds sessionstream command configuration.
type Config struct {
	HTTPAddr       string        `env:"HTTP_ADDR"        envDefault:":8090"`
	Store          string        `env:"STORE"            envDefault:"sqlite"`
	SQLitePath     string        `env:"SQLITE_PATH"      envDefault:"data/sessionstream.sqlite"`
	BoltPath       string        `env:"BBOLT_PATH"       envDefault:"data/sessionstream.bolt"`
	PostgresDSN    string        `env:"POSTGRES_DSN"`
	PostgresSchema string        `env:"POSTGRES_SCHEMA"`
	SessionIdleTTL time.Duration `env:"SESSION_IDLE_TTL" envDefault:"30m"`
	ApprovalTTL    time.Duration `env:"APPROVAL_TTL"     envDefault:"30m"`
	MaxChunkBytes  int           `env:"MAX_CHUNK_BYTES"  envDefault:"262144"`
	AMQPURL        string        `env:"AMQP_URL"`
	AMQPExchange   string        `env:"AMQP_EXCHANGE"    envDefault:"sessionstream.commits"`
	LogLevel       string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat      string        `env:"LOG_FORMAT"       envDefault:"text"`
	Telemetry      otel.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "journal backend: sqlite, bbolt, postgres or memory")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite journal path")
	fs.StringVar(&cfg.BoltPath, "bbolt-path", cfg.BoltPath, "BoltDB journal path")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL journal DSN")
	fs.StringVar(&cfg.PostgresSchema, "postgres-schema", cfg.PostgresSchema, "PostgreSQL journal schema")
	fs.DurationVar(&cfg.SessionIdleTTL, "session-idle-ttl", cfg.SessionIdleTTL, "evict sessions idle for this long")
	fs.DurationVar(&cfg.ApprovalTTL, "approval-ttl", cfg.ApprovalTTL, "how long a raised approval can be answered")
	fs.IntVar(&cfg.MaxChunkBytes, "max-chunk-bytes", cfg.MaxChunkBytes, "largest accepted chunk payload")
	fs.StringVar(&cfg.AMQPURL, "amqp-url", cfg.AMQPURL, "AMQP broker for commit notifications; empty disables")
	fs.StringVar(&cfg.AMQPExchange, "amqp-exchange", cfg.AMQPExchange, "AMQP exchange for commit notifications")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	fs.StringVar(&cfg.Telemetry.Endpoint, "otel-endpoint", cfg.Telemetry.Endpoint, "OTLP/HTTP trace endpoint; empty disables tracing")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens the journal, wires the stream core and serves HTTP until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: entrypoint.ServiceSessionStream,
	})
	if err != nil {
		return err
	}
	opts := entrypoint.RunOptions{Telemetry: cfg.Telemetry, Logger: logger}
	return entrypoint.Run(ctx, entrypoint.ServiceSessionStream, opts, func(ctx context.Context) error {
		return serve(ctx, cfg, logger)
	})
}

func serve(ctx context.Context, cfg Config, logger *logrus.Logger) error {
	store, err := journal.Open(ctx, journal.Options{
		Backend:        cfg.Store,
		SQLitePath:     cfg.SQLitePath,
		BoltPath:       cfg.BoltPath,
		PostgresDSN:    cfg.PostgresDSN,
		PostgresSchema: cfg.PostgresSchema,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("close journal")
		}
	}()

	bridge := stream.NewBridge()
	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("connect commit publisher: %w", err)
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.WithError(err).Warn("close commit publisher")
			}
		}()
		sink := notify.NewCommitSink(notify.SinkConfig{
			Publisher: publisher,
			Exchange:  cfg.AMQPExchange,
			Logger:    logger,
		})
		bridge.Attach(sink)
		group.Go(func() error {
			return sink.Run(groupCtx)
		})
	}

	service, err := stream.NewService(stream.Config{
		Log:           store,
		Bridge:        bridge,
		MaxChunkBytes: cfg.MaxChunkBytes,
		ApprovalTTL:   cfg.ApprovalTTL,
	})
	if err != nil {
		return fmt.Errorf("init stream service: %w", err)
	}
	registry := session.NewRegistry(session.Config{
		IdleTTL: cfg.SessionIdleTTL,
		Loader:  service.Loader(),
	})

	logger.WithFields(logrus.Fields{
		"store":     cfg.Store,
		"http_addr": cfg.HTTPAddr,
	}).Info("starting sessionstream")

	group.Go(func() error {
		return app.Run(groupCtx, app.Config{
			HTTPAddr: cfg.HTTPAddr,
			Registry: registry,
			Service:  service,
			Logger:   logger,
		})
	})
	return group.Wait()
}
