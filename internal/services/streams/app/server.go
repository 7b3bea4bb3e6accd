// Package app hosts the HTTP surface of the session stream core.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/sessionstream/internal/platform/timeouts"
	"github.com/louisbranch/sessionstream/internal/services/streams/session"
	"github.com/louisbranch/sessionstream/internal/services/streams/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config holds the HTTP server configuration.
type Config struct {
	HTTPAddr string
	Registry *session.Registry
	Service  *stream.Service
	Logger   logrus.FieldLogger
	// ActorIDGenerator names approval actors that send no X-Actor-Id.
	ActorIDGenerator func() (string, error)
	// TailBuffer bounds commits queued per live-tail subscriber.
	TailBuffer int
	// SweepInterval is how often idle sessions are evicted.
	SweepInterval     time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the session stream routes.
type Server struct {
	httpAddr        string
	httpServer      *http.Server
	tails           *tailHub
	registry        *session.Registry
	logger          logrus.FieldLogger
	sweepInterval   time.Duration
	shutdownTimeout time.Duration
}

// NewServer creates a configured HTTP server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	h, routes, err := newHandler(HandlerConfig{
		Registry:         config.Registry,
		Service:          config.Service,
		Logger:           config.Logger,
		ActorIDGenerator: config.ActorIDGenerator,
		TailBuffer:       config.TailBuffer,
	})
	if err != nil {
		return nil, err
	}

	readHeaderTimeout := config.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = timeouts.ReadHeader
	}
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = timeouts.Shutdown
	}
	sweepInterval := config.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = timeouts.SweepInterval
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           routes,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	// Shutdown does not track hijacked connections, so live tails are told
	// directly.
	httpServer.RegisterOnShutdown(h.tails.shutdown)

	return &Server{
		httpAddr:        httpAddr,
		httpServer:      httpServer,
		tails:           h.tails,
		registry:        config.Registry,
		logger:          loggerOrDefault(config.Logger),
		sweepInterval:   sweepInterval,
		shutdownTimeout: shutdownTimeout,
	}, nil
}

// Run creates and serves the HTTP surface until ctx ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init session stream server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve session stream: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server and the idle-session sweeper until the
// context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("session stream server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.registry.Run(groupCtx, s.sweepInterval)
	})
	group.Go(func() error {
		return s.serve(groupCtx)
	})
	return group.Wait()
}

func (s *Server) serve(ctx context.Context) error {
	serveErr := make(chan error, 1)
	s.logger.WithField("addr", s.httpAddr).Info("session stream server listening")
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close ends live tails and stops the registry from handing out handles.
func (s *Server) Close() {
	if s == nil || s.registry == nil {
		return
	}
	if s.tails != nil {
		s.tails.shutdown()
	}
	s.registry.Close()
}

func loggerOrDefault(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger == nil {
		return logrus.StandardLogger()
	}
	return logger
}
