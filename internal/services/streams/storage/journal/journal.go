// Package journal opens the configured event log backend for sessionstream
// binaries.
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/louisbranch/sessionstream/internal/platform/timeouts"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
	storagebbolt "github.com/louisbranch/sessionstream/internal/services/streams/storage/bbolt"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/memory"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/postgres"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/sqlite"
)

// Backend names.
const (
	BackendSQLite   = "sqlite"
	BackendBolt     = "bbolt"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Journal is an event log that also serves operator reads.
type Journal interface {
	storage.EventLog
	storage.SessionLister
	storage.RecordReader
}

// Options selects and configures a backend.
type Options struct {
	Backend        string
	SQLitePath     string
	BoltPath       string
	PostgresDSN    string
	PostgresSchema string
}

// Open opens the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Journal, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOpen)
	defer cancel()

	switch backend := strings.ToLower(strings.TrimSpace(opts.Backend)); backend {
	case "", BackendSQLite:
		if err := ensureDir(opts.SQLitePath); err != nil {
			return nil, err
		}
		store, err := sqlite.Open(ctx, opts.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return store, nil
	case BackendBolt:
		if err := ensureDir(opts.BoltPath); err != nil {
			return nil, err
		}
		store, err := storagebbolt.Open(opts.BoltPath, timeouts.StoreOpen)
		if err != nil {
			return nil, fmt.Errorf("open bbolt journal: %w", err)
		}
		return store, nil
	case BackendPostgres:
		store, err := postgres.Open(ctx, postgres.Options{DSN: opts.PostgresDSN, Schema: opts.PostgresSchema})
		if err != nil {
			return nil, fmt.Errorf("open postgres journal: %w", err)
		}
		return store, nil
	case BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown journal backend %q", backend)
	}
}

func ensureDir(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}
