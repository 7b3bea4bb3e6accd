package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/storagetest"
)

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		opts Options
	}{
		{name: "default sqlite", opts: Options{SQLitePath: filepath.Join(dir, "nested", "events.sqlite")}},
		{name: "bbolt", opts: Options{Backend: "BBOLT", BoltPath: filepath.Join(dir, "nested", "events.bolt")}},
		{name: "memory", opts: Options{Backend: BackendMemory}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := Open(context.Background(), tc.opts)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer store.Close()

			ctx := context.Background()
			if _, err := store.Append(ctx, "s1", []domain.Event{storagetest.Start("s1", 1, "m1")}, ""); err != nil {
				t.Fatalf("append: %v", err)
			}
			sessions, err := store.ListSessions(ctx)
			if err != nil {
				t.Fatalf("list sessions: %v", err)
			}
			if len(sessions) != 1 || sessions[0].SessionID != "s1" {
				t.Fatalf("sessions = %+v, want s1", sessions)
			}
		})
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "redis"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: BackendPostgres}); err == nil {
		t.Fatal("expected error for missing dsn")
	}
}
