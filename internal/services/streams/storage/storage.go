// Package storage defines the durable event log contract for session streams.
//
// A backend appends a session's events in commits: every event in one Append
// becomes visible together or not at all, and the commit is identified by a
// visibility marker the replication layer can use to confirm durability.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
)

var (
	// ErrNotFound indicates a requested session has no events.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates an append raced another writer for the same offsets.
	ErrConflict = errors.New("record conflict")
)

// Commit is the result of one successful Append.
type Commit struct {
	SessionID string
	// Marker is the visibility marker shared by every event in the commit.
	Marker string
	// Events are the appended events with their envelope fully stamped.
	Events []domain.Event
}

// LastOffset returns the offset of the final event in the commit.
func (c Commit) LastOffset() uint64 {
	if len(c.Events) == 0 {
		return 0
	}
	return c.Events[len(c.Events)-1].Metadata().Offset
}

// EventLog is the append-only per-session log.
type EventLog interface {
	// Append persists events as one atomic commit. Events carry their session
	// id, offset and timestamp; the first offset must directly follow the
	// session's last stored offset or Append fails with ErrConflict.
	//
	// When marker is non-empty it is recorded as the commit's visibility
	// marker and the backend skips producing its own.
	Append(ctx context.Context, sessionID string, events []domain.Event, marker string) (Commit, error)
	// ListEvents returns up to limit events with offsets greater than
	// afterOffset, in offset order. A limit <= 0 means no limit.
	ListEvents(ctx context.Context, sessionID string, afterOffset uint64, limit int) ([]domain.Event, error)
	Close() error
}

// SessionSummary describes one session present in the log.
type SessionSummary struct {
	SessionID  string
	LastOffset uint64
	LastMarker string
	UpdatedAt  time.Time
}

// SessionLister enumerates sessions; used by operator tooling.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]SessionSummary, error)
}

// RecordReader exposes stored records including their chain hashes.
type RecordReader interface {
	ListRecords(ctx context.Context, sessionID string, afterOffset uint64, limit int) ([]EventRecord, error)
}

// ValidateAppend checks the shape of an append before a backend opens a
// transaction: a non-empty batch for one session with contiguous offsets.
func ValidateAppend(sessionID string, events []domain.Event) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if len(events) == 0 {
		return fmt.Errorf("at least one event is required")
	}
	first := events[0].Metadata().Offset
	if first == 0 {
		return fmt.Errorf("event offsets start at 1")
	}
	for i, evt := range events {
		meta := evt.Metadata()
		if meta.SessionID != sessionID {
			return fmt.Errorf("event %d: session id %q does not match %q", i, meta.SessionID, sessionID)
		}
		if meta.Offset != first+uint64(i) {
			return fmt.Errorf("event %d: offset %d is not contiguous", i, meta.Offset)
		}
	}
	return nil
}

// CheckNext returns ErrConflict unless firstOffset directly follows lastOffset.
func CheckNext(lastOffset, firstOffset uint64) error {
	if firstOffset != lastOffset+1 {
		return fmt.Errorf("append at offset %d after %d: %w", firstOffset, lastOffset, ErrConflict)
	}
	return nil
}
