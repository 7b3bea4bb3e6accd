// Package memory provides an in-process event log for tests and single-node
// development. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/integrity"
)

// Store keeps every session log in memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]storage.EventRecord
	commits  uint64
	closed   bool
}

// New returns an empty store.
func New() *Store {
	return &Store{sessions: make(map[string][]storage.EventRecord)}
}

// Append implements storage.EventLog. The marker is a store-wide commit counter.
func (s *Store) Append(ctx context.Context, sessionID string, events []domain.Event, marker string) (storage.Commit, error) {
	if err := ctx.Err(); err != nil {
		return storage.Commit{}, err
	}
	if err := storage.ValidateAppend(sessionID, events); err != nil {
		return storage.Commit{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.Commit{}, fmt.Errorf("storage is closed")
	}

	existing := s.sessions[sessionID]
	var lastOffset uint64
	prevHash := ""
	if n := len(existing); n > 0 {
		lastOffset = existing[n-1].Offset
		prevHash = existing[n-1].Hash
	}
	if err := storage.CheckNext(lastOffset, events[0].Metadata().Offset); err != nil {
		return storage.Commit{}, err
	}

	s.commits++
	if marker == "" {
		marker = strconv.FormatUint(s.commits, 10)
	}

	records := make([]storage.EventRecord, 0, len(events))
	for i, evt := range events {
		rec, err := storage.ToRecord(evt, marker)
		if err != nil {
			return storage.Commit{}, fmt.Errorf("event %d: %w", i, err)
		}
		records = append(records, rec)
	}
	if _, err := integrity.Seal(records, prevHash); err != nil {
		return storage.Commit{}, fmt.Errorf("seal commit: %w", err)
	}
	stamped, err := storage.RecordsToEvents(records)
	if err != nil {
		return storage.Commit{}, err
	}

	s.sessions[sessionID] = append(existing, records...)
	return storage.Commit{SessionID: sessionID, Marker: marker, Events: stamped}, nil
}

// ListEvents implements storage.EventLog.
func (s *Store) ListEvents(ctx context.Context, sessionID string, afterOffset uint64, limit int) ([]domain.Event, error) {
	records, err := s.ListRecords(ctx, sessionID, afterOffset, limit)
	if err != nil {
		return nil, err
	}
	return storage.RecordsToEvents(records)
}

// ListRecords implements storage.RecordReader.
func (s *Store) ListRecords(ctx context.Context, sessionID string, afterOffset uint64, limit int) ([]storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.sessions[sessionID]
	// Offsets are 1-based and gap-free, so offset n lives at index n-1.
	if afterOffset >= uint64(len(existing)) {
		return nil, nil
	}
	page := existing[afterOffset:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return append([]storage.EventRecord(nil), page...), nil
}

// ListSessions implements storage.SessionLister.
func (s *Store) ListSessions(ctx context.Context) ([]storage.SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]storage.SessionSummary, 0, len(s.sessions))
	for sessionID, records := range s.sessions {
		last := records[len(records)-1]
		summaries = append(summaries, storage.SessionSummary{
			SessionID:  sessionID,
			LastOffset: last.Offset,
			LastMarker: last.Marker,
			UpdatedAt:  last.At,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].SessionID < summaries[j].SessionID })
	return summaries, nil
}

// Close implements storage.EventLog.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
