package stream

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/session"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
)

// Sink receives every durable commit. Deliver runs while the session's write
// lock is held, so implementations queue and return immediately.
type Sink interface {
	Deliver(commit storage.Commit)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(commit storage.Commit)

// Deliver implements Sink.
func (f SinkFunc) Deliver(commit storage.Commit) { f(commit) }

// Bridge fans committed writes out to downstream consumers in per-session
// commit order.
type Bridge struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewBridge builds a bridge with the given sinks.
func NewBridge(sinks ...Sink) *Bridge {
	b := &Bridge{}
	for _, sink := range sinks {
		b.Attach(sink)
	}
	return b
}

// Attach registers a sink for subsequent commits.
func (b *Bridge) Attach(sink Sink) {
	if b == nil || sink == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Publish hands commit to every sink.
func (b *Bridge) Publish(commit storage.Commit) {
	if b == nil {
		return
	}
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, sink := range sinks {
		sink.Deliver(commit)
	}
}

// Progress is the durable position of one session.
type Progress struct {
	SessionID    string
	LastOffset   uint64
	LastSequence uint64
	// Marker is the visibility marker of the last durable commit.
	Marker           string
	ActiveGeneration *domain.Generation
	PendingApprovals int
	UpdatedAt        time.Time
}

// Progress reads a session's durable position without waiting on writers.
func (s *Service) Progress(ctx context.Context, sess *session.Session) (Progress, error) {
	if err := requireSession(sess); err != nil {
		return Progress{}, err
	}
	state, err := sess.Snapshot(ctx)
	if err != nil {
		return Progress{}, err
	}
	progress := Progress{
		SessionID:    sess.ID(),
		LastOffset:   state.LastOffset,
		LastSequence: state.LastSequence,
		Marker:       state.LastMarker,
		UpdatedAt:    state.UpdatedAt,
	}
	if gen, ok := state.ActiveGeneration(); ok {
		progress.ActiveGeneration = &gen
	}
	now := s.now()
	for _, req := range state.Pending {
		if !req.Expired(now) {
			progress.PendingApprovals++
		}
	}
	return progress, nil
}

// Events reads a page of a session's log.
func (s *Service) Events(ctx context.Context, sessionID string, afterOffset uint64, limit int) ([]domain.Event, error) {
	events, err := s.log.ListEvents(ctx, sessionID, afterOffset, limit)
	if apperrors.IsContextError(err) {
		return nil, apperrors.FromContext("list session events", err)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreReadFailed, "list session events", err)
	}
	return events, nil
}
