package session

import (
	"context"
	"sync"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
)

// Loader rebuilds a session's state from durable history.
type Loader func(ctx context.Context, sessionID string) (domain.State, error)

// Session is one live session handle.
type Session struct {
	id       string
	registry *Registry

	// writeMu serializes mutations and is held across store I/O.
	writeMu sync.Mutex

	stateMu sync.RWMutex
	state   domain.State
	loaded  bool
}

func newSession(id string, registry *Registry) *Session {
	return &Session{
		id:       id,
		registry: registry,
		state:    domain.NewState(id),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Release returns a borrowed handle to the registry.
func (s *Session) Release() {
	if s == nil || s.registry == nil {
		return
	}
	s.registry.release(s)
}

// Txn is the working copy of state inside Exclusive.
type Txn struct {
	// State is a private clone; change it freely.
	State     domain.State
	session   *Session
	published bool
}

// Publish makes the current working state visible to readers before the
// transaction ends. If the transaction then fails, readers see the state as
// it was before Exclusive started.
func (t *Txn) Publish() {
	t.session.publish(t.State.Clone())
	t.published = true
}

// Exclusive runs fn with the session's write lock held. The state left in
// txn.State is published only when fn returns nil.
func (s *Session) Exclusive(ctx context.Context, fn func(txn *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return apperrors.FromContext("session "+s.id, err)
	}
	defer s.registry.touch(s)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ensureLoadedLocked(ctx); err != nil {
		return err
	}

	before := s.current()
	txn := &Txn{State: before.Clone(), session: s}
	if err := fn(txn); err != nil {
		if txn.published {
			s.publish(before)
		}
		return err
	}
	s.publish(txn.State)
	return nil
}

// Snapshot returns the published state. The value shares maps with the
// handle; Clone it before changing anything.
func (s *Session) Snapshot(ctx context.Context) (domain.State, error) {
	defer s.registry.touch(s)

	s.stateMu.RLock()
	if s.loaded {
		state := s.state
		s.stateMu.RUnlock()
		return state, nil
	}
	s.stateMu.RUnlock()

	if err := ctx.Err(); err != nil {
		return domain.State{}, apperrors.FromContext("session "+s.id, err)
	}
	s.writeMu.Lock()
	err := s.ensureLoadedLocked(ctx)
	s.writeMu.Unlock()
	if err != nil {
		return domain.State{}, err
	}
	return s.current(), nil
}

// seed installs state loaded elsewhere if the handle has not loaded yet.
func (s *Session) seed(state domain.State) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.loaded {
		return
	}
	s.state = state
	s.loaded = true
}

func (s *Session) ensureLoadedLocked(ctx context.Context) error {
	s.stateMu.RLock()
	loaded := s.loaded
	s.stateMu.RUnlock()
	if loaded {
		return nil
	}

	state := domain.NewState(s.id)
	if loader := s.registry.loader; loader != nil {
		var err error
		state, err = loader(ctx, s.id)
		if err != nil {
			return loadError(s.id, err)
		}
	}

	s.stateMu.Lock()
	s.state = state
	s.loaded = true
	s.stateMu.Unlock()
	return nil
}

func (s *Session) current() domain.State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) publish(state domain.State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// loadError reports a failed hydration as a retryable store read, or as
// CANCELED when the caller's context ended first.
func loadError(sessionID string, err error) error {
	if apperrors.IsContextError(err) {
		return apperrors.FromContext("load session "+sessionID, err)
	}
	return apperrors.Wrap(apperrors.CodeStoreReadFailed, "load session "+sessionID, err)
}
