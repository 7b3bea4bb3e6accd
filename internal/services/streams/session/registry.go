package session

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
)

// Config configures a Registry.
type Config struct {
	// IdleTTL is how long an unused handle survives; zero disables eviction.
	IdleTTL time.Duration
	// Loader rebuilds state for handles created after eviction or restart.
	Loader Loader
	Clock  func() time.Time
}

// Registry maps session ids to live handles.
type Registry struct {
	idleTTL time.Duration
	loader  Loader
	clock   func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

type entry struct {
	session  *Session
	refs     int
	lastUsed time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		idleTTL:  cfg.IdleTTL,
		loader:   cfg.Loader,
		clock:    clock,
		sessions: make(map[string]*entry),
	}
}

// GetOrCreateSession borrows the handle for id, creating it on first use.
func (r *Registry) GetOrCreateSession(id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "session id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, apperrors.New(apperrors.CodeRegistryClosed, "session registry is closed")
	}

	e, ok := r.sessions[id]
	if !ok {
		e = &entry{session: newSession(id, r)}
		r.sessions[id] = e
	}
	e.refs++
	e.lastUsed = r.clock()
	return e.session, nil
}

// GetSession borrows the handle for id without creating one.
func (r *Registry) GetSession(id string) (*Session, bool) {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok || r.closed {
		return nil, false
	}
	e.refs++
	e.lastUsed = r.clock()
	return e.session, true
}

// Lookup borrows the handle for id without creating a new session. A session
// that is not live but has durable history is rehydrated and registered.
func (r *Registry) Lookup(ctx context.Context, id string) (*Session, error) {
	if s, ok := r.GetSession(id); ok {
		return s, nil
	}
	notFound := apperrors.WithMetadata(apperrors.CodeSessionNotFound, "session not found", map[string]string{
		apperrors.MetaSessionID: id,
	})
	if r.loader == nil || strings.TrimSpace(id) == "" {
		return nil, notFound
	}

	state, err := r.loader(ctx, id)
	if err != nil {
		return nil, loadError(id, err)
	}
	if state.LastOffset == 0 {
		return nil, notFound
	}
	s, err := r.GetOrCreateSession(id)
	if err != nil {
		return nil, err
	}
	s.seed(state)
	return s, nil
}

// Len reports the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops the registry from handing out new handles.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Sweep evicts idle handles and returns how many were removed. A handle is
// kept while borrowed, while a writer holds it, or while it has an
// unexpired approval request that only lives in memory.
func (r *Registry) Sweep(now time.Time) int {
	if r.idleTTL <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, e := range r.sessions {
		if e.refs > 0 || now.Sub(e.lastUsed) <= r.idleTTL {
			continue
		}
		if !e.session.writeMu.TryLock() {
			continue
		}
		if e.session.current().HasLivePending(now) {
			e.session.writeMu.Unlock()
			continue
		}
		delete(r.sessions, id)
		e.session.writeMu.Unlock()
		evicted++
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = r.idleTTL
	}
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.clock())
		}
	}
}

func (r *Registry) release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[s.id]
	if !ok || e.session != s || e.refs == 0 {
		return
	}
	e.refs--
	e.lastUsed = r.clock()
}

func (r *Registry) touch(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[s.id]; ok && e.session == s {
		e.lastUsed = r.clock()
	}
}
