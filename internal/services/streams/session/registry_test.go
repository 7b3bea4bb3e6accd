package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGetOrCreateSessionIsIdempotent(t *testing.T) {
	registry := NewRegistry(Config{})
	first, err := registry.GetOrCreateSession("s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer first.Release()
	second, err := registry.GetOrCreateSession("s1")
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	defer second.Release()

	if first != second {
		t.Fatal("expected the same handle for the same id")
	}
	if registry.Len() != 1 {
		t.Fatalf("len = %d, want 1", registry.Len())
	}
}

func TestGetOrCreateSessionErrors(t *testing.T) {
	registry := NewRegistry(Config{})
	if _, err := registry.GetOrCreateSession("  "); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("empty id error = %v, want INVALID_ARGUMENT", err)
	}
	registry.Close()
	if _, err := registry.GetOrCreateSession("s1"); !apperrors.HasCode(err, apperrors.CodeRegistryClosed) {
		t.Fatalf("closed registry error = %v, want REGISTRY_CLOSED", err)
	}
}

func TestGetSessionNeverCreates(t *testing.T) {
	registry := NewRegistry(Config{})
	if _, ok := registry.GetSession("missing"); ok {
		t.Fatal("expected missing session")
	}
	if registry.Len() != 0 {
		t.Fatalf("len = %d, want 0", registry.Len())
	}

	created, err := registry.GetOrCreateSession("s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created.Release()
	found, ok := registry.GetSession("s1")
	if !ok || found != created {
		t.Fatal("expected lookup to return the created handle")
	}
	found.Release()
}

func TestExclusivePublishesOnlyOnSuccess(t *testing.T) {
	registry := NewRegistry(Config{})
	s, err := registry.GetOrCreateSession("s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Release()
	ctx := context.Background()

	if err := s.Exclusive(ctx, func(txn *Txn) error {
		txn.State.LastOffset = 5
		return nil
	}); err != nil {
		t.Fatalf("exclusive: %v", err)
	}

	boom := errors.New("boom")
	if err := s.Exclusive(ctx, func(txn *Txn) error {
		txn.State.LastOffset = 9
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("exclusive error = %v, want boom", err)
	}

	state, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if state.LastOffset != 5 {
		t.Fatalf("last offset = %d, want 5", state.LastOffset)
	}
}

func TestPublishedIntermediateStateRevertsOnFailure(t *testing.T) {
	registry := NewRegistry(Config{})
	s, err := registry.GetOrCreateSession("s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Release()
	ctx := context.Background()

	if err := s.Exclusive(ctx, func(txn *Txn) error {
		txn.State.Generation = &domain.Generation{MessageID: "m", State: domain.GenerationActive}
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	seen := make(chan domain.GenerationState, 1)
	err = s.Exclusive(ctx, func(txn *Txn) error {
		txn.State.Generation.State = domain.GenerationFinishing
		txn.Publish()
		state, err := s.Snapshot(ctx)
		if err != nil {
			return err
		}
		seen <- state.Generation.State
		return errors.New("store down")
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := <-seen; got != domain.GenerationFinishing {
		t.Fatalf("intermediate state = %s, want finishing", got)
	}
	state, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if gen, ok := state.ActiveGeneration(); !ok || gen.MessageID != "m" {
		t.Fatalf("generation after failure = %+v, want active m", state.Generation)
	}
}

func TestSnapshotDoesNotWaitForWriter(t *testing.T) {
	registry := NewRegistry(Config{})
	s, err := registry.GetOrCreateSession("s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Release()
	ctx := context.Background()
	if _, err := s.Snapshot(ctx); err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}

	entered := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Exclusive(ctx, func(txn *Txn) error {
			close(entered)
			<-unblock
			txn.State.LastOffset = 1
			return nil
		})
	}()
	<-entered

	snapshotDone := make(chan domain.State, 1)
	go func() {
		state, _ := s.Snapshot(ctx)
		snapshotDone <- state
	}()
	select {
	case state := <-snapshotDone:
		if state.LastOffset != 0 {
			t.Fatalf("snapshot offset = %d, want 0 while write in flight", state.LastOffset)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot blocked on in-flight writer")
	}
	close(unblock)
	<-done
}

func TestSessionsDoNotShareLocks(t *testing.T) {
	registry := NewRegistry(Config{})
	a, _ := registry.GetOrCreateSession("a")
	defer a.Release()
	b, _ := registry.GetOrCreateSession("b")
	defer b.Release()
	ctx := context.Background()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	go func() {
		_ = a.Exclusive(ctx, func(txn *Txn) error {
			close(entered)
			<-unblock
			return nil
		})
	}()
	<-entered
	defer close(unblock)

	done := make(chan error, 1)
	go func() {
		done <- b.Exclusive(ctx, func(txn *Txn) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("exclusive b: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session b waited on session a")
	}
}

func TestExclusiveSerializesWriters(t *testing.T) {
	registry := NewRegistry(Config{})
	s, _ := registry.GetOrCreateSession("s1")
	defer s.Release()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Exclusive(ctx, func(txn *Txn) error {
				txn.State.LastOffset++
				return nil
			})
		}()
	}
	wg.Wait()

	state, _ := s.Snapshot(ctx)
	if state.LastOffset != 64 {
		t.Fatalf("last offset = %d, want 64", state.LastOffset)
	}
}

func TestLoaderHydratesOnce(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry(Config{Loader: func(ctx context.Context, sessionID string) (domain.State, error) {
		calls.Add(1)
		state := domain.NewState(sessionID)
		state.LastOffset = 7
		return state, nil
	}})
	s, _ := registry.GetOrCreateSession("s1")
	defer s.Release()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		state, err := s.Snapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if state.LastOffset != 7 {
			t.Fatalf("last offset = %d, want 7", state.LastOffset)
		}
	}
	if err := s.Exclusive(ctx, func(txn *Txn) error { return nil }); err != nil {
		t.Fatalf("exclusive: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader calls = %d, want 1", calls.Load())
	}
}

func TestLoaderFailureIsRetried(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry(Config{Loader: func(ctx context.Context, sessionID string) (domain.State, error) {
		if calls.Add(1) == 1 {
			return domain.State{}, errors.New("log unavailable")
		}
		return domain.NewState(sessionID), nil
	}})
	s, _ := registry.GetOrCreateSession("s1")
	defer s.Release()

	if _, err := s.Snapshot(context.Background()); !apperrors.HasCode(err, apperrors.CodeStoreReadFailed) {
		t.Fatalf("first load err = %v, want STORE_READ_FAILED", err)
	}
	if _, err := s.Snapshot(context.Background()); err != nil {
		t.Fatalf("second load: %v", err)
	}
}

func TestLoadFailuresCarryCodes(t *testing.T) {
	registry := NewRegistry(Config{Loader: func(ctx context.Context, sessionID string) (domain.State, error) {
		if err := ctx.Err(); err != nil {
			return domain.State{}, err
		}
		return domain.State{}, errors.New("log unavailable")
	}})
	s, _ := registry.GetOrCreateSession("s1")
	defer s.Release()

	noop := func(*Txn) error { return nil }
	if err := s.Exclusive(context.Background(), noop); !apperrors.HasCode(err, apperrors.CodeStoreReadFailed) {
		t.Fatalf("exclusive err = %v, want STORE_READ_FAILED", err)
	}
	if _, err := registry.Lookup(context.Background(), "s2"); !apperrors.HasCode(err, apperrors.CodeStoreReadFailed) {
		t.Fatalf("lookup err = %v, want STORE_READ_FAILED", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Exclusive(ctx, noop); !apperrors.HasCode(err, apperrors.CodeCanceled) {
		t.Fatalf("canceled exclusive err = %v, want CANCELED", err)
	}
	if _, err := s.Snapshot(ctx); !apperrors.HasCode(err, apperrors.CodeCanceled) {
		t.Fatalf("canceled snapshot err = %v, want CANCELED", err)
	}
	if _, err := registry.Lookup(ctx, "s2"); !apperrors.HasCode(err, apperrors.CodeCanceled) {
		t.Fatalf("canceled lookup err = %v, want CANCELED", err)
	}
}

func TestLookupRehydratesKnownSessions(t *testing.T) {
	registry := NewRegistry(Config{Loader: func(ctx context.Context, sessionID string) (domain.State, error) {
		state := domain.NewState(sessionID)
		if sessionID == "known" {
			state.LastOffset = 3
		}
		return state, nil
	}})
	ctx := context.Background()

	if _, err := registry.Lookup(ctx, "unknown"); !apperrors.HasCode(err, apperrors.CodeSessionNotFound) {
		t.Fatalf("unknown lookup error = %v, want SESSION_NOT_FOUND", err)
	}
	if registry.Len() != 0 {
		t.Fatalf("len = %d, want 0 after failed lookup", registry.Len())
	}

	s, err := registry.Lookup(ctx, "known")
	if err != nil {
		t.Fatalf("lookup known: %v", err)
	}
	defer s.Release()
	state, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if state.LastOffset != 3 {
		t.Fatalf("last offset = %d, want 3", state.LastOffset)
	}
}

func TestSweepEvictsOnlyIdleUnusedHandles(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(Config{IdleTTL: time.Minute, Clock: clock.Now})

	idle, _ := registry.GetOrCreateSession("idle")
	idle.Release()
	borrowed, _ := registry.GetOrCreateSession("borrowed")
	defer borrowed.Release()

	if n := registry.Sweep(clock.Now()); n != 0 {
		t.Fatalf("evicted = %d, want 0 before ttl", n)
	}
	clock.Advance(2 * time.Minute)
	if n := registry.Sweep(clock.Now()); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if _, ok := registry.GetSession("idle"); ok {
		t.Fatal("expected idle handle evicted")
	}
	if s, ok := registry.GetSession("borrowed"); !ok {
		t.Fatal("expected borrowed handle kept")
	} else {
		s.Release()
	}
}

func TestSweepSkipsHandleWithWriter(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(Config{IdleTTL: time.Minute, Clock: clock.Now})
	s, _ := registry.GetOrCreateSession("s1")
	s.Release()

	s.writeMu.Lock()
	clock.Advance(2 * time.Minute)
	if n := registry.Sweep(clock.Now()); n != 0 {
		t.Fatalf("evicted = %d, want 0 while a writer holds the lock", n)
	}
	s.writeMu.Unlock()

	if n := registry.Sweep(clock.Now()); n != 1 {
		t.Fatalf("evicted = %d, want 1 after writer finished", n)
	}
}

func TestSweepKeepsLivePendingApprovals(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(Config{IdleTTL: time.Minute, Clock: clock.Now})
	s, _ := registry.GetOrCreateSession("s1")
	err := s.Exclusive(context.Background(), func(txn *Txn) error {
		txn.State.AddPending(domain.ApprovalRequest{ApprovalID: "ap", ExpiresAt: clock.Now().Add(10 * time.Minute)})
		return nil
	})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	s.Release()

	clock.Advance(5 * time.Minute)
	if n := registry.Sweep(clock.Now()); n != 0 {
		t.Fatalf("evicted = %d, want 0 with live approval", n)
	}
	clock.Advance(10 * time.Minute)
	if n := registry.Sweep(clock.Now()); n != 1 {
		t.Fatalf("evicted = %d, want 1 after approval expired", n)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	registry := NewRegistry(Config{IdleTTL: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- registry.Run(ctx, time.Millisecond) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
