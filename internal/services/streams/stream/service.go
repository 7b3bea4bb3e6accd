package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
	"github.com/louisbranch/sessionstream/internal/platform/id"
	platformotel "github.com/louisbranch/sessionstream/internal/platform/otel"
	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/session"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxChunkBytes caps a single chunk payload.
const DefaultMaxChunkBytes = 256 << 10

// loadPageSize is how many events hydration reads per round trip.
const loadPageSize = 500

var tracer = platformotel.Tracer("github.com/louisbranch/sessionstream/internal/services/streams/stream")

// Config wires a Service.
type Config struct {
	Log    storage.EventLog
	Bridge *Bridge
	Clock  func() time.Time
	// IDGenerator produces message and approval ids; prefixes are added here.
	IDGenerator   func() (string, error)
	MaxChunkBytes int
	// ApprovalTTL bounds how long a raised approval can be answered; zero
	// means requests never expire.
	ApprovalTTL time.Duration
}

// Service coordinates writes to session logs.
type Service struct {
	log           storage.EventLog
	bridge        *Bridge
	clock         func() time.Time
	newMessageID  func() (string, error)
	newApprovalID func() (string, error)
	maxChunkBytes int
	approvalTTL   time.Duration
}

// NewService validates cfg and builds a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	next := cfg.IDGenerator
	if next == nil {
		next = id.NewID
	}
	maxChunkBytes := cfg.MaxChunkBytes
	if maxChunkBytes <= 0 {
		maxChunkBytes = DefaultMaxChunkBytes
	}
	bridge := cfg.Bridge
	if bridge == nil {
		bridge = NewBridge()
	}
	return &Service{
		log:           cfg.Log,
		bridge:        bridge,
		clock:         clock,
		newMessageID:  id.WithPrefix("msg_", next),
		newApprovalID: id.WithPrefix("apr_", next),
		maxChunkBytes: maxChunkBytes,
		approvalTTL:   cfg.ApprovalTTL,
	}, nil
}

// Bridge returns the visibility bridge commits are reported to.
func (s *Service) Bridge() *Bridge { return s.bridge }

// Log returns the underlying event log for read paths.
func (s *Service) Log() storage.EventLog { return s.log }

// Loader rebuilds a session's state by folding its whole log.
func (s *Service) Loader() session.Loader {
	return func(ctx context.Context, sessionID string) (domain.State, error) {
		state := domain.NewState(sessionID)
		var after uint64
		for {
			page, err := s.log.ListEvents(ctx, sessionID, after, loadPageSize)
			if err != nil {
				return domain.State{}, fmt.Errorf("list events after %d: %w", after, err)
			}
			if state, err = domain.Replay(state, page); err != nil {
				return domain.State{}, err
			}
			if len(page) < loadPageSize {
				return state, nil
			}
			after = state.LastOffset
		}
	}
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// commit appends events for the handle and folds them into txn.State.
func (s *Service) commit(ctx context.Context, txn *session.Txn, events []domain.Event, marker string) (storage.Commit, error) {
	sessionID := txn.State.SessionID
	commit, err := s.log.Append(ctx, sessionID, events, marker)
	if err != nil {
		return storage.Commit{}, storeWriteError(sessionID, err)
	}
	state := txn.State
	for _, evt := range commit.Events {
		state, err = domain.Fold(state, evt)
		if err != nil {
			return storage.Commit{}, apperrors.Wrap(apperrors.CodeUnknown, "fold committed event", err)
		}
	}
	txn.State = state
	s.bridge.Publish(commit)
	return commit, nil
}

// envelope stamps the next event position after state.
func envelope(state domain.State, delta uint64, at time.Time) domain.Meta {
	return domain.Meta{SessionID: state.SessionID, Offset: state.LastOffset + delta, At: at}
}

func storeWriteError(sessionID string, err error) error {
	code := apperrors.CodeStoreWriteFailed
	if errors.Is(err, storage.ErrConflict) {
		code = apperrors.CodeStoreConflict
	}
	wrapped := apperrors.Wrap(code, "append to session log", err)
	wrapped.Metadata = map[string]string{apperrors.MetaSessionID: sessionID}
	return wrapped
}

func invalid(format string, args ...any) error {
	return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf(format, args...))
}

func startSpan(ctx context.Context, name string, sess *session.Session) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("session.id", sess.ID())))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
	}
	span.End()
}

func requireSession(sess *session.Session) error {
	if sess == nil {
		return apperrors.New(apperrors.CodeSessionNotFound, "session handle is required")
	}
	return nil
}

func trimmed(value string) string {
	return strings.TrimSpace(value)
}
