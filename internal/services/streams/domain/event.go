package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
)

// Role identifies who authored a chunk.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates a wire role.
func ParseRole(value string) (Role, error) {
	switch role := Role(strings.TrimSpace(value)); role {
	case RoleUser, RoleAssistant, RoleSystem:
		return role, nil
	default:
		return "", apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("role %q must be user, assistant, or system", value))
	}
}

// EventKind discriminates the Event union.
type EventKind string

const (
	KindChunk    EventKind = "chunk"
	KindApproval EventKind = "approval"
	KindBoundary EventKind = "boundary"
)

// BoundaryKind marks the edge of a generation.
type BoundaryKind string

const (
	BoundaryStart  BoundaryKind = "start"
	BoundaryFinish BoundaryKind = "finish"
)

// Meta is the envelope every logged event carries.
//
// Offset and Marker are assigned by the log when the event is committed; an
// event built by a writer has both zero until then.
type Meta struct {
	SessionID string
	// Offset is the event's 1-based position in the session log.
	Offset uint64
	// Marker is the visibility marker of the commit that persisted the event.
	Marker string
	At     time.Time
}

// Metadata returns the envelope. Promoted through every event type.
func (m Meta) Metadata() Meta { return m }

// Event is one immutable entry of a session log.
type Event interface {
	Kind() EventKind
	Metadata() Meta
	isEvent()
}

// ChunkEvent is a fragment of a generated message.
type ChunkEvent struct {
	Meta
	MessageID string
	ActorID   string
	Role      Role
	Payload   json.RawMessage
	// Sequence numbers chunks within the session, starting at 1.
	Sequence uint64
}

func (ChunkEvent) Kind() EventKind { return KindChunk }
func (ChunkEvent) isEvent()        {}

// ApprovalEvent records a human decision on an approval request.
type ApprovalEvent struct {
	Meta
	ApprovalID string
	ActorID    string
	Approved   bool
}

func (ApprovalEvent) Kind() EventKind { return KindApproval }
func (ApprovalEvent) isEvent()        {}

// BoundaryEvent opens or closes a generation.
type BoundaryEvent struct {
	Meta
	MessageID string
	Boundary  BoundaryKind
}

func (BoundaryEvent) Kind() EventKind { return KindBoundary }
func (BoundaryEvent) isEvent()        {}

// WithMeta returns a copy of evt carrying meta.
func WithMeta(evt Event, meta Meta) Event {
	switch e := evt.(type) {
	case ChunkEvent:
		e.Meta = meta
		return e
	case ApprovalEvent:
		e.Meta = meta
		return e
	case BoundaryEvent:
		e.Meta = meta
		return e
	default:
		panic(fmt.Sprintf("domain: unknown event type %T", evt))
	}
}

// MessageIDOf returns the generation an event belongs to, if any.
func MessageIDOf(evt Event) string {
	switch e := evt.(type) {
	case ChunkEvent:
		return e.MessageID
	case BoundaryEvent:
		return e.MessageID
	default:
		return ""
	}
}
