// Package wire defines the JSON shapes of session events shared by the HTTP
// surface, the live tail, the commit publisher and operator tooling.
package wire

import (
	"encoding/json"
	"time"

	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
)

// Event is the JSON form of one logged event.
type Event struct {
	SessionID  string          `json:"sessionId"`
	Offset     uint64          `json:"offset"`
	Kind       string          `json:"kind"`
	Marker     string          `json:"visibilityMarker,omitempty"`
	At         time.Time       `json:"at"`
	MessageID  string          `json:"messageId,omitempty"`
	ActorID    string          `json:"actorId,omitempty"`
	Role       string          `json:"role,omitempty"`
	Sequence   uint64          `json:"sequence,omitempty"`
	Chunk      json.RawMessage `json:"chunk,omitempty"`
	ApprovalID string          `json:"approvalId,omitempty"`
	Approved   *bool           `json:"approved,omitempty"`
	Boundary   string          `json:"boundary,omitempty"`
}

// Commit is the JSON form of one durable commit.
type Commit struct {
	SessionID string  `json:"sessionId"`
	Marker    string  `json:"visibilityMarker"`
	Events    []Event `json:"events"`
}

// FromEvent converts a domain event.
func FromEvent(evt domain.Event) Event {
	meta := evt.Metadata()
	out := Event{
		SessionID: meta.SessionID,
		Offset:    meta.Offset,
		Kind:      string(evt.Kind()),
		Marker:    meta.Marker,
		At:        meta.At,
	}
	switch e := evt.(type) {
	case domain.ChunkEvent:
		out.MessageID = e.MessageID
		out.ActorID = e.ActorID
		out.Role = string(e.Role)
		out.Sequence = e.Sequence
		if json.Valid(e.Payload) {
			out.Chunk = e.Payload
		} else if quoted, err := json.Marshal(string(e.Payload)); err == nil {
			out.Chunk = quoted
		}
	case domain.ApprovalEvent:
		approved := e.Approved
		out.ApprovalID = e.ApprovalID
		out.ActorID = e.ActorID
		out.Approved = &approved
	case domain.BoundaryEvent:
		out.MessageID = e.MessageID
		out.Boundary = string(e.Boundary)
	}
	return out
}

// FromEvents converts a page of domain events.
func FromEvents(events []domain.Event) []Event {
	out := make([]Event, 0, len(events))
	for _, evt := range events {
		out = append(out, FromEvent(evt))
	}
	return out
}

// FromCommit converts a storage commit.
func FromCommit(commit storage.Commit) Commit {
	return Commit{
		SessionID: commit.SessionID,
		Marker:    commit.Marker,
		Events:    FromEvents(commit.Events),
	}
}
