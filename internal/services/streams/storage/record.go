package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
)

// EventRecord is the flat persisted form of a domain event.
type EventRecord struct {
	SessionID  string    `cbor:"1,keyasint"`
	Offset     uint64    `cbor:"2,keyasint"`
	Kind       string    `cbor:"3,keyasint"`
	MessageID  string    `cbor:"4,keyasint,omitempty"`
	ActorID    string    `cbor:"5,keyasint,omitempty"`
	Role       string    `cbor:"6,keyasint,omitempty"`
	Sequence   uint64    `cbor:"7,keyasint,omitempty"`
	ApprovalID string    `cbor:"8,keyasint,omitempty"`
	Approved   bool      `cbor:"9,keyasint,omitempty"`
	Boundary   string    `cbor:"10,keyasint,omitempty"`
	Payload    []byte    `cbor:"11,keyasint,omitempty"`
	Marker     string    `cbor:"12,keyasint"`
	At         time.Time `cbor:"13,keyasint"`
	// Hash chains this record to PrevHash; see the integrity package.
	Hash     string `cbor:"14,keyasint"`
	PrevHash string `cbor:"15,keyasint,omitempty"`
}

// ToRecord flattens an event. The marker comes from the commit, not the event.
func ToRecord(evt domain.Event, marker string) (EventRecord, error) {
	meta := evt.Metadata()
	rec := EventRecord{
		SessionID: meta.SessionID,
		Offset:    meta.Offset,
		Kind:      string(evt.Kind()),
		Marker:    marker,
		At:        meta.At.UTC().Truncate(time.Millisecond),
	}
	switch e := evt.(type) {
	case domain.ChunkEvent:
		rec.MessageID = e.MessageID
		rec.ActorID = e.ActorID
		rec.Role = string(e.Role)
		rec.Sequence = e.Sequence
		rec.Payload = append([]byte(nil), e.Payload...)
	case domain.ApprovalEvent:
		rec.ApprovalID = e.ApprovalID
		rec.ActorID = e.ActorID
		rec.Approved = e.Approved
	case domain.BoundaryEvent:
		rec.MessageID = e.MessageID
		rec.Boundary = string(e.Boundary)
	default:
		return EventRecord{}, fmt.Errorf("unsupported event type %T", evt)
	}
	return rec, nil
}

// Event rebuilds the domain event.
func (r EventRecord) Event() (domain.Event, error) {
	meta := domain.Meta{SessionID: r.SessionID, Offset: r.Offset, Marker: r.Marker, At: r.At.UTC()}
	switch domain.EventKind(r.Kind) {
	case domain.KindChunk:
		return domain.ChunkEvent{
			Meta:      meta,
			MessageID: r.MessageID,
			ActorID:   r.ActorID,
			Role:      domain.Role(r.Role),
			Payload:   json.RawMessage(append([]byte(nil), r.Payload...)),
			Sequence:  r.Sequence,
		}, nil
	case domain.KindApproval:
		return domain.ApprovalEvent{Meta: meta, ApprovalID: r.ApprovalID, ActorID: r.ActorID, Approved: r.Approved}, nil
	case domain.KindBoundary:
		return domain.BoundaryEvent{Meta: meta, MessageID: r.MessageID, Boundary: domain.BoundaryKind(r.Boundary)}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q at offset %d", r.Kind, r.Offset)
	}
}

// RecordsToEvents converts a page of records.
func RecordsToEvents(records []EventRecord) ([]domain.Event, error) {
	events := make([]domain.Event, 0, len(records))
	for _, rec := range records {
		evt, err := rec.Event()
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}
