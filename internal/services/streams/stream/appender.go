package stream

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/session"
)

// ChunkInput is one chunk as submitted by a producer.
type ChunkInput struct {
	// MessageID attributes the chunk; empty means the active generation.
	MessageID string
	ActorID   string
	Role      string
	Payload   json.RawMessage
	// Marker, when set, is recorded as the commit's visibility marker.
	Marker string
}

// Receipt reports a durable write.
type Receipt struct {
	SessionID string
	MessageID string
	// Offset is the log position of the last event written.
	Offset uint64
	// Sequence is the chunk sequence of the last chunk written, if any.
	Sequence uint64
	Marker   string
	// Count is the number of chunks written.
	Count int
}

type plannedChunk struct {
	messageID string
	actorID   string
	role      domain.Role
	payload   json.RawMessage
}

// WriteChunk validates and appends one chunk. When no generation is active,
// the start boundary is written in the same commit, ahead of the chunk.
func (s *Service) WriteChunk(ctx context.Context, sess *session.Session, in ChunkInput) (receipt Receipt, err error) {
	if err := requireSession(sess); err != nil {
		return Receipt{}, err
	}
	ctx, span := startSpan(ctx, "stream.WriteChunk", sess)
	defer func() { endSpan(span, err) }()

	chunk, err := s.validateChunk(in)
	if err != nil {
		return Receipt{}, err
	}
	return s.appendChunks(ctx, sess, []plannedChunk{chunk}, trimmed(in.Marker))
}

// WriteChunks appends a batch as one all-or-nothing commit. Trusted callers
// only: payload checks are skipped, attribution and sequencing are not.
func (s *Service) WriteChunks(ctx context.Context, sess *session.Session, inputs []ChunkInput) (receipt Receipt, err error) {
	if err := requireSession(sess); err != nil {
		return Receipt{}, err
	}
	ctx, span := startSpan(ctx, "stream.WriteChunks", sess)
	defer func() { endSpan(span, err) }()

	if len(inputs) == 0 {
		return Receipt{}, apperrors.New(apperrors.CodeEmptyBatch, "batch has no chunks")
	}
	marker := ""
	chunks := make([]plannedChunk, 0, len(inputs))
	for i, in := range inputs {
		role, err := domain.ParseRole(in.Role)
		if err != nil {
			return Receipt{}, apperrors.Wrap(apperrors.CodeInvalidArgument, fmt.Sprintf("chunk %d", i), err)
		}
		if m := trimmed(in.Marker); m != "" {
			if marker != "" && marker != m {
				return Receipt{}, invalid("chunk %d: visibility marker %q conflicts with %q", i, m, marker)
			}
			marker = m
		}
		chunks = append(chunks, plannedChunk{
			messageID: trimmed(in.MessageID),
			actorID:   trimmed(in.ActorID),
			role:      role,
			payload:   in.Payload,
		})
	}
	return s.appendChunks(ctx, sess, chunks, marker)
}

func (s *Service) validateChunk(in ChunkInput) (plannedChunk, error) {
	role, err := domain.ParseRole(in.Role)
	if err != nil {
		return plannedChunk{}, err
	}
	actorID := trimmed(in.ActorID)
	if actorID == "" {
		return plannedChunk{}, invalid("actor id is required")
	}
	if len(in.Payload) == 0 {
		return plannedChunk{}, invalid("chunk payload is required")
	}
	if len(in.Payload) > s.maxChunkBytes {
		return plannedChunk{}, apperrors.WithMetadata(apperrors.CodeChunkTooLarge,
			fmt.Sprintf("chunk payload is %d bytes, limit is %d", len(in.Payload), s.maxChunkBytes),
			map[string]string{"limit_bytes": fmt.Sprint(s.maxChunkBytes)})
	}
	if !json.Valid(in.Payload) {
		return plannedChunk{}, invalid("chunk payload must be valid JSON")
	}
	return plannedChunk{
		messageID: trimmed(in.MessageID),
		actorID:   actorID,
		role:      role,
		payload:   in.Payload,
	}, nil
}

func (s *Service) appendChunks(ctx context.Context, sess *session.Session, chunks []plannedChunk, marker string) (Receipt, error) {
	var receipt Receipt
	err := sess.Exclusive(ctx, func(txn *session.Txn) error {
		events, err := s.planChunks(txn.State, chunks)
		if err != nil {
			return err
		}
		commit, err := s.commit(ctx, txn, events, marker)
		if err != nil {
			return err
		}
		receipt = Receipt{
			SessionID: sess.ID(),
			Offset:    txn.State.LastOffset,
			Sequence:  txn.State.LastSequence,
			Marker:    commit.Marker,
			Count:     len(chunks),
		}
		last := commit.Events[len(commit.Events)-1]
		receipt.MessageID = domain.MessageIDOf(last)
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// planChunks attributes chunks to generations and numbers them after state.
// A chunk finding no active generation opens one under its own message id,
// or a generated one, exactly as StartGeneration would.
func (s *Service) planChunks(state domain.State, chunks []plannedChunk) ([]domain.Event, error) {
	at := s.now()
	active := ""
	if gen, ok := state.ActiveGeneration(); ok {
		active = gen.MessageID
	}

	events := make([]domain.Event, 0, len(chunks)+1)
	sequence := state.LastSequence
	for _, chunk := range chunks {
		messageID := chunk.messageID
		if active == "" {
			if messageID == "" {
				generated, err := s.newMessageID()
				if err != nil {
					return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate message id", err)
				}
				messageID = generated
			}
			events = append(events, domain.BoundaryEvent{
				Meta:      envelope(state, uint64(len(events))+1, at),
				MessageID: messageID,
				Boundary:  domain.BoundaryStart,
			})
			active = messageID
		} else if messageID == "" {
			messageID = active
		}

		sequence++
		events = append(events, domain.ChunkEvent{
			Meta:      envelope(state, uint64(len(events))+1, at),
			MessageID: messageID,
			ActorID:   chunk.actorID,
			Role:      chunk.role,
			Payload:   chunk.payload,
			Sequence:  sequence,
		})
	}
	return events, nil
}
