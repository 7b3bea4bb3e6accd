package stream

import (
	"context"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/session"
)

// FinishResult reports the outcome of FinishGeneration.
type FinishResult struct {
	// MessageID is the closed generation, or the requested id when nothing closed.
	MessageID string
	// Finished is false when there was no matching active generation.
	Finished bool
	Marker   string
	Offset   uint64
}

// StartGeneration opens a generation. An empty messageID is generated.
func (s *Service) StartGeneration(ctx context.Context, sess *session.Session, messageID string) (receipt Receipt, err error) {
	if err := requireSession(sess); err != nil {
		return Receipt{}, err
	}
	ctx, span := startSpan(ctx, "stream.StartGeneration", sess)
	defer func() { endSpan(span, err) }()

	messageID = trimmed(messageID)
	err = sess.Exclusive(ctx, func(txn *session.Txn) error {
		if gen, ok := txn.State.ActiveGeneration(); ok {
			return apperrors.WithMetadata(apperrors.CodeGenerationAlreadyActive, "a generation is already active", map[string]string{
				apperrors.MetaActiveMessageID: gen.MessageID,
				apperrors.MetaSessionID:       sess.ID(),
			})
		}
		if messageID == "" {
			generated, err := s.newMessageID()
			if err != nil {
				return apperrors.Wrap(apperrors.CodeUnknown, "generate message id", err)
			}
			messageID = generated
		}
		commit, err := s.commit(ctx, txn, []domain.Event{domain.BoundaryEvent{
			Meta:      envelope(txn.State, 1, s.now()),
			MessageID: messageID,
			Boundary:  domain.BoundaryStart,
		}}, "")
		if err != nil {
			return err
		}
		receipt = Receipt{
			SessionID: sess.ID(),
			MessageID: messageID,
			Offset:    txn.State.LastOffset,
			Sequence:  txn.State.LastSequence,
			Marker:    commit.Marker,
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// ActiveGeneration reads the active generation without waiting on writers.
func (s *Service) ActiveGeneration(ctx context.Context, sess *session.Session) (domain.Generation, bool, error) {
	if err := requireSession(sess); err != nil {
		return domain.Generation{}, false, err
	}
	state, err := sess.Snapshot(ctx)
	if err != nil {
		return domain.Generation{}, false, err
	}
	gen, ok := state.ActiveGeneration()
	return gen, ok, nil
}

// FinishGeneration closes the active generation, or the one named by
// messageID. Finishing with nothing matching active is a successful no-op so
// duplicate finish signals are harmless.
//
// While the finish boundary is being written the generation reads as
// finishing; if the write fails it reads as active again.
func (s *Service) FinishGeneration(ctx context.Context, sess *session.Session, messageID string) (result FinishResult, err error) {
	if err := requireSession(sess); err != nil {
		return FinishResult{}, err
	}
	ctx, span := startSpan(ctx, "stream.FinishGeneration", sess)
	defer func() { endSpan(span, err) }()

	messageID = trimmed(messageID)
	err = sess.Exclusive(ctx, func(txn *session.Txn) error {
		gen, ok := txn.State.ActiveGeneration()
		if !ok || (messageID != "" && messageID != gen.MessageID) {
			result = FinishResult{MessageID: messageID, Marker: txn.State.LastMarker, Offset: txn.State.LastOffset}
			return nil
		}

		txn.State.Generation.State = domain.GenerationFinishing
		txn.Publish()

		commit, err := s.commit(ctx, txn, []domain.Event{domain.BoundaryEvent{
			Meta:      envelope(txn.State, 1, s.now()),
			MessageID: gen.MessageID,
			Boundary:  domain.BoundaryFinish,
		}}, "")
		if err != nil {
			return err
		}
		result = FinishResult{
			MessageID: gen.MessageID,
			Finished:  true,
			Marker:    commit.Marker,
			Offset:    txn.State.LastOffset,
		}
		return nil
	})
	if err != nil {
		return FinishResult{}, err
	}
	return result, nil
}
