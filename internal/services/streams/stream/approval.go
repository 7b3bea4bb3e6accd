package stream

import (
	"context"
	"encoding/json"
	"sort"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/session"
)

// RaiseApproval records an outstanding approval request. Requests live only
// in the session handle; the response is what reaches the log.
func (s *Service) RaiseApproval(ctx context.Context, sess *session.Session, approvalID string, payload json.RawMessage) (req domain.ApprovalRequest, err error) {
	if err := requireSession(sess); err != nil {
		return domain.ApprovalRequest{}, err
	}
	ctx, span := startSpan(ctx, "stream.RaiseApproval", sess)
	defer func() { endSpan(span, err) }()

	if len(payload) > 0 && !json.Valid(payload) {
		return domain.ApprovalRequest{}, invalid("approval payload must be valid JSON")
	}
	approvalID = trimmed(approvalID)
	err = sess.Exclusive(ctx, func(txn *session.Txn) error {
		now := s.now()
		if approvalID == "" {
			generated, err := s.newApprovalID()
			if err != nil {
				return apperrors.Wrap(apperrors.CodeUnknown, "generate approval id", err)
			}
			approvalID = generated
		}
		if txn.State.Resolved.Contains(approvalID) {
			return apperrors.WithMetadata(apperrors.CodeInvalidArgument, "approval id was already resolved", map[string]string{
				apperrors.MetaApprovalID:    approvalID,
				apperrors.MetaApprovalState: apperrors.ApprovalStateResolved,
			})
		}
		if existing, ok := txn.State.PendingApproval(approvalID); ok && !existing.Expired(now) {
			return apperrors.WithMetadata(apperrors.CodeApprovalAlreadyPending, "approval is already pending", map[string]string{
				apperrors.MetaApprovalID: approvalID,
			})
		}

		req = domain.ApprovalRequest{
			ApprovalID: approvalID,
			Payload:    append([]byte(nil), payload...),
			RaisedAt:   now,
		}
		if gen, ok := txn.State.ActiveGeneration(); ok {
			req.MessageID = gen.MessageID
		}
		if s.approvalTTL > 0 {
			req.ExpiresAt = now.Add(s.approvalTTL)
		}
		txn.State.AddPending(req)
		return nil
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	return req, nil
}

// WriteApprovalResponse answers an outstanding request exactly once. An id
// that was never raised, has expired, or was already answered fails with
// UNKNOWN_APPROVAL; the answered case carries state=resolved.
func (s *Service) WriteApprovalResponse(ctx context.Context, sess *session.Session, actorID, approvalID string, approved bool, marker string) (receipt Receipt, err error) {
	if err := requireSession(sess); err != nil {
		return Receipt{}, err
	}
	ctx, span := startSpan(ctx, "stream.WriteApprovalResponse", sess)
	defer func() { endSpan(span, err) }()

	actorID = trimmed(actorID)
	approvalID = trimmed(approvalID)
	if approvalID == "" {
		return Receipt{}, invalid("approval id is required")
	}
	if actorID == "" {
		return Receipt{}, invalid("actor id is required")
	}

	err = sess.Exclusive(ctx, func(txn *session.Txn) error {
		meta := map[string]string{apperrors.MetaApprovalID: approvalID}
		if txn.State.Resolved.Contains(approvalID) {
			meta[apperrors.MetaApprovalState] = apperrors.ApprovalStateResolved
			return apperrors.WithMetadata(apperrors.CodeUnknownApproval, "approval was already resolved", meta)
		}
		now := s.now()
		req, ok := txn.State.PendingApproval(approvalID)
		if !ok {
			return apperrors.WithMetadata(apperrors.CodeUnknownApproval, "approval was never raised", meta)
		}
		if req.Expired(now) {
			meta[apperrors.MetaApprovalState] = "expired"
			return apperrors.WithMetadata(apperrors.CodeUnknownApproval, "approval has expired", meta)
		}

		commit, err := s.commit(ctx, txn, []domain.Event{domain.ApprovalEvent{
			Meta:       envelope(txn.State, 1, now),
			ApprovalID: approvalID,
			ActorID:    actorID,
			Approved:   approved,
		}}, trimmed(marker))
		if err != nil {
			return err
		}
		receipt = Receipt{
			SessionID: sess.ID(),
			MessageID: req.MessageID,
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

// PendingApprovals lists unexpired outstanding requests, oldest first.
func (s *Service) PendingApprovals(ctx context.Context, sess *session.Session) ([]domain.ApprovalRequest, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}
	state, err := sess.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	pending := make([]domain.ApprovalRequest, 0, len(state.Pending))
	for _, req := range state.Pending {
		if !req.Expired(now) {
			pending = append(pending, req)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].RaisedAt.Equal(pending[j].RaisedAt) {
			return pending[i].RaisedAt.Before(pending[j].RaisedAt)
		}
		return pending[i].ApprovalID < pending[j].ApprovalID
	})
	return pending, nil
}
