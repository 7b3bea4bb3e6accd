package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
	"github.com/louisbranch/sessionstream/internal/platform/id"
	"github.com/louisbranch/sessionstream/internal/platform/pagination"
	"github.com/louisbranch/sessionstream/internal/platform/requestctx"
	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/session"
	"github.com/louisbranch/sessionstream/internal/services/streams/stream"
	"github.com/louisbranch/sessionstream/internal/services/streams/wire"
	"github.com/sirupsen/logrus"
)

// ActorIDHeader names the approval actor when no upstream identity exists.
const ActorIDHeader = "X-Actor-Id"

var eventsPage = pagination.PageSizeConfig{Default: 500, Max: 1000}

// HandlerConfig wires the routes to the core.
type HandlerConfig struct {
	Registry         *session.Registry
	Service          *stream.Service
	Logger           logrus.FieldLogger
	ActorIDGenerator func() (string, error)
	TailBuffer       int
}

type handler struct {
	registry   *session.Registry
	service    *stream.Service
	tails      *tailHub
	newActorID func() (string, error)
}

// NewHandler builds the session stream routes and attaches the live tail to
// the service's visibility bridge.
func NewHandler(config HandlerConfig) (http.Handler, error) {
	_, routes, err := newHandler(config)
	return routes, err
}

func newHandler(config HandlerConfig) (*handler, http.Handler, error) {
	if config.Registry == nil {
		return nil, nil, errors.New("session registry is required")
	}
	if config.Service == nil {
		return nil, nil, errors.New("stream service is required")
	}
	h := &handler{
		registry:   config.Registry,
		service:    config.Service,
		tails:      newTailHub(config.TailBuffer),
		newActorID: id.WithPrefix("anon_", config.ActorIDGenerator),
	}
	config.Service.Bridge().Attach(h.tails)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("PUT /{sessionId}", h.createSession)
	mux.HandleFunc("GET /{sessionId}", h.progress)
	mux.HandleFunc("POST /{sessionId}/chunks", h.appendChunk)
	mux.HandleFunc("POST /{sessionId}/chunks/batch", h.appendBatch)
	mux.HandleFunc("POST /{sessionId}/generations/start", h.startGeneration)
	mux.HandleFunc("POST /{sessionId}/generations/finish", h.finishGeneration)
	mux.HandleFunc("GET /{sessionId}/generations/active", h.activeGeneration)
	mux.HandleFunc("POST /{sessionId}/approvals", h.raiseApproval)
	mux.HandleFunc("GET /{sessionId}/approvals", h.listApprovals)
	mux.HandleFunc("POST /{sessionId}/approvals/{approvalId}", h.respondApproval)
	mux.HandleFunc("GET /{sessionId}/events", h.listEvents)
	mux.HandleFunc("GET /{sessionId}/stream", h.tail)

	return h, withRequestLog(loggerOrDefault(config.Logger), withActorID(mux)), nil
}

type chunkRequest struct {
	MessageID        string          `json:"messageId"`
	ActorID          string          `json:"actorId"`
	Role             string          `json:"role"`
	Chunk            json.RawMessage `json:"chunk"`
	VisibilityMarker string          `json:"visibilityMarker"`
}

func (c chunkRequest) input() stream.ChunkInput {
	return stream.ChunkInput{
		MessageID: c.MessageID,
		ActorID:   c.ActorID,
		Role:      c.Role,
		Payload:   c.Chunk,
		Marker:    c.VisibilityMarker,
	}
}

type batchRequest struct {
	Chunks []chunkRequest `json:"chunks"`
}

type receiptResponse struct {
	OK               bool   `json:"ok"`
	SessionID        string `json:"sessionId"`
	MessageID        string `json:"messageId,omitempty"`
	Offset           uint64 `json:"offset"`
	Sequence         uint64 `json:"sequence,omitempty"`
	Count            int    `json:"count,omitempty"`
	VisibilityMarker string `json:"visibilityMarker"`
}

func newReceiptResponse(receipt stream.Receipt) receiptResponse {
	return receiptResponse{
		OK:               true,
		SessionID:        receipt.SessionID,
		MessageID:        receipt.MessageID,
		Offset:           receipt.Offset,
		Sequence:         receipt.Sequence,
		Count:            receipt.Count,
		VisibilityMarker: receipt.Marker,
	}
}

type generationRequest struct {
	MessageID string `json:"messageId"`
}

type finishResponse struct {
	OK               bool   `json:"ok"`
	SessionID        string `json:"sessionId"`
	MessageID        string `json:"messageId"`
	Finished         bool   `json:"finished"`
	VisibilityMarker string `json:"visibilityMarker,omitempty"`
}

type activeGenerationResponse struct {
	Active    bool       `json:"active"`
	MessageID string     `json:"messageId,omitempty"`
	State     string     `json:"state,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

type approvalRequest struct {
	ApprovalID string          `json:"approvalId"`
	Payload    json.RawMessage `json:"payload"`
}

type approvalResponse struct {
	ApprovalID string          `json:"approvalId"`
	MessageID  string          `json:"messageId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RaisedAt   time.Time       `json:"raisedAt"`
	ExpiresAt  *time.Time      `json:"expiresAt,omitempty"`
}

func newApprovalResponse(req domain.ApprovalRequest) approvalResponse {
	out := approvalResponse{
		ApprovalID: req.ApprovalID,
		MessageID:  req.MessageID,
		RaisedAt:   req.RaisedAt,
	}
	if len(req.Payload) > 0 {
		out.Payload = json.RawMessage(req.Payload)
	}
	if !req.ExpiresAt.IsZero() {
		expires := req.ExpiresAt
		out.ExpiresAt = &expires
	}
	return out
}

type approvalDecision struct {
	Approved *bool  `json:"approved"`
	TxID     string `json:"txid"`
}

type progressResponse struct {
	SessionID        string                    `json:"sessionId"`
	LastOffset       uint64                    `json:"lastOffset"`
	LastSequence     uint64                    `json:"lastSequence"`
	VisibilityMarker string                    `json:"visibilityMarker,omitempty"`
	ActiveGeneration *activeGenerationResponse `json:"activeGeneration,omitempty"`
	PendingApprovals int                       `json:"pendingApprovals"`
	UpdatedAt        *time.Time                `json:"updatedAt,omitempty"`
}

func newProgressResponse(progress stream.Progress) progressResponse {
	out := progressResponse{
		SessionID:        progress.SessionID,
		LastOffset:       progress.LastOffset,
		LastSequence:     progress.LastSequence,
		VisibilityMarker: progress.Marker,
		PendingApprovals: progress.PendingApprovals,
	}
	if gen := progress.ActiveGeneration; gen != nil {
		active := newActiveGenerationResponse(*gen, true)
		out.ActiveGeneration = &active
	}
	if !progress.UpdatedAt.IsZero() {
		updated := progress.UpdatedAt
		out.UpdatedAt = &updated
	}
	return out
}

func newActiveGenerationResponse(gen domain.Generation, ok bool) activeGenerationResponse {
	if !ok {
		return activeGenerationResponse{}
	}
	out := activeGenerationResponse{Active: true, MessageID: gen.MessageID, State: string(gen.State)}
	if !gen.StartedAt.IsZero() {
		started := gen.StartedAt
		out.StartedAt = &started
	}
	return out
}

type eventsResponse struct {
	SessionID string       `json:"sessionId"`
	Events    []wire.Event `json:"events"`
	NextAfter uint64       `json:"nextAfter"`
}

// createSession registers a session handle so lookup-only routes accept it.
func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.GetOrCreateSession(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Release()
	progress, err := h.service.Progress(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newProgressResponse(progress))
}

func (h *handler) progress(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Lookup(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Release()
	progress, err := h.service.Progress(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newProgressResponse(progress))
}

// appendChunk is lookup-only: an unknown session is a 404, never created.
func (h *handler) appendChunk(w http.ResponseWriter, r *http.Request) {
	var body chunkRequest
	if err := decodeBody(w, r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.registry.Lookup(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Release()

	receipt, err := h.service.WriteChunk(r.Context(), sess, body.input())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (h *handler) appendBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := decodeBody(w, r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Chunks) == 0 {
		writeError(w, apperrors.New(apperrors.CodeEmptyBatch, "batch has no chunks"))
		return
	}
	sess, err := h.registry.GetOrCreateSession(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Release()

	inputs := make([]stream.ChunkInput, len(body.Chunks))
	for i, chunk := range body.Chunks {
		inputs[i] = chunk.input()
	}
	receipt, err := h.service.WriteChunks(r.Context(), sess, inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (h *handler) startGeneration(w http.ResponseWriter, r *http.Request) {
	var body generationRequest
	if err := decodeBody(w, r, &body, true); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.registry.GetOrCreateSession(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Release()

	receipt, err := h.service.StartGeneration(r.Context(), sess, body.MessageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

// finishGeneration only fails on store errors; finishing an idle session
// reports finished=false.
func (h *handler) finishGeneration(w http.ResponseWriter, r *http.Request) {
	var body generationRequest
	if err := decodeBody(w, r, &body, true); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.registry.GetOrCreateSession(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Release()

	result, err := h.service.FinishGeneration(r.Context(), sess, body.MessageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, finishResponse{
		OK:               true,
		SessionID:        sess.ID(),
		MessageID:        result.MessageID,
		Finished:         result.Finished,
		VisibilityMarker: result.Marker,
	})
}

func (h *handler) activeGeneration(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Lookup(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Release()

	gen, ok, err := h.service.ActiveGeneration(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newActiveGenerationResponse(gen, ok))
}

func (h *handler) raiseApproval(w http.ResponseWriter, r *http.Request) {
	var body approvalRequest
	if err := decodeBody(w, r, &body, true); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.registry.GetOrCreateSession(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Release()

	req, err := h.service.RaiseApproval(r.Context(), sess, body.ApprovalID, body.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newApprovalResponse(req))
}

func (h *handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Lookup(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Release()

	pending, err := h.service.PendingApprovals(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]approvalResponse, 0, len(pending))
	for _, req := range pending {
		out = append(out, newApprovalResponse(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": out})
}

// respondApproval answers with 204; a never-raised id is a 404 and an
// already-answered id a 409.
func (h *handler) respondApproval(w http.ResponseWriter, r *http.Request) {
	var body approvalDecision
	if err := decodeBody(w, r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if body.Approved == nil {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "approved is required"))
		return
	}
	actorID := requestctx.ActorIDFromContext(r.Context())
	if actorID == "" {
		generated, err := h.newActorID()
		if err != nil {
			writeError(w, apperrors.Wrap(apperrors.CodeUnknown, "generate actor id", err))
			return
		}
		actorID = generated
	}
	sess, err := h.registry.GetOrCreateSession(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Release()

	if _, err := h.service.WriteApprovalResponse(r.Context(), sess, actorID, r.PathValue("approvalId"), *body.Approved, body.TxID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listEvents pages the durable log directly; it never creates a handle.
func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("sessionId"))
	after, err := parseOffset(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := pagination.ParsePageSize(r.URL.Query().Get("limit"), eventsPage)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "limit must be a non-negative integer", err))
		return
	}
	events, err := h.service.Events(r.Context(), sessionID, after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Metadata().Offset
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		SessionID: sessionID,
		Events:    wire.FromEvents(events),
		NextAfter: next,
	})
}

func parseOffset(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidArgument, "after must be a non-negative integer", err)
	}
	return value, nil
}
