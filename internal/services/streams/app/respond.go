package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
)

// maxBodyBytes caps request bodies; batches carry many chunks.
const maxBodyBytes = 8 << 20

type errorBody struct {
	Code            string            `json:"code"`
	Message         string            `json:"message"`
	Retryable       bool              `json:"retryable"`
	ActiveMessageID string            `json:"activeMessageId,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err as an error envelope and hands it to the request
// logger.
func writeError(w http.ResponseWriter, err error) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	status, body := errorResponse(err)
	writeJSON(w, status, errorEnvelope{Error: body})
}

func errorResponse(err error) (int, errorBody) {
	domainErr, ok := apperrors.As(err)
	if !ok {
		return http.StatusInternalServerError, errorBody{
			Code:    string(apperrors.CodeUnknown),
			Message: "internal error",
		}
	}
	body := errorBody{
		Code:            string(domainErr.Code),
		Message:         domainErr.Message,
		Retryable:       domainErr.Code.Retryable(),
		ActiveMessageID: domainErr.Metadata[apperrors.MetaActiveMessageID],
		Metadata:        domainErr.Metadata,
	}
	return domainErr.HTTPStatus(), body
}

// decodeBody reads a JSON body into target. An empty body is accepted when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, target any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.New(apperrors.CodeInvalidArgument, "request body is too large")
		}
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}
