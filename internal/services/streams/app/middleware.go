package app

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
	platformotel "github.com/louisbranch/sessionstream/internal/platform/otel"
	"github.com/louisbranch/sessionstream/internal/platform/requestctx"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = platformotel.Tracer("github.com/louisbranch/sessionstream/internal/services/streams/app")

// statusRecorder captures what a handler wrote for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the live tail upgrade through the logger.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withRequestLog wraps next in a server span and logs one entry per request.
func withRequestLog(logger logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracer.Start(r.Context(), "HTTP "+r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}
		if r.Pattern != "" {
			span.SetAttributes(attribute.String("http.route", r.Pattern))
		}
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if sessionID := r.PathValue("sessionId"); sessionID != "" {
			fields["session_id"] = sessionID
			span.SetAttributes(attribute.String("session.id", sessionID))
		}
		if traceID := platformotel.TraceID(ctx); traceID != "" {
			fields["trace_id"] = traceID
		}
		entry := logger.WithFields(fields)
		if rec.err != nil {
			entry = entry.WithError(rec.err)
		}
		switch {
		case apperrors.HasCode(rec.err, apperrors.CodeCanceled):
			entry.Info("request canceled")
		case rec.status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case rec.status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Info("request served")
		}
	})
}

// withActorID takes the acting identity from X-Actor-Id unless an upstream
// layer already put one in the context.
func withActorID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestctx.ActorIDFromContext(r.Context()) == "" {
			if actorID := r.Header.Get(ActorIDHeader); actorID != "" {
				r = r.WithContext(requestctx.WithActorID(r.Context(), actorID))
			}
		}
		next.ServeHTTP(w, r)
	})
}
