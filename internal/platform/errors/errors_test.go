package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidArgument, http.StatusBadRequest},
		{CodeEmptyBatch, http.StatusBadRequest},
		{CodeChunkTooLarge, http.StatusBadRequest},
		{CodeSessionNotFound, http.StatusNotFound},
		{CodeUnknownApproval, http.StatusNotFound},
		{CodeGenerationAlreadyActive, http.StatusConflict},
		{CodeApprovalAlreadyPending, http.StatusConflict},
		{CodeStoreWriteFailed, http.StatusInternalServerError},
		{CodeRegistryClosed, http.StatusServiceUnavailable},
		{CodeCanceled, http.StatusServiceUnavailable},
		{CodeStoreReadFailed, http.StatusInternalServerError},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Fatalf("%s status = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestResolvedApprovalMapsToConflict(t *testing.T) {
	err := WithMetadata(CodeUnknownApproval, "approval already resolved", map[string]string{
		MetaApprovalState: ApprovalStateResolved,
	})
	if got := err.HTTPStatus(); got != http.StatusConflict {
		t.Fatalf("status = %d, want %d", got, http.StatusConflict)
	}
	plain := New(CodeUnknownApproval, "approval not found")
	if got := plain.HTTPStatus(); got != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", got, http.StatusNotFound)
	}
}

func TestCodeOfFollowsWrapping(t *testing.T) {
	base := Wrap(CodeStoreWriteFailed, "append chunk", fmt.Errorf("disk full"))
	wrapped := fmt.Errorf("write chunk: %w", base)

	if got := CodeOf(wrapped); got != CodeStoreWriteFailed {
		t.Fatalf("code = %s, want %s", got, CodeStoreWriteFailed)
	}
	if !HasCode(wrapped, CodeStoreWriteFailed) {
		t.Fatal("expected wrapped error to carry store write code")
	}
	if HasCode(wrapped, CodeUnknownApproval) {
		t.Fatal("did not expect unknown approval code")
	}
	if got := CodeOf(fmt.Errorf("plain")); got != CodeUnknown {
		t.Fatalf("code = %s, want %s", got, CodeUnknown)
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(CodeStoreWriteFailed, "append chunk", fmt.Errorf("disk full"))
	if err.Error() != "append chunk: disk full" {
		t.Fatalf("message = %q", err.Error())
	}
	if !CodeStoreWriteFailed.Retryable() {
		t.Fatal("expected store write failures to be retryable")
	}
	if CodeGenerationAlreadyActive.Retryable() {
		t.Fatal("did not expect conflicts to be retryable")
	}
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := FromContext("load session", ctx.Err())
	if !IsContextError(err) {
		t.Fatal("expected wrapped error to still match context.Canceled")
	}
	if CodeOf(err) != CodeCanceled || !err.Code.Retryable() {
		t.Fatalf("code = %s retryable = %v, want retryable CANCELED", err.Code, err.Code.Retryable())
	}
	if IsContextError(fmt.Errorf("disk full")) {
		t.Fatal("plain error is not a context error")
	}
}
