package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantKind  ErrorKind
		retryable bool
	}{
		{401, KindAuth, false},
		{403, KindAuth, false},
		{400, KindInvalidRequest, false},
		{429, KindRateLimit, true},
		{500, KindServer, true},
		{529, KindServer, true},
		{418, KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			err := classifyStatus(tt.status, "body")
			if err.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", err.Kind, tt.wantKind)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", err.Retryable, tt.retryable)
			}
		})
	}
}

func TestClassifyTransportCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := classifyTransport(ctx, context.Canceled)
	if err.Kind != KindAborted {
		t.Errorf("kind = %s, want aborted", err.Kind)
	}
	if err.Retryable {
		t.Error("aborted must not be retryable")
	}
}

func TestClassifyTransportTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	err := classifyTransport(ctx, context.DeadlineExceeded)
	if err.Kind != KindNetwork {
		t.Errorf("kind = %s, want network", err.Kind)
	}
	if !err.Retryable {
		t.Error("timeout should be retryable")
	}
}

func TestClassifyTransportGenericFailure(t *testing.T) {
	err := classifyTransport(context.Background(), errors.New("connection refused"))
	if err.Kind != KindNetwork {
		t.Errorf("kind = %s, want network", err.Kind)
	}
}

func TestIsRetryableUnwraps(t *testing.T) {
	wrapped := fmt.Errorf("turn failed: %w", NewError(KindRateLimit, "slow down"))
	if !IsRetryable(wrapped) {
		t.Error("wrapped rate_limit should be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("unclassified errors are never retryable")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(AuthError("bad key")); got != KindAuth {
		t.Errorf("KindOf = %s, want auth", got)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf = %s, want unknown", got)
	}
}
