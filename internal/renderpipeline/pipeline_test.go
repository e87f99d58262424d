package renderpipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kestrel-labs/rendercore/internal/types"
)

func TestNewRequestIDIsUniqueAndPrefixed(t *testing.T) {
	a := newRequestID()
	b := newRequestID()

	if !strings.HasPrefix(a, "req-") || !strings.HasPrefix(b, "req-") {
		t.Fatalf("expected req- prefix, got %q and %q", a, b)
	}
	if a == b {
		t.Error("expected two distinct request ids")
	}
}

func TestFailSetsErrorsAndDuration(t *testing.T) {
	start := time.Now().Add(-50 * time.Millisecond)
	resp := &types.RenderResponse{RequestID: "req-test"}

	got := fail(resp, start, types.CodeNavigationFailed, "boom", "underlying: boom")

	if got.Success {
		t.Error("expected Success=false")
	}
	if len(got.Errors) != 1 || got.Errors[0].Code != types.CodeNavigationFailed {
		t.Fatalf("expected one NAVIGATION_FAILED error, got %+v", got.Errors)
	}
	if got.Errors[0].Message != "boom" {
		t.Errorf("expected message boom, got %q", got.Errors[0].Message)
	}
	if got.Meta.DurationMs < 40 {
		t.Errorf("expected duration_ms to reflect elapsed time, got %d", got.Meta.DurationMs)
	}
}

func TestAcquireErrorCode(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), 0)
	cancel()
	<-expired.Done()

	live, cancel2 := context.WithTimeout(context.Background(), time.Hour)
	defer cancel2()

	if got := acquireErrorCode(live, errors.New("boom")); got != types.CodeBrowserError {
		t.Errorf("non-timeout error should map to CodeBrowserError, got %s", got)
	}
	if got := acquireErrorCode(live, types.ErrAcquireTimeout); got != types.CodeTimeout {
		t.Errorf("sub-timeout with live outer ctx should map to CodeTimeout, got %s", got)
	}
	if got := acquireErrorCode(expired, types.ErrAcquireTimeout); got != types.CodeTotalTimeout {
		t.Errorf("timeout with expired outer ctx should map to CodeTotalTimeout, got %s", got)
	}
	if got := acquireErrorCode(expired, context.DeadlineExceeded); got != types.CodeTotalTimeout {
		t.Errorf("context.DeadlineExceeded with expired outer ctx should map to CodeTotalTimeout, got %s", got)
	}

	proxyErr := types.NewRenderError(types.CodeProxyError, "proxy auth setup failed", errors.New("boom"))
	if got := acquireErrorCode(live, proxyErr); got != types.CodeProxyError {
		t.Errorf("typed acquire error should keep its code, got %s", got)
	}
	valErr := types.NewValidationError("proxy.server", "bad proxy")
	if got := acquireErrorCode(live, valErr); got != types.CodeValidationError {
		t.Errorf("late validation error should keep CodeValidationError, got %s", got)
	}
}

func TestNavigationErrorCode(t *testing.T) {
	live, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	if got := navigationErrorCode(live, errors.New("dns failure")); got != types.CodeNavigationFailed {
		t.Errorf("non-timeout error should map to CodeNavigationFailed, got %s", got)
	}
	if got := navigationErrorCode(live, context.DeadlineExceeded); got != types.CodeTimeout {
		t.Errorf("stage timeout with live outer ctx should map to CodeTimeout, got %s", got)
	}
}
