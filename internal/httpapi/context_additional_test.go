package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func waitDone(t *testing.T, ctx context.Context, what string) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("%s: joined context not canceled", what)
	}
}

func TestJoinContexts_ShutdownCancelsOperation(t *testing.T) {
	base, shutdown := context.WithCancel(context.Background())
	req, rc := context.WithCancel(context.Background())
	defer rc()
	j, cancel := joinContexts(base, req)
	defer cancel()
	shutdown()
	waitDone(t, j, "shutdown")
	if !errors.Is(context.Cause(j), context.Canceled) {
		t.Fatalf("cause=%v", context.Cause(j))
	}
}

func TestJoinContexts_ClientGoneCancelsOperation(t *testing.T) {
	base, bc := context.WithCancel(context.Background())
	defer bc()
	req, rc := context.WithCancel(context.Background())
	j, cancel := joinContexts(base, req)
	defer cancel()
	rc()
	waitDone(t, j, "client gone")
}

func TestOpContext_AppliesTimeoutAndBase(t *testing.T) {
	base, shutdown := context.WithCancel(context.Background())
	SetBaseContext(base)
	SetOperationTimeout(time.Hour)
	t.Cleanup(func() {
		// nolint:staticcheck // SA1012: nil resets to Background
		SetBaseContext(nil)
		SetOperationTimeout(0)
	})

	r := httptest.NewRequest(http.MethodPost, "/api/v1/plugins/notes/install", nil)
	ctx, cancel := opContext(r)
	defer cancel()
	if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > time.Hour {
		t.Fatalf("deadline=%v ok=%v", dl, ok)
	}
	shutdown()
	waitDone(t, ctx, "opContext")
}
