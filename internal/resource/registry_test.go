package resource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func TestRegistryReturnsToZero(t *testing.T) {
	r := NewRegistry()
	r.Acquire("conn-1")
	r.Acquire("conn-2")
	r.Acquire("conn-1")
	if got := r.Count(); got != 3 {
		t.Fatalf("expected 3 handles, got %d", got)
	}
	if want := []string{"conn-1", "conn-2"}; !reflect.DeepEqual(r.Holders(), want) {
		t.Fatalf("expected holders %v, got %v", want, r.Holders())
	}
	r.Release("conn-1")
	r.Release("conn-2")
	r.Release("conn-1")
	if got := r.Count(); got != 0 {
		t.Fatalf("expected 0 handles, got %d", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !r.WaitForZero(ctx) {
		t.Fatalf("expected WaitForZero to return immediately at zero")
	}
}

func TestReleaseWithoutAcquire(t *testing.T) {
	r := NewRegistry()
	r.Release("ghost")
	if got := r.Count(); got != 0 {
		t.Fatalf("expected 0 handles, got %d", got)
	}
}

func TestWaitForZeroBlocksUntilReleased(t *testing.T) {
	r := NewRegistry()
	r.Acquire("cycle")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	if r.WaitForZero(ctx) {
		cancel()
		t.Fatalf("expected WaitForZero to time out while a handle is live")
	}
	cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Release("cycle")
	}()
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !r.WaitForZero(ctx) {
		t.Fatalf("expected WaitForZero to observe the release")
	}
}

func TestMiddlewareTracksRequests(t *testing.T) {
	r := NewRegistry()
	h := r.Middleware("ingress")(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if got := r.Count(); got != 1 {
			t.Errorf("expected 1 handle during request, got %d", got)
		}
	}))
	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got := r.Count(); got != 0 {
		t.Fatalf("expected 0 handles after request, got %d", got)
	}
}
