package resource

import (
	"context"
	"net/http"
	"sort"
	"sync"
)

// Registry tracks live handles on named resources so that shutdown can wait
// for the bridge to go idle. Every in-flight message cycle acquires a handle
// and releases it on all exit paths; after any finite run the count is zero.
//
// A Registry is plain shared state handed to whoever needs it. There is no
// process-wide instance.
type Registry struct {
	mu     sync.Mutex
	held   map[string]int
	count  int64
	zeroCh chan struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{held: make(map[string]int)}
}

// Acquire records one handle on name.
func (r *Registry) Acquire(name string) {
	r.mu.Lock()
	if r.count == 0 {
		r.zeroCh = make(chan struct{})
	}
	r.held[name]++
	r.count++
	r.mu.Unlock()
}

// Release drops one handle on name. Releasing a name with no live handle is
// a no-op, so deferred releases stay safe on every exit path.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	if r.held[name] > 0 {
		r.held[name]--
		if r.held[name] == 0 {
			delete(r.held, name)
		}
		r.count--
		if r.count == 0 && r.zeroCh != nil {
			close(r.zeroCh)
		}
	}
	r.mu.Unlock()
}

// Count returns the number of live handles.
func (r *Registry) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Holders returns the names with live handles, sorted.
func (r *Registry) Holders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.held))
	for name := range r.held {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WaitForZero blocks until no handles are live or the context is done. It
// reports whether zero was reached.
func (r *Registry) WaitForZero(ctx context.Context) bool {
	select {
	case <-r.zeroChannel():
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Registry) zeroChannel() chan struct{} {
	r.mu.Lock()
	if r.zeroCh == nil {
		r.zeroCh = make(chan struct{})
		if r.count == 0 {
			close(r.zeroCh)
		}
	}
	ch := r.zeroCh
	r.mu.Unlock()
	return ch
}

// Middleware holds a handle on name for the duration of each request.
func (r *Registry) Middleware(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			r.Acquire(name)
			defer r.Release(name)
			next.ServeHTTP(w, req)
		})
	}
}
