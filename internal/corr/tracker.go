package corr

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateID reports an Open for an id that is already in flight.
	ErrDuplicateID = errors.New("duplicate correlation id")
	// ErrUnknownID reports a Resolve for an id with no open entry.
	ErrUnknownID = errors.New("unknown correlation id")
)

// Tracker maps in-flight request ids to the side they arrived on. One entry
// lives exactly one request lifecycle: Open when the request is accepted,
// Resolve when its response is routed back, Release as the unconditional
// cleanup on abandoned paths. Entries never outlive their request.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]string)}
}

// Open records id as in flight from origin.
func (t *Tracker) Open(id, origin string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	t.pending[id] = origin
	return nil
}

// Resolve returns the origin recorded for id and removes the entry.
func (t *Tracker) Resolve(id string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	origin, ok := t.pending[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	delete(t.pending, id)
	return origin, nil
}

// Release removes the entry for id if one is open. Safe to call after
// Resolve, so callers can defer it on every path.
func (t *Tracker) Release(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// OpenCount returns the number of in-flight entries.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
