package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gaspardpetit/toolbridge/internal/corr"
	"github.com/gaspardpetit/toolbridge/internal/logx"
	"github.com/gaspardpetit/toolbridge/internal/resource"
	"github.com/gaspardpetit/toolbridge/internal/serverstate"
	"github.com/gaspardpetit/toolbridge/internal/tools"
)

// StateSnapshot is the JSON shape served by /state.
type StateSnapshot struct {
	Status           string       `json:"status"`
	Draining         bool         `json:"draining"`
	Version          string       `json:"version,omitempty"`
	ConnectedClients int          `json:"connected_clients"`
	OpenRequests     int          `json:"open_requests"`
	InFlight         int64        `json:"in_flight"`
	Tools            []tools.Tool `json:"tools"`
}

// StateHandler answers snapshot requests and their streaming variant.
type StateHandler struct {
	Tools     *tools.Registry
	Tracker   *corr.Tracker
	Resources *resource.Registry
	Clients   func() int
	Version   string
}

func (h *StateHandler) snapshot() StateSnapshot {
	st := serverstate.Current()
	snap := StateSnapshot{
		Status:       st.Status,
		Draining:     st.Draining,
		Version:      h.Version,
		OpenRequests: h.Tracker.OpenCount(),
		InFlight:     h.Resources.Count(),
		Tools:        h.Tools.Snapshot(),
	}
	if h.Clients != nil {
		snap.ConnectedClients = h.Clients()
	}
	return snap
}

// GetState returns a JSON snapshot of the bridge.
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.snapshot()); err != nil {
		logx.Log.Error().Err(err).Msg("encode state")
	}
}

// GetStateStream pushes a snapshot over SSE every two seconds until the
// subscriber goes away.
func (h *StateHandler) GetStateStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			b, _ := json.Marshal(h.snapshot())
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(b); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Healthz reports readiness. The bridge is unavailable before the relay
// starts and while a drain is in progress.
func Healthz(w http.ResponseWriter, r *http.Request) {
	st := serverstate.Current()
	status := "ok"
	code := http.StatusOK
	if st.Status != "ready" || st.Draining {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"status":"%s"}`, status)
}
