package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/toolbridge/internal/channel"
	"github.com/gaspardpetit/toolbridge/internal/logx"
	"github.com/gaspardpetit/toolbridge/internal/metrics"
)

const (
	defaultKeepAlive     = 15 * time.Second
	defaultClientBuffer  = 32
	defaultIngressBuffer = 64
)

// Hub is the production event channel. Subscribers attach with a GET on the
// events route and receive every outbound payload as an SSE message event;
// peers push inbound payloads with a POST on the messages route. Each
// subscriber has its own buffered queue; a payload for a full queue is
// dropped for that subscriber, never blocking the bridge.
//
// Disconnect is terminal: it ends every subscriber stream, refuses new ones
// and fails all further sends. The hub never reconnects.
type Hub struct {
	log       zerolog.Logger
	keepAlive time.Duration
	clientBuf int

	inbound chan []byte
	stop    chan struct{}

	mu      sync.Mutex
	clients map[string]chan []byte
	closed  bool
}

// NewHub returns a hub with the given keep-alive interval and per-client
// queue size. Zero values select the defaults.
func NewHub(keepAlive time.Duration, clientBuffer int) *Hub {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	if clientBuffer <= 0 {
		clientBuffer = defaultClientBuffer
	}
	return &Hub{
		log:       logx.With("sse"),
		keepAlive: keepAlive,
		clientBuf: clientBuffer,
		inbound:   make(chan []byte, defaultIngressBuffer),
		stop:      make(chan struct{}),
		clients:   make(map[string]chan []byte),
	}
}

// Send queues payload for every connected subscriber. Once the hub is shut
// down it fails with channel.ErrDisconnected and delivers nothing.
func (h *Hub) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return channel.ErrDisconnected
	}
	for id, ch := range h.clients {
		select {
		case ch <- payload:
		default:
			h.log.Warn().Str("client_id", id).Msg("dropping event for slow subscriber")
			metrics.RecordDroppedEvent("slow_client")
		}
	}
	return nil
}

// Receive returns the next inbound payload in arrival order. Payloads queued
// before shutdown are still delivered; after that it fails with
// channel.ErrDisconnected.
func (h *Hub) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-h.inbound:
		return payload, nil
	default:
	}
	select {
	case payload := <-h.inbound:
		return payload, nil
	case <-h.stop:
		return nil, channel.ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connected reports whether the hub still accepts sends.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

// Disconnect shuts the hub down. Idempotent.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.stop)
	h.mu.Unlock()
	h.log.Info().Msg("event hub disconnected")
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeEvents streams hub traffic to one subscriber until the client goes
// away or the hub shuts down. Keep-alive comments are emitted on an idle
// stream so intermediaries do not cut the connection.
func (h *Hub) ServeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id, ch, ok := h.register()
	if !ok {
		http.Error(w, "event hub is shut down", http.StatusServiceUnavailable)
		return
	}
	defer h.unregister(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	h.log.Debug().Str("client_id", id).Msg("subscriber connected")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case payload := <-ch:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-h.stop:
			return
		case <-r.Context().Done():
			h.log.Debug().Str("client_id", id).Msg("subscriber disconnected")
			return
		}
	}
}

// ServeIngress accepts one inbound payload per POST and queues it for
// Receive. A full queue or a shut-down hub is reported, never blocked on.
func (h *Hub) ServeIngress(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "event hub is shut down", http.StatusServiceUnavailable)
		return
	}
	select {
	case h.inbound <- body:
	default:
		metrics.RecordDroppedEvent("ingress_full")
		http.Error(w, "ingress queue full", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func (h *Hub) register() (string, chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", nil, false
	}
	id := uuid.NewString()
	ch := make(chan []byte, h.clientBuf)
	h.clients[id] = ch
	metrics.SetConnectedClients(len(h.clients))
	return id, ch, true
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
	metrics.SetConnectedClients(len(h.clients))
}
