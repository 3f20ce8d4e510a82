package wschan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/toolbridge/internal/channel"
	"github.com/gaspardpetit/toolbridge/internal/logx"
	"github.com/gaspardpetit/toolbridge/internal/metrics"
)

const (
	defaultWriteTimeout  = 10 * time.Second
	defaultPingInterval  = 15 * time.Second
	defaultInboundBuffer = 64
)

// Peer is a single-peer event channel over one websocket connection,
// selectable instead of the SSE hub. Exactly one peer attaches for the life
// of the bridge: the peer dropping off is terminal, like Disconnect, and
// surfaces to the router as a disconnected channel. Frames after the attach
// handshake are protocol records verbatim.
type Peer struct {
	log          zerolog.Logger
	writeTimeout time.Duration
	pingInterval time.Duration

	inbound  chan []byte
	stop     chan struct{}
	attached chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	stopOnce sync.Once
}

// NewPeer returns an unattached peer channel. Zero durations select the
// defaults.
func NewPeer(writeTimeout, pingInterval time.Duration) *Peer {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &Peer{
		log:          logx.With("wschan"),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		inbound:      make(chan []byte, defaultInboundBuffer),
		stop:         make(chan struct{}),
		attached:     make(chan struct{}),
	}
}

type attachFrame struct {
	Type       string `json:"type"`
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name"`
}

// Attach upgrades the request to a websocket, performs the attach handshake
// and pumps inbound frames until the peer goes away. It blocks for the life
// of the connection.
func (p *Peer) Attach(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		http.Error(w, "channel is shut down", http.StatusServiceUnavailable)
		return
	}
	if p.conn != nil {
		p.mu.Unlock()
		http.Error(w, "peer already attached", http.StatusConflict)
		return
	}
	p.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() {
		_ = c.Close(websocket.StatusInternalError, "bridge error")
	}()
	ctx := r.Context()

	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	var hello attachFrame
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != "attach" {
		_ = c.Close(websocket.StatusPolicyViolation, "expected attach")
		return
	}
	ack, _ := json.Marshal(map[string]string{"type": "attach_ok"})
	if err := c.Write(ctx, websocket.MessageText, ack); err != nil {
		return
	}

	p.mu.Lock()
	if p.closed || p.conn != nil {
		p.mu.Unlock()
		_ = c.Close(websocket.StatusPolicyViolation, "peer already attached")
		return
	}
	p.conn = c
	p.mu.Unlock()
	close(p.attached)
	p.log.Info().Str("client_id", hello.ClientID).Str("client_name", hello.ClientName).Msg("peer attached")

	go p.pingLoop(ctx, c)
	p.readPump(ctx, c, hello.ClientID)

	// One peer per bridge life: the peer leaving ends the channel.
	p.Disconnect()
}

func (p *Peer) readPump(ctx context.Context, c *websocket.Conn, clientID string) {
	for {
		_, msg, err := c.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				lvl := p.log.Info()
				if ce.Code != websocket.StatusNormalClosure {
					lvl = p.log.Error()
				}
				lvl.Str("client_id", clientID).Str("reason", ce.Reason).Msg("peer disconnected")
			} else {
				p.log.Info().Err(err).Str("client_id", clientID).Msg("peer disconnected")
			}
			return
		}
		select {
		case p.inbound <- msg:
		case <-p.stop:
			return
		}
	}
}

func (p *Peer) pingLoop(ctx context.Context, c *websocket.Conn) {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				return
			}
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// WaitAttached blocks until a peer has completed the handshake.
func (p *Peer) WaitAttached(ctx context.Context) error {
	select {
	case <-p.attached:
		return nil
	case <-p.stop:
		return channel.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes payload as one text frame to the attached peer.
func (p *Peer) Send(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	c := p.conn
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return channel.ErrDisconnected
	}
	if c == nil {
		// No peer attached yet; push semantics drop the payload.
		p.log.Debug().Msg("dropping payload, no peer attached")
		metrics.RecordDroppedEvent("no_peer")
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	if err := c.Write(wctx, websocket.MessageText, payload); err != nil {
		return channel.ErrDisconnected
	}
	return nil
}

// Receive returns the next inbound frame in arrival order. Frames received
// before the peer left are still delivered.
func (p *Peer) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-p.inbound:
		return payload, nil
	default:
	}
	select {
	case payload := <-p.inbound:
		return payload, nil
	case <-p.stop:
		return nil, channel.ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connected reports whether a peer is attached and the channel is live.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.closed
}

// Disconnect ends the channel. Idempotent and terminal.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	conn := p.conn
	wasClosed := p.closed
	p.closed = true
	p.mu.Unlock()
	p.stopOnce.Do(func() { close(p.stop) })
	if conn != nil && !wasClosed {
		_ = conn.Close(websocket.StatusNormalClosure, "bridge shutting down")
	}
}
