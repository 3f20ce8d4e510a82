package relay

import (
	"context"
	"errors"
	"time"

	"github.com/gaspardpetit/toolbridge/internal/channel"
	"github.com/gaspardpetit/toolbridge/internal/metrics"
	"github.com/gaspardpetit/toolbridge/internal/wire"
)

// route decodes one inbound record and dispatches it by kind. Every cycle
// holds a resource handle for its duration; decode failures answer on the
// originating side only and never touch the tracker or the opposite side.
func (e *Engine) route(ctx context.Context, origin string, rec []byte) {
	e.resources.Acquire(origin)
	defer e.resources.Release(origin)

	direction := directionOf(origin)
	start := time.Now()
	defer func() {
		metrics.ObserveRoutingDuration(direction, time.Since(start))
		metrics.SetOpenCorrelations(e.tracker.OpenCount())
	}()

	msg, err := wire.Decode(rec)
	if err != nil {
		e.replyDecodeError(ctx, origin, err)
		return
	}
	metrics.RecordRelayedMessage(direction, string(msg.Type))

	switch msg.Type {
	case wire.KindRegister:
		e.handleRegister(ctx, origin, msg)
	case wire.KindRequest:
		e.handleRequest(ctx, origin, msg)
	case wire.KindResponse:
		e.handleResponse(ctx, origin, msg)
	case wire.KindError:
		e.handleError(ctx, origin, msg)
	case wire.KindInit:
		e.handleInit(ctx, origin, msg)
	default:
		// notification, event, error_event and the reply kinds relay
		// to the opposite side untouched.
		e.forward(ctx, origin, msg)
	}
}

// handleRegister acknowledges on the originating side and announces the tool
// on the opposite side. The only kind with two outbound effects.
func (e *Engine) handleRegister(ctx context.Context, origin string, msg wire.Message) {
	if msg.ToolID == "" {
		e.sendTo(ctx, origin, wire.Message{Type: wire.KindError, Error: "register requires tool_id", Code: wire.CodeInvalidRequest})
		return
	}
	e.tools.Register(msg.ToolID, msg.Capabilities)
	e.log.Info().Str("tool_id", msg.ToolID).Str("origin", origin).Int("capability_count", len(msg.Capabilities)).Msg("tool registered")
	e.sendTo(ctx, origin, wire.Message{Type: wire.KindRegistrationSuccess, ID: msg.ID, ToolID: msg.ToolID})
	e.forward(ctx, origin, wire.Message{Type: wire.KindToolRegistered, ToolID: msg.ToolID, Capabilities: msg.Capabilities})
}

// handleRequest opens a correlation entry, forwards the request as an event
// to the opposite side and answers via the responder. A deferred responder
// leaves the entry open for the peer's response, bounded by the response
// timeout. The entry is gone on every exit path.
func (e *Engine) handleRequest(ctx context.Context, origin string, msg wire.Message) {
	if msg.ID == "" {
		e.sendTo(ctx, origin, wire.Message{Type: wire.KindError, Error: "request requires an id", Code: wire.CodeInvalidRequest})
		return
	}
	if err := e.tracker.Open(msg.ID, origin); err != nil {
		e.log.Warn().Str("id", msg.ID).Str("origin", origin).Msg("duplicate request id")
		e.sendTo(ctx, origin, wire.Message{Type: wire.KindError, ID: msg.ID, Error: "duplicate request id", Code: wire.CodeDuplicateID})
		return
	}
	deferred := false
	defer func() {
		if !deferred {
			e.tracker.Release(msg.ID)
		}
	}()

	e.forward(ctx, origin, wire.Message{
		Type:     wire.KindEvent,
		ID:       msg.ID,
		Source:   origin,
		Method:   msg.Method,
		Params:   msg.Params,
		Data:     msg.Data,
		Sequence: msg.Sequence,
		Extra:    msg.Extra,
	})

	reply, ok := e.respond(ctx, msg)
	if !ok {
		deferred = true
		e.expireLater(msg.ID, origin)
		return
	}
	e.sendTo(ctx, origin, reply)
}

// expireLater bounds a deferred entry: if the peer never responds, the entry
// is released and the origin gets a timeout error instead of silence.
func (e *Engine) expireLater(id, origin string) {
	time.AfterFunc(e.responseTimeout, func() {
		if _, err := e.tracker.Resolve(id); err != nil {
			return
		}
		e.log.Warn().Str("id", id).Str("origin", origin).Msg("request expired waiting for peer response")
		e.sendTo(context.Background(), origin, wire.Message{Type: wire.KindError, ID: id, Error: "no response from peer", Code: wire.CodeRequestTimeout})
		metrics.SetOpenCorrelations(e.tracker.OpenCount())
	})
}

// handleResponse routes an inbound response to the side that opened the
// matching request. A response nobody asked for is answered with UNKNOWN_ID
// on its own side.
func (e *Engine) handleResponse(ctx context.Context, origin string, msg wire.Message) {
	if msg.ID == "" {
		e.sendTo(ctx, origin, wire.Message{Type: wire.KindError, Error: "response requires an id", Code: wire.CodeInvalidRequest})
		return
	}
	target, err := e.tracker.Resolve(msg.ID)
	if err != nil {
		e.sendTo(ctx, origin, wire.Message{Type: wire.KindError, ID: msg.ID, Error: "no open request with this id", Code: wire.CodeUnknownID})
		return
	}
	e.sendTo(ctx, target, msg)
}

// handleError relays a peer-reported error to the opposite side as an
// error_event and closes any correlation entry it names.
func (e *Engine) handleError(ctx context.Context, origin string, msg wire.Message) {
	if msg.ID != "" {
		e.tracker.Release(msg.ID)
	}
	e.forward(ctx, origin, wire.Message{
		Type:      wire.KindErrorEvent,
		Source:    origin,
		Error:     msg.Error,
		RequestID: msg.ID,
		Sequence:  msg.Sequence,
		Extra:     msg.Extra,
	})
}

// handleInit answers the protocol handshake on the originating side.
func (e *Engine) handleInit(ctx context.Context, origin string, msg wire.Message) {
	for _, v := range e.supportedVersions {
		if v == msg.ProtocolVersion {
			e.sendTo(ctx, origin, wire.Message{Type: wire.KindInitSuccess, ServerVersion: e.serverVersion})
			return
		}
	}
	e.log.Warn().Str("origin", origin).Str("protocol_version", msg.ProtocolVersion).Msg("incompatible protocol version")
	e.sendTo(ctx, origin, wire.Message{
		Type:              wire.KindInitError,
		Error:             "Incompatible protocol version",
		Code:              wire.CodeIncompatibleVersion,
		SupportedVersions: e.supportedVersions,
	})
}

func (e *Engine) replyDecodeError(ctx context.Context, origin string, err error) {
	text, code := "Invalid JSON format", wire.CodeParseError
	if errors.Is(err, wire.ErrUnknownType) {
		text, code = "Unsupported message type", wire.CodeUnsupportedType
	}
	e.log.Warn().Err(err).Str("origin", origin).Str("error_code", code).Msg("rejected inbound record")
	e.sendTo(ctx, origin, wire.Message{Type: wire.KindError, Error: text, Code: code})
}

// forward sends msg to the side opposite origin.
func (e *Engine) forward(ctx context.Context, origin string, msg wire.Message) {
	e.sendTo(ctx, opposite(origin), msg)
}

// sendTo encodes msg and writes it to the named side. An event-side
// disconnect is converted into the line-side notice; a line-side write
// failure has no peer left to tell and is only logged and counted.
func (e *Engine) sendTo(ctx context.Context, side string, msg wire.Message) {
	if msg.Code != "" && (msg.Type == wire.KindError || msg.Type == wire.KindInitError) {
		metrics.RecordRelayError(msg.Code)
	}
	b, err := wire.Encode(msg)
	if err != nil {
		e.log.Error().Err(err).Str("type", string(msg.Type)).Msg("encode failed")
		return
	}
	if side == SideStdio {
		if err := e.line.WriteLine(ctx, b); err != nil {
			e.log.Error().Err(err).Msg("line write failed")
			metrics.RecordDroppedEvent("line_write_failed")
		}
		return
	}
	if err := e.event.Send(ctx, b); err != nil {
		if errors.Is(err, channel.ErrDisconnected) {
			e.notifyEventDown(ctx)
		} else {
			e.log.Error().Err(err).Msg("event send failed")
		}
		metrics.RecordDroppedEvent("event_send_failed")
	}
}

func (e *Engine) writeDisconnectNotice(ctx context.Context) {
	b, err := wire.Encode(wire.Message{Type: wire.KindNotification, Event: "client_disconnected"})
	if err != nil {
		return
	}
	if err := e.line.WriteLine(ctx, b); err != nil {
		e.log.Error().Err(err).Msg("failed to write disconnect notice")
	}
}
