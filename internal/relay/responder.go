package relay

import (
	"context"
	"encoding/json"

	"github.com/gaspardpetit/toolbridge/internal/tools"
	"github.com/gaspardpetit/toolbridge/internal/wire"
)

// Responder produces the reply written back to the side a request arrived
// on. Returning ok == false defers the reply to the peer on the opposite
// side: the correlation entry stays open until that response (or the
// timeout) arrives.
type Responder func(ctx context.Context, req wire.Message) (reply wire.Message, ok bool)

// DefaultResponder acknowledges every request locally.
func DefaultResponder(_ context.Context, req wire.Message) (wire.Message, bool) {
	return wire.Message{
		Type:   wire.KindResponse,
		ID:     req.ID,
		Result: json.RawMessage(`{"status":"success"}`),
	}, true
}

// PassthroughResponder defers every reply to the peer.
func PassthroughResponder(context.Context, wire.Message) (wire.Message, bool) {
	return wire.Message{}, false
}

// ToolResponder rejects requests that name a tool nobody registered and
// hands everything else to next.
func ToolResponder(reg *tools.Registry, next Responder) Responder {
	if next == nil {
		next = DefaultResponder
	}
	return func(ctx context.Context, req wire.Message) (wire.Message, bool) {
		if req.ToolID != "" {
			if _, ok := reg.Lookup(req.ToolID); !ok {
				return wire.Message{
					Type:  wire.KindError,
					ID:    req.ID,
					Error: "Component unavailable",
					Code:  wire.CodeComponentUnavailable,
				}, true
			}
		}
		return next(ctx, req)
	}
}
