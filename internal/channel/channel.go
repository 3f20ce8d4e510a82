package channel

import (
	"context"
	"errors"
)

// ErrDisconnected reports an operation on a channel whose peer is gone or
// that has been shut down. Sends that fail with it record nothing.
var ErrDisconnected = errors.New("channel disconnected")

// LineChannel is a newline-framed record stream, process stdin/stdout in
// production. ReadLine returns the next record without its terminator and
// io.EOF once the stream ends (repeatable); WriteLine appends the
// terminator. Records may be arbitrarily large.
type LineChannel interface {
	ReadLine(ctx context.Context) ([]byte, error)
	WriteLine(ctx context.Context, rec []byte) error
}

// EventChannel is a push-event stream, the SSE hub in production. Send
// delivers one payload and fails with ErrDisconnected once the channel is
// down; it is never retried by the channel itself. Receive yields inbound
// payloads in arrival order and fails with ErrDisconnected when no more can
// arrive. Disconnect is idempotent and terminal; Connected has no side
// effects.
type EventChannel interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Connected() bool
	Disconnect()
}
