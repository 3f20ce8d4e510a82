package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/toolbridge/internal/channel"
	"github.com/gaspardpetit/toolbridge/internal/corr"
	"github.com/gaspardpetit/toolbridge/internal/logx"
	"github.com/gaspardpetit/toolbridge/internal/resource"
	"github.com/gaspardpetit/toolbridge/internal/tools"
)

// Side labels for the two channels. They appear on the wire as the "source"
// of relayed events, so they are fixed regardless of the carrier in use.
const (
	SideStdio = "stdio"
	SideSSE   = "sse"
)

const defaultResponseTimeout = 30 * time.Second

// Options carries the engine dependencies. Line and Event are required; nil
// collaborators are replaced with fresh instances and zero values with
// defaults.
type Options struct {
	Line      channel.LineChannel
	Event     channel.EventChannel
	Tracker   *corr.Tracker
	Resources *resource.Registry
	Tools     *tools.Registry
	Responder Responder

	ServerVersion     string
	SupportedVersions []string

	// ResponseTimeout bounds how long a deferred request may stay open
	// waiting for the peer's response.
	ResponseTimeout time.Duration
}

// Engine pumps both channels, routing each inbound record by message kind.
// One goroutine serves each direction; the correlation tracker is the only
// state shared between them. A failure on one channel never tears down the
// other: the surviving side is told what happened in protocol terms.
type Engine struct {
	log       zerolog.Logger
	line      channel.LineChannel
	event     channel.EventChannel
	tracker   *corr.Tracker
	resources *resource.Registry
	tools     *tools.Registry
	respond   Responder

	serverVersion     string
	supportedVersions []string
	responseTimeout   time.Duration

	notifyOnce sync.Once
}

// New assembles an engine from opts.
func New(opts Options) *Engine {
	e := &Engine{
		log:               logx.With("relay"),
		line:              opts.Line,
		event:             opts.Event,
		tracker:           opts.Tracker,
		resources:         opts.Resources,
		tools:             opts.Tools,
		respond:           opts.Responder,
		serverVersion:     opts.ServerVersion,
		supportedVersions: opts.SupportedVersions,
		responseTimeout:   opts.ResponseTimeout,
	}
	if e.tracker == nil {
		e.tracker = corr.NewTracker()
	}
	if e.resources == nil {
		e.resources = resource.NewRegistry()
	}
	if e.tools == nil {
		e.tools = tools.NewRegistry()
	}
	if e.respond == nil {
		e.respond = DefaultResponder
	}
	if e.serverVersion == "" {
		e.serverVersion = "dev"
	}
	if len(e.supportedVersions) == 0 {
		e.supportedVersions = []string{"2.0", "2.1"}
	}
	if e.responseTimeout <= 0 {
		e.responseTimeout = defaultResponseTimeout
	}
	return e
}

// Run pumps both directions until the line stream ends or ctx is canceled.
// The event side going away does not end the run: the line side keeps being
// served, it is just told the client disconnected.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lineErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		lineErr = e.pumpLine(runCtx)
	}()
	go func() {
		defer wg.Done()
		e.pumpEvent(runCtx)
	}()
	wg.Wait()
	return lineErr
}

func (e *Engine) pumpLine(ctx context.Context) error {
	for {
		rec, err := e.line.ReadLine(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				e.log.Info().Msg("line stream ended")
				return nil
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return nil
			default:
				e.log.Error().Err(err).Msg("line read failed")
				return err
			}
		}
		if len(bytes.TrimSpace(rec)) == 0 {
			continue
		}
		e.route(ctx, SideStdio, rec)
	}
}

func (e *Engine) pumpEvent(ctx context.Context) {
	for {
		payload, err := e.event.Receive(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrDisconnected) {
				e.notifyEventDown(ctx)
			}
			return
		}
		if len(bytes.TrimSpace(payload)) == 0 {
			continue
		}
		e.route(ctx, SideSSE, payload)
	}
}

// notifyEventDown tells the line side, once, that the event peer is gone.
func (e *Engine) notifyEventDown(ctx context.Context) {
	e.notifyOnce.Do(func() {
		e.log.Warn().Msg("event channel disconnected")
		e.writeDisconnectNotice(ctx)
	})
}

func opposite(side string) string {
	if side == SideStdio {
		return SideSSE
	}
	return SideStdio
}

func directionOf(origin string) string {
	return origin + "_to_" + opposite(origin)
}
