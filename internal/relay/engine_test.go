package relay

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/toolbridge/internal/channel"
	"github.com/gaspardpetit/toolbridge/internal/corr"
	"github.com/gaspardpetit/toolbridge/internal/resource"
	"github.com/gaspardpetit/toolbridge/internal/tools"
	"github.com/gaspardpetit/toolbridge/internal/wire"
)

type fakeLine struct {
	in   chan []byte
	once sync.Once

	mu  sync.Mutex
	out []wire.Message
}

func newFakeLine() *fakeLine {
	return &fakeLine{in: make(chan []byte, 16)}
}

func (f *fakeLine) ReadLine(ctx context.Context) ([]byte, error) {
	select {
	case rec, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeLine) WriteLine(_ context.Context, rec []byte) error {
	m, err := wire.Decode(rec)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.out = append(f.out, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeLine) feed(line string) { f.in <- []byte(line) }
func (f *fakeLine) end()             { f.once.Do(func() { close(f.in) }) }

func (f *fakeLine) written() []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Message(nil), f.out...)
}

type fakeEvent struct {
	in   chan []byte
	stop chan struct{}
	once sync.Once

	mu        sync.Mutex
	events    []wire.Message
	connected bool
}

func newFakeEvent() *fakeEvent {
	return &fakeEvent{in: make(chan []byte, 16), stop: make(chan struct{}), connected: true}
}

func (f *fakeEvent) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return channel.ErrDisconnected
	}
	m, err := wire.Decode(payload)
	if err != nil {
		return err
	}
	f.events = append(f.events, m)
	return nil
}

func (f *fakeEvent) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-f.in:
		return payload, nil
	case <-f.stop:
		return nil, channel.ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeEvent) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeEvent) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.once.Do(func() { close(f.stop) })
}

func (f *fakeEvent) feed(line string) { f.in <- []byte(line) }

func (f *fakeEvent) sent() []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Message(nil), f.events...)
}

type harness struct {
	line      *fakeLine
	event     *fakeEvent
	tracker   *corr.Tracker
	resources *resource.Registry
	tools     *tools.Registry
	done      chan struct{}
	runErr    error
}

func startEngine(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{line: newFakeLine(), event: newFakeEvent(), done: make(chan struct{})}
	opts.Line = h.line
	opts.Event = h.event
	if opts.Tracker == nil {
		opts.Tracker = corr.NewTracker()
	}
	if opts.Resources == nil {
		opts.Resources = resource.NewRegistry()
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRegistry()
	}
	h.tracker = opts.Tracker
	h.resources = opts.Resources
	h.tools = opts.Tools

	eng := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		h.runErr = eng.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("engine did not stop")
		}
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func findKind(msgs []wire.Message, k wire.Kind) (wire.Message, bool) {
	for _, m := range msgs {
		if m.Type == k {
			return m, true
		}
	}
	return wire.Message{}, false
}

func filterKind(msgs []wire.Message, k wire.Kind) []wire.Message {
	var out []wire.Message
	for _, m := range msgs {
		if m.Type == k {
			out = append(out, m)
		}
	}
	return out
}

func TestRegisterFlow(t *testing.T) {
	h := startEngine(t, Options{})
	h.line.feed(`{"type": "register", "tool_id": "test_tool", "capabilities": ["capability1", "capability2"]}`)

	waitFor(t, "registration ack", func() bool {
		_, ok := findKind(h.line.written(), wire.KindRegistrationSuccess)
		return ok
	})
	ack, _ := findKind(h.line.written(), wire.KindRegistrationSuccess)
	if ack.ToolID != "test_tool" {
		t.Fatalf("expected ack for test_tool, got %q", ack.ToolID)
	}

	waitFor(t, "tool_registered event", func() bool {
		_, ok := findKind(h.event.sent(), wire.KindToolRegistered)
		return ok
	})
	evt, _ := findKind(h.event.sent(), wire.KindToolRegistered)
	if evt.ToolID != "test_tool" {
		t.Fatalf("expected tool_registered for test_tool, got %q", evt.ToolID)
	}
	if want := []string{"capability1", "capability2"}; !reflect.DeepEqual(evt.Capabilities, want) {
		t.Fatalf("expected capabilities %v, got %v", want, evt.Capabilities)
	}
	if got := h.tools.Count(); got != 1 {
		t.Fatalf("expected 1 registered tool, got %d", got)
	}

	// A register carrying an id gets it echoed on the ack.
	h.line.feed(`{"type":"register","id":"reg-7","tool_id":"other_tool","capabilities":[]}`)
	waitFor(t, "second ack", func() bool {
		return len(filterKind(h.line.written(), wire.KindRegistrationSuccess)) == 2
	})
	acks := filterKind(h.line.written(), wire.KindRegistrationSuccess)
	if acks[1].ID != "reg-7" || acks[1].ToolID != "other_tool" {
		t.Fatalf("expected id echo on ack, got %+v", acks[1])
	}
}

func TestRequestForwardsAndAnswers(t *testing.T) {
	h := startEngine(t, Options{})
	h.line.feed(`{"type":"request","id":"req-1","method":"process_message","params":{"key":"value"},"sequence":7}`)

	waitFor(t, "local response", func() bool {
		_, ok := findKind(h.line.written(), wire.KindResponse)
		return ok
	})
	resp, _ := findKind(h.line.written(), wire.KindResponse)
	if resp.ID != "req-1" {
		t.Fatalf("expected response for req-1, got %q", resp.ID)
	}
	if !strings.Contains(string(resp.Result), "success") {
		t.Fatalf("expected success result, got %s", resp.Result)
	}

	evt, ok := findKind(h.event.sent(), wire.KindEvent)
	if !ok {
		t.Fatalf("expected a forwarded event")
	}
	if evt.Source != SideStdio || evt.ID != "req-1" || evt.Method != "process_message" {
		t.Fatalf("unexpected forwarded event: %+v", evt)
	}
	if evt.Sequence == nil || *evt.Sequence != 7 {
		t.Fatalf("expected sequence 7, got %v", evt.Sequence)
	}

	waitFor(t, "cycle cleanup", func() bool {
		return h.tracker.OpenCount() == 0 && h.resources.Count() == 0
	})
}

func TestSequenceSetPassesThrough(t *testing.T) {
	h := startEngine(t, Options{})
	seqs := []int64{3, 1, 4, 0, 2}
	for i, s := range seqs {
		h.line.feed(fmt.Sprintf(`{"type":"request","id":"m%d","method":"process_message","sequence":%d}`, i, s))
	}

	waitFor(t, "all events forwarded", func() bool {
		return len(filterKind(h.event.sent(), wire.KindEvent)) == len(seqs)
	})
	events := filterKind(h.event.sent(), wire.KindEvent)
	var got []int64
	for _, evt := range events {
		if evt.Sequence == nil {
			t.Fatalf("forwarded event lost its sequence: %+v", evt)
		}
		got = append(got, *evt.Sequence)
	}
	// Arrival order passes through untouched.
	if !reflect.DeepEqual(got, seqs) {
		t.Fatalf("expected sequences %v in arrival order, got %v", seqs, got)
	}
	// And the relayed set matches the received set exactly.
	sorted := append([]int64(nil), got...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if want := []int64{0, 1, 2, 3, 4}; !reflect.DeepEqual(sorted, want) {
		t.Fatalf("expected sequence set %v, got %v", want, sorted)
	}

	waitFor(t, "all responses", func() bool {
		return len(filterKind(h.line.written(), wire.KindResponse)) == len(seqs)
	})
}

func TestParseErrorAnswersOriginOnly(t *testing.T) {
	h := startEngine(t, Options{})
	h.line.feed(`{"type": "request", "id": "partial_test", "method": "test"`)

	waitFor(t, "parse error reply", func() bool {
		_, ok := findKind(h.line.written(), wire.KindError)
		return ok
	})
	reply, _ := findKind(h.line.written(), wire.KindError)
	if reply.Code != wire.CodeParseError {
		t.Fatalf("expected PARSE_ERROR, got %q", reply.Code)
	}
	if reply.Error != "Invalid JSON format" {
		t.Fatalf("expected parse error text, got %q", reply.Error)
	}
	if got := len(h.event.sent()); got != 0 {
		t.Fatalf("expected nothing on the opposite side, got %d messages", got)
	}
	if got := h.tracker.OpenCount(); got != 0 {
		t.Fatalf("expected no correlation entries, got %d", got)
	}

	// Same isolation when the malformed record arrives on the event side.
	h.event.feed(`not json`)
	waitFor(t, "parse error reply on event side", func() bool {
		_, ok := findKind(h.event.sent(), wire.KindError)
		return ok
	})
	evReply, _ := findKind(h.event.sent(), wire.KindError)
	if evReply.Code != wire.CodeParseError {
		t.Fatalf("expected PARSE_ERROR on event side, got %q", evReply.Code)
	}
	if got := len(h.line.written()); got != 1 {
		t.Fatalf("expected only the first reply on the line side, got %d", got)
	}
}

func TestUnknownTypeAnswersUnsupported(t *testing.T) {
	h := startEngine(t, Options{})
	h.line.feed(`{"type":"frobnicate","id":"x"}`)

	waitFor(t, "unsupported type reply", func() bool {
		_, ok := findKind(h.line.written(), wire.KindError)
		return ok
	})
	reply, _ := findKind(h.line.written(), wire.KindError)
	if reply.Code != wire.CodeUnsupportedType {
		t.Fatalf("expected UNSUPPORTED_TYPE, got %q", reply.Code)
	}
}

func TestDuplicateInFlightRequestID(t *testing.T) {
	h := startEngine(t, Options{Responder: PassthroughResponder})
	h.line.feed(`{"type":"request","id":"dup-1","method":"a"}`)
	h.line.feed(`{"type":"request","id":"dup-1","method":"b"}`)

	waitFor(t, "duplicate id reply", func() bool {
		m, ok := findKind(h.line.written(), wire.KindError)
		return ok && m.Code == wire.CodeDuplicateID
	})
	if got := len(filterKind(h.event.sent(), wire.KindEvent)); got != 1 {
		t.Fatalf("expected only the first request forwarded, got %d", got)
	}
	if got := h.tracker.OpenCount(); got != 1 {
		t.Fatalf("expected the first entry to stay open, got %d", got)
	}

	// The original request still completes.
	h.event.feed(`{"type":"response","id":"dup-1","result":{}}`)
	waitFor(t, "original response", func() bool {
		_, ok := findKind(h.line.written(), wire.KindResponse)
		return ok
	})
	if got := h.tracker.OpenCount(); got != 0 {
		t.Fatalf("expected entry resolved, got %d", got)
	}
}

func TestEventDisconnectNotifiesLineOnce(t *testing.T) {
	h := startEngine(t, Options{})
	h.event.Disconnect()

	waitFor(t, "disconnect notice", func() bool {
		m, ok := findKind(h.line.written(), wire.KindNotification)
		return ok && m.Event == "client_disconnected"
	})

	// The line side keeps working and the notice is not repeated.
	h.line.feed(`{"type":"request","id":"after-1","method":"x"}`)
	h.line.feed(`{"type":"request","id":"after-2","method":"y"}`)
	waitFor(t, "responses after disconnect", func() bool {
		return len(filterKind(h.line.written(), wire.KindResponse)) == 2
	})
	if got := len(filterKind(h.line.written(), wire.KindNotification)); got != 1 {
		t.Fatalf("expected exactly one disconnect notice, got %d", got)
	}
	if got := len(h.event.sent()); got != 0 {
		t.Fatalf("expected nothing delivered to the dead channel, got %d", got)
	}
	waitFor(t, "cycle cleanup", func() bool {
		return h.tracker.OpenCount() == 0 && h.resources.Count() == 0
	})
}

func TestDeferredResponseRoutesToOrigin(t *testing.T) {
	h := startEngine(t, Options{Responder: PassthroughResponder})
	h.line.feed(`{"type":"request","id":"req-9","method":"slow"}`)

	waitFor(t, "forwarded event", func() bool {
		_, ok := findKind(h.event.sent(), wire.KindEvent)
		return ok
	})
	if got := len(filterKind(h.line.written(), wire.KindResponse)); got != 0 {
		t.Fatalf("expected no local response in passthrough mode, got %d", got)
	}
	if got := h.tracker.OpenCount(); got != 1 {
		t.Fatalf("expected entry to stay open, got %d", got)
	}

	h.event.feed(`{"type":"response","id":"req-9","result":{"outcome":"done"}}`)
	waitFor(t, "routed response", func() bool {
		_, ok := findKind(h.line.written(), wire.KindResponse)
		return ok
	})
	resp, _ := findKind(h.line.written(), wire.KindResponse)
	if resp.ID != "req-9" || !strings.Contains(string(resp.Result), "done") {
		t.Fatalf("unexpected routed response: %+v", resp)
	}
	if got := h.tracker.OpenCount(); got != 0 {
		t.Fatalf("expected entry resolved, got %d", got)
	}
}

func TestStrayResponseAnswersUnknownID(t *testing.T) {
	h := startEngine(t, Options{})
	h.event.feed(`{"type":"response","id":"ghost","result":{}}`)

	waitFor(t, "unknown id reply", func() bool {
		m, ok := findKind(h.event.sent(), wire.KindError)
		return ok && m.Code == wire.CodeUnknownID
	})
	reply, _ := findKind(h.event.sent(), wire.KindError)
	if reply.ID != "ghost" {
		t.Fatalf("expected reply to name the stray id, got %q", reply.ID)
	}
	if got := len(h.line.written()); got != 0 {
		t.Fatalf("expected nothing on the line side, got %d", got)
	}
}

func TestDeferredRequestTimesOut(t *testing.T) {
	h := startEngine(t, Options{Responder: PassthroughResponder, ResponseTimeout: 40 * time.Millisecond})
	h.line.feed(`{"type":"request","id":"slow-1","method":"never"}`)

	waitFor(t, "timeout reply", func() bool {
		m, ok := findKind(h.line.written(), wire.KindError)
		return ok && m.Code == wire.CodeRequestTimeout
	})
	reply, _ := findKind(h.line.written(), wire.KindError)
	if reply.ID != "slow-1" {
		t.Fatalf("expected timeout for slow-1, got %q", reply.ID)
	}
	if got := h.tracker.OpenCount(); got != 0 {
		t.Fatalf("expected entry released after timeout, got %d", got)
	}
}

func TestInitHandshake(t *testing.T) {
	h := startEngine(t, Options{ServerVersion: "1.2.3"})
	h.line.feed(`{"type":"init","protocol_version":"2.0"}`)

	waitFor(t, "init success", func() bool {
		_, ok := findKind(h.line.written(), wire.KindInitSuccess)
		return ok
	})
	okMsg, _ := findKind(h.line.written(), wire.KindInitSuccess)
	if okMsg.ServerVersion != "1.2.3" {
		t.Fatalf("expected server version 1.2.3, got %q", okMsg.ServerVersion)
	}

	h.line.feed(`{"type":"init","protocol_version":"9.9"}`)
	waitFor(t, "init error", func() bool {
		_, ok := findKind(h.line.written(), wire.KindInitError)
		return ok
	})
	bad, _ := findKind(h.line.written(), wire.KindInitError)
	if bad.Code != wire.CodeIncompatibleVersion {
		t.Fatalf("expected INCOMPATIBLE_VERSION, got %q", bad.Code)
	}
	if want := []string{"2.0", "2.1"}; !reflect.DeepEqual(bad.SupportedVersions, want) {
		t.Fatalf("expected supported versions %v, got %v", want, bad.SupportedVersions)
	}
}

func TestToolResponderGatesOnRegistry(t *testing.T) {
	reg := tools.NewRegistry()
	h := startEngine(t, Options{Tools: reg, Responder: ToolResponder(reg, nil)})

	h.line.feed(`{"type":"request","id":"c1","tool_id":"test_tool","method":"run"}`)
	waitFor(t, "component unavailable reply", func() bool {
		m, ok := findKind(h.line.written(), wire.KindError)
		return ok && m.Code == wire.CodeComponentUnavailable
	})

	h.line.feed(`{"type":"register","tool_id":"test_tool","capabilities":["run"]}`)
	waitFor(t, "registration", func() bool {
		_, ok := findKind(h.line.written(), wire.KindRegistrationSuccess)
		return ok
	})
	h.line.feed(`{"type":"request","id":"c2","tool_id":"test_tool","method":"run"}`)
	waitFor(t, "success after registration", func() bool {
		m, ok := findKind(h.line.written(), wire.KindResponse)
		return ok && m.ID == "c2"
	})
}

func TestErrorRelaysAsErrorEvent(t *testing.T) {
	h := startEngine(t, Options{})
	h.line.feed(`{"type":"error","id":"req-2","error":"Tool encountered an error"}`)

	waitFor(t, "error event", func() bool {
		_, ok := findKind(h.event.sent(), wire.KindErrorEvent)
		return ok
	})
	evt, _ := findKind(h.event.sent(), wire.KindErrorEvent)
	if evt.Source != SideStdio || evt.RequestID != "req-2" || evt.Error != "Tool encountered an error" {
		t.Fatalf("unexpected error event: %+v", evt)
	}
}

func TestNotificationPassesThrough(t *testing.T) {
	h := startEngine(t, Options{})
	h.event.feed(`{"type":"notification","event":"progress","custom":"x"}`)

	waitFor(t, "forwarded notification", func() bool {
		_, ok := findKind(h.line.written(), wire.KindNotification)
		return ok
	})
	n, _ := findKind(h.line.written(), wire.KindNotification)
	if n.Event != "progress" {
		t.Fatalf("expected progress notification, got %q", n.Event)
	}
	if _, ok := n.Extra["custom"]; !ok {
		t.Fatalf("expected unknown field to pass through, got %+v", n)
	}
}

func TestRunEndsOnLineEOF(t *testing.T) {
	h := startEngine(t, Options{})
	h.line.feed(`{"type":"notification","event":"bye"}`)
	h.line.end()

	select {
	case <-h.done:
		if h.runErr != nil {
			t.Fatalf("expected clean stop, got %v", h.runErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not stop on EOF")
	}
}
