package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/teslashibe/friday/internal/log"
	"github.com/teslashibe/friday/pkg/audioio"
	"github.com/teslashibe/friday/pkg/live"
	"github.com/teslashibe/friday/pkg/metrics"
	"github.com/teslashibe/friday/pkg/pcm"
	"github.com/teslashibe/friday/pkg/playback"
	"github.com/teslashibe/friday/pkg/tools"
)

// fakeConn records everything sent to the endpoint.
type fakeConn struct {
	mu        sync.Mutex
	inputs    []live.RealtimeInput
	responses []live.ToolResponse
	closed    int
	closedCh  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closedCh: make(chan struct{}, 4)}
}

func (c *fakeConn) SendRealtimeInput(in live.RealtimeInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return live.ErrClosed
	}
	c.inputs = append(c.inputs, in)
	return nil
}

func (c *fakeConn) SendToolResponse(rs ...live.ToolResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return live.ErrClosed
	}
	c.responses = append(c.responses, rs...)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	c.closedCh <- struct{}{}
	return nil
}

func (c *fakeConn) snapshot() ([]live.RealtimeInput, []live.ToolResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]live.RealtimeInput(nil), c.inputs...), append([]live.ToolResponse(nil), c.responses...)
}

// fakeDialer hands out fakeConns and keeps the callbacks of each dial.
type fakeDialer struct {
	mu     sync.Mutex
	err    error
	block  chan struct{}
	dials  int
	cbs    []live.Callbacks
	conns  []*fakeConn
	config live.Config
}

func (d *fakeDialer) Dial(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.Conn, error) {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.config = cfg
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.cbs = append(d.cbs, cb)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() (live.Callbacks, *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cbs[len(d.cbs)-1], d.conns[len(d.conns)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// fakeCapture counts starts and stops.
type fakeCapture struct {
	mu      sync.Mutex
	err     error
	starts  int
	stops   int
	running bool
}

func (c *fakeCapture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.starts++
	c.running = true
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.running = false
	return nil
}

func (c *fakeCapture) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

type fakeVideo struct {
	mu    sync.Mutex
	stops int
}

func (v *fakeVideo) Stop() error {
	v.mu.Lock()
	v.stops++
	v.mu.Unlock()
	return nil
}

// gatedDispatcher blocks each call until released.
type gatedDispatcher struct {
	gate chan struct{}
}

func (d *gatedDispatcher) Dispatch(ctx context.Context, name string, args map[string]any) any {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
		}
	}
	if name == "unknown" {
		return map[string]any{}
	}
	return name + " done"
}

type harness struct {
	m       *Manager
	dialer  *fakeDialer
	capture *fakeCapture
	video   *fakeVideo
	engine  *playback.Engine
	metrics *metrics.Pipeline
	disp    *gatedDispatcher

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, apiKey string) *harness {
	t.Helper()
	h := &harness{
		dialer:  &fakeDialer{},
		capture: &fakeCapture{},
		video:   &fakeVideo{},
		metrics: metrics.New("test"),
		disp:    &gatedDispatcher{},
	}
	h.engine = playback.NewEngine(playback.Options{Logger: log.Discard(), Metrics: h.metrics})
	h.m = New(Options{
		APIKey:        apiKey,
		Live:          live.Config{Model: "m", Tools: tools.Declarations()},
		Dialer:        h.dialer,
		Player:        h.engine,
		Capture:       h.capture,
		Video:         h.video,
		Dispatcher:    h.disp,
		OutboundQueue: 8,
		Metrics:       h.metrics,
		Logger:        log.Discard(),
		OnStateChange: func(s State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) transitions() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) connectAndOpen(t *testing.T) (live.Callbacks, *fakeConn) {
	t.Helper()
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := h.m.State(); got != Connecting {
		t.Fatalf("state after Connect = %v, want CONNECTING", got)
	}
	cb, conn := h.dialer.last()
	cb.OnOpen()
	if got := h.m.State(); got != Connected {
		t.Fatalf("state after open = %v, want CONNECTED", got)
	}
	return cb, conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func chunk(frames int) pcm.Blob {
	blob := pcm.Encode(make([]float32, frames))
	blob.MIMEType = "audio/pcm;rate=24000"
	return blob
}

func TestStateMachineScenario(t *testing.T) {
	h := newHarness(t, "key")
	if h.m.State() != Disconnected {
		t.Fatalf("initial state = %v", h.m.State())
	}

	cb, conn := h.connectAndOpen(t)
	if !h.capture.isRunning() {
		t.Error("capture not started on open")
	}
	if h.dialer.config.APIKey != "key" || len(h.dialer.config.Tools) != 3 {
		t.Errorf("dial config = %+v", h.dialer.config)
	}
	if h.m.SessionID() == "" {
		t.Error("no session id")
	}

	h.engine.OnChunk(chunk(2400))
	cb.OnError(errors.New("socket reset"))

	if got := h.m.State(); got != Error {
		t.Fatalf("state after error = %v, want ERROR", got)
	}
	if got := h.m.LastError(); got != MsgConnectionError {
		t.Errorf("LastError = %q", got)
	}
	if h.capture.isRunning() {
		t.Error("capture still running after error")
	}
	if h.engine.Active() != 0 {
		t.Error("playback not stopped after error")
	}
	if h.video.stops != 1 {
		t.Errorf("video stops = %d, want 1", h.video.stops)
	}
	select {
	case <-conn.closedCh:
	case <-time.After(time.Second):
		t.Error("connection not closed after error")
	}

	if err := h.m.Connect(context.Background()); !errors.Is(err, ErrResetRequired) {
		t.Errorf("Connect in ERROR = %v, want ErrResetRequired", err)
	}

	h.m.Reset()
	if got := h.m.State(); got != Disconnected {
		t.Errorf("state after Reset = %v, want DISCONNECTED", got)
	}
	if h.m.LastError() != "" {
		t.Errorf("LastError after Reset = %q", h.m.LastError())
	}

	want := []State{Connecting, Connected, Error, Disconnected}
	got := h.transitions()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
	if v := testutil.ToFloat64(h.metrics.StateTransitions.WithLabelValues("ERROR")); v != 1 {
		t.Errorf("ERROR transitions = %v", v)
	}
}

func TestConnectWhileActiveDoesNotRedial(t *testing.T) {
	h := newHarness(t, "key")
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Connect(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("Connect while CONNECTING = %v", err)
	}
	cb, _ := h.dialer.last()
	cb.OnOpen()
	if err := h.m.Connect(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("Connect while CONNECTED = %v", err)
	}
	if n := h.dialer.count(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestDisconnectWhenDisconnectedIsNoop(t *testing.T) {
	h := newHarness(t, "key")
	h.m.Disconnect()
	h.m.Reset()
	if len(h.transitions()) != 0 {
		t.Errorf("transitions = %v, want none", h.transitions())
	}
	if h.capture.stops != 0 || h.video.stops != 0 {
		t.Error("teardown ran without a session")
	}
}

func TestMissingCredential(t *testing.T) {
	h := newHarness(t, "")
	err := h.m.Connect(context.Background())
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
	if h.m.State() != Disconnected {
		t.Errorf("state = %v, want DISCONNECTED", h.m.State())
	}
	if h.m.LastError() != MsgMissingCredential {
		t.Errorf("LastError = %q", h.m.LastError())
	}
	if h.dialer.count() != 0 {
		t.Error("dialed without a credential")
	}
	if len(h.transitions()) != 0 {
		t.Errorf("transitions = %v", h.transitions())
	}
}

func TestDialFailure(t *testing.T) {
	h := newHarness(t, "key")
	h.dialer.err = errors.New("handshake refused")

	err := h.m.Connect(context.Background())
	if err == nil || errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v", err)
	}
	if h.m.State() != Error || h.m.LastError() != MsgConnectFailed {
		t.Errorf("state = %v, LastError = %q", h.m.State(), h.m.LastError())
	}
	if h.capture.starts != 0 {
		t.Error("capture started without a session")
	}
}

func TestServerCloseTearsDown(t *testing.T) {
	h := newHarness(t, "key")
	cb, _ := h.connectAndOpen(t)
	h.engine.OnChunk(chunk(2400))

	cb.OnClose("session over")

	if h.m.State() != Disconnected {
		t.Errorf("state = %v, want DISCONNECTED", h.m.State())
	}
	if h.m.LastError() != "" {
		t.Errorf("LastError = %q", h.m.LastError())
	}
	if h.capture.isRunning() || h.engine.Active() != 0 {
		t.Error("teardown incomplete")
	}
}

func TestDisconnectTearsDown(t *testing.T) {
	h := newHarness(t, "key")
	_, conn := h.connectAndOpen(t)

	h.m.Disconnect()
	if h.m.State() != Disconnected {
		t.Errorf("state = %v", h.m.State())
	}
	if h.capture.isRunning() {
		t.Error("capture running after Disconnect")
	}
	select {
	case <-conn.closedCh:
	case <-time.After(time.Second):
		t.Error("connection not closed")
	}
}

func TestInboundAudioAndInterrupt(t *testing.T) {
	h := newHarness(t, "key")
	cb, _ := h.connectAndOpen(t)

	cb.OnMessage(&live.Message{Audio: []pcm.Blob{chunk(2400), chunk(4800)}})
	if h.engine.Active() != 2 {
		t.Fatalf("active = %d, want 2", h.engine.Active())
	}
	if got := h.engine.NextPlaybackTime(); got != 0.3 {
		t.Errorf("NextPlaybackTime = %v, want 0.3", got)
	}

	cb.OnMessage(&live.Message{Audio: []pcm.Blob{{MIMEType: "audio/pcm", Data: "AAAA!"}}})
	if got := h.engine.NextPlaybackTime(); got != 0.3 {
		t.Errorf("bad chunk moved the cursor to %v", got)
	}

	cb.OnMessage(&live.Message{Interrupted: true})
	if h.engine.Active() != 0 || h.engine.NextPlaybackTime() != 0 {
		t.Errorf("after interrupt: active = %d, next = %v", h.engine.Active(), h.engine.NextPlaybackTime())
	}
	if h.m.State() != Connected {
		t.Errorf("interrupt changed state to %v", h.m.State())
	}
}

// disconnectingPlayer starts a Disconnect from another goroutine while the
// first chunk is being delivered, then lets the chunk through.
type disconnectingPlayer struct {
	*playback.Engine
	m    *Manager
	once sync.Once
	done chan struct{}
}

func (p *disconnectingPlayer) OnChunk(blob pcm.Blob) (*playback.Unit, error) {
	p.once.Do(func() {
		go func() {
			p.m.Disconnect()
			close(p.done)
		}()
		select {
		case <-p.done:
		case <-time.After(100 * time.Millisecond):
		}
	})
	return p.Engine.OnChunk(blob)
}

func TestDisconnectDuringInboundAudio(t *testing.T) {
	h := newHarness(t, "key")
	player := &disconnectingPlayer{Engine: h.engine, m: h.m, done: make(chan struct{})}
	h.m.player = player
	cb, _ := h.connectAndOpen(t)

	cb.OnMessage(&live.Message{Audio: []pcm.Blob{chunk(2400)}})

	select {
	case <-player.done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	if h.m.State() != Disconnected {
		t.Errorf("state = %v, want DISCONNECTED", h.m.State())
	}
	if n := h.engine.Active(); n != 0 {
		t.Errorf("active units after disconnect = %d, want 0", n)
	}
	if h.engine.Speaking() {
		t.Error("engine still speaking after disconnect")
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	h := newHarness(t, "key")
	h.disp.gate = make(chan struct{})
	cb, conn := h.connectAndOpen(t)

	cb.OnMessage(&live.Message{ToolCalls: []live.ToolCall{
		{ID: "c1", Name: tools.SearchInternet, Args: map[string]any{"query": "weather"}},
		{ID: "c2", Name: "unknown", Args: map[string]any{}},
	}})

	entries := h.m.ToolLog().Entries()
	if len(entries) != 2 {
		t.Fatalf("log entries = %d, want 2 before resolution", len(entries))
	}
	for _, e := range entries {
		if e.Resolved {
			t.Errorf("%s resolved before dispatch", e.ID)
		}
	}

	close(h.disp.gate)
	h.m.Wait()

	_, responses := conn.snapshot()
	if len(responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(responses))
	}
	if responses[0].ID != "c1" || responses[0].Name != tools.SearchInternet {
		t.Errorf("first response = %+v", responses[0])
	}
	if responses[0].Response["result"] != "searchInternet done" {
		t.Errorf("envelope = %v", responses[0].Response)
	}
	if r, ok := responses[1].Response["result"].(map[string]any); !ok || len(r) != 0 {
		t.Errorf("unknown tool envelope = %v", responses[1].Response)
	}
	for _, e := range h.m.ToolLog().Entries() {
		if !e.Resolved {
			t.Errorf("%s unresolved after dispatch", e.ID)
		}
	}
}

func TestToolResponseDroppedAfterDisconnect(t *testing.T) {
	h := newHarness(t, "key")
	h.disp.gate = make(chan struct{})
	cb, conn := h.connectAndOpen(t)

	cb.OnMessage(&live.Message{ToolCalls: []live.ToolCall{{ID: "c1", Name: tools.ListEmails}}})
	h.m.Disconnect()
	close(h.disp.gate)
	h.m.Wait()

	if _, responses := conn.snapshot(); len(responses) != 0 {
		t.Errorf("responses after disconnect = %+v", responses)
	}
	if !h.m.ToolLog().Entries()[0].Resolved {
		t.Error("log entry not resolved")
	}
}

func TestStaleCallbacksIgnored(t *testing.T) {
	h := newHarness(t, "key")
	oldCB, _ := h.connectAndOpen(t)
	h.m.Disconnect()

	h.connectAndOpen(t)
	oldCB.OnError(errors.New("late error from old socket"))
	oldCB.OnClose("late close")
	oldCB.OnMessage(&live.Message{Audio: []pcm.Blob{chunk(2400)}})

	if h.m.State() != Connected {
		t.Errorf("stale callback changed state to %v", h.m.State())
	}
	if h.engine.Active() != 0 {
		t.Error("stale audio scheduled")
	}
}

func TestOutbound(t *testing.T) {
	h := newHarness(t, "key")

	h.m.SendText("dropped")
	if v := testutil.ToFloat64(h.metrics.OutboundDropped.WithLabelValues(dropNoSession)); v != 1 {
		t.Errorf("no_session drops = %v, want 1", v)
	}

	_, conn := h.connectAndOpen(t)
	blob := pcm.Encode([]float32{0.1})
	h.m.SendRealtime(live.RealtimeInput{Media: &blob})
	h.m.SendText("[User uploaded a file: a.pdf]")

	waitFor(t, "outbound delivery", func() bool {
		in, _ := conn.snapshot()
		return len(in) == 2
	})
	in, _ := conn.snapshot()
	if in[0].Media == nil || in[1].Text != "[User uploaded a file: a.pdf]" {
		t.Errorf("inputs = %+v", in)
	}

	h.m.Disconnect()
	h.m.SendText("after")
	time.Sleep(20 * time.Millisecond)
	if in, _ := conn.snapshot(); len(in) != 2 {
		t.Errorf("input delivered after disconnect: %+v", in)
	}
}

func TestOutboxDropsOldest(t *testing.T) {
	m := metrics.New("test")
	o := newOutbox(2, m, log.Discard())
	for _, s := range []string{"a", "b", "c"} {
		o.push(live.RealtimeInput{Text: s})
	}
	if o.pending() != 2 {
		t.Fatalf("pending = %d, want 2", o.pending())
	}
	if first := <-o.ch; first.Text != "b" {
		t.Errorf("oldest kept = %q, want b", first.Text)
	}
	if v := testutil.ToFloat64(m.OutboundDropped.WithLabelValues(dropQueueFull)); v != 1 {
		t.Errorf("queue_full drops = %v", v)
	}

	o.close()
	o.push(live.RealtimeInput{Text: "late"})
	if o.pending() != 1 {
		t.Errorf("push after close was queued")
	}
}

func TestMicrophoneDeniedKeepsSession(t *testing.T) {
	h := newHarness(t, "key")
	h.capture.err = audioio.ErrPermissionDenied

	h.connectAndOpen(t)
	if h.m.Notice() != MsgMicDenied {
		t.Errorf("Notice = %q, want %q", h.m.Notice(), MsgMicDenied)
	}
	if h.m.State() != Connected {
		t.Errorf("state = %v, want CONNECTED", h.m.State())
	}
}

func TestDisconnectDuringDial(t *testing.T) {
	h := newHarness(t, "key")
	h.dialer.block = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.m.Connect(context.Background()) }()
	waitFor(t, "CONNECTING", func() bool { return h.m.State() == Connecting })

	h.m.Disconnect()
	close(h.dialer.block)

	if err := <-errc; !errors.Is(err, ErrAborted) {
		t.Errorf("Connect = %v, want ErrAborted", err)
	}
	if h.m.State() != Disconnected {
		t.Errorf("state = %v", h.m.State())
	}
	_, conn := h.dialer.last()
	if conn.closed == 0 {
		t.Error("late connection not closed")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Disconnected, "DISCONNECTED"},
		{Connecting, "CONNECTING"},
		{Connected, "CONNECTED"},
		{Error, "ERROR"},
		{State(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
