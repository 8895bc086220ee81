// Package session owns the connection to the realtime endpoint and the
// state machine that governs it.
//
// States move DISCONNECTED → CONNECTING → CONNECTED → {DISCONNECTED, ERROR}
// and ERROR → DISCONNECTED only through Reset. Nothing reconnects on its
// own. Every exit from CONNECTING or CONNECTED tears down capture, video
// and playback. Callbacks from a connection that has since been replaced
// are ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/teslashibe/friday/pkg/audioio"
	"github.com/teslashibe/friday/pkg/live"
	"github.com/teslashibe/friday/pkg/metrics"
	"github.com/teslashibe/friday/pkg/pcm"
	"github.com/teslashibe/friday/pkg/playback"
	"github.com/teslashibe/friday/pkg/tools"
)

// Errors.
var (
	ErrMissingCredential = errors.New("session: API key not configured")
	ErrAlreadyActive     = errors.New("session: already connecting or connected")
	ErrResetRequired     = errors.New("session: in error state, reset required")
	ErrAborted           = errors.New("session: connect aborted by disconnect")
)

// Player is the inbound audio path.
type Player interface {
	OnChunk(pcm.Blob) (*playback.Unit, error)
	Interrupt() int
	StopAll() int
}

// Capturer is the microphone pipeline.
type Capturer interface {
	Start(ctx context.Context) error
	Stop() error
}

// Stopper is anything torn down with the session, such as the camera.
type Stopper interface {
	Stop() error
}

// Dispatcher resolves tool calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) any
}

// Options configures a Manager.
type Options struct {
	APIKey string
	Live   live.Config
	Dialer live.Dialer

	Player     Player
	Capture    Capturer
	Video      Stopper
	Dispatcher Dispatcher
	ToolLog    *tools.Log

	// OutboundQueue bounds the per-session realtime input queue.
	OutboundQueue int

	Metrics *metrics.Pipeline
	Logger  *slog.Logger

	OnStateChange func(State)
	// OnTranscript receives transcription text when enabled; speaker is
	// "user" or "model".
	OnTranscript func(speaker, text string)
	// OnNotice is called when the device notice changes.
	OnNotice func(string)
}

// Manager is the transport and session state machine.
type Manager struct {
	apiKey     string
	liveCfg    live.Config
	dialer     live.Dialer
	player     Player
	capture    Capturer
	video      Stopper
	dispatcher Dispatcher
	toolLog    *tools.Log
	queueSize  int
	metrics    *metrics.Pipeline
	logger     *slog.Logger

	onStateChange func(State)
	onTranscript  func(string, string)
	onNotice      func(string)

	// inbound orders the player calls of handleMessage against teardown so
	// no chunk is scheduled after a session's playback was stopped.
	inbound sync.Mutex

	mu        sync.Mutex
	state     State
	lastErr   string
	notice    string
	gen       uint64
	sessionID string
	conn      live.Conn
	out       *outbox
	ctx       context.Context
	cancel    context.CancelFunc
	inflight  sync.WaitGroup
}

// New creates a manager in DISCONNECTED.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		apiKey:        opts.APIKey,
		liveCfg:       opts.Live,
		dialer:        opts.Dialer,
		player:        opts.Player,
		capture:       opts.Capture,
		video:         opts.Video,
		dispatcher:    opts.Dispatcher,
		toolLog:       opts.ToolLog,
		queueSize:     opts.OutboundQueue,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "session"),
		onStateChange: opts.OnStateChange,
		onTranscript:  opts.OnTranscript,
		onNotice:      opts.OnNotice,
	}
	if m.toolLog == nil {
		m.toolLog = tools.NewLog()
	}
	if m.onStateChange == nil {
		m.onStateChange = func(State) {}
	}
	if m.onTranscript == nil {
		m.onTranscript = func(string, string) {}
	}
	if m.onNotice == nil {
		m.onNotice = func(string) {}
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the user-visible configuration or connection error.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Notice returns the user-visible device message, if any.
func (m *Manager) Notice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notice
}

// SessionID returns the id of the current or last session.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// ToolLog returns the tool call record.
func (m *Manager) ToolLog() *tools.Log {
	return m.toolLog
}

// setState must be called with mu held. It returns the notification to
// run once the lock is released.
func (m *Manager) setState(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.logger.Info("session state changed", "from", m.state, "to", s, "session_id", m.sessionID)
	m.state = s
	m.metrics.Transition(s.String())
	return func() { m.onStateChange(s) }
}

// Connect dials the endpoint. It returns once the dial completes; the
// session becomes CONNECTED when the endpoint acknowledges setup.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Connecting, Connected:
		m.mu.Unlock()
		return ErrAlreadyActive
	case Error:
		m.mu.Unlock()
		return ErrResetRequired
	}
	if m.apiKey == "" {
		m.lastErr = MsgMissingCredential
		m.mu.Unlock()
		m.logger.Warn("connect refused", "error", ErrMissingCredential)
		return ErrMissingCredential
	}

	m.gen++
	gen := m.gen
	m.sessionID = uuid.NewString()
	m.notice = ""
	m.ctx, m.cancel = context.WithCancel(context.Background())
	out := newOutbox(m.queueSize, m.metrics, m.logger)
	m.out = out
	notify := m.setState(Connecting)
	sessionID := m.sessionID
	m.mu.Unlock()
	notify()

	cfg := m.liveCfg
	cfg.APIKey = m.apiKey
	cfg.Tools = append([]live.ToolDeclaration(nil), m.liveCfg.Tools...)

	conn, err := m.dialer.Dial(ctx, cfg, live.Callbacks{
		OnOpen:    func() { m.handleOpen(gen) },
		OnMessage: func(msg *live.Message) { m.handleMessage(gen, msg) },
		OnClose:   func(reason string) { m.handleClose(gen, reason) },
		OnError:   func(err error) { m.handleError(gen, err) },
	})

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrAborted
	}
	if err != nil {
		m.lastErr = MsgConnectFailed
		m.gen++
		notify := m.setState(Error)
		td := m.detach()
		m.mu.Unlock()
		notify()
		td.run(false)
		m.logger.Error("connect failed", "session_id", sessionID, "error", err)
		return fmt.Errorf("session: connect: %w", err)
	}
	m.conn = conn
	m.mu.Unlock()

	go out.run(conn)
	m.logger.Info("session dialed", "session_id", sessionID, "model", cfg.Model)
	return nil
}

func (m *Manager) handleOpen(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		return
	}
	m.lastErr = ""
	notify := m.setState(Connected)
	ctx := m.ctx
	m.mu.Unlock()
	notify()

	if m.capture == nil {
		return
	}
	err := m.capture.Start(ctx)

	m.mu.Lock()
	stale := gen != m.gen
	if err != nil && !stale {
		m.notice = deviceNotice(err)
	}
	notice := m.notice
	m.mu.Unlock()

	switch {
	case err != nil:
		m.logger.Warn("microphone unavailable, session continues", "error", err)
		if !stale {
			m.onNotice(notice)
		}
	case stale:
		// The session ended while the microphone was opening.
		m.capture.Stop()
	}
}

func deviceNotice(err error) string {
	if errors.Is(err, audioio.ErrPermissionDenied) {
		return MsgMicDenied
	}
	return MsgMicUnavailable
}

// current reports whether gen is the live session.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && (m.state == Connecting || m.state == Connected)
}

func (m *Manager) handleMessage(gen uint64, msg *live.Message) {
	if !m.play(gen, msg) {
		return
	}

	if msg.InputTranscript != "" {
		m.onTranscript("user", msg.InputTranscript)
	}
	if msg.OutputTranscript != "" {
		m.onTranscript("model", msg.OutputTranscript)
	}
	if len(msg.CancelledCalls) > 0 {
		m.logger.Info("tool calls cancelled by endpoint", "ids", msg.CancelledCalls)
	}
	if msg.GoAway {
		m.logger.Warn("endpoint announced disconnect")
	}

	if len(msg.ToolCalls) > 0 {
		m.handleToolCalls(gen, msg.ToolCalls)
	}
}

// play feeds msg's audio and interruption to the player. It reports false
// when gen is no longer the live session.
func (m *Manager) play(gen uint64, msg *live.Message) bool {
	m.inbound.Lock()
	defer m.inbound.Unlock()
	if !m.current(gen) {
		return false
	}
	if m.player == nil {
		return true
	}
	for _, blob := range msg.Audio {
		// Decode errors are logged and counted by the player; the chunk
		// is dropped and later chunks keep their schedule.
		m.player.OnChunk(blob)
	}
	if msg.Interrupted {
		n := m.player.Interrupt()
		m.logger.Debug("playback interrupted", "stopped", n)
	}
	return true
}

// handleToolCalls logs every call synchronously, then resolves them in
// order on one goroutine.
func (m *Manager) handleToolCalls(gen uint64, calls []live.ToolCall) {
	logged := make([]live.ToolCall, len(calls))
	for i, c := range calls {
		e := m.toolLog.Begin(c.ID, c.Name, c.Args)
		c.ID = e.ID
		logged[i] = c
	}

	m.mu.Lock()
	ctx := m.ctx
	m.inflight.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.inflight.Done()
		for _, c := range logged {
			var result any = map[string]any{}
			if m.dispatcher != nil {
				result = m.dispatcher.Dispatch(ctx, c.Name, c.Args)
			}
			m.toolLog.Resolve(c.ID, result)

			m.mu.Lock()
			conn := m.conn
			current := gen == m.gen && m.state == Connected
			m.mu.Unlock()
			if !current || conn == nil {
				m.logger.Debug("dropping tool response for ended session", "tool", c.Name, "id", c.ID)
				continue
			}
			err := conn.SendToolResponse(live.ToolResponse{
				ID:       c.ID,
				Name:     c.Name,
				Response: tools.Envelope(result),
			})
			if err != nil {
				m.logger.Warn("tool response not sent", "tool", c.Name, "id", c.ID, "error", err)
			}
		}
	}()
}

func (m *Manager) handleClose(gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	notify := m.setState(Disconnected)
	td := m.detach()
	m.mu.Unlock()

	m.logger.Info("session closed by endpoint", "reason", reason)
	notify()
	td.run(true)
}

func (m *Manager) handleError(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.lastErr = MsgConnectionError
	notify := m.setState(Error)
	td := m.detach()
	m.mu.Unlock()

	m.logger.Error("session error", "error", err)
	notify()
	td.run(true)
}

// Disconnect closes the session without waiting for confirmation. It is
// a no-op in DISCONNECTED and ERROR.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == Disconnected || m.state == Error {
		m.mu.Unlock()
		return
	}
	m.gen++
	notify := m.setState(Disconnected)
	td := m.detach()
	m.mu.Unlock()

	notify()
	td.run(true)
}

// Reset leaves ERROR for DISCONNECTED and clears the messages. It is a
// no-op in any other state.
func (m *Manager) Reset() {
	m.mu.Lock()
	if m.state != Error {
		m.mu.Unlock()
		return
	}
	m.lastErr = ""
	m.notice = ""
	notify := m.setState(Disconnected)
	m.mu.Unlock()
	notify()
}

// SendRealtime enqueues outbound input. Without a session it is dropped.
func (m *Manager) SendRealtime(in live.RealtimeInput) {
	m.mu.Lock()
	out := m.out
	m.mu.Unlock()

	if out == nil {
		m.metrics.Dropped(dropNoSession)
		return
	}
	out.push(in)
}

// SendText enqueues a text hint.
func (m *Manager) SendText(text string) {
	if text == "" {
		return
	}
	m.SendRealtime(live.RealtimeInput{Text: text})
}

// Wait blocks until in-flight tool calls have finished.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// teardown is the detached resources of an ended session.
type teardown struct {
	m      *Manager
	conn   live.Conn
	out    *outbox
	cancel context.CancelFunc
}

// detach must be called with mu held.
func (m *Manager) detach() teardown {
	td := teardown{m: m, conn: m.conn, out: m.out, cancel: m.cancel}
	m.conn = nil
	m.out = nil
	m.cancel = nil
	return td
}

// run releases everything the session held. closeConn requests a close
// in the background.
func (td teardown) run(closeConn bool) {
	m := td.m
	if td.out != nil {
		td.out.close()
	}
	if td.cancel != nil {
		td.cancel()
	}
	if m.capture != nil {
		if err := m.capture.Stop(); err != nil {
			m.logger.Warn("capture stop failed", "error", err)
		}
	}
	if m.video != nil {
		if err := m.video.Stop(); err != nil {
			m.logger.Warn("video stop failed", "error", err)
		}
	}
	if m.player != nil {
		m.inbound.Lock()
		m.player.StopAll()
		m.inbound.Unlock()
	}
	if closeConn && td.conn != nil {
		go func(c live.Conn) {
			if err := c.Close(); err != nil {
				m.logger.Debug("close failed", "error", err)
			}
		}(td.conn)
	}
}
