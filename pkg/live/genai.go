package live

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/teslashibe/friday/pkg/pcm"
)

// GenAIDialer opens sessions through the genai SDK's Live client.
//
// The SDK dials the live socket itself with gorilla's default dialer, so no
// HTTP client or transport timeout applies to it. Dial still returns when
// ctx is done; a connection that completes afterwards is closed.
type GenAIDialer struct {
	// BaseURL overrides the API base URL. A ws:// or wss:// scheme is kept.
	BaseURL string
	Logger  *slog.Logger
}

// Dial connects and starts the receive loop.
func (d *GenAIDialer) Dial(ctx context.Context, cfg Config, cb Callbacks) (Conn, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if d.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: d.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("live: genai client: %w", err)
	}

	session, err := connectLive(ctx, client, cfg)
	if err != nil {
		return nil, fmt.Errorf("live: failed to connect: %w", err)
	}

	c := &genaiConn{
		session: session,
		cb:      cb.fill(),
		logger:  logger.With("component", "live", "backend", "genai"),
	}
	go c.readLoop()

	c.logger.Info("live session dialed", "model", cfg.Model)
	return c, nil
}

// connectLive runs the SDK's blocking connect and gives up when ctx is done.
func connectLive(ctx context.Context, client *genai.Client, cfg Config) (*genai.Session, error) {
	type result struct {
		session *genai.Session
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := client.Live.Connect(ctx, cfg.Model, liveConnectConfig(cfg))
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		return r.session, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.session != nil {
				_ = r.session.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// liveConnectConfig maps cfg onto the SDK's connect configuration.
func liveConnectConfig(cfg Config) *genai.LiveConnectConfig {
	modality := cfg.ResponseModality
	if modality == "" {
		modality = ModalityAudio
	}
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.Modality(modality)},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if decls := functionDeclarations(cfg.Tools); len(decls) > 0 {
		lc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Transcribe {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

type genaiConn struct {
	session *genai.Session
	cb      Callbacks
	logger  *slog.Logger

	// wsMu serialises writes; the SDK session has no lock of its own.
	wsMu sync.Mutex

	mu     sync.Mutex
	closed bool
	opened bool
}

func (c *genaiConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *genaiConn) readLoop() {
	for {
		sm, err := c.session.Receive()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if c.isClosed() {
			return
		}

		c.mu.Lock()
		first := !c.opened
		c.opened = true
		c.mu.Unlock()
		if first {
			c.cb.OnOpen()
		}
		if sm.SetupComplete != nil {
			continue
		}

		msg := fromGenAI(sm)
		if msg.Empty() {
			continue
		}
		c.cb.OnMessage(msg)
	}
}

func (c *genaiConn) handleReadError(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if wasClosed {
		return
	}
	_ = c.session.Close()

	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
		c.logger.Info("live session closed by server", "code", ce.Code, "reason", ce.Text)
		c.cb.OnClose(ce.Text)
		return
	}
	c.logger.Warn("live session error", "error", err)
	c.cb.OnError(fmt.Errorf("live: receive: %w", err))
}

// fromGenAI demultiplexes an SDK server message.
func fromGenAI(sm *genai.LiveServerMessage) *Message {
	msg := &Message{}

	if sc := sm.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.InlineData != nil {
					msg.Audio = append(msg.Audio, pcm.Blob{
						MIMEType: part.InlineData.MIMEType,
						Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
					})
				}
				msg.Text += part.Text
			}
		}
		msg.Interrupted = sc.Interrupted
		msg.TurnComplete = sc.TurnComplete
		if sc.InputTranscription != nil {
			msg.InputTranscript = sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			msg.OutputTranscript = sc.OutputTranscription.Text
		}
	}

	if tc := sm.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: fc.ID, Name: fc.Name, Args: args})
		}
	}

	if sm.ToolCallCancellation != nil {
		msg.CancelledCalls = sm.ToolCallCancellation.IDs
	}
	msg.GoAway = sm.GoAway != nil

	return msg
}

// SendRealtimeInput sends one media blob or text hint.
func (c *genaiConn) SendRealtimeInput(in RealtimeInput) error {
	if c.isClosed() {
		return ErrClosed
	}
	var ri genai.LiveRealtimeInput
	switch {
	case in.Media != nil:
		data, err := in.Media.Bytes()
		if err != nil {
			return fmt.Errorf("live: media payload: %w", err)
		}
		blob := &genai.Blob{MIMEType: in.Media.MIMEType, Data: data}
		switch mediaSlot(in.Media.MIMEType) {
		case slotAudio:
			ri.Audio = blob
		case slotVideo:
			ri.Video = blob
		default:
			ri.Media = blob
		}
	case in.Text != "":
		ri.Text = in.Text
	default:
		return ErrEmptyInput
	}
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.session.SendRealtimeInput(ri)
}

// SendToolResponse answers one or more tool calls.
func (c *genaiConn) SendToolResponse(responses ...ToolResponse) error {
	if c.isClosed() {
		return ErrClosed
	}
	frs := make([]*genai.FunctionResponse, 0, len(responses))
	for _, r := range responses {
		resp := r.Response
		if resp == nil {
			resp = map[string]any{}
		}
		frs = append(frs, &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: resp})
	}
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.session.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: frs})
}

// Close closes the session. No callbacks fire afterwards. It does not take
// wsMu: closing the socket unblocks a stalled write.
func (c *genaiConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.session.Close()
	c.logger.Info("live session closed")
	return err
}
