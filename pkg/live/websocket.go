package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/friday/pkg/pcm"
)

// DefaultEndpoint is the BidiGenerateContent websocket endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// Connection timing.
const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 120 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
)

// WebSocketDialer opens sessions over a raw websocket.
type WebSocketDialer struct {
	// Endpoint overrides DefaultEndpoint (tests point it at httptest).
	Endpoint string
	Logger   *slog.Logger
}

// Dial connects, sends the setup message and starts the read loop.
// OnOpen fires when the endpoint acknowledges setup.
func (d *WebSocketDialer) Dial(ctx context.Context, cfg Config, cb Callbacks) (Conn, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	endpoint := d.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("live: bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", cfg.APIKey)
	u.RawQuery = q.Encode()

	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("live: failed to connect: %w", err)
	}

	c := &wsConn{
		ws:     ws,
		cb:     cb.fill(),
		logger: logger.With("component", "live", "backend", "websocket"),
		done:   make(chan struct{}),
	}

	if err := c.sendJSON(newSetup(cfg)); err != nil {
		ws.Close()
		return nil, fmt.Errorf("live: failed to configure session: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.wsMu.Lock()
		defer c.wsMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go c.readLoop()
	go c.keepAlive()

	c.logger.Info("live session dialed", "model", cfg.Model)
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	wsMu   sync.Mutex
	cb     Callbacks
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	opened bool
	done   chan struct{}
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readLoop processes incoming websocket messages.
func (c *wsConn) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		if c.isClosed() {
			return
		}

		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			c.logger.Warn("failed to parse server message", "error", err)
			continue
		}

		if sm.SetupComplete != nil {
			c.mu.Lock()
			first := !c.opened
			c.opened = true
			c.mu.Unlock()
			if first {
				c.cb.OnOpen()
			}
			continue
		}

		msg := sm.toMessage()
		if msg.Empty() {
			c.logger.Debug("ignoring empty server message")
			continue
		}
		c.cb.OnMessage(msg)
	}
}

func (c *wsConn) handleReadError(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	c.ws.Close()
	if wasClosed {
		return
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
		c.logger.Info("live session closed by server", "code", ce.Code, "reason", ce.Text)
		c.cb.OnClose(ce.Text)
		return
	}
	c.logger.Warn("live session error", "error", err)
	c.cb.OnError(fmt.Errorf("live: read: %w", err))
}

// keepAlive sends periodic pings to keep the connection alive.
func (c *wsConn) keepAlive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.wsMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.wsMu.Unlock()
			if err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

// SendRealtimeInput sends one media blob or text hint.
func (c *wsConn) SendRealtimeInput(in RealtimeInput) error {
	var body realtimeInputBody
	switch {
	case in.Media != nil:
		blob := *in.Media
		switch mediaSlot(blob.MIMEType) {
		case slotAudio:
			body.Audio = &blob
		case slotVideo:
			body.Video = &blob
		default:
			body.MediaChunks = []pcm.Blob{blob}
		}
	case in.Text != "":
		body.Text = in.Text
	default:
		return ErrEmptyInput
	}
	return c.sendJSON(realtimeInputMsg{RealtimeInput: body})
}

// SendToolResponse answers one or more tool calls.
func (c *wsConn) SendToolResponse(responses ...ToolResponse) error {
	body := toolResponseBody{FunctionResponses: make([]functionResponse, 0, len(responses))}
	for _, r := range responses {
		resp := r.Response
		if resp == nil {
			resp = map[string]any{}
		}
		body.FunctionResponses = append(body.FunctionResponses, functionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: resp,
		})
	}
	return c.sendJSON(toolResponseMsg{ToolResponse: body})
}

// Close sends a close frame and tears the socket down. No callbacks fire
// afterwards.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.wsMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.wsMu.Unlock()

	err := c.ws.Close()
	c.logger.Info("live session closed")
	return err
}

// sendJSON sends a JSON message over the websocket.
func (c *wsConn) sendJSON(v any) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}
