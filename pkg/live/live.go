// Package live is the client side of a realtime conversational endpoint
// session: connect with a configuration, receive callbacks, send realtime
// input and tool responses.
//
// Two backends implement Dialer. WebSocketDialer speaks the
// BidiGenerateContent JSON protocol directly over gorilla/websocket;
// GenAIDialer goes through the google.golang.org/genai SDK. Both invoke
// callbacks sequentially from a single read goroutine per connection and
// fire OnOpen once the endpoint acknowledges setup.
package live

import (
	"context"
	"errors"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/teslashibe/friday/pkg/pcm"
)

// Errors.
var (
	ErrClosed        = errors.New("live: connection closed")
	ErrMissingAPIKey = errors.New("live: missing API key")
	ErrEmptyInput    = errors.New("live: realtime input has neither media nor text")
)

// Modality is a response modality.
type Modality string

// ModalityAudio asks the model to answer with audio.
const ModalityAudio Modality = "AUDIO"

// ToolDeclaration describes a tool the model may call.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// Config enumerates the session configuration.
type Config struct {
	APIKey           string
	Model            string
	ResponseModality Modality
	Instructions     string
	Voice            string
	Tools            []ToolDeclaration

	// Transcribe enables input and output transcription events.
	Transcribe bool
}

// Callbacks receive connection events. All callbacks for one connection
// are invoked sequentially. After a client-initiated Close no further
// callbacks fire, so OnClose only reports server-initiated closes.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(*Message)
	OnClose   func(reason string)
	OnError   func(error)
}

// Message is one demultiplexed inbound message.
type Message struct {
	Audio            []pcm.Blob
	Text             string
	Interrupted      bool
	TurnComplete     bool
	ToolCalls        []ToolCall
	CancelledCalls   []string
	InputTranscript  string
	OutputTranscript string
	GoAway           bool
}

// Empty reports whether the message carries nothing actionable.
func (m *Message) Empty() bool {
	return len(m.Audio) == 0 && m.Text == "" && !m.Interrupted && !m.TurnComplete &&
		len(m.ToolCalls) == 0 && len(m.CancelledCalls) == 0 &&
		m.InputTranscript == "" && m.OutputTranscript == "" && !m.GoAway
}

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// RealtimeInput is one outbound unit: a media blob or a text hint.
type RealtimeInput struct {
	Media *pcm.Blob
	Text  string
}

// Kind classifies the input for logging and metrics.
func (r RealtimeInput) Kind() string {
	switch {
	case r.Media == nil:
		return "text"
	case strings.HasPrefix(r.Media.MIMEType, "audio/"):
		return "audio"
	case strings.HasPrefix(r.Media.MIMEType, "image/"):
		return "image"
	default:
		return "media"
	}
}

// ToolResponse answers a ToolCall.
type ToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Conn is a live session handle.
type Conn interface {
	SendRealtimeInput(RealtimeInput) error
	SendToolResponse(...ToolResponse) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, cfg Config, cb Callbacks) (Conn, error)
}

// fill returns cb with no-op defaults so backends can call freely.
func (cb Callbacks) fill() Callbacks {
	if cb.OnOpen == nil {
		cb.OnOpen = func() {}
	}
	if cb.OnMessage == nil {
		cb.OnMessage = func(*Message) {}
	}
	if cb.OnClose == nil {
		cb.OnClose = func(string) {}
	}
	if cb.OnError == nil {
		cb.OnError = func(error) {}
	}
	return cb
}
