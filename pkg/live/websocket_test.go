package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/friday/internal/log"
	"github.com/teslashibe/friday/pkg/pcm"
)

// fakeEndpoint is a scripted BidiGenerateContent server.
type fakeEndpoint struct {
	t        *testing.T
	srv      *httptest.Server
	received chan map[string]any
	conns    chan *websocket.Conn
	key      chan string
}

func newFakeEndpoint(t *testing.T) *fakeEndpoint {
	t.Helper()
	fe := &fakeEndpoint{
		t:        t,
		received: make(chan map[string]any, 32),
		conns:    make(chan *websocket.Conn, 1),
		key:      make(chan string, 1),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fe.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fe.key <- r.URL.Query().Get("key")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fe.conns <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				t.Errorf("client sent invalid JSON: %v", err)
				continue
			}
			fe.received <- m
		}
	}))
	t.Cleanup(fe.srv.Close)
	return fe
}

func (fe *fakeEndpoint) url() string {
	return "ws" + strings.TrimPrefix(fe.srv.URL, "http")
}

func (fe *fakeEndpoint) conn() *websocket.Conn {
	fe.t.Helper()
	select {
	case ws := <-fe.conns:
		return ws
	case <-time.After(2 * time.Second):
		fe.t.Fatal("no connection")
		return nil
	}
}

func (fe *fakeEndpoint) next() map[string]any {
	fe.t.Helper()
	select {
	case m := <-fe.received:
		return m
	case <-time.After(2 * time.Second):
		fe.t.Fatal("no client message")
		return nil
	}
}

func send(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// recorder collects callbacks.
type recorder struct {
	opened   chan struct{}
	messages chan *Message
	closed   chan string
	errs     chan error
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan struct{}, 4),
		messages: make(chan *Message, 32),
		closed:   make(chan string, 4),
		errs:     make(chan error, 4),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOpen:    func() { r.opened <- struct{}{} },
		OnMessage: func(m *Message) { r.messages <- m },
		OnClose:   func(reason string) { r.closed <- reason },
		OnError:   func(err error) { r.errs <- err },
	}
}

func testConfig() Config {
	return Config{
		APIKey:           "test-key",
		Model:            "gemini-test",
		ResponseModality: ModalityAudio,
		Instructions:     "be brief",
		Voice:            "Zephyr",
		Tools: []ToolDeclaration{{
			Name:        "listEmails",
			Description: "list",
			Parameters: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{"count": {Type: "number"}},
			},
		}},
	}
}

func dial(t *testing.T, fe *fakeEndpoint, rec *recorder) Conn {
	t.Helper()
	d := &WebSocketDialer{Endpoint: fe.url(), Logger: log.Discard()}
	conn, err := d.Dial(context.Background(), testConfig(), rec.callbacks())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDialSendsSetup(t *testing.T) {
	fe := newFakeEndpoint(t)
	rec := newRecorder()
	dial(t, fe, rec)
	fe.conn()

	if key := <-fe.key; key != "test-key" {
		t.Errorf("key = %q, want test-key", key)
	}

	m := fe.next()
	setup, ok := m["setup"].(map[string]any)
	if !ok {
		t.Fatalf("first message = %v, want setup", m)
	}
	if setup["model"] != "models/gemini-test" {
		t.Errorf("model = %v", setup["model"])
	}
	gen := setup["generationConfig"].(map[string]any)
	if mods := gen["responseModalities"].([]any); len(mods) != 1 || mods[0] != "AUDIO" {
		t.Errorf("responseModalities = %v", mods)
	}
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)["voiceName"]
	if voice != "Zephyr" {
		t.Errorf("voiceName = %v", voice)
	}
	tools := setup["tools"].([]any)
	decl := tools[0].(map[string]any)["functionDeclarations"].([]any)[0].(map[string]any)
	if decl["name"] != "listEmails" {
		t.Errorf("declaration name = %v", decl["name"])
	}
	if _, ok := setup["inputAudioTranscription"]; ok {
		t.Error("transcription enabled without Transcribe")
	}
}

func TestOpenFiresOnSetupComplete(t *testing.T) {
	fe := newFakeEndpoint(t)
	rec := newRecorder()
	dial(t, fe, rec)
	ws := fe.conn()
	fe.next()

	select {
	case <-rec.opened:
		t.Fatal("OnOpen before setupComplete")
	case <-time.After(50 * time.Millisecond):
	}

	send(t, ws, `{"setupComplete":{}}`)
	select {
	case <-rec.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen not called")
	}
}

func TestInboundDemux(t *testing.T) {
	fe := newFakeEndpoint(t)
	rec := newRecorder()
	dial(t, fe, rec)
	ws := fe.conn()
	fe.next()
	send(t, ws, `{"setupComplete":{}}`)
	<-rec.opened

	send(t, ws, `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAA="}}]}}}`)
	send(t, ws, `{"serverContent":{"interrupted":true}}`)
	send(t, ws, `{"toolCall":{"functionCalls":[{"id":"c1","name":"listEmails","args":{"count":3}},{"id":"c2","name":"searchInternet"}]}}`)
	send(t, ws, `{"toolCallCancellation":{"ids":["c1"]}}`)
	send(t, ws, `{}`)
	send(t, ws, `{"serverContent":{"turnComplete":true}}`)

	var got []*Message
	for len(got) < 5 {
		select {
		case m := <-rec.messages:
			got = append(got, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d messages, want 5", len(got))
		}
	}

	if len(got[0].Audio) != 1 || got[0].Audio[0].MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("audio message = %+v", got[0])
	}
	if !got[1].Interrupted {
		t.Error("interrupted flag lost")
	}
	calls := got[2].ToolCalls
	if len(calls) != 2 || calls[0].ID != "c1" || calls[0].Args["count"] != float64(3) {
		t.Errorf("tool calls = %+v", calls)
	}
	if calls[1].Args == nil {
		t.Error("missing args should decode as an empty map")
	}
	if ids := got[3].CancelledCalls; len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("cancelled = %v", ids)
	}
	if !got[4].TurnComplete {
		t.Error("empty message was delivered or turnComplete lost")
	}
}

func TestSendRealtimeInputAndToolResponse(t *testing.T) {
	fe := newFakeEndpoint(t)
	rec := newRecorder()
	conn := dial(t, fe, rec)
	fe.conn()
	fe.next()

	blob := pcm.Encode([]float32{0, 0.5})
	if err := conn.SendRealtimeInput(RealtimeInput{Media: &blob}); err != nil {
		t.Fatalf("SendRealtimeInput: %v", err)
	}
	m := fe.next()
	audio := m["realtimeInput"].(map[string]any)["audio"].(map[string]any)
	if audio["mimeType"] != pcm.MIMEInput || audio["data"] != blob.Data {
		t.Errorf("audio = %v", audio)
	}

	media := []struct {
		mimeType string
		field    string
	}{
		{"image/jpeg", "video"},
		{"application/pdf", "mediaChunks"},
	}
	for _, tt := range media {
		b := pcm.NewBlob(tt.mimeType, []byte{1, 2, 3})
		if err := conn.SendRealtimeInput(RealtimeInput{Media: &b}); err != nil {
			t.Fatalf("send %s: %v", tt.mimeType, err)
		}
		ri := fe.next()["realtimeInput"].(map[string]any)
		if _, ok := ri[tt.field]; !ok || len(ri) != 1 {
			t.Errorf("%s sent as %v, want only %q", tt.mimeType, ri, tt.field)
		}
	}

	if err := conn.SendRealtimeInput(RealtimeInput{Text: "[User uploaded a file: a.png]"}); err != nil {
		t.Fatalf("send text: %v", err)
	}
	m = fe.next()
	if got := m["realtimeInput"].(map[string]any)["text"]; got != "[User uploaded a file: a.png]" {
		t.Errorf("text = %v", got)
	}

	if err := conn.SendRealtimeInput(RealtimeInput{}); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("empty input err = %v, want ErrEmptyInput", err)
	}

	err := conn.SendToolResponse(ToolResponse{ID: "c1", Name: "listEmails", Response: map[string]any{"result": "ok"}})
	if err != nil {
		t.Fatalf("SendToolResponse: %v", err)
	}
	m = fe.next()
	fr := m["toolResponse"].(map[string]any)["functionResponses"].([]any)[0].(map[string]any)
	if fr["id"] != "c1" || fr["name"] != "listEmails" {
		t.Errorf("function response = %v", fr)
	}
	if fr["response"].(map[string]any)["result"] != "ok" {
		t.Errorf("response body = %v", fr["response"])
	}
}

func TestServerCloseReportsReason(t *testing.T) {
	fe := newFakeEndpoint(t)
	rec := newRecorder()
	conn := dial(t, fe, rec)
	ws := fe.conn()
	fe.next()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session over")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close: %v", err)
	}

	select {
	case reason := <-rec.closed:
		if reason != "session over" {
			t.Errorf("reason = %q", reason)
		}
	case err := <-rec.errs:
		t.Fatalf("OnError(%v), want OnClose", err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}

	if err := conn.SendRealtimeInput(RealtimeInput{Text: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close err = %v, want ErrClosed", err)
	}
}

func TestAbnormalCloseReportsError(t *testing.T) {
	fe := newFakeEndpoint(t)
	rec := newRecorder()
	dial(t, fe, rec)
	ws := fe.conn()
	fe.next()

	ws.Close()

	select {
	case err := <-rec.errs:
		if err == nil {
			t.Error("nil error")
		}
	case <-rec.closed:
		t.Fatal("OnClose for an abnormal close")
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
}

func TestClientCloseIsSilent(t *testing.T) {
	fe := newFakeEndpoint(t)
	rec := newRecorder()
	conn := dial(t, fe, rec)
	fe.conn()
	fe.next()

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case r := <-rec.closed:
		t.Fatalf("OnClose(%q) after client close", r)
	case err := <-rec.errs:
		t.Fatalf("OnError(%v) after client close", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDialErrors(t *testing.T) {
	d := &WebSocketDialer{Endpoint: "ws://127.0.0.1:1/nowhere", Logger: log.Discard()}

	cfg := testConfig()
	cfg.APIKey = ""
	if _, err := d.Dial(context.Background(), cfg, Callbacks{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("missing key err = %v, want ErrMissingAPIKey", err)
	}

	if _, err := d.Dial(context.Background(), testConfig(), Callbacks{}); err == nil {
		t.Error("dial to closed port succeeded")
	}
}

func TestTranscribeSetup(t *testing.T) {
	cfg := testConfig()
	cfg.Transcribe = true
	cfg.Model = "models/already-prefixed"

	setup := newSetup(cfg).Setup
	if setup.Model != "models/already-prefixed" {
		t.Errorf("model = %q", setup.Model)
	}
	if setup.InputAudioTranscription == nil || setup.OutputAudioTranscription == nil {
		t.Error("transcription configs not set")
	}
}

func TestRealtimeInputKind(t *testing.T) {
	audio := pcm.Blob{MIMEType: pcm.MIMEInput}
	img := pcm.Blob{MIMEType: "image/jpeg"}
	doc := pcm.Blob{MIMEType: "application/pdf"}

	tests := []struct {
		in   RealtimeInput
		want string
	}{
		{RealtimeInput{Text: "hi"}, "text"},
		{RealtimeInput{Media: &audio}, "audio"},
		{RealtimeInput{Media: &img}, "image"},
		{RealtimeInput{Media: &doc}, "media"},
	}
	for _, tt := range tests {
		if got := tt.in.Kind(); got != tt.want {
			t.Errorf("Kind() = %q, want %q", got, tt.want)
		}
	}
}
