package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/teslashibe/friday/internal/log"
	"github.com/teslashibe/friday/pkg/gmail"
	"github.com/teslashibe/friday/pkg/media"
	"github.com/teslashibe/friday/pkg/metrics"
	"github.com/teslashibe/friday/pkg/session"
	"github.com/teslashibe/friday/pkg/tools"
)

type fakeController struct {
	mu         sync.Mutex
	status     Status
	connectErr error
	cameraErr  error
	uploads    []string
	uploadMIME string
	resets     int
	logs       []tools.Entry
}

func (f *fakeController) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.status.State = session.Connecting.String()
	return nil
}

func (f *fakeController) Disconnect() {
	f.mu.Lock()
	f.status.State = session.Disconnected.String()
	f.mu.Unlock()
}

func (f *fakeController) Reset() {
	f.mu.Lock()
	f.resets++
	f.status.Error = ""
	f.mu.Unlock()
}

func (f *fakeController) SetMuted(muted bool) {
	f.mu.Lock()
	f.status.Muted = muted
	f.mu.Unlock()
}

func (f *fakeController) SetCamera(_ context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cameraErr != nil {
		return f.cameraErr
	}
	f.status.Camera = on
	return nil
}

func (f *fakeController) Upload(name, mimeType string, data []byte) error {
	if _, err := media.Upload(name, mimeType, data); err != nil {
		return err
	}
	f.mu.Lock()
	f.uploads = append(f.uploads, name)
	f.uploadMIME = mimeType
	f.mu.Unlock()
	return nil
}

func (f *fakeController) ToolLogs() []tools.Entry { return f.logs }
func (f *fakeController) Levels() Levels          { return Levels{} }

type fakeGmail struct {
	authed bool
	code   string
	err    error
}

func (g *fakeGmail) IsAuthenticated() bool { return g.authed }
func (g *fakeGmail) AuthURL() string       { return "https://accounts.example.com/auth?state=" + gmail.State }

func (g *fakeGmail) HandleCallback(_ context.Context, code string) error {
	if g.err != nil {
		return g.err
	}
	g.code = code
	g.authed = true
	return nil
}

func (g *fakeGmail) Disconnect() error {
	g.authed = false
	return nil
}

func newServer(ctrl *fakeController, g Gmail) *Server {
	return NewServer(Options{Controller: ctrl, Gmail: g, Metrics: metrics.New("test").Handler(), Logger: log.Discard()})
}

func do(t *testing.T, s *Server, method, path, body string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(data)
}

func TestStatusAndControls(t *testing.T) {
	ctrl := &fakeController{status: Status{State: "DISCONNECTED", Model: "m"}}
	s := newServer(ctrl, nil)

	resp, body := do(t, s, http.MethodGet, "/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st Status
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != "DISCONNECTED" || st.Model != "m" {
		t.Errorf("status = %+v", st)
	}

	tests := []struct {
		method, path, body string
		check              func(Status) bool
	}{
		{http.MethodPost, "/api/connect", "", func(s Status) bool { return s.State == "CONNECTING" }},
		{http.MethodPost, "/api/mute", `{"muted":true}`, func(s Status) bool { return s.Muted }},
		{http.MethodPost, "/api/camera", `{"on":true}`, func(s Status) bool { return s.Camera }},
		{http.MethodPost, "/api/camera", `{"on":false}`, func(s Status) bool { return !s.Camera }},
		{http.MethodPost, "/api/disconnect", "", func(s Status) bool { return s.State == "DISCONNECTED" }},
	}
	for _, tt := range tests {
		resp, body := do(t, s, tt.method, tt.path, tt.body)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s %s: status %d %s", tt.method, tt.path, resp.StatusCode, body)
			continue
		}
		var got Status
		json.Unmarshal([]byte(body), &got)
		if !tt.check(got) {
			t.Errorf("%s %s %s: status = %+v", tt.method, tt.path, tt.body, got)
		}
	}

	if resp, _ := do(t, s, http.MethodPost, "/api/mute", `not json`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad mute body status = %d", resp.StatusCode)
	}
	do(t, s, http.MethodPost, "/api/reset", "")
	if ctrl.resets != 1 {
		t.Errorf("resets = %d", ctrl.resets)
	}
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{session.ErrMissingCredential, http.StatusBadRequest, session.MsgMissingCredential},
		{session.ErrResetRequired, http.StatusConflict, session.ErrResetRequired.Error()},
		{session.ErrAlreadyActive, http.StatusConflict, session.ErrAlreadyActive.Error()},
		{fmt.Errorf("session: connect: %w", errors.New("refused")), http.StatusBadGateway, session.MsgConnectFailed},
	}
	for _, tt := range tests {
		s := newServer(&fakeController{connectErr: tt.err}, nil)
		resp, body := do(t, s, http.MethodPost, "/api/connect", "")
		if resp.StatusCode != tt.status {
			t.Errorf("%v: status = %d, want %d", tt.err, resp.StatusCode, tt.status)
		}
		if !strings.Contains(body, tt.message) {
			t.Errorf("%v: body = %s", tt.err, body)
		}
	}
}

func TestCameraUnavailable(t *testing.T) {
	s := newServer(&fakeController{cameraErr: media.ErrNoCamera}, nil)
	resp, _ := do(t, s, http.MethodPost, "/api/camera", `{"on":true}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func upload(t *testing.T, s *Server, name, contentType string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestUpload(t *testing.T) {
	ctrl := &fakeController{}
	s := newServer(ctrl, nil)

	if resp := upload(t, s, "photo.jpg", "image/jpeg", []byte{1, 2, 3}); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(ctrl.uploads) != 1 || ctrl.uploads[0] != "photo.jpg" || ctrl.uploadMIME != "image/jpeg" {
		t.Errorf("uploads = %v %s", ctrl.uploads, ctrl.uploadMIME)
	}
	if resp := upload(t, s, "notes.txt", "text/plain", []byte("hi")); resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("text upload status = %d", resp.StatusCode)
	}

	resp, _ := do(t, s, http.MethodPost, "/api/upload", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing file status = %d", resp.StatusCode)
	}
}

func TestToolLogs(t *testing.T) {
	l := tools.NewLog()
	l.Begin("a", tools.ListEmails, map[string]any{"count": 2})
	ctrl := &fakeController{logs: l.Entries()}
	s := newServer(ctrl, nil)

	_, body := do(t, s, http.MethodGet, "/api/tools/logs", "")
	var got []tools.Entry
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != tools.ListEmails || got[0].Resolved {
		t.Errorf("logs = %+v", got)
	}
}

func TestGmailRoutes(t *testing.T) {
	s := newServer(&fakeController{}, nil)
	if resp, _ := do(t, s, http.MethodGet, "/api/gmail/login", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unconfigured login status = %d", resp.StatusCode)
	}

	g := &fakeGmail{}
	s = newServer(&fakeController{}, g)
	resp, _ := do(t, s, http.MethodGet, "/api/gmail/login", "")
	if resp.StatusCode != http.StatusFound || !strings.Contains(resp.Header.Get("Location"), gmail.State) {
		t.Errorf("login = %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}

	if resp, _ := do(t, s, http.MethodGet, "/api/gmail/callback?state=other&code=x", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad state status = %d", resp.StatusCode)
	}
	if resp, _ := do(t, s, http.MethodGet, "/api/gmail/callback?state="+gmail.State, ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing code status = %d", resp.StatusCode)
	}
	resp, _ = do(t, s, http.MethodGet, "/api/gmail/callback?state="+gmail.State+"&code=abc", "")
	if resp.StatusCode != http.StatusOK || g.code != "abc" || !g.authed {
		t.Errorf("callback = %d code %q authed %v", resp.StatusCode, g.code, g.authed)
	}
	do(t, s, http.MethodPost, "/api/gmail/logout", "")
	if g.authed {
		t.Error("still authenticated after logout")
	}

	g.err = errors.New("bad code")
	if resp, _ := do(t, s, http.MethodGet, "/api/gmail/callback?state="+gmail.State+"&code=x", ""); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("failed exchange status = %d", resp.StatusCode)
	}
}

func TestMetricsAndWebsocketGuard(t *testing.T) {
	s := newServer(&fakeController{}, nil)
	resp, body := do(t, s, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "test_") {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
	if resp, _ := do(t, s, http.MethodGet, "/ws/status", ""); resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("plain GET /ws/status = %d", resp.StatusCode)
	}
}
