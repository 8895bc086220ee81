package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/teslashibe/friday/internal/log"
)

type frame struct {
	kind int
	data []byte
}

// fakeConn blocks reads until closed and records writes.
type fakeConn struct {
	mu      sync.Mutex
	written []frame
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("closed")
}

func (f *fakeConn) WriteMessage(kind int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, frame{kind, append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) SetReadLimit(int64)                       {}
func (f *fakeConn) SetReadDeadline(time.Time) error          { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error         { return nil }
func (f *fakeConn) SetPongHandler(func(appData string) error) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) frames() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame(nil), f.written...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastReachesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New("test", log.Discard())
	go h.Run(ctx)

	a, b := newFakeConn(), newFakeConn()
	ca, cb := NewClient(h, a), NewClient(h, b)
	go ca.Run()
	go cb.Run()
	waitFor(t, func() bool { return h.ClientCount() == 2 })

	if err := h.BroadcastJSON(map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	h.BroadcastBinary([]byte{1, 2})

	for _, conn := range []*fakeConn{a, b} {
		waitFor(t, func() bool { return len(conn.frames()) >= 2 })
		got := conn.frames()
		if got[0].kind != websocket.TextMessage || string(got[0].data) != `{"n":1}` {
			t.Errorf("first frame = %d %q", got[0].kind, got[0].data)
		}
		if got[1].kind != websocket.BinaryMessage || len(got[1].data) != 2 {
			t.Errorf("second frame = %d %v", got[1].kind, got[1].data)
		}
	}

	a.Close()
	waitFor(t, func() bool { return h.ClientCount() == 1 })
}

func TestBroadcastJSONError(t *testing.T) {
	h := New("test", log.Discard())
	if err := h.BroadcastJSON(make(chan int)); err == nil {
		t.Error("expected encode error")
	}
}

func TestStoppedHubRejectsClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New("test", log.Discard())
	go h.Run(ctx)

	conn := newFakeConn()
	c := NewClient(h, conn)
	go c.Run()
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	cancel()
	<-h.Done()
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after stop", h.ClientCount())
	}
	waitFor(t, func() bool {
		f := conn.frames()
		return len(f) > 0 && f[len(f)-1].kind == websocket.CloseMessage
	})
	if NewClient(h, newFakeConn()) != nil {
		t.Error("NewClient on a stopped hub returned a client")
	}
}
