package session

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/teslashibe/friday/pkg/live"
	"github.com/teslashibe/friday/pkg/metrics"
)

// Drop reasons reported to metrics.
const (
	dropNoSession = "no_session"
	dropQueueFull = "queue_full"
	dropSendError = "send_error"
)

// outbox is a per-session bounded queue of realtime input drained by a
// single writer. Push never blocks; when full the oldest unit is dropped.
type outbox struct {
	ch      chan live.RealtimeInput
	done    chan struct{}
	metrics *metrics.Pipeline
	logger  *slog.Logger

	closeOnce sync.Once
	// mu serialises pushes so drop-oldest cannot race another push.
	mu sync.Mutex
}

func newOutbox(size int, m *metrics.Pipeline, logger *slog.Logger) *outbox {
	if size <= 0 {
		size = 64
	}
	return &outbox{
		ch:      make(chan live.RealtimeInput, size),
		done:    make(chan struct{}),
		metrics: m,
		logger:  logger,
	}
}

func (o *outbox) push(in live.RealtimeInput) {
	o.mu.Lock()
	defer o.mu.Unlock()

	select {
	case <-o.done:
		o.metrics.Dropped(dropNoSession)
		return
	default:
	}

	for {
		select {
		case o.ch <- in:
			return
		default:
		}
		select {
		case <-o.ch:
			o.metrics.Dropped(dropQueueFull)
		default:
		}
	}
}

// run drains the queue into conn until closed.
func (o *outbox) run(conn live.Conn) {
	for {
		select {
		case <-o.done:
			return
		case in := <-o.ch:
			if err := conn.SendRealtimeInput(in); err != nil {
				o.metrics.Dropped(dropSendError)
				if !errors.Is(err, live.ErrClosed) {
					o.logger.Warn("outbound send failed", "kind", in.Kind(), "error", err)
				}
				continue
			}
			o.metrics.Sent(in.Kind())
		}
	}
}

func (o *outbox) close() {
	o.closeOnce.Do(func() { close(o.done) })
}

// pending returns the number of queued units.
func (o *outbox) pending() int {
	return len(o.ch)
}
