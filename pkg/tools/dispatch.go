package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/teslashibe/friday/pkg/metrics"
)

// Provider labels used in logs and metrics.
const (
	providerLive      = "live"
	providerSimulated = "simulated"
	providerNone      = "none"
)

// route is one entry of the dispatch table.
type route struct {
	// liveCapable routes to the live provider when it is authenticated.
	liveCapable bool
	call        func(ctx context.Context, p Provider, args map[string]any) (any, error)
}

var routes = map[string]route{
	ListEmails: {
		liveCapable: true,
		call: func(ctx context.Context, p Provider, args map[string]any) (any, error) {
			return p.ListEmails(ctx, emailCount(args))
		},
	},
	SearchInternet: {
		call: func(ctx context.Context, p Provider, args map[string]any) (any, error) {
			query, err := stringArg(args, "query")
			if err != nil {
				return nil, err
			}
			return p.SearchInternet(ctx, query)
		},
	},
	SendEmail: {
		liveCapable: true,
		call: func(ctx context.Context, p Provider, args map[string]any) (any, error) {
			to, err := stringArg(args, "to")
			if err != nil {
				return nil, err
			}
			subject, err := stringArg(args, "subject")
			if err != nil {
				return nil, err
			}
			body, err := stringArg(args, "body")
			if err != nil {
				return nil, err
			}
			return p.SendEmail(ctx, to, subject, body)
		},
	},
}

// Options configures a Dispatcher.
type Options struct {
	Live      Provider
	Simulated Provider
	// LiveReady is the capability flag: true when the live provider is
	// authenticated. Nil means never.
	LiveReady func() bool
	Metrics   *metrics.Pipeline
	Logger    *slog.Logger
}

// Dispatcher resolves tool calls against the dispatch table.
type Dispatcher struct {
	live      Provider
	simulated Provider
	liveReady func() bool
	metrics   *metrics.Pipeline
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	liveReady := opts.LiveReady
	if liveReady == nil {
		liveReady = func() bool { return false }
	}
	return &Dispatcher{
		live:      opts.Live,
		simulated: opts.Simulated,
		liveReady: liveReady,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "tools"),
	}
}

// Dispatch runs the named tool and returns its result. It never fails:
// provider errors become an error result, and unknown names yield an
// empty map.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (result any) {
	r, ok := routes[name]
	if !ok {
		d.logger.Warn("unknown tool requested", "tool", name)
		d.metrics.ToolCall(name, providerNone, "unknown", 0)
		return map[string]any{}
	}

	p, label := d.simulated, providerSimulated
	if r.liveCapable && d.live != nil && d.liveReady() {
		p, label = d.live, providerLive
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("tool panicked", "tool", name, "panic", rec)
			result = errorResult(fmt.Errorf("tools: %s panicked: %v", name, rec))
			d.metrics.ToolCall(name, label, "error", time.Since(start).Seconds())
		}
	}()

	if p == nil {
		d.metrics.ToolCall(name, label, "error", 0)
		return errorResult(ErrNoProvider)
	}

	d.logger.Debug("dispatching tool", "tool", name, "provider", label)
	out, err := r.call(ctx, p, args)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		d.logger.Warn("tool failed", "tool", name, "provider", label, "error", err)
		d.metrics.ToolCall(name, label, "error", elapsed)
		return errorResult(err)
	}
	d.metrics.ToolCall(name, label, "ok", elapsed)
	return out
}

func errorResult(err error) map[string]any {
	return map[string]any{
		"error":   "Function execution failed",
		"details": err.Error(),
	}
}

// emailCount reads listEmails.count; anything unusable means the default.
func emailCount(args map[string]any) int {
	var n float64
	switch v := args["count"].(type) {
	case float64:
		n = v
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return DefaultEmailCount
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return DefaultEmailCount
		}
		n = f
	default:
		return DefaultEmailCount
	}
	if n < 1 {
		return DefaultEmailCount
	}
	return int(n)
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v), nil
	}
	return s, nil
}
