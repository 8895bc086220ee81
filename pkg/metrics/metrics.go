// Package metrics exposes Prometheus collectors for the audio pipeline.
// All methods are safe on a nil *Pipeline so components can run without
// metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline holds all Prometheus metrics for a friday process.
type Pipeline struct {
	registry *prometheus.Registry

	// Capture metrics
	FramesSent  prometheus.Counter
	FramesMuted prometheus.Counter
	VideoFrames prometheus.Counter

	// Playback metrics
	ChunksScheduled  prometheus.Counter
	DecodeErrors     prometheus.Counter
	Interrupts       prometheus.Counter
	ScheduledAhead   prometheus.Gauge
	PlaybackUnits    prometheus.Gauge
	ChunkDurationSec prometheus.Histogram

	// Transport metrics
	OutboundDropped  *prometheus.CounterVec
	OutboundSent     *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec

	// Tool metrics
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec
}

// New creates a Pipeline with all metrics registered on a private registry.
func New(namespace string) *Pipeline {
	if namespace == "" {
		namespace = "friday"
	}

	registry := prometheus.NewRegistry()

	m := &Pipeline{
		registry: registry,
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_sent_total",
			Help:      "Microphone frames encoded and forwarded to the endpoint",
		}),
		FramesMuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_muted_total",
			Help:      "Microphone frames skipped while muted",
		}),
		VideoFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_frames_sent_total",
			Help:      "Camera frames forwarded to the endpoint",
		}),
		ChunksScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_scheduled_total",
			Help:      "Inbound audio chunks scheduled for playback",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_decode_errors_total",
			Help:      "Inbound audio chunks dropped because they failed to decode",
		}),
		Interrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_interrupts_total",
			Help:      "Interruption signals handled",
		}),
		ScheduledAhead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_scheduled_ahead_seconds",
			Help:      "Audio scheduled beyond the output clock",
		}),
		PlaybackUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_active_units",
			Help:      "Playback units currently scheduled or playing",
		}),
		ChunkDurationSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_chunk_duration_seconds",
			Help:      "Duration of inbound audio chunks",
			Buckets:   []float64{0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28},
		}),
		OutboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dropped_total",
			Help:      "Outbound units dropped",
		}, []string{"reason"}),
		OutboundSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_sent_total",
			Help:      "Outbound units written to the endpoint",
		}, []string{"kind"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched",
		}, []string{"name", "provider", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"name"}),
	}

	registry.MustRegister(
		m.FramesSent,
		m.FramesMuted,
		m.VideoFrames,
		m.ChunksScheduled,
		m.DecodeErrors,
		m.Interrupts,
		m.ScheduledAhead,
		m.PlaybackUnits,
		m.ChunkDurationSec,
		m.OutboundDropped,
		m.OutboundSent,
		m.StateTransitions,
		m.ToolCalls,
		m.ToolDuration,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Pipeline) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler serving the metrics.
func (m *Pipeline) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FrameSent records one forwarded microphone frame.
func (m *Pipeline) FrameSent() {
	if m != nil {
		m.FramesSent.Inc()
	}
}

// FrameMuted records one microphone frame skipped by mute.
func (m *Pipeline) FrameMuted() {
	if m != nil {
		m.FramesMuted.Inc()
	}
}

// VideoFrameSent records one forwarded camera frame.
func (m *Pipeline) VideoFrameSent() {
	if m != nil {
		m.VideoFrames.Inc()
	}
}

// ChunkScheduled records a scheduled chunk and the resulting lookahead.
func (m *Pipeline) ChunkScheduled(duration, ahead float64, active int) {
	if m == nil {
		return
	}
	m.ChunksScheduled.Inc()
	m.ChunkDurationSec.Observe(duration)
	m.ScheduledAhead.Set(ahead)
	m.PlaybackUnits.Set(float64(active))
}

// UnitsActive updates the active unit gauge.
func (m *Pipeline) UnitsActive(active int) {
	if m != nil {
		m.PlaybackUnits.Set(float64(active))
	}
}

// DecodeError records a dropped chunk.
func (m *Pipeline) DecodeError() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

// Interrupted records a handled interruption.
func (m *Pipeline) Interrupted() {
	if m == nil {
		return
	}
	m.Interrupts.Inc()
	m.ScheduledAhead.Set(0)
	m.PlaybackUnits.Set(0)
}

// Dropped records an outbound unit dropped for reason.
func (m *Pipeline) Dropped(reason string) {
	if m != nil {
		m.OutboundDropped.WithLabelValues(reason).Inc()
	}
}

// Sent records an outbound unit written to the endpoint.
func (m *Pipeline) Sent(kind string) {
	if m != nil {
		m.OutboundSent.WithLabelValues(kind).Inc()
	}
}

// Transition records a session state transition.
func (m *Pipeline) Transition(state string) {
	if m != nil {
		m.StateTransitions.WithLabelValues(state).Inc()
	}
}

// ToolCall records a dispatched tool call.
func (m *Pipeline) ToolCall(name, provider, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(name, provider, outcome).Inc()
	m.ToolDuration.WithLabelValues(name).Observe(seconds)
}
