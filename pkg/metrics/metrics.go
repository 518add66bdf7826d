// Package metrics holds the Prometheus instruments of the relay.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	m.FrameForwarded(metrics.DirectionToProvider)
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame directions used as the "direction" label.
const (
	DirectionToProvider  = "to_provider"
	DirectionToTelephony = "to_telephony"
)

// Metrics groups the relay's collectors.
type Metrics struct {
	// ActiveSessions is the number of sessions whose loop is running.
	ActiveSessions prometheus.Gauge

	// SessionsTotal counts accepted media-stream connections.
	SessionsTotal prometheus.Counter

	// FramesForwarded counts frames handed to a leg.
	// Labels: direction (to_provider|to_telephony)
	FramesForwarded *prometheus.CounterVec

	// FramesDropped counts frames that were not forwarded.
	// Labels: direction, reason
	FramesDropped *prometheus.CounterVec

	// SessionClosures counts finished sessions.
	// Labels: initiator (telephony|provider|relay), code
	SessionClosures *prometheus.CounterVec

	// ProviderConnectDuration measures signed URL fetch plus dial, in seconds.
	// Buckets: 0.1s, 0.25s, 0.5s, 1s, 2s, 5s, 10s
	ProviderConnectDuration prometheus.Histogram

	// ProviderConnectFailures counts failed provider connection attempts.
	// Labels: stage (signed_url|dial|timeout)
	ProviderConnectFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses a
// private registry, which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "convai_relay_active_sessions",
			Help: "Number of relay sessions currently running",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "convai_relay_sessions_total",
			Help: "Total number of relay sessions started",
		}),
		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convai_relay_frames_forwarded_total",
			Help: "Frames forwarded between legs by direction",
		}, []string{"direction"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convai_relay_frames_dropped_total",
			Help: "Frames dropped by direction and reason",
		}, []string{"direction", "reason"}),
		SessionClosures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convai_relay_session_closures_total",
			Help: "Finished sessions by initiating leg and close code",
		}, []string{"initiator", "code"}),
		ProviderConnectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "convai_relay_provider_connect_duration_seconds",
			Help:    "Time from start event to an open provider connection",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		ProviderConnectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convai_relay_provider_connect_failures_total",
			Help: "Failed provider connection attempts by stage",
		}, []string{"stage"}),
	}
}

// SessionStarted marks a session loop as running.
func (m *Metrics) SessionStarted() {
	m.SessionsTotal.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records the end of a session loop.
func (m *Metrics) SessionEnded(initiator string, code int) {
	m.ActiveSessions.Dec()
	m.SessionClosures.WithLabelValues(initiator, strconv.Itoa(code)).Inc()
}

// FrameForwarded counts one forwarded frame.
func (m *Metrics) FrameForwarded(direction string) {
	m.FramesForwarded.WithLabelValues(direction).Inc()
}

// FrameDropped counts one dropped frame.
func (m *Metrics) FrameDropped(direction, reason string) {
	m.FramesDropped.WithLabelValues(direction, reason).Inc()
}

// ProviderConnected observes the connect latency.
func (m *Metrics) ProviderConnected(d time.Duration) {
	m.ProviderConnectDuration.Observe(d.Seconds())
}

// ProviderConnectFailed counts a failed connect at the given stage.
func (m *Metrics) ProviderConnectFailed(stage string) {
	m.ProviderConnectFailures.WithLabelValues(stage).Inc()
}
