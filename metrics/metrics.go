// Package metrics provides Prometheus metrics for the chat server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Gateway
	Connections   prometheus.Gauge
	MessagesTotal prometheus.Counter
	RejectedTotal *prometheus.CounterVec

	// Assistant
	BotRunsTotal   *prometheus.CounterVec
	BotRunDuration prometheus.Histogram
	StaleStreams   prometheus.Counter

	// Push
	PushTotal *prometheus.CounterVec

	reg prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{reg: reg}

	m.Connections = f.NewGauge(prometheus.GaugeOpts{
		Name: "familychat_gateway_connections",
		Help: "Number of open realtime connections",
	})
	m.MessagesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "familychat_messages_total",
		Help: "Total number of messages persisted from client sends",
	})
	m.RejectedTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "familychat_rejected_sends_total",
		Help: "Total number of rejected client sends",
	}, []string{"reason"})

	m.BotRunsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "familychat_bot_runs_total",
		Help: "Total number of assistant responses",
	}, []string{"outcome"})
	m.BotRunDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "familychat_bot_run_duration_seconds",
		Help:    "Duration of assistant responses in seconds",
		Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
	})
	m.StaleStreams = f.NewCounter(prometheus.CounterOpts{
		Name: "familychat_stale_streams_total",
		Help: "Total number of stalled assistant messages marked failed",
	})

	m.PushTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "familychat_push_total",
		Help: "Total number of push deliveries",
	}, []string{"outcome"})

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) MessagePersisted() {
	if m != nil {
		m.MessagesTotal.Inc()
	}
}

// SendRejected counts a rejected send by its error code.
func (m *Metrics) SendRejected(reason string) {
	if m != nil {
		m.RejectedTotal.WithLabelValues(reason).Inc()
	}
}

// BotRun records an assistant response that started at start. Outcome is
// "ok" or "failed".
func (m *Metrics) BotRun(outcome string, start time.Time) {
	if m != nil {
		m.BotRunsTotal.WithLabelValues(outcome).Inc()
		m.BotRunDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) StaleStreamsSwept(n int) {
	if m != nil {
		m.StaleStreams.Add(float64(n))
	}
}

// Push counts one delivery attempt. Outcome is "sent", "gone" or "failed".
func (m *Metrics) Push(outcome string) {
	if m != nil {
		m.PushTotal.WithLabelValues(outcome).Inc()
	}
}
