package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the control plane.
type Metrics struct {
	LiveAgents        prometheus.Gauge
	AgentEvents       *prometheus.CounterVec
	OperationLatency  *prometheus.HistogramVec
	WorkerStartErrors *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	RoomWatchers      prometheus.Gauge

	window *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg instead of the default
// registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LiveAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_agent_sessions",
			Help:      "Number of pending or active agent sessions.",
		}),
		AgentEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_session_events_total",
			Help:      "Agent session lifecycle events by type.",
		}, []string{"event"}),
		OperationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_ms",
			Help:      "Control-plane operation latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"operation", "outcome"}),
		WorkerStartErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_start_errors_total",
			Help:      "Worker launch failures by launcher and reason.",
		}, []string{"launcher", "reason"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the spawn/start limiter.",
		}, []string{"route"}),
		RoomWatchers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_watchers",
			Help:      "Open websocket room watch connections.",
		}),
		window: newLatencyWindow(256),
	}
}

// ObserveOperation records one control-plane call in both the histogram and
// the rolling latency window.
func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationLatency.WithLabelValues(op, outcome).Observe(millis(d))
	m.window.Observe(op, d)
	if outcome != "ok" {
		m.window.ObserveIndicator(op + "_" + outcome)
	}
}

func (m *Metrics) ObserveAgentEvent(event string) {
	if m == nil {
		return
	}
	m.AgentEvents.WithLabelValues(event).Inc()
	m.window.ObserveIndicator(event)
}

func (m *Metrics) SetLiveAgents(n int) {
	if m == nil {
		return
	}
	m.LiveAgents.Set(float64(n))
}

// LatencySnapshot reports rolling per-operation latency percentiles.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) ObserveWorkerStartError(launcher, reason string) {
	if m == nil {
		return
	}
	m.WorkerStartErrors.WithLabelValues(launcher, reason).Inc()
	m.window.ObserveIndicator("worker_start_error")
}

func (m *Metrics) ObserveRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(route).Inc()
}

// TrackWatcher adjusts the open room watcher gauge by delta.
func (m *Metrics) TrackWatcher(delta int) {
	if m == nil {
		return
	}
	m.RoomWatchers.Add(float64(delta))
}
