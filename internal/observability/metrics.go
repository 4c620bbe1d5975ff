package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveTasks           prometheus.Gauge
	IngestOutcomes        *prometheus.CounterVec
	Transitions           *prometheus.CounterVec
	InvalidTransitions    *prometheus.CounterVec
	StoreErrors           *prometheus.CounterVec
	StoreLatency          *prometheus.HistogramVec
	ShuttleMoves          *prometheus.CounterVec
	FeedConnected         prometheus.Gauge
	FeedMessages          *prometheus.CounterVec
	ReconciliationActions *prometheus.CounterVec
	OpenSessions          prometheus.Gauge
	WSMessages            *prometheus.CounterVec
	WSWriteErrors         *prometheus.CounterVec

	storeWindow *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Tasks in the working set that still need a pickup or a drop-off.",
		}),
		IngestOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_ingest_total",
			Help:      "Scan events by ingestion outcome.",
		}, []string{"outcome"}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transitions by target status.",
		}, []string{"to"}),
		InvalidTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_invalid_transitions_total",
			Help:      "Rejected task transitions by operation.",
		}, []string{"op"}),
		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Store call failures by operation.",
		}, []string{"op"}),
		StoreLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_latency_ms",
			Help:      "Store call latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000},
		}, []string{"op"}),
		ShuttleMoves: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shuttle_moves_total",
			Help:      "Shuttle dispatch attempts by result.",
		}, []string{"result"}),
		FeedConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_feed_connected",
			Help:      "1 while the live scan feed is connected.",
		}),
		FeedMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_feed_messages_total",
			Help:      "Scan feed messages by source and result.",
		}, []string{"source", "result"}),
		ReconciliationActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_actions_total",
			Help:      "Operator reconciliation actions by type.",
		}, []string{"action"}),
		OpenSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_sessions_open",
			Help:      "Open reconciliation sessions.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by reason.",
		}, []string{"reason"}),
		storeWindow: NewLatencyWindow(256),
	}
}

// The helpers below accept a nil receiver so components can run without
// instrumentation in tests.

func (m *Metrics) SetActiveTasks(n int) {
	if m == nil {
		return
	}
	m.ActiveTasks.Set(float64(n))
}

func (m *Metrics) ObserveIngest(outcome string) {
	if m == nil {
		return
	}
	m.IngestOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveInvalidTransition(op string) {
	if m == nil {
		return
	}
	m.InvalidTransitions.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveStoreCall(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StoreLatency.WithLabelValues(op).Observe(ms)
	m.storeWindow.Observe(op, ms)
	if err != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
		m.storeWindow.ObserveIndicator(op + "_error")
	}
}

func (m *Metrics) ObserveMove(result string) {
	if m == nil {
		return
	}
	m.ShuttleMoves.WithLabelValues(result).Inc()
}

func (m *Metrics) SetFeedConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.FeedConnected.Set(1)
		return
	}
	m.FeedConnected.Set(0)
}

func (m *Metrics) ObserveFeedMessage(source, result string) {
	if m == nil {
		return
	}
	m.FeedMessages.WithLabelValues(source, result).Inc()
}

func (m *Metrics) ObserveReconciliation(action string) {
	if m == nil {
		return
	}
	m.ReconciliationActions.WithLabelValues(action).Inc()
}

func (m *Metrics) SetOpenSessions(n int) {
	if m == nil {
		return
	}
	m.OpenSessions.Set(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveWSWriteError(reason string) {
	if m == nil {
		return
	}
	m.WSWriteErrors.WithLabelValues(reason).Inc()
}

// StoreLatencySnapshot summarizes recent store calls per operation.
func (m *Metrics) StoreLatencySnapshot() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.storeWindow.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
