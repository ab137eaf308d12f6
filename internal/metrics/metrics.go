// Package metrics holds the Prometheus instrumentation the Supervisor
// exposes at /metrics (spec.md §2's expanded observability surface),
// following abramin-Credo's internal/decision/metrics package: a struct of
// promauto-registered vectors plus small nil-safe Observe/Set methods.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is every counter/histogram this engine's subsystems report.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	ConflictsTotal   prometheus.Counter
	QueueTasksTotal  *prometheus.CounterVec
	QueueTaskLatency *prometheus.HistogramVec
	ListenerLag      *prometheus.GaugeVec
}

// New registers and returns a Metrics instance.
func New() *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cartengine_decisions_total",
			Help: "Total Decision Maker runs by outcome.",
		}, []string{"outcome"}), // outcome: "committed", "domain_rejected", "conflict_exhausted", "infra_error"

		ConflictsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cartengine_decision_conflicts_total",
			Help: "Total optimistic-concurrency Conflicts encountered across every retry attempt.",
		}),

		QueueTasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cartengine_queue_tasks_total",
			Help: "Total Retry Queue task executions by terminal status.",
		}, []string{"task_type", "status"}),

		QueueTaskLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cartengine_queue_task_duration_seconds",
			Help:    "Duration of a single Retry Queue task handler execution.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		}, []string{"task_type"}),

		ListenerLag: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cartengine_listener_lag_events",
			Help: "Event store head minus a listener's last committed checkpoint.",
		}, []string{"listener_id"}),
	}
}

func (m *Metrics) ObserveDecision(outcome string) {
	if m != nil {
		m.DecisionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveConflict() {
	if m != nil {
		m.ConflictsTotal.Inc()
	}
}

func (m *Metrics) ObserveTask(taskType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.QueueTasksTotal.WithLabelValues(taskType, status).Inc()
	m.QueueTaskLatency.WithLabelValues(taskType).Observe(seconds)
}

func (m *Metrics) SetListenerLag(listenerID string, lag int64) {
	if m != nil {
		m.ListenerLag.WithLabelValues(listenerID).Set(float64(lag))
	}
}
