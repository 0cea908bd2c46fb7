// Package metrics exposes planwright's Prometheus collectors. A single
// Metrics value satisfies the metrics hooks of the events, scheduler and
// engine packages.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/planwright/events"
	"github.com/GoCodeAlone/planwright/task"
)

// Metrics holds all collectors.
type Metrics struct {
	TaskTransitions *prometheus.CounterVec
	TaskDurations   *prometheus.HistogramVec
	CacheLookups    *prometheus.CounterVec

	PlansFinished    *prometheus.CounterVec
	CycleRecoveries  *prometheus.CounterVec
	EventsSent       *prometheus.CounterVec
	EventsDelivered  *prometheus.CounterVec
	EventsFailed     *prometheus.CounterVec
	DeliveryAttempts *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planwright_task_transitions_total",
				Help: "Task status transitions by kind and target status",
			},
			[]string{"kind", "status"},
		),
		TaskDurations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planwright_task_duration_seconds",
				Help:    "Task execution time by kind and terminal status",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"kind", "status"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planwright_cache_lookups_total",
				Help: "Fingerprint cache lookups by result",
			},
			[]string{"result"},
		),
		PlansFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planwright_plans_finished_total",
				Help: "Plans that reached a final state",
			},
			[]string{"state"},
		),
		CycleRecoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planwright_cycle_recoveries_total",
				Help: "Dependency cycle recoveries by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		EventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planwright_events_sent_total",
				Help: "Events accepted into the outbox",
			},
			[]string{"type"},
		),
		EventsDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planwright_events_delivered_total",
				Help: "Events delivered to the sink",
			},
			[]string{"type"},
		),
		EventsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planwright_events_failed_total",
				Help: "Events that exhausted their delivery attempts",
			},
			[]string{"type"},
		),
		DeliveryAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planwright_event_delivery_attempts",
				Help:    "Attempts needed per event delivery",
				Buckets: []float64{1, 2, 3, 5, 8},
			},
			[]string{"result"},
		),
		gatherer: reg,
	}
}

// NewRegistry returns a fresh registry with the Go and process collectors
// plus planwright's own.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, New(reg)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskTransition(kind task.Kind, status task.Status) {
	m.TaskTransitions.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) TaskDuration(kind task.Kind, status task.Status, d time.Duration) {
	m.TaskDurations.WithLabelValues(string(kind), string(status)).Observe(d.Seconds())
}

func (m *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) PlanFinished(state task.PlanState) {
	m.PlansFinished.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) CycleRecovered(strategy, outcome string) {
	m.CycleRecoveries.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) EventSent(t events.Type) {
	m.EventsSent.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) EventDelivered(t events.Type, attempts int) {
	m.EventsDelivered.WithLabelValues(string(t)).Inc()
	m.DeliveryAttempts.WithLabelValues("delivered").Observe(float64(attempts))
}

func (m *Metrics) EventFailed(t events.Type, attempts int) {
	m.EventsFailed.WithLabelValues(string(t)).Inc()
	m.DeliveryAttempts.WithLabelValues("failed").Observe(float64(attempts))
}
