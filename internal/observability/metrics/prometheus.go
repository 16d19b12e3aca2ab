// Package metrics provides Prometheus metrics for the adherence services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medalert/adherence-engine/internal/schedule"
)

// Metrics holds all application metrics
type Metrics struct {
	SchedulesComputed     prometheus.Counter
	ScheduleFailures      prometheus.Counter
	ComputeDuration       prometheus.Histogram
	DosesOverdue          prometheus.Gauge
	DosesDueNow           prometheus.Gauge
	AdherenceRecorded     *prometheus.CounterVec
	RecordingsRejected    prometheus.Counter
	RefreshRuns           *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		SchedulesComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schedules_computed_total",
			Help: "Total medicine schedules computed",
		}),
		ScheduleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schedules_failed_total",
			Help: "Total medicines rejected as structurally invalid",
		}),
		ComputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "schedule_compute_duration_seconds",
			Help:    "Time to compute all schedules of one patient",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		}),
		DosesOverdue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doses_overdue",
			Help: "Overdue doses in the last refresh snapshot",
		}),
		DosesDueNow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doses_due_now",
			Help: "Doses inside their due window in the last refresh snapshot",
		}),
		AdherenceRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adherence_recorded_total",
			Help: "Adherence records written",
		}, []string{"taken"}),
		RecordingsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_recordings_rejected_total",
			Help: "Recording attempts rejected because another was in flight",
		}),
		RefreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schedule_refresh_runs_total",
			Help: "Schedule refresh runs by outcome",
		}, []string{"outcome"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.SchedulesComputed,
		m.ScheduleFailures,
		m.ComputeDuration,
		m.DosesOverdue,
		m.DosesDueNow,
		m.AdherenceRecorded,
		m.RecordingsRejected,
		m.RefreshRuns,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// ObserveResults counts a batch of engine results.
func (m *Metrics) ObserveResults(results []schedule.Result) {
	if m == nil {
		return
	}
	for _, r := range results {
		if r.Err != nil {
			m.ScheduleFailures.Inc()
			continue
		}
		m.SchedulesComputed.Inc()
	}
}

// SetDoseGauges publishes overdue and due-now counts of a snapshot.
func (m *Metrics) SetDoseGauges(schedules []*schedule.MedicineSchedule) {
	if m == nil {
		return
	}
	var overdue, current int
	for _, s := range schedules {
		for _, d := range s.Doses {
			switch {
			case d.IsOverdue:
				overdue++
			case d.IsCurrent:
				current++
			}
		}
	}
	m.DosesOverdue.Set(float64(overdue))
	m.DosesDueNow.Set(float64(current))
}

// RecordAdherence counts one written adherence record.
func (m *Metrics) RecordAdherence(taken bool) {
	if m == nil {
		return
	}
	label := "false"
	if taken {
		label = "true"
	}
	m.AdherenceRecorded.WithLabelValues(label).Inc()
}

// Handler returns the Prometheus HTTP handler for the registry the metrics
// were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
