package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Work item metrics
	WorkItemsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarmsh_work_items_total",
			Help: "Total number of work items by status",
		},
		[]string{"status"},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarmsh_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	// Coordination operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_operations_total",
			Help: "Total number of coordination operations by name and outcome",
		},
		[]string{"operation", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarmsh_operation_duration_seconds",
			Help:    "Coordination operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmsh_conflicts_total",
			Help: "Total number of lock-timeout or lost-race events (work_conflicts)",
		},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swarmsh_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a collection lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Telemetry metrics
	SpansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_spans_total",
			Help: "Total number of spans emitted by operation and status",
		},
		[]string{"operation", "status"},
	)

	TelemetryEmissionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmsh_telemetry_emission_failures_total",
			Help: "Total number of non-fatal span write/forward failures",
		},
	)

	TelemetryVolume = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmsh_telemetry_volume",
			Help: "Current line count of the span log",
		},
	)

	// 80/20 loop metrics
	AnalyzerRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmsh_analyzer_runs_total",
			Help: "Total number of analyzer runs",
		},
	)

	BottlenecksDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_bottlenecks_detected_total",
			Help: "Total number of bottlenecks detected by kind and severity",
		},
		[]string{"kind", "severity"},
	)

	OptimizerMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_optimizer_mutations_total",
			Help: "Total number of optimizer mutations applied by kind",
		},
		[]string{"kind"},
	)

	OptimizerMutationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarmsh_optimizer_mutation_duration_seconds",
			Help:    "Time taken to apply an optimizer mutation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Health metrics
	HealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmsh_health_score",
			Help: "Composite health score (0-100)",
		},
	)

	HealthSubScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarmsh_health_subscore",
			Help: "Normalized (0-1) health sub-score by name",
		},
		[]string{"name"},
	)

	// Scheduler metrics
	SchedulerJobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_scheduler_job_runs_total",
			Help: "Total number of scheduler job executions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	SchedulerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarmsh_scheduler_job_duration_seconds",
			Help:    "Scheduler job execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Advisor metrics
	AdvisorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_advisor_calls_total",
			Help: "Total number of IntelligenceAdvisor calls by outcome",
		},
		[]string{"outcome"},
	)

	// Event bus metrics
	EventBusSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmsh_event_bus_subscribers",
			Help: "Current number of active event bus subscribers",
		},
	)

	EventBusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_event_bus_published_total",
			Help: "Total number of events published by type",
		},
		[]string{"type"},
	)

	EventBusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_event_bus_dropped_total",
			Help: "Total number of events dropped because a subscriber's buffer was full, by type",
		},
		[]string{"type"},
	)

	// Log metrics
	LogEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_log_entries_total",
			Help: "Total number of log entries written, by level",
		},
		[]string{"level"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkItemsTotal,
		AgentsTotal,
		OperationsTotal,
		OperationDuration,
		ConflictsTotal,
		LockWaitDuration,
		SpansTotal,
		TelemetryEmissionFailuresTotal,
		TelemetryVolume,
		AnalyzerRunsTotal,
		BottlenecksDetectedTotal,
		OptimizerMutationsTotal,
		OptimizerMutationDuration,
		HealthScore,
		HealthSubScore,
		SchedulerJobRunsTotal,
		SchedulerJobDuration,
		AdvisorCallsTotal,
		EventBusSubscribers,
		EventBusPublishedTotal,
		EventBusDroppedTotal,
		LogEntriesTotal,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
