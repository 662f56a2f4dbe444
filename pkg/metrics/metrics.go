package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Unit metrics
	UnitsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_units_total",
			Help: "Total number of loaded units by kind and active state",
		},
		[]string{"kind", "state"},
	)

	UnitStateChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_unit_state_changes_total",
			Help: "Total number of unit active-state transitions",
		},
		[]string{"state"},
	)

	UnitSpawnFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_unit_spawn_failures_total",
			Help: "Total number of child spawn failures",
		},
	)

	// Job metrics
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_jobs_submitted_total",
			Help: "Total number of jobs submitted by kind",
		},
		[]string{"kind"},
	)

	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_jobs_finished_total",
			Help: "Total number of jobs finished by result",
		},
		[]string{"result"},
	)

	JobsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_jobs_pending",
			Help: "Number of jobs currently waiting or running",
		},
	)

	TransactionsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_transactions_rejected_total",
			Help: "Total number of rejected job transactions by reason",
		},
		[]string{"reason"},
	)

	// Reliability metrics
	RecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_recoveries_total",
			Help: "Total number of recovery runs",
		},
	)

	ReloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_reloads_total",
			Help: "Total number of daemon reloads",
		},
	)

	StoreCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_store_commit_duration_seconds",
			Help:    "Duration of reliability store commits",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Loop metrics
	EventLoopTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_event_loop_tick_duration_seconds",
			Help:    "Duration of one event loop tick",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)
)

// Init registers all metrics with the default Prometheus registry
func Init() {
	prometheus.MustRegister(
		UnitsTotal,
		UnitStateChangesTotal,
		UnitSpawnFailuresTotal,
		JobsSubmittedTotal,
		JobsFinishedTotal,
		JobsPending,
		TransactionsRejectedTotal,
		RecoveriesTotal,
		ReloadsTotal,
		StoreCommitDuration,
		EventLoopTickDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler
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

// ObserveDuration records the duration since timer creation
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
