package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/synthlab/crucible/pkg/schema"
)

var (
	initOnce sync.Once

	runsTotalCounter        *prometheus.CounterVec
	iterationsCounter       prometheus.Counter
	incidentsCounter        *prometheus.CounterVec
	eventsDroppedCounter    prometheus.Counter
	budgetConsumedCounter   *prometheus.CounterVec
	taskDurationMetric      prometheus.Histogram
	verifyDurationMetric    prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_runs_total",
				Help: "Total number of orchestrated runs by terminal phase.",
			},
			[]string{"phase"},
		)

		iterationsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_cegis_iterations_total",
				Help: "Total number of CEGIS iterations executed.",
			},
		)

		incidentsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_incidents_total",
				Help: "Total number of incidents recorded by severity.",
			},
			[]string{"severity"},
		)

		eventsDroppedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_bus_events_dropped_total",
				Help: "Total number of telemetry events dropped by the bounded bus buffer.",
			},
		)

		budgetConsumedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_budget_consumed_total",
				Help: "Total resource consumption recorded by the budget manager.",
			},
			[]string{"resource"},
		)

		taskDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crucible_task_duration_seconds",
				Help:    "Duration of scheduled task executions in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		verifyDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crucible_verify_duration_seconds",
				Help:    "Duration of candidate verification calls in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			runsTotalCounter,
			iterationsCounter,
			incidentsCounter,
			eventsDroppedCounter,
			budgetConsumedCounter,
			taskDurationMetric,
			verifyDurationMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, phase := range []schema.Phase{schema.PhaseCompleted, schema.PhaseFailed} {
			runsTotalCounter.WithLabelValues(string(phase))
		}
		for _, sev := range []schema.Severity{
			schema.SeverityInfo, schema.SeverityLow, schema.SeverityMedium,
			schema.SeverityHigh, schema.SeverityCritical,
		} {
			incidentsCounter.WithLabelValues(string(sev))
		}
	})
}

func IncRunPhase(phase schema.Phase) {
	Init()
	runsTotalCounter.WithLabelValues(string(phase)).Inc()
}

func IncIterations() {
	Init()
	iterationsCounter.Inc()
}

func IncIncidents(severity schema.Severity) {
	Init()
	incidentsCounter.WithLabelValues(string(severity)).Inc()
}

func IncEventsDropped() {
	Init()
	eventsDroppedCounter.Inc()
}

func AddBudgetConsumed(resource schema.ResourceType, amount float64) {
	Init()
	budgetConsumedCounter.WithLabelValues(string(resource)).Add(amount)
}

func ObserveTaskDuration(d time.Duration) {
	Init()
	taskDurationMetric.Observe(d.Seconds())
}

func ObserveVerifyDuration(d time.Duration) {
	Init()
	verifyDurationMetric.Observe(d.Seconds())
}
