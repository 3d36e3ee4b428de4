package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"queue"},
	)

	IterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_iteration_duration_seconds",
			Help:    "Wall-clock duration of one deep-research iteration",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		},
	)
	ChainLength = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_chain_length",
			Help:    "Iterations per completed research chain",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
		},
	)

	AgentCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_calls_total",
			Help: "Total agent invocations by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)
	AgentCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_call_duration_seconds",
			Help:    "Agent invocation duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"agent"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_events_published_total",
			Help: "Total notification bus events by type",
		},
		[]string{"type"},
	)
	LockAcquireFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_acquire_failures_total",
			Help: "Distributed lock acquisitions that exhausted their retry budget",
		},
	)
)

// InitMetrics registers every collector; call once per process.
func InitMetrics() {
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(IterationDuration)
	prometheus.MustRegister(ChainLength)
	prometheus.MustRegister(AgentCallsTotal)
	prometheus.MustRegister(AgentCallDuration)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(LockAcquireFailures)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

// EnqueueJob records a job enqueue on the named queue.
func EnqueueJob(queue string) { JobsEnqueuedTotal.WithLabelValues(queue).Inc() }

// StartProcessingJob marks a job as in flight.
func StartProcessingJob(queue string) { JobsProcessing.WithLabelValues(queue).Inc() }

// CompleteJob marks a job as finished successfully.
func CompleteJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsCompletedTotal.WithLabelValues(queue).Inc()
}

// FailJob marks a job as finished with an error.
func FailJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsFailedTotal.WithLabelValues(queue).Inc()
}

// ObserveAgentCall records one agent invocation.
func ObserveAgentCall(agent string, seconds float64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	AgentCallsTotal.WithLabelValues(agent, outcome).Inc()
	AgentCallDuration.WithLabelValues(agent).Observe(seconds)
}
