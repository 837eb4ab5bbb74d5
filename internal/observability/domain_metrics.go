package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	agentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_agent_runs_total",
			Help: "Total number of agent runs by outcome.",
		},
		[]string{"outcome"},
	)
	agentStepsPerRun = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabletalk_agent_steps_per_run",
			Help:    "Number of generate/execute cycles taken per answered question.",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
		},
	)
	agentRunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabletalk_agent_run_duration_seconds",
			Help:    "Wall-clock duration of a full agent run.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		},
	)
	modelRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_model_retries_total",
			Help: "Total number of retried language model calls.",
		},
	)
	statementsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_statements_rejected_total",
			Help: "Total number of statements rejected by the read-only guard.",
		},
	)
	queryErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_query_errors_total",
			Help: "Total number of query executions that returned an error to the model.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabletalk_active_sessions",
			Help: "Current number of live upload sessions.",
		},
	)
	uploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabletalk_upload_bytes",
			Help:    "Size of uploaded dataset files in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(
		agentRunsTotal,
		agentStepsPerRun,
		agentRunDurationSeconds,
		modelRetriesTotal,
		statementsRejectedTotal,
		queryErrorsTotal,
		activeSessions,
		uploadBytes,
	)
}

func ObserveAgentRun(outcome string, steps int, elapsed time.Duration) {
	agentRunsTotal.WithLabelValues(outcome).Inc()
	if steps >= 0 {
		agentStepsPerRun.Observe(float64(steps))
	}
	agentRunDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementModelRetry() {
	modelRetriesTotal.Inc()
}

func IncrementStatementRejected() {
	statementsRejectedTotal.Inc()
}

func IncrementQueryError() {
	queryErrorsTotal.Inc()
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}

func ObserveUploadSize(bytes int64) {
	if bytes > 0 {
		uploadBytes.Observe(float64(bytes))
	}
}
