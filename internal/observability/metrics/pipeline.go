package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/ragfusion/internal/core/domain"
)

const namespace = "ragfusion"

// PipelineMetrics records stage timings, fallbacks and verdicts of pipeline runs,
// plus retry and breaker events from the resilience executor.
type PipelineMetrics struct {
	service string

	stageDuration *prometheus.HistogramVec
	fallbacks     *prometheus.CounterVec
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	results       *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
}

func NewPipelineMetrics(service string, registerer prometheus.Registerer) *PipelineMetrics {
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds by outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"service", "stage", "outcome"},
	)
	fallbacks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "fallbacks_total",
			Help:      "Stage fallbacks taken instead of failing the run.",
		},
		[]string{"service", "stage", "reason"},
	)
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Completed pipeline runs by verdict.",
		},
		[]string{"service", "verdict"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "End-to-end pipeline run duration in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"service"},
	)
	results := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "ranked_results",
			Help:      "Distribution of ranked results returned per run.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "retries_total",
			Help:      "Retry attempts by remote operation.",
		},
		[]string{"service", "operation"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state by operation (0 closed, 1 half-open, 2 open).",
		},
		[]string{"service", "operation"},
	)

	registerer.MustRegister(stageDuration, fallbacks, runs, runDuration, results, retries, breakerState)

	return &PipelineMetrics{
		service:       service,
		stageDuration: stageDuration,
		fallbacks:     fallbacks,
		runs:          runs,
		runDuration:   runDuration,
		results:       results,
		retries:       retries,
		breakerState:  breakerState,
	}
}

func (m *PipelineMetrics) ObserveStage(stage domain.PipelineState, outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.stageDuration.WithLabelValues(m.service, string(stage), outcome).Observe(duration.Seconds())
}

func (m *PipelineMetrics) ObserveFallback(stage domain.PipelineState, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.fallbacks.WithLabelValues(m.service, string(stage), reason).Inc()
}

func (m *PipelineMetrics) ObserveRun(verdict domain.Verdict, results int, duration time.Duration) {
	m.runs.WithLabelValues(m.service, string(verdict)).Inc()
	m.runDuration.WithLabelValues(m.service).Observe(duration.Seconds())
	m.results.WithLabelValues(m.service).Observe(float64(results))
}

func (m *PipelineMetrics) ObserveRetry(operation string) {
	m.retries.WithLabelValues(m.service, operation).Inc()
}

func (m *PipelineMetrics) ObserveBreakerState(operation, state string) {
	value := 0.0
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.breakerState.WithLabelValues(m.service, operation).Set(value)
}
