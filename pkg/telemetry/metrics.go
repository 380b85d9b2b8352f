package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for nixh. A disabled or nil *Metrics
// accepts every Record call and does nothing.
type Metrics struct {
	config MetricsConfig

	// Tier metrics
	tierSelections *prometheus.CounterVec

	// Intent metrics
	intentStages     *prometheus.CounterVec
	intentConfidence *prometheus.HistogramVec
	intentUnknown    prometheus.Counter
	semanticSkipped  *prometheus.CounterVec

	// Execution metrics
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionErrors   *prometheus.CounterVec
	retries           *prometheus.CounterVec
	busyRejections    prometheus.Counter
	policyRejections  *prometheus.CounterVec

	// Capability metrics
	reprobes prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tierSelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tier_selections_total",
				Help:      "Tier selections by subsystem and tier",
			},
			[]string{"subsystem", "tier", "degraded"},
		),

		intentStages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intent_stage_results_total",
				Help:      "Intent pipeline stage runs by outcome",
			},
			[]string{"stage", "outcome"},
		),
		intentConfidence: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "intent_confidence",
				Help:      "Confidence of the recognised intent",
				Buckets:   []float64{0.3, 0.5, 0.7, 0.85, 0.95, 1.0},
			},
			[]string{"stage"},
		),
		intentUnknown: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intent_unknown_total",
				Help:      "Requests that resolved to the unknown intent",
			},
		),
		semanticSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intent_semantic_skipped_total",
				Help:      "Semantic stage skips by reason",
			},
			[]string{"reason"},
		),

		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Executed operations by method, mode and outcome",
			},
			[]string{"method", "mode", "outcome"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of operation execution in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"method"},
		),
		executionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_errors_total",
				Help:      "Execution errors by kind and tier",
			},
			[]string{"kind", "tier"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_retries_total",
				Help:      "Retries on a lower tier",
			},
			[]string{"from", "to"},
		),
		busyRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "privileged_busy_total",
				Help:      "Privileged operations refused because another one held the lock",
			},
		),
		policyRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_rejections_total",
				Help:      "Operations rejected by policy",
			},
			[]string{"rule"},
		),

		reprobes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_reprobes_total",
				Help:      "Capability re-probes triggered by execution failures",
			},
		),
	}

	registry.MustRegister(
		m.tierSelections,
		m.intentStages,
		m.intentConfidence,
		m.intentUnknown,
		m.semanticSkipped,
		m.executions,
		m.executionDuration,
		m.executionErrors,
		m.retries,
		m.busyRejections,
		m.policyRejections,
		m.reprobes,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordTierSelection counts a tier selection.
func (m *Metrics) RecordTierSelection(subsystem, tier string, degraded bool) {
	if !m.enabled() {
		return
	}
	m.tierSelections.WithLabelValues(subsystem, tier, boolLabel(degraded)).Inc()
}

// RecordIntentStage counts one stage run. Outcome is hit, miss or skipped.
func (m *Metrics) RecordIntentStage(stage, outcome string) {
	if !m.enabled() {
		return
	}
	m.intentStages.WithLabelValues(stage, outcome).Inc()
}

// RecordIntent records the final recognition result.
func (m *Metrics) RecordIntent(stage string, confidence float64, unknown bool) {
	if !m.enabled() {
		return
	}
	m.intentConfidence.WithLabelValues(stage).Observe(confidence)
	if unknown {
		m.intentUnknown.Inc()
	}
}

// RecordSemanticSkipped counts a skipped semantic stage.
func (m *Metrics) RecordSemanticSkipped(reason string) {
	if !m.enabled() {
		return
	}
	m.semanticSkipped.WithLabelValues(reason).Inc()
}

// RecordExecution records one execution attempt.
func (m *Metrics) RecordExecution(method, mode string, succeeded bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	m.executions.WithLabelValues(method, mode, outcome).Inc()
	m.executionDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordExecutionError counts a surfaced error.
func (m *Metrics) RecordExecutionError(kind, tier string) {
	if !m.enabled() {
		return
	}
	m.executionErrors.WithLabelValues(kind, tier).Inc()
}

// RecordRetry counts a retry from one tier to another.
func (m *Metrics) RecordRetry(from, to string) {
	if !m.enabled() {
		return
	}
	m.retries.WithLabelValues(from, to).Inc()
}

// RecordBusy counts a busy rejection.
func (m *Metrics) RecordBusy() {
	if !m.enabled() {
		return
	}
	m.busyRejections.Inc()
}

// RecordPolicyRejection counts a policy deny.
func (m *Metrics) RecordPolicyRejection(rule string) {
	if !m.enabled() {
		return
	}
	m.policyRejections.WithLabelValues(rule).Inc()
}

// RecordReprobe counts a triggered re-probe.
func (m *Metrics) RecordReprobe() {
	if !m.enabled() {
		return
	}
	m.reprobes.Inc()
}

// Registry exposes the registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics on the configured address until the server fails.
// It returns immediately when no address is configured.
func (m *Metrics) Serve() error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Timer measures elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
