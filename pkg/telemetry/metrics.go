package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the machine engine.
// All Record methods are safe to call on a disabled (no-op) instance.
type Metrics struct {
	config MetricsConfig

	// Dispatch metrics
	actionsDispatched *prometheus.CounterVec
	actionDuration    *prometheus.HistogramVec
	actionsInFlight   prometheus.Gauge

	// Capability mismatch metrics
	unimplementedActions *prometheus.CounterVec

	// Policy metrics
	policyDenials *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Identity store metrics
	storeCommits       *prometheus.CounterVec
	storeCommitSeconds prometheus.Histogram

	// Machine metrics
	machinesCreated *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance; every Record method nil-checks its vector.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		actionsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_dispatched_total",
				Help:      "Total number of lifecycle actions dispatched",
			},
			[]string{"action"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of dispatched lifecycle actions in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "status"},
		),
		actionsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "actions_in_flight",
				Help:      "Current number of lifecycle actions being executed",
			},
		),

		unimplementedActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unimplemented_actions_total",
				Help:      "Total number of actions requested that the active provider does not implement",
			},
			[]string{"action", "provider"},
		),

		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of actions denied by policy",
			},
			[]string{"action"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation"},
		),

		storeCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_commits_total",
				Help:      "Total number of identity store commits",
			},
			[]string{"status"},
		),
		storeCommitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_commit_duration_seconds",
				Help:      "Duration of identity store commits in seconds",
				Buckets:   buckets,
			},
		),

		machinesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "machines_created_total",
				Help:      "Total number of machine handles constructed",
			},
			[]string{"provider"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.actionsDispatched,
		m.actionDuration,
		m.actionsInFlight,
		m.unimplementedActions,
		m.policyDenials,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.storeCommits,
		m.storeCommitSeconds,
		m.machinesCreated,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Dispatch metrics

// RecordActionDispatched marks the start of a lifecycle action dispatch.
func (m *Metrics) RecordActionDispatched(action string) {
	if m == nil || m.actionsDispatched == nil {
		return
	}
	m.actionsDispatched.WithLabelValues(action).Inc()
	m.actionsInFlight.Inc()
}

// RecordActionCompleted marks the end of a dispatch with its status and duration.
func (m *Metrics) RecordActionCompleted(action, status string, duration time.Duration) {
	if m == nil || m.actionDuration == nil {
		return
	}
	m.actionDuration.WithLabelValues(action, status).Observe(duration.Seconds())
	m.actionsInFlight.Dec()
}

// RecordUnimplementedAction counts a capability mismatch between a requested
// action and the active provider.
func (m *Metrics) RecordUnimplementedAction(action, provider string) {
	if m == nil || m.unimplementedActions == nil {
		return
	}
	m.unimplementedActions.WithLabelValues(action, provider).Inc()
}

// RecordPolicyDenial counts an action denied by the policy gate.
func (m *Metrics) RecordPolicyDenial(action string) {
	if m == nil || m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(action).Inc()
}

// Provider metrics

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// Identity store metrics

// RecordStoreCommit records an identity store commit and its outcome.
func (m *Metrics) RecordStoreCommit(status string, duration time.Duration) {
	if m == nil || m.storeCommits == nil {
		return
	}
	m.storeCommits.WithLabelValues(status).Inc()
	m.storeCommitSeconds.Observe(duration.Seconds())
}

// Machine metrics

// RecordMachineCreated counts a machine handle construction per provider type.
func (m *Metrics) RecordMachineCreated(provider string) {
	if m == nil || m.machinesCreated == nil {
		return
	}
	m.machinesCreated.WithLabelValues(provider).Inc()
}

// Error metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
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

// ObserveDuration times an operation and records it on the observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer exposes the metrics endpoint over HTTP until the context
// is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.WithError(err).Error("metrics server failed")
			}
		}
	}()

	return nil
}
