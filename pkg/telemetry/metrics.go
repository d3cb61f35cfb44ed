package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for ec2-manager. A nil *Metrics and a
// disabled one are both valid and record nothing.
type Metrics struct {
	config MetricsConfig

	// Provisioning metrics
	instanceRequests *prometheus.CounterVec

	// Reconciliation metrics
	eventsProcessed *prometheus.CounterVec
	terminations    *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Failures that were logged and swallowed
	bestEffortFailures *prometheus.CounterVec

	// Transport metrics
	queueMessages *prometheus.CounterVec

	// Housekeeping metrics
	ebsVolumes *prometheus.GaugeVec
	ebsGB      *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		instanceRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_requests_total",
				Help:      "Total number of instance launch requests by outcome",
			},
			[]string{"region", "instance_type", "worker_type", "kind", "outcome"},
		),

		eventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_events_total",
				Help:      "Total number of instance lifecycle events by outcome",
			},
			[]string{"region", "outcome"},
		),
		terminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminations_total",
				Help:      "Total number of instances moved to termination records",
			},
			[]string{"region", "reason"},
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

		bestEffortFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "best_effort_failures_total",
				Help:      "Total number of logged and ignored secondary failures",
			},
			[]string{"operation"},
		),

		queueMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_messages_total",
				Help:      "Total number of transport messages by outcome",
			},
			[]string{"transport", "outcome"},
		),

		ebsVolumes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ebs_volumes",
				Help:      "Current number of volumes by type and state",
			},
			[]string{"region", "volume_type", "state"},
		),
		ebsGB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ebs_volume_gigabytes",
				Help:      "Current provisioned volume size by type and state",
			},
			[]string{"region", "volume_type", "state"},
		),
	}

	registry.MustRegister(
		m.instanceRequests,
		m.eventsProcessed,
		m.terminations,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.bestEffortFailures,
		m.queueMessages,
		m.ebsVolumes,
		m.ebsGB,
	)

	return m, nil
}

// Provisioning Metrics

// RecordInstanceRequest counts a launch attempt. kind is "spot" or
// "on-demand"; outcome is "success", "invalid-input" or "error".
func (m *Metrics) RecordInstanceRequest(region, instanceType, workerType, kind, outcome string) {
	if m == nil || m.instanceRequests == nil {
		return
	}
	m.instanceRequests.WithLabelValues(region, instanceType, workerType, kind, outcome).Inc()
}

// Reconciliation Metrics

// RecordEvent counts a processed lifecycle event.
func (m *Metrics) RecordEvent(region, outcome string) {
	if m == nil || m.eventsProcessed == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(region, outcome).Inc()
}

// RecordTermination counts instances moved to termination records.
func (m *Metrics) RecordTermination(region, reason string, count int) {
	if m == nil || m.terminations == nil || count <= 0 {
		return
	}
	m.terminations.WithLabelValues(region, reason).Add(float64(count))
}

// Provider Metrics

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

// RecordBestEffortFailure counts a secondary failure that did not fail the
// surrounding operation.
func (m *Metrics) RecordBestEffortFailure(operation string) {
	if m == nil || m.bestEffortFailures == nil {
		return
	}
	m.bestEffortFailures.WithLabelValues(operation).Inc()
}

// Transport Metrics

// RecordQueueMessage counts a consumed message. outcome is "acked",
// "retry" or "dead-lettered".
func (m *Metrics) RecordQueueMessage(transport, outcome string) {
	if m == nil || m.queueMessages == nil {
		return
	}
	m.queueMessages.WithLabelValues(transport, outcome).Inc()
}

// Housekeeping Metrics

// SetEbsUsage sets the volume gauges for one bucket.
func (m *Metrics) SetEbsUsage(region, volumeType, state string, count, gigabytes int64) {
	if m == nil || m.ebsVolumes == nil {
		return
	}
	m.ebsVolumes.WithLabelValues(region, volumeType, state).Set(float64(count))
	m.ebsGB.WithLabelValues(region, volumeType, state).Set(float64(gigabytes))
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}
