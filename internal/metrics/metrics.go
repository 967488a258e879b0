// Package metrics provides Prometheus metrics for the ingestion daemon.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "artifactd"

// Metrics holds all daemon metrics. A nil or disabled *Metrics accepts every
// Record call and does nothing.
type Metrics struct {
	// Counters
	JobsTotal          *prometheus.CounterVec
	ArtifactsPublished *prometheus.CounterVec
	LockTimeouts       prometheus.Counter
	ExportFailures     prometheus.Counter
	PollCycles         prometheus.Counter

	// Histograms
	PublishDuration prometheus.Histogram

	// Gauges
	InboxPending prometheus.Gauge

	registry *prometheus.Registry
	enabled  bool
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9464"
}

// ApplyDefaults sets default values for metrics config.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = ":9464"
	}
}

// New creates a metrics instance backed by its own registry.
func New(cfg Config) *Metrics {
	cfg.ApplyDefaults()

	m := &Metrics{
		enabled:  cfg.Enabled,
		registry: prometheus.NewRegistry(),
	}
	if !cfg.Enabled {
		return m
	}

	m.JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal state, by outcome",
		},
		[]string{"outcome"}, // "processed", "rejected"
	)
	m.ArtifactsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_published_total",
			Help:      "Publish calls by resolution mode",
		},
		[]string{"mode"}, // "new", "file_hash", "content_hash"
	)
	m.LockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_timeouts_total",
		Help:      "Writer lock acquisitions that timed out",
	})
	m.ExportFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "export_failures_total",
		Help:      "View regeneration failures after a processed batch",
	})
	m.PollCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_cycles_total",
		Help:      "Inbox poll cycles executed",
	})
	m.PublishDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "publish_duration_seconds",
		Help:      "Wall time of a single artifact publish",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	m.InboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inbox_pending_jobs",
		Help:      "Committed jobs waiting in the inbox at the start of the last cycle",
	})

	m.registry.MustRegister(
		m.JobsTotal,
		m.ArtifactsPublished,
		m.LockTimeouts,
		m.ExportFailures,
		m.PollCycles,
		m.PublishDuration,
		m.InboxPending,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a metrics HTTP server on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if !m.IsEnabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// IsEnabled returns true if metrics are enabled.
func (m *Metrics) IsEnabled() bool {
	return m != nil && m.enabled
}

// RecordJob counts a job reaching outcome.
func (m *Metrics) RecordJob(outcome string) {
	if m.IsEnabled() {
		m.JobsTotal.WithLabelValues(outcome).Inc()
	}
}

// RecordPublish counts a publish and observes its duration. mode is empty for
// a newly admitted artifact.
func (m *Metrics) RecordPublish(mode string, d time.Duration) {
	if !m.IsEnabled() {
		return
	}
	if mode == "" {
		mode = "new"
	}
	m.ArtifactsPublished.WithLabelValues(mode).Inc()
	m.PublishDuration.Observe(d.Seconds())
}

// RecordLockTimeout counts a writer lock timeout.
func (m *Metrics) RecordLockTimeout() {
	if m.IsEnabled() {
		m.LockTimeouts.Inc()
	}
}

// RecordExportFailure counts a failed view regeneration.
func (m *Metrics) RecordExportFailure() {
	if m.IsEnabled() {
		m.ExportFailures.Inc()
	}
}

// RecordPollCycle counts a poll cycle and the committed jobs it saw.
func (m *Metrics) RecordPollCycle(pending int) {
	if m.IsEnabled() {
		m.PollCycles.Inc()
		m.InboxPending.Set(float64(pending))
	}
}
