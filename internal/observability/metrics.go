package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Job outcomes recorded by the worker
const (
	OutcomeStored    = "stored"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
	OutcomeUnknown   = "unknown"
)

// Metrics holds the ingestion pipeline collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	jobsTotal    *prometheus.CounterVec
	jobDuration  prometheus.Histogram
	jobsInFlight prometheus.Gauge
	filesCreated prometheus.Counter
	requeued     prometheus.Counter
}

// NewMetrics registers the pipeline collectors on a fresh registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "jobs_total",
			Help:      "Upload jobs handled, by outcome.",
		}, []string{"outcome"}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ingest",
			Name:      "job_duration_seconds",
			Help:      "Time spent handling one upload job.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		jobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "jobs_in_flight",
			Help:      "Upload jobs currently being handled.",
		}),
		filesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "files_created_total",
			Help:      "File records created from staged uploads.",
		}),
		requeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "files_requeued_total",
			Help:      "Incomplete files re-enqueued by the retry sweep.",
		}),
	}
}

// JobStarted marks a job as in flight and returns a func recording its
// outcome and duration.
func (m *Metrics) JobStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.jobsInFlight.Inc()
	return func(outcome string) {
		m.jobsInFlight.Dec()
		m.jobsTotal.WithLabelValues(outcome).Inc()
		m.jobDuration.Observe(time.Since(start).Seconds())
	}
}

// FileCreated counts one created file record
func (m *Metrics) FileCreated() {
	if m == nil {
		return
	}
	m.filesCreated.Inc()
}

// Requeued counts files re-enqueued by the sweep
func (m *Metrics) Requeued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.requeued.Add(float64(n))
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer serves /metrics and /health on addr until the process
// exits. An empty addr disables it.
func StartMetricsServer(addr string, metrics *Metrics, logger *zap.Logger) {
	if addr == "" || metrics == nil {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", metrics.Handler())

	go func() {
		logger.Info("starting metrics server", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}
