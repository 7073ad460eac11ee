// Package metrics exposes the orchestrator's Prometheus metrics: failover
// attempt outcomes, per-step duration histograms, and routing state gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the orchestrator's Prometheus registry and metric families.
type Collector struct {
	registry *prometheus.Registry

	attemptsTotal   *prometheus.CounterVec
	attemptDuration prometheus.Histogram
	stepDuration    *prometheus.HistogramVec
	stepOutcomes    *prometheus.CounterVec
	routingVersion  prometheus.Gauge
	inFlight        prometheus.Gauge
}

// Config configures the metric namespace/subsystem prefix.
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// NewCollector builds a Collector with all metric families registered
// against a fresh registry.
func NewCollector(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "failoverd"
	}

	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "failover_attempts_total", Help: "Total failover attempts by outcome.",
		}, []string{"outcome"}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name:    "failover_attempt_duration_seconds",
			Help:    "Total duration of a failover attempt.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name:    "failover_step_duration_seconds",
			Help:    "Duration of an individual failover step.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}, []string{"step"}),
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "failover_step_outcomes_total", Help: "Step outcomes by step name and outcome.",
		}, []string{"step", "outcome"}),
		routingVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "routing_version", Help: "Current monotonic version of the routing registry.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "failover_in_flight", Help: "1 if a failover attempt is currently running, else 0.",
		}),
	}

	registry.MustRegister(c.attemptsTotal, c.attemptDuration, c.stepDuration, c.stepOutcomes, c.routingVersion, c.inFlight)
	return c
}

// ObserveAttempt records a sealed failover attempt's outcome, total
// duration, and the outcome of each of its steps.
func (c *Collector) ObserveAttempt(success bool, total time.Duration, steps []StepObservation) {
	outcome := "failed"
	if success {
		outcome = "success"
	}
	c.attemptsTotal.WithLabelValues(outcome).Inc()
	c.attemptDuration.Observe(total.Seconds())

	for _, s := range steps {
		c.stepDuration.WithLabelValues(s.Name).Observe(s.Duration.Seconds())
		c.stepOutcomes.WithLabelValues(s.Name, s.Outcome).Inc()
	}
}

// StepObservation is the minimal per-step shape ObserveAttempt needs,
// decoupling this package from executor/history's richer record types.
type StepObservation struct {
	Name     string
	Duration time.Duration
	Outcome  string
}

// SetRoutingVersion reports the routing registry's current version.
func (c *Collector) SetRoutingVersion(version uint64) {
	c.routingVersion.Set(float64(version))
}

// SetInFlight reports whether a failover attempt is currently running.
func (c *Collector) SetInFlight(inFlight bool) {
	if inFlight {
		c.inFlight.Set(1)
		return
	}
	c.inFlight.Set(0)
}

// Handler returns the http.Handler serving this collector's registry in
// Prometheus exposition format, for mounting at /metrics/prometheus.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
