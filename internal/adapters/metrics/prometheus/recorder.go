// Package prometheus exports rate limiter metrics in the Prometheus format.
package prometheus

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
	"github.com/JeanGrijp/tiered-limiter/internal/core/ports"
)

// Recorder keeps its own registry so several limiters (and tests) never collide
// on the global one. Client keys are never used as labels.
type Recorder struct {
	registry *prometheus.Registry

	decisions      *prometheus.CounterVec
	tierViolations *prometheus.CounterVec
	storeErrors    *prometheus.CounterVec
	evalDuration   prometheus.Histogram
}

var _ ports.MetricsRecorder = (*Recorder)(nil)

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiered_limiter_decisions_total",
				Help: "Admission decisions by outcome",
			},
			[]string{"outcome"},
		),
		tierViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiered_limiter_tier_violations_total",
				Help: "Denials by the tier reported as violated",
			},
			[]string{"tier"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiered_limiter_store_errors_total",
				Help: "Counter store failures by kind",
			},
			[]string{"kind"},
		),
		evalDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tiered_limiter_evaluation_duration_seconds",
				Help:    "Time spent evaluating all tiers for one request",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~0.8s
			},
		),
	}
}

func (r *Recorder) ObserveDecision(decision domain.Decision, elapsed time.Duration) {
	outcome := decision.Outcome.String()
	if decision.FailedOpen {
		outcome = "failed_open"
	}
	r.decisions.WithLabelValues(outcome).Inc()
	if decision.Outcome == domain.OutcomeDenied && decision.ViolatedPolicy != "" {
		r.tierViolations.WithLabelValues(decision.ViolatedPolicy).Inc()
	}
	r.evalDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveStoreError(err error) {
	kind := "unavailable"
	if domain.IsStoreTimeout(err) {
		kind = "timeout"
	}
	r.storeErrors.WithLabelValues(kind).Inc()
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
