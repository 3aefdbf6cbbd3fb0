package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Example outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Metrics collects counters for one run on a private registry. A nil
// *Metrics records nothing.
//
// Usage:
//
//	m := observability.NewMetrics()
//	m.GeneratorCall("generate", err, time.Since(start))
//	m.WriteTextfile(filepath.Join(outputDir, "metrics.prom"))
type Metrics struct {
	registry *prometheus.Registry

	// ExamplesTotal counts processed examples.
	// Labels: outcome (completed|skipped|failed)
	ExamplesTotal *prometheus.CounterVec

	// GeneratorCalls counts generator requests.
	// Labels: stage (generate|refine), status (success|error)
	GeneratorCalls *prometheus.CounterVec

	// GeneratorDuration measures generator latency in seconds.
	// Labels: stage
	GeneratorDuration *prometheus.HistogramVec

	// VerifierCalls counts verification requests.
	// Labels: status (success|error)
	VerifierCalls *prometheus.CounterVec

	// Refinements counts refinement triggers.
	// Labels: reason (template_fix|verifier_low)
	Refinements *prometheus.CounterVec
}

// NewMetrics registers the run collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ExamplesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rageval_examples_total",
			Help: "Examples processed by outcome.",
		}, []string{"outcome"}),
		GeneratorCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rageval_generator_calls_total",
			Help: "Generator requests by pipeline stage and status.",
		}, []string{"stage", "status"}),
		GeneratorDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rageval_generator_duration_seconds",
			Help:    "Generator request latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),
		VerifierCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rageval_verifier_calls_total",
			Help: "Verification requests by status.",
		}, []string{"status"}),
		Refinements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rageval_refinements_total",
			Help: "Refinements triggered by reason.",
		}, []string{"reason"}),
	}
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Example records one finished example.
func (m *Metrics) Example(outcome string) {
	if m == nil {
		return
	}
	m.ExamplesTotal.WithLabelValues(outcome).Inc()
}

// GeneratorCall records one generator request.
func (m *Metrics) GeneratorCall(stage string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.GeneratorCalls.WithLabelValues(stage, status(err)).Inc()
	m.GeneratorDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// VerifierCall records one verification request.
func (m *Metrics) VerifierCall(err error) {
	if m == nil {
		return
	}
	m.VerifierCalls.WithLabelValues(status(err)).Inc()
}

// Refinement records a refinement trigger.
func (m *Metrics) Refinement(reason string) {
	if m == nil {
		return
	}
	m.Refinements.WithLabelValues(reason).Inc()
}

// WriteTextfile writes all collectors to path in the node exporter textfile
// format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
