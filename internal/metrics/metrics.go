package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keeper"

// Metrics exposes Prometheus collectors for operations, settlements and keeper cycles.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations         *prometheus.CounterVec
	settlements        *prometheus.CounterVec
	submissionDuration *prometheus.HistogramVec
	cycles             *prometheus.CounterVec
	accounts           *prometheus.CounterVec
	cycleDuration      prometheus.Histogram
}

// MustNewMetrics registers the collectors with reg. Collectors already present
// in reg are reused so repeated construction against one registry is safe.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Operation requests handled by the engine, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "settlements_total",
			Help:      "Settlement results by final status.",
		}, []string{"status"}),
		submissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "submission_duration_seconds",
			Help:      "Time spent handing a redemption to the submission channel.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Keeper cycles by outcome.",
		}, []string{"outcome"}),
		accounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "accounts_total",
			Help:      "Accounts visited by keeper cycles, by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one keeper cycle.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
	m.operations = register(reg, m.operations)
	m.settlements = register(reg, m.settlements)
	m.submissionDuration = register(reg, m.submissionDuration)
	m.cycles = register(reg, m.cycles)
	m.accounts = register(reg, m.accounts)
	m.cycleDuration = register(reg, m.cycleDuration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ObserveOperation(kind, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveSettlement(status string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSubmission(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "accepted"
	if err != nil {
		result = "error"
	}
	m.submissionDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// ObserveCycle records one finished keeper cycle and its per-account tallies.
func (m *Metrics) ObserveCycle(outcome string, elapsed time.Duration, processed, acted, failed, skipped int) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(elapsed.Seconds())
	m.accounts.WithLabelValues("processed").Add(float64(processed))
	m.accounts.WithLabelValues("acted").Add(float64(acted))
	m.accounts.WithLabelValues("failed").Add(float64(failed))
	m.accounts.WithLabelValues("skipped").Add(float64(skipped))
}
