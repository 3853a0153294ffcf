package metrics

import (
	"net/http"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics owns its own registry so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions          *prometheus.CounterVec
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec
	remainingTokens    prometheus.Histogram
	storeErrors        *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"decision"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Current circuit state per service (0 closed, 1 open, 2 half-open).",
		}, []string{"service"}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit state transitions per service and target state.",
		}, []string{"service", "to"}),
		remainingTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "remaining_tokens",
			Help:      "Tokens left in the bucket after an admission check.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 75, 100, 250, 500, 1000},
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "store_errors_total",
			Help:      "Rate limit store failures by the failure policy applied.",
		}, []string{"policy"}),
	}

	reg.MustRegister(m.decisions, m.circuitState, m.circuitTransitions, m.remainingTokens, m.storeErrors)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveDecision(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveRemaining(tokens int64) {
	if m == nil {
		return
	}
	m.remainingTokens.Observe(float64(tokens))
}

func (m *Metrics) StoreError(policy string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(policy).Inc()
}

// CircuitTransition matches the circuit breaker's state change hook.
func (m *Metrics) CircuitTransition(service string, _, to circuitbreaker.State) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(service).Set(float64(to))
	m.circuitTransitions.WithLabelValues(service, to.String()).Inc()
}

// SetCircuitState matches the circuit breaker's state observer, so every service the
// breaker has seen exports its state, including circuits that never transitioned.
func (m *Metrics) SetCircuitState(service string, state circuitbreaker.State) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(service).Set(float64(state))
}

// ForgetCircuit drops the state series of an evicted circuit.
func (m *Metrics) ForgetCircuit(service string) {
	if m == nil {
		return
	}
	m.circuitState.DeleteLabelValues(service)
}
