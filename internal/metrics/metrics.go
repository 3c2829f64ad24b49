package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "triagebot"

// Metrics groups the collectors the orchestrator and its helpers record
// into. A nil *Metrics is valid and records nothing.
type Metrics struct {
	InFlight       prometheus.Gauge
	Calls          *prometheus.CounterVec
	Retries        *prometheus.CounterVec
	Tickets        *prometheus.CounterVec
	Rounds         prometheus.Counter
	MissingFields  *prometheus.CounterVec
	Assignments    *prometheus.CounterVec
	RateGateWaits  prometheus.Histogram
	RunDuration    prometheus.Histogram
	TokensConsumed *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "classification_in_flight",
			Help:      "Classification attempts currently holding a concurrency slot.",
		}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_calls_total",
			Help:      "Outbound classification calls by outcome kind.",
		}, []string{"outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_retries_total",
			Help:      "Retries scheduled after a transient failure, by failure kind.",
		}, []string{"kind"}),
		Tickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_total",
			Help:      "Tickets reaching an end state of a run.",
		}, []string{"state"}),
		Rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Processing rounds executed.",
		}),
		MissingFields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_missing_fields_total",
			Help:      "Expected reply fields that were absent and stored empty.",
		}, []string{"field"}),
		Assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Assignment attempts by result.",
		}, []string{"result"}),
		RateGateWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_gate_wait_seconds",
			Help:      "Time callers spent waiting at the rate gate.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of batch runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		TokensConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens reported by the classification service.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.InFlight, m.Calls, m.Retries, m.Tickets, m.Rounds,
			m.MissingFields, m.Assignments, m.RateGateWaits, m.RunDuration,
			m.TokensConsumed,
		)
	}
	return m
}

func (m *Metrics) RecordCall(outcome string) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordTickets(state string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Tickets.WithLabelValues(state).Add(float64(n))
}

func (m *Metrics) RecordRound() {
	if m == nil {
		return
	}
	m.Rounds.Inc()
}

func (m *Metrics) RecordMissingFields(fields []string) {
	if m == nil {
		return
	}
	for _, f := range fields {
		m.MissingFields.WithLabelValues(f).Inc()
	}
}

func (m *Metrics) RecordAssignment(result string) {
	if m == nil {
		return
	}
	m.Assignments.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveGateWait(seconds float64) {
	if m == nil {
		return
	}
	m.RateGateWaits.Observe(seconds)
}

func (m *Metrics) ObserveRun(seconds float64) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(seconds)
}

func (m *Metrics) RecordTokens(input, output int64) {
	if m == nil {
		return
	}
	m.TokensConsumed.WithLabelValues("input").Add(float64(input))
	m.TokensConsumed.WithLabelValues("output").Add(float64(output))
}

// InFlightGauge returns the gauge the concurrency limiter drives, or nil.
func (m *Metrics) InFlightGauge() prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.InFlight
}
