package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCall("ok")
	m.RecordCall("ok")
	m.RecordRetry("timeout")
	m.RecordTickets("succeeded", 3)
	m.RecordTickets("failed", 0)
	m.RecordRound()
	m.RecordMissingFields([]string{"solution", "triage_reason"})
	m.RecordAssignment("assigned")
	m.RecordTokens(120, 30)
	m.InFlightGauge().Inc()

	assert.InDelta(t, 2, testutil.ToFloat64(m.Calls.WithLabelValues("ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Retries.WithLabelValues("timeout")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.Tickets.WithLabelValues("succeeded")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Rounds), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MissingFields.WithLabelValues("solution")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Assignments.WithLabelValues("assigned")), 0)
	assert.InDelta(t, 120, testutil.ToFloat64(m.TokensConsumed.WithLabelValues("input")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.InFlight), 0)

	// Zero-count ticket states are not materialised.
	assert.Equal(t, 1, testutil.CollectAndCount(m.Tickets))

	expected := `
# HELP triagebot_rounds_total Processing rounds executed.
# TYPE triagebot_rounds_total counter
triagebot_rounds_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "triagebot_rounds_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCall("ok")
		m.RecordRetry("timeout")
		m.RecordTickets("failed", 2)
		m.RecordRound()
		m.RecordMissingFields([]string{"summary"})
		m.RecordAssignment("no_match")
		m.ObserveGateWait(0.5)
		m.ObserveRun(2)
		m.RecordTokens(1, 1)
	})
	assert.Nil(t, m.InFlightGauge())
}
