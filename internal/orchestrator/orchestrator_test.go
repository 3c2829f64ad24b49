package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triagebot/internal/assign"
	"triagebot/internal/domain"
	"triagebot/internal/integrations/llm"
	"triagebot/internal/metrics"
	"triagebot/internal/retry"
	"triagebot/internal/similarity"
	"triagebot/internal/storage/sqlite"
	"triagebot/internal/throttle"
)

// fakeClassifier answers through fn and counts calls per ticket.
type fakeClassifier struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, ticket domain.Ticket, call int) (domain.Classification, error)
}

func newFakeClassifier(fn func(ctx context.Context, ticket domain.Ticket, call int) (domain.Classification, error)) *fakeClassifier {
	return &fakeClassifier{calls: make(map[string]int), fn: fn}
}

func (f *fakeClassifier) Classify(ctx context.Context, ticket domain.Ticket, _ string) (domain.Classification, llm.Usage, error) {
	f.mu.Lock()
	f.calls[ticket.ID]++
	n := f.calls[ticket.ID]
	f.mu.Unlock()
	c, err := f.fn(ctx, ticket, n)
	return c, llm.Usage{InputTokens: 10, OutputTokens: 5}, err
}

func (f *fakeClassifier) Calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func infraL2(_ context.Context, ticket domain.Ticket, _ int) (domain.Classification, error) {
	return domain.Classification{
		TicketID: ticket.ID,
		Summary:  "summary of " + ticket.ID,
		Triage:   "L2",
		Category: "Infrastructure",
	}, nil
}

type harness struct {
	store   *sqlite.Store
	delays  []time.Duration
	delayMu sync.Mutex
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "orchestrator-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &harness{store: store, metrics: metrics.New(prometheus.NewRegistry())}
}

func (h *harness) seed(t *testing.T, tickets ...domain.Ticket) {
	t.Helper()
	ctx := context.Background()
	for _, tk := range tickets {
		require.NoError(t, h.store.UpsertTicket(ctx, tk))
	}
	require.NoError(t, h.store.UpsertEmployee(ctx, domain.Employee{ID: "E5", Name: "Ravi", Category: "Infrastructure", Triage: "L2", Role: "P"}))
	require.NoError(t, h.store.UpsertEmployee(ctx, domain.Employee{ID: "E9", Name: "Lena", Category: "Infrastructure", Triage: "L2", Role: "P"}))
}

type setup struct {
	k           int
	interval    time.Duration
	maxAttempts int
	maxRounds   int
	gateOpts    []throttle.GateOption
	similarity  ContextProvider
}

func (h *harness) orchestrator(t *testing.T, cls Classifier, s setup) *Orchestrator {
	t.Helper()
	if s.k == 0 {
		s.k = 3
	}
	if s.maxAttempts == 0 {
		s.maxAttempts = 5
	}
	if s.maxRounds == 0 {
		s.maxRounds = 5
	}
	limiter, err := throttle.NewLimiter(s.k, h.metrics.InFlightGauge())
	require.NoError(t, err)
	o, err := New(Deps{
		Store:      h.store,
		Classifier: cls,
		Assigner:   assign.NewMatcher(h.store),
		Similarity: s.similarity,
		Gate:       throttle.NewGate(s.interval, s.gateOpts...),
		Limiter:    limiter,
		Metrics:    h.metrics,
	}, Options{
		MaxRounds:   s.maxRounds,
		CallTimeout: time.Second,
		Retry: retry.Policy{
			MaxAttempts: s.maxAttempts,
			Min:         4 * time.Second,
			Max:         60 * time.Second,
			Sleep: func(ctx context.Context, d time.Duration) error {
				h.delayMu.Lock()
				h.delays = append(h.delays, d)
				h.delayMu.Unlock()
				return ctx.Err()
			},
		},
	})
	require.NoError(t, err)
	return o
}

func TestRunClassifiesPersistsAndAssigns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, domain.Ticket{ID: "T1", Title: "Router down"})
	cls := newFakeClassifier(func(ctx context.Context, ticket domain.Ticket, call int) (domain.Classification, error) {
		c, _ := infraL2(ctx, ticket, call)
		c.TriageReason = "core network"
		c.MissingFields = []string{llm.FieldSolution}
		return c, nil
	})
	sim := similarity.NewAugmenter(similarity.NewIndex(nil), 5, 0.1, time.Minute)
	o := h.orchestrator(t, cls, setup{similarity: sim})

	report, err := o.Run(ctx, []domain.Ticket{{ID: "T1", Title: "Router down"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, report.Succeeded)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1, report.Assigned)
	assert.Equal(t, 1, report.Rounds)
	assert.Equal(t, StopDrained, report.StopReason)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, int64(15), report.Usage.TotalTokens())

	got, err := h.store.GetClassification(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "Infrastructure", got.Category)
	assert.Equal(t, "core network", got.TriageReason)

	rec, err := h.store.GetAssignment(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "E5", rec.EmployeeID)

	m, err := h.store.GetTicketMetrics(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, m.Summarized)
	assert.True(t, m.Vectorized)
	assert.Equal(t, []string{llm.FieldSolution}, m.MissingFields)
	assert.Equal(t, 1, sim.Index().Len())

	// A second run over the same ticket rewrites the classification but
	// leaves the assignment alone.
	report, err = o.Run(ctx, []domain.Ticket{{ID: "T1", Title: "Router down"}})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Assigned)
	again, err := h.store.GetAssignment(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	assert.Equal(t, 2, cls.Calls("T1"))
}

func TestRunRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Ticket{ID: "T1"})
	cls := newFakeClassifier(func(ctx context.Context, ticket domain.Ticket, call int) (domain.Classification, error) {
		if call <= 3 {
			return domain.Classification{}, &llm.Failure{Kind: llm.KindTimeout, Err: context.DeadlineExceeded}
		}
		return infraL2(ctx, ticket, call)
	})
	o := h.orchestrator(t, cls, setup{})

	report, err := o.Run(context.Background(), []domain.Ticket{{ID: "T1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, report.Succeeded)
	assert.Equal(t, 4, cls.Calls("T1"))
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second}, h.delays)
	assert.InDelta(t, 3, testutil.ToFloat64(h.metrics.Retries.WithLabelValues("timeout")), 0)
}

func TestRunCarriesExhaustedTicketIntoNextRound(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Ticket{ID: "T1"}, domain.Ticket{ID: "T2"})
	cls := newFakeClassifier(func(ctx context.Context, ticket domain.Ticket, call int) (domain.Classification, error) {
		if ticket.ID == "T2" && call <= 2 {
			return domain.Classification{}, &llm.Failure{Kind: llm.KindRateLimited}
		}
		return infraL2(ctx, ticket, call)
	})
	o := h.orchestrator(t, cls, setup{maxAttempts: 2})

	report, err := o.Run(context.Background(), []domain.Ticket{{ID: "T1"}, {ID: "T2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rounds)
	assert.Equal(t, []string{"T1", "T2"}, report.Succeeded)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1, cls.Calls("T1"))
	assert.Equal(t, 3, cls.Calls("T2"))
}

func TestRunStopsWhenRoundMakesNoProgress(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Ticket{ID: "T1"})
	cls := newFakeClassifier(func(context.Context, domain.Ticket, int) (domain.Classification, error) {
		return domain.Classification{}, &llm.Failure{Kind: llm.KindRateLimited}
	})
	o := h.orchestrator(t, cls, setup{maxAttempts: 2, maxRounds: 5})

	report, err := o.Run(context.Background(), []domain.Ticket{{ID: "T1"}})
	require.NoError(t, err)
	assert.Equal(t, StopNoProgress, report.StopReason)
	assert.Equal(t, 1, report.Rounds)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "exhausted_rate_limited", report.Failed[0].Kind)
	var exhausted *retry.Exhausted
	assert.ErrorAs(t, report.Failed[0].Err, &exhausted)

	_, err = h.store.GetClassification(context.Background(), "T1")
	assert.Error(t, err)
}

func TestRunStopsAtMaxRounds(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Ticket{ID: "A"}, domain.Ticket{ID: "B"}, domain.Ticket{ID: "C"})
	badRequest := &llm.Failure{Kind: llm.KindBadRequest}
	cls := newFakeClassifier(func(ctx context.Context, ticket domain.Ticket, call int) (domain.Classification, error) {
		switch {
		case ticket.ID == "B":
			return domain.Classification{}, badRequest
		case ticket.ID == "C" && call == 1:
			return domain.Classification{}, badRequest
		}
		return infraL2(ctx, ticket, call)
	})
	o := h.orchestrator(t, cls, setup{maxRounds: 2})

	report, err := o.Run(context.Background(), []domain.Ticket{{ID: "A"}, {ID: "B"}, {ID: "C"}})
	require.NoError(t, err)
	assert.Equal(t, StopMaxRounds, report.StopReason)
	assert.Equal(t, 2, report.Rounds)
	assert.Equal(t, []string{"A", "C"}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "B", report.Failed[0].TicketID)
	assert.Equal(t, "bad_request", report.Failed[0].Kind)
	assert.Equal(t, 2, cls.Calls("B"))
}

func TestRunBoundsConcurrencyAndSpacesCalls(t *testing.T) {
	const interval = 10 * time.Millisecond
	h := newHarness(t)
	var tickets []domain.Ticket
	for i := range 12 {
		tickets = append(tickets, domain.Ticket{ID: fmt.Sprintf("T%02d", i)})
	}
	h.seed(t, tickets...)

	var (
		grantsMu sync.Mutex
		grants   []time.Time
		active   atomic.Int32
		maxSeen  atomic.Int32
	)
	cls := newFakeClassifier(func(ctx context.Context, ticket domain.Ticket, call int) (domain.Classification, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		return infraL2(ctx, ticket, call)
	})
	o := h.orchestrator(t, cls, setup{
		k:        3,
		interval: interval,
		gateOpts: []throttle.GateOption{throttle.WithGrantHook(func(granted time.Time, _ time.Duration) {
			grantsMu.Lock()
			grants = append(grants, granted)
			grantsMu.Unlock()
		})},
	})

	report, err := o.Run(context.Background(), tickets)
	require.NoError(t, err)
	assert.Len(t, report.Succeeded, len(tickets))
	assert.LessOrEqual(t, int(maxSeen.Load()), 3)
	assert.LessOrEqual(t, report.PeakInFlight, 3)

	require.Len(t, grants, len(tickets))
	for i := 1; i < len(grants); i++ {
		assert.GreaterOrEqual(t, grants[i].Sub(grants[i-1]), interval, "grant %d", i)
	}
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.InFlight), 0)
}

func TestRunAbortsWhenServiceUnreachable(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Ticket{ID: "T1"}, domain.Ticket{ID: "T2"}, domain.Ticket{ID: "T3"})
	cls := newFakeClassifier(func(ctx context.Context, ticket domain.Ticket, _ int) (domain.Classification, error) {
		if ticket.ID == "T1" {
			return domain.Classification{}, &llm.Failure{Kind: llm.KindUnreachable, Err: errors.New("dial tcp: no route to host")}
		}
		<-ctx.Done()
		return domain.Classification{}, ctx.Err()
	})
	o := h.orchestrator(t, cls, setup{k: 3})

	report, err := o.Run(context.Background(), []domain.Ticket{{ID: "T1"}, {ID: "T2"}, {ID: "T3"}})
	require.ErrorIs(t, err, llm.ErrServiceUnreachable)
	assert.Equal(t, StopFatal, report.StopReason)
	assert.Empty(t, report.Succeeded)
	require.Len(t, report.Failed, 3)
	assert.Equal(t, 1, cls.Calls("T1"))
}

func TestRunAbortedByContext(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Ticket{ID: "T1"})
	cls := newFakeClassifier(infraL2)
	o := h.orchestrator(t, cls, setup{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := o.Run(ctx, []domain.Ticket{{ID: "T1"}})
	require.ErrorIs(t, err, ErrAborted)
	assert.True(t, report.Aborted)
	assert.Equal(t, StopAborted, report.StopReason)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 0, cls.Calls("T1"))
}

func TestRunRejectsBlankAndDuplicateIDs(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Ticket{ID: "T1"})
	cls := newFakeClassifier(infraL2)
	o := h.orchestrator(t, cls, setup{})

	report, err := o.Run(context.Background(), []domain.Ticket{{ID: " "}, {ID: "T1"}, {ID: "T1 "}})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, []string{"T1"}, report.Succeeded)
	want := []Rejected{
		{Index: 0, Reason: "missing ticket id"},
		{Index: 2, TicketID: "T1", Reason: "duplicate ticket id"},
	}
	if diff := cmp.Diff(want, report.Rejected); diff != "" {
		t.Errorf("rejected mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, cls.Calls("T1"))
}

func TestRunReportsLastModelCall(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Ticket{ID: "T1"})
	o := h.orchestrator(t, newFakeClassifier(infraL2), setup{})

	report, err := o.Run(context.Background(), []domain.Ticket{{ID: "T1"}})
	require.NoError(t, err)
	require.False(t, report.LastCall.IsZero())
	assert.False(t, report.LastCall.Before(report.Started))
	assert.False(t, report.LastCall.After(report.Started.Add(report.Duration)))

	// The gate still remembers the earlier grant, but this run made no call.
	report, err = o.Run(context.Background(), []domain.Ticket{{ID: " "}})
	require.NoError(t, err)
	assert.True(t, report.LastCall.IsZero())
}

func TestRunReportsUnassignedAndReconcileLater(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, domain.Ticket{ID: "T1"}, domain.Ticket{ID: "T2"})
	cls := newFakeClassifier(func(ctx context.Context, ticket domain.Ticket, call int) (domain.Classification, error) {
		c, _ := infraL2(ctx, ticket, call)
		if ticket.ID == "T2" {
			c.Category = "Data"
		}
		return c, nil
	})
	o := h.orchestrator(t, cls, setup{})

	report, err := o.Run(ctx, []domain.Ticket{{ID: "T1"}, {ID: "T2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T2"}, report.Succeeded)
	assert.Equal(t, 1, report.Assigned)
	require.Len(t, report.Unassigned, 1)
	assert.Equal(t, "T2", report.Unassigned[0].TicketID)
	assert.Contains(t, report.Unassigned[0].Reason, assign.ErrNoEligibleEmployee.Error())

	_, err = h.store.GetAssignment(ctx, "T2")
	assert.Error(t, err)

	require.NoError(t, h.store.UpsertEmployee(ctx, domain.Employee{ID: "E2", Category: "Data", Triage: "L2", Role: "P"}))
	rec, err := o.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Checked)
	assert.Equal(t, 1, rec.Assigned)
	assert.Empty(t, rec.Unassigned)

	got, err := h.store.GetAssignment(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, "E2", got.EmployeeID)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}

func TestFormatRunSummary(t *testing.T) {
	assert.Equal(t, "No pending tickets.", FormatRunSummary(Report{}))

	r := Report{
		Total:      3,
		Rounds:     2,
		StopReason: StopMaxRounds,
		Succeeded:  []string{"T1", "T2"},
		Failed:     []Failure{{TicketID: "T3", Kind: "exhausted_timeout"}},
		Assigned:   1,
		Unassigned: []Unassigned{{TicketID: "T2", Reason: "no eligible employee"}},
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 20},
	}
	want := "Triaged 3 tickets in 2 rounds (max_rounds): 2 classified, 1 failed, 1 assigned, 1 unassigned. 120 tokens used." +
		"\nFailed:\nT3: exhausted_timeout" +
		"\nUnassigned:\nT2: no eligible employee"
	assert.Equal(t, want, FormatRunSummary(r))
}

func TestFormatReconcileSummary(t *testing.T) {
	assert.Equal(t, "Every classified ticket is assigned.", FormatReconcileSummary(ReconcileReport{}))
	assert.Equal(t, "Reconciled 2 tickets: 2 assigned.", FormatReconcileSummary(ReconcileReport{Checked: 2, Assigned: 2}))
	got := FormatReconcileSummary(ReconcileReport{
		Checked:    2,
		Assigned:   1,
		Unassigned: []Unassigned{{TicketID: "T2", Reason: "no eligible employee"}},
	})
	assert.Equal(t, "Reconciled 2 tickets: 1 assigned, 1 unassigned.\nUnassigned:\nT2: no eligible employee", got)
}
