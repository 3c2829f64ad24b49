package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triagebot/internal/config"
	"triagebot/internal/domain"
	"triagebot/internal/integrations/llm"
	"triagebot/internal/storage"
	"triagebot/internal/storage/sqlite"
)

const sampleFixture = `
tickets:
  - id: T1
    title: VPN tunnel drops every hour
    description: Remote staff lose the tunnel and must reconnect.
    module: network
    reported_date: "2024-03-01"
  - id: T2
    title: Monthly export job is slow
    module: reports
    assigned_date: "2024-03-05"
employees:
  - id: E5
    name: Ravi
    category: Infrastructure
    triage: L2
    role: P
  - id: E9
    name: Lena
    category: Infrastructure
    triage: L2
    role: P
ground_truth:
  - id: G1
    title: VPN disconnects for remote users
    summary: Tunnel keepalive misconfigured
    triage: L2
    category: Infrastructure
    status: closed
    solution: Raised keepalive interval
`

// replyClient answers every prompt with a fixed reply.
type replyClient struct {
	reply string
	calls atomic.Int32

	mu      sync.Mutex
	prompts []string
}

func (c *replyClient) Complete(_ context.Context, _, user string) (string, llm.Usage, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.prompts = append(c.prompts, user)
	c.mu.Unlock()
	return c.reply, llm.Usage{InputTokens: 50, OutputTokens: 10}, nil
}

func (c *replyClient) Provider() string { return "fake" }
func (c *replyClient) Model() string    { return "fake-1" }

const infraReply = `- Summary: VPN tunnel resets hourly
- Triage: L2
- Category: Infrastructure
- Solution: Check keepalive settings
- Triage Reason: Affects remote staff
- Category Reason: Network tunnel`

func newTestEnv(t *testing.T, client llm.Client) (*env, *bytes.Buffer) {
	t.Helper()
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "gm-test")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "app-test.db"))
	t.Setenv("REQUESTS_PER_MINUTE", "6000")
	t.Setenv("SLACK_BOT_TOKEN", "")
	t.Setenv("SLACK_CHANNEL_ID", "")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	var out bytes.Buffer
	e := &env{
		cfg: cfg,
		out: &out,
		confirm: func(string, string) (bool, error) {
			t.Fatal("unexpected confirmation prompt")
			return false, nil
		},
		newClient: func(context.Context, config.Config) (llm.Client, error) { return client, nil },
	}
	return e, &out
}

func openTestStore(t *testing.T, e *env) storage.Store {
	t.Helper()
	st, err := sqlite.Open(e.cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func importSample(t *testing.T, st storage.Store) {
	t.Helper()
	f, err := decodeFixture(strings.NewReader(sampleFixture))
	require.NoError(t, err)
	n, err := importFixture(context.Background(), st, f)
	require.NoError(t, err)
	assert.Equal(t, importCounts{Tickets: 2, Employees: 2, GroundTruth: 1}, n)
}

func TestImportFixtureIsRepeatable(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEnv(t, &replyClient{})
	st := openTestStore(t, e)

	importSample(t, st)
	importSample(t, st)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Tickets)
	assert.Equal(t, 1, stats.GroundTruth)

	t2, err := st.GetTicket(ctx, "T2")
	require.NoError(t, err)
	require.NotNil(t, t2.AssignedDate)
	assert.True(t, t2.AssignedDate.Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))
}

func TestImportRejectsBadRowsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEnv(t, &replyClient{})
	st := openTestStore(t, e)

	f, err := decodeFixture(strings.NewReader(`
tickets:
  - id: T1
  - id: T2
    reported_date: "last tuesday"
`))
	require.NoError(t, err)
	_, err = importFixture(ctx, st, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tickets[1]")

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Tickets)

	_, err = decodeFixture(strings.NewReader("tickets:\n  - id: T1\n    colour: red\n"))
	assert.Error(t, err)
}

func TestRunBatchDeclinedHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	client := &replyClient{reply: infraReply}
	e, out := newTestEnv(t, client)
	st := openTestStore(t, e)
	importSample(t, st)

	var asked string
	e.confirm = func(title, _ string) (bool, error) {
		asked = title
		return false, nil
	}
	require.NoError(t, e.runBatch(ctx, st, runFlags{}))

	assert.Equal(t, "Classify 2 tickets with gemini?", asked)
	assert.Contains(t, out.String(), "Aborted; nothing was processed.")
	assert.Zero(t, client.calls.Load())
	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Classified)
}

func TestRunBatchClassifiesAndAssigns(t *testing.T) {
	ctx := context.Background()
	client := &replyClient{reply: infraReply}
	e, out := newTestEnv(t, client)
	st := openTestStore(t, e)
	importSample(t, st)

	require.NoError(t, e.runBatch(ctx, st, runFlags{yes: true}))
	assert.Equal(t, int32(2), client.calls.Load())
	assert.Contains(t, out.String(), "Triaged 2 tickets in 1 round (drained): 2 classified, 2 assigned")

	for _, id := range []string{"T1", "T2"} {
		rec, err := st.GetAssignment(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, "E5", rec.EmployeeID, id)
	}
	rec, err := st.GetAssignment(ctx, "T2")
	require.NoError(t, err)
	assert.True(t, rec.AssignedDate.Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))

	// The ground-truth ticket about VPN disconnects reaches the T1 prompt.
	client.mu.Lock()
	prompts := strings.Join(client.prompts, "\n")
	client.mu.Unlock()
	assert.Contains(t, prompts, "--- Context from Ticket G1 ---")

	out.Reset()
	require.NoError(t, e.runBatch(ctx, st, runFlags{yes: true, skipClassified: true}))
	assert.Equal(t, "No pending tickets.\n", out.String())
}

func TestAssignAndReconcileCommands(t *testing.T) {
	ctx := context.Background()
	e, out := newTestEnv(t, &replyClient{})
	st := openTestStore(t, e)
	importSample(t, st)
	require.NoError(t, st.UpsertClassification(ctx, domain.Classification{TicketID: "T1", Category: "Infrastructure", Triage: "L2"}))
	require.NoError(t, st.UpsertClassification(ctx, domain.Classification{TicketID: "T2", Category: "Data", Triage: "L1"}))

	require.NoError(t, e.assignTickets(ctx, st, []string{"T1", "T1", "T2"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "T1: assigned to E5 on "))
	assert.Equal(t, "T1: already assigned to E5", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "T2: not assigned ("))

	out.Reset()
	require.NoError(t, st.UpsertEmployee(ctx, domain.Employee{ID: "E2", Category: "Data", Triage: "L1", Role: "P"}))
	require.NoError(t, e.reconcile(ctx, st))
	assert.Equal(t, "Reconciled 1 tickets: 1 assigned.\n", out.String())
}

func TestStatusCommandThroughRoot(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "triagebot.yaml")
	content := "llm_provider: anthropic\nanthropic_api_key: test\ndb_path: " + filepath.Join(dir, "status.db") + "\nlog_level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	t.Setenv("DB_PATH", "")
	t.Setenv("LLM_PROVIDER", "")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgPath, "status"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Tickets:               0")
	assert.Contains(t, out.String(), "Classified unassigned: 0")
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "cohere")
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "status"})
	assert.Error(t, root.Execute())
}

type everySchedule time.Duration

func (s everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(s)) }

func TestWatchLoopTicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	err := watchLoop(ctx, everySchedule(5*time.Millisecond), time.Now, func(context.Context) {
		if ticks.Add(1) == 3 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(3), ticks.Load())
}

func TestParseDate(t *testing.T) {
	for _, in := range []string{"2024-03-01", "2024-03-01 00:00:00", "2024-03-01T00:00:00Z"} {
		got, err := parseDate(in)
		require.NoError(t, err, in)
		assert.True(t, got.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)), in)
	}
	_, err := parseDate("03/01/2024")
	assert.Error(t, err)
}

func TestScheduledRunSkipsClassifiedTickets(t *testing.T) {
	ctx := context.Background()
	client := &replyClient{reply: infraReply}
	e, _ := newTestEnv(t, client)
	st := openTestStore(t, e)
	importSample(t, st)

	orch, err := e.buildOrchestrator(ctx, st, nil)
	require.NoError(t, err)

	e.scheduledRun(ctx, st, orch)
	assert.Equal(t, int32(2), client.calls.Load())

	e.scheduledRun(ctx, st, orch)
	assert.Equal(t, int32(2), client.calls.Load(), "second tick must not reclassify")

	require.NoError(t, st.UpsertTicket(ctx, domain.Ticket{ID: "T3", Title: "Printer queue stuck"}))
	e.scheduledRun(ctx, st, orch)
	assert.Equal(t, int32(3), client.calls.Load())
}
