package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"triagebot/internal/assign"
	"triagebot/internal/integrations/llm"
	"triagebot/internal/metrics"
)

// StopReason says why the round loop ended.
type StopReason string

const (
	StopDrained    StopReason = "drained"
	StopMaxRounds  StopReason = "max_rounds"
	StopNoProgress StopReason = "no_progress"
	StopAborted    StopReason = "aborted"
	StopFatal      StopReason = "fatal"
)

type Failure struct {
	TicketID string
	Kind     string
	Err      error
}

// Rejected is a ticket refused before the first round. Index is its
// position in the submitted batch.
type Rejected struct {
	Index    int
	TicketID string
	Reason   string
}

// Unassigned is a classified ticket that still has no assignment record.
type Unassigned struct {
	TicketID string
	Reason   string
}

// Report is the outcome of one Run. Every submitted ticket appears in
// exactly one of Succeeded, Failed or Rejected.
type Report struct {
	RunID        string
	Started      time.Time
	Duration     time.Duration
	Total        int
	Rounds       int
	StopReason   StopReason
	Aborted      bool
	Succeeded    []string
	Failed       []Failure
	Rejected     []Rejected
	Assigned     int
	Unassigned   []Unassigned
	Usage        llm.Usage
	PeakInFlight int
	// LastCall is when the gate last released a model call during this
	// run; zero if the run made none.
	LastCall     time.Time
}

type ReconcileReport struct {
	Checked    int
	Assigned   int
	Unassigned []Unassigned
}

// Reconcile retries assignment for every classified ticket in the store
// that has no assignment record.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	return o.reconcile(ctx, nil)
}

func (o *Orchestrator) reconcile(ctx context.Context, only map[string]bool) (ReconcileReport, error) {
	return reconcile(ctx, o.deps.Store, o.deps.Assigner, o.deps.Metrics, only)
}

// Reconcile runs the reconciliation pass without a classification
// pipeline, for callers that only need assignment.
func Reconcile(ctx context.Context, store Store, assigner Assigner, m *metrics.Metrics) (ReconcileReport, error) {
	return reconcile(ctx, store, assigner, m, nil)
}

// reconcile walks UnassignedClassified, limited to only when it is non-nil.
// Per-ticket domain failures are reported; store errors stop the pass.
func reconcile(ctx context.Context, store Store, assigner Assigner, m *metrics.Metrics, only map[string]bool) (ReconcileReport, error) {
	var rep ReconcileReport
	ids, err := store.UnassignedClassified(ctx)
	if err != nil {
		return rep, fmt.Errorf("listing unassigned tickets: %w", err)
	}
	for _, id := range ids {
		if only != nil && !only[id] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("%w: %w", ErrAborted, err)
		}
		rep.Checked++
		out, err := assigner.Assign(ctx, id)
		switch {
		case err == nil:
			if !out.AlreadyAssigned {
				rep.Assigned++
			}
			m.RecordAssignment(assignResult(out))
		case assign.IsDomainError(err):
			rep.Unassigned = append(rep.Unassigned, Unassigned{TicketID: id, Reason: err.Error()})
		default:
			return rep, fmt.Errorf("reconciling %s: %w", id, err)
		}
	}
	log.Info().
		Int("checked", rep.Checked).
		Int("assigned", rep.Assigned).
		Int("unassigned", len(rep.Unassigned)).
		Msg("reconciliation finished")
	return rep, nil
}

// FormatRunSummary returns a human-readable summary of a Report.
func FormatRunSummary(r Report) string {
	if r.Total == 0 {
		return "No pending tickets."
	}

	counts := []string{fmt.Sprintf("%d classified", len(r.Succeeded))}
	if len(r.Failed) > 0 {
		counts = append(counts, fmt.Sprintf("%d failed", len(r.Failed)))
	}
	if len(r.Rejected) > 0 {
		counts = append(counts, fmt.Sprintf("%d rejected", len(r.Rejected)))
	}
	counts = append(counts, fmt.Sprintf("%d assigned", r.Assigned))
	if len(r.Unassigned) > 0 {
		counts = append(counts, fmt.Sprintf("%d unassigned", len(r.Unassigned)))
	}

	rounds := "rounds"
	if r.Rounds == 1 {
		rounds = "round"
	}
	msg := fmt.Sprintf("Triaged %d tickets in %d %s (%s): %s",
		r.Total, r.Rounds, rounds, r.StopReason, strings.Join(counts, ", "))
	if tokens := r.Usage.TotalTokens(); tokens > 0 {
		msg += fmt.Sprintf(". %d tokens used", tokens)
	}
	msg += "."

	if len(r.Failed) > 0 {
		lines := make([]string, 0, len(r.Failed))
		for _, f := range r.Failed {
			lines = append(lines, fmt.Sprintf("%s: %s", f.TicketID, f.Kind))
		}
		msg += fmt.Sprintf("\nFailed:\n%s", strings.Join(lines, "\n"))
	}
	if len(r.Unassigned) > 0 {
		lines := make([]string, 0, len(r.Unassigned))
		for _, u := range r.Unassigned {
			lines = append(lines, fmt.Sprintf("%s: %s", u.TicketID, u.Reason))
		}
		msg += fmt.Sprintf("\nUnassigned:\n%s", strings.Join(lines, "\n"))
	}
	return msg
}

// FormatReconcileSummary returns a human-readable summary of a
// ReconcileReport.
func FormatReconcileSummary(r ReconcileReport) string {
	if r.Checked == 0 {
		return "Every classified ticket is assigned."
	}
	msg := fmt.Sprintf("Reconciled %d tickets: %d assigned", r.Checked, r.Assigned)
	if len(r.Unassigned) == 0 {
		return msg + "."
	}
	lines := make([]string, 0, len(r.Unassigned))
	for _, u := range r.Unassigned {
		lines = append(lines, fmt.Sprintf("%s: %s", u.TicketID, u.Reason))
	}
	return fmt.Sprintf("%s, %d unassigned.\nUnassigned:\n%s", msg, len(r.Unassigned), strings.Join(lines, "\n"))
}
