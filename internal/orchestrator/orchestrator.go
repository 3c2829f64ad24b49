package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"triagebot/internal/assign"
	"triagebot/internal/domain"
	"triagebot/internal/integrations/llm"
	"triagebot/internal/metrics"
	"triagebot/internal/retry"
	"triagebot/internal/throttle"
)

var (
	// ErrAborted is returned when the run's context ends before the batch
	// drains. Work already written stays in the store.
	ErrAborted = errors.New("run aborted")
	// ErrStoreUnavailable is returned when the store stops answering.
	ErrStoreUnavailable = errors.New("store unavailable")
)

type Classifier interface {
	Classify(ctx context.Context, ticket domain.Ticket, similarityContext string) (domain.Classification, llm.Usage, error)
}

type Assigner interface {
	Assign(ctx context.Context, ticketID string) (assign.Outcome, error)
}

// ContextProvider supplies similarity context and learns from new results.
type ContextProvider interface {
	ContextFor(ticket domain.Ticket) string
	Remember(ticket domain.Ticket, c domain.Classification)
	// Flush makes everything remembered so far searchable. It runs once
	// per round.
	Flush()
}

// Store is the slice of storage.Store a run writes through.
type Store interface {
	Ping(ctx context.Context) error
	UpsertClassification(ctx context.Context, c domain.Classification) error
	UpsertReasons(ctx context.Context, ticketID, triageReason, categoryReason string) error
	MarkSummarized(ctx context.Context, ticketID string, missingFields []string) error
	MarkVectorized(ctx context.Context, ticketID string) error
	UnassignedClassified(ctx context.Context) ([]string, error)
}

type Deps struct {
	Store      Store
	Classifier Classifier
	Assigner   Assigner
	// Similarity is optional; without it prompts carry no context.
	Similarity ContextProvider
	Gate       *throttle.Gate
	Limiter    *throttle.Limiter
	Metrics    *metrics.Metrics
}

type Options struct {
	MaxRounds   int
	Retry       retry.Policy
	CallTimeout time.Duration
}

type Orchestrator struct {
	deps  Deps
	opts  Options
	retry retry.Policy
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("orchestrator: store is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("orchestrator: classifier is required")
	case deps.Assigner == nil:
		return nil, fmt.Errorf("orchestrator: assigner is required")
	case deps.Gate == nil:
		return nil, fmt.Errorf("orchestrator: rate gate is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("orchestrator: concurrency limiter is required")
	}
	if opts.MaxRounds < 1 {
		opts.MaxRounds = 1
	}

	o := &Orchestrator{deps: deps, opts: opts}
	o.retry = opts.Retry
	userOnRetry := opts.Retry.OnRetry
	o.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		kind := llm.KindOf(err)
		deps.Metrics.RecordRetry(kind.String())
		log.Warn().
			Int("attempt", attempt).
			Str("kind", kind.String()).
			Dur("backoff", delay).
			Err(err).
			Msg("transient classification failure; backing off")
		if userOnRetry != nil {
			userOnRetry(attempt, delay, err)
		}
	}
	return o, nil
}

// attempt is the outcome of one ticket's pass through the pipeline in one
// round.
type attempt struct {
	ticketID string
	ok       bool
	err      error
	fatal    bool
	assigned bool
	usage    llm.Usage
}

// Run drives tickets through classify, persist and assign in rounds until
// every ticket has succeeded, MaxRounds have run, or a round makes no
// progress. It always returns a report; the error is non-nil only when the
// run was aborted or hit a batch-fatal condition.
func (o *Orchestrator) Run(ctx context.Context, tickets []domain.Ticket) (Report, error) {
	start := time.Now()
	report := Report{RunID: uuid.NewString(), Started: start}

	logger := log.With().Str("run_id", report.RunID).Logger()

	valid, rejected := validate(tickets)
	report.Total = len(tickets)
	report.Rejected = rejected
	for _, r := range rejected {
		logger.Warn().Int("index", r.Index).Str("ticket_id", r.TicketID).Str("reason", r.Reason).Msg("ticket rejected")
	}

	led := newLedger(valid)
	pending := valid
	report.StopReason = StopDrained

	logger.Info().
		Int("tickets", len(valid)).
		Int("rejected", len(rejected)).
		Int("max_rounds", o.opts.MaxRounds).
		Msg("run started")

	var runErr error
	if err := o.deps.Store.Ping(ctx); err != nil {
		pending = nil
		if ctxErr := ctx.Err(); ctxErr != nil {
			report.StopReason = StopAborted
			runErr = fmt.Errorf("%w: %w", ErrAborted, ctxErr)
		} else {
			report.StopReason = StopFatal
			runErr = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}

	for round := 1; len(pending) > 0; round++ {
		if round > o.opts.MaxRounds {
			report.StopReason = StopMaxRounds
			break
		}
		if err := ctx.Err(); err != nil {
			report.StopReason = StopAborted
			runErr = fmt.Errorf("%w: %w", ErrAborted, err)
			break
		}

		report.Rounds = round
		o.deps.Metrics.RecordRound()
		results, fatal := o.runRound(ctx, round, pending, led)
		if o.deps.Similarity != nil {
			o.deps.Similarity.Flush()
		}

		var next []domain.Ticket
		progress := 0
		for i, res := range results {
			report.Usage.Add(res.usage)
			if res.ok {
				progress++
				if res.assigned {
					report.Assigned++
				}
				continue
			}
			next = append(next, pending[i])
		}
		pending = next

		logger.Info().
			Int("round", round).
			Int("succeeded", progress).
			Int("remaining", len(pending)).
			Msg("round finished")

		if fatal != nil {
			report.StopReason = StopFatal
			runErr = fatal
			break
		}
		if err := ctx.Err(); err != nil && len(pending) > 0 {
			report.StopReason = StopAborted
			runErr = fmt.Errorf("%w: %w", ErrAborted, err)
			break
		}
		if progress == 0 && len(pending) > 0 {
			report.StopReason = StopNoProgress
			break
		}
	}

	report.Succeeded, report.Failed = led.outcome(runErr)
	report.Aborted = report.StopReason == StopAborted
	o.deps.Metrics.RecordTickets(domain.StateSucceeded.String(), len(report.Succeeded))
	o.deps.Metrics.RecordTickets(domain.StateFailed.String(), len(report.Failed))
	o.deps.Metrics.RecordTokens(report.Usage.InputTokens, report.Usage.OutputTokens)

	if runErr == nil && len(report.Succeeded) > 0 {
		rec, err := o.reconcile(ctx, toSet(report.Succeeded))
		if err != nil {
			logger.Error().Err(err).Msg("reconciliation failed")
			runErr = err
		}
		report.Assigned += rec.Assigned
		report.Unassigned = rec.Unassigned
	}

	report.Duration = time.Since(start)
	report.PeakInFlight = o.deps.Limiter.Peak()
	if last, err := o.deps.Gate.Last(context.WithoutCancel(ctx)); err == nil && !last.Before(start) {
		report.LastCall = last
	}
	o.deps.Metrics.ObserveRun(report.Duration.Seconds())

	logger.Info().
		Int("succeeded", len(report.Succeeded)).
		Int("failed", len(report.Failed)).
		Int("unassigned", len(report.Unassigned)).
		Int("rounds", report.Rounds).
		Str("stop_reason", string(report.StopReason)).
		Int64("tokens", report.Usage.TotalTokens()).
		Time("last_call", report.LastCall).
		Msg("run finished")
	return report, runErr
}

// runRound processes every ticket in batch concurrently and waits for all
// of them. A batch-fatal error cancels the siblings and is returned.
func (o *Orchestrator) runRound(ctx context.Context, round int, batch []domain.Ticket, led *ledger) ([]attempt, error) {
	results := make([]attempt, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, ticket := range batch {
		led.set(ticket.ID, domain.StatePending, nil)
		g.Go(func() error {
			res := o.processTicket(gctx, round, ticket, led)
			results[i] = res
			if res.fatal {
				return res.err
			}
			return nil
		})
	}
	return results, g.Wait()
}

func (o *Orchestrator) processTicket(ctx context.Context, round int, ticket domain.Ticket, led *ledger) attempt {
	res := attempt{ticketID: ticket.ID}
	logger := log.With().Str("ticket_id", ticket.ID).Int("round", round).Logger()

	if err := o.deps.Limiter.Acquire(ctx); err != nil {
		res.err = err
		led.set(ticket.ID, domain.StateFailed, err)
		return res
	}
	defer o.deps.Limiter.Release()
	led.set(ticket.ID, domain.StateInFlight, nil)

	similarityContext := ""
	if o.deps.Similarity != nil {
		similarityContext = o.deps.Similarity.ContextFor(ticket)
	}

	var result domain.Classification
	err := o.retry.Do(ctx, func(ctx context.Context, n int) error {
		if err := o.deps.Gate.Acquire(ctx); err != nil {
			return err
		}
		callCtx := ctx
		if o.opts.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, o.opts.CallTimeout)
			defer cancel()
		}
		c, usage, err := o.deps.Classifier.Classify(callCtx, ticket, similarityContext)
		res.usage.Add(usage)
		if err != nil {
			o.deps.Metrics.RecordCall(llm.KindOf(err).String())
			logger.Debug().Int("attempt", n).Err(err).Msg("classification attempt failed")
			return err
		}
		o.deps.Metrics.RecordCall("ok")
		result = c
		return nil
	})
	if err != nil {
		res.err = err
		res.fatal = errors.Is(err, llm.ErrServiceUnreachable)
		led.set(ticket.ID, domain.StateFailed, err)
		logger.Error().Str("kind", llm.KindOf(err).String()).Err(err).Msg("ticket failed this round")
		return res
	}
	result.TicketID = ticket.ID

	// The call has already been paid for; finish writing it even if the run
	// is being aborted. Every write is an idempotent upsert.
	writeCtx := context.WithoutCancel(ctx)
	if err := o.persist(writeCtx, ticket, result); err != nil {
		res.err = err
		if pingErr := o.deps.Store.Ping(writeCtx); pingErr != nil {
			res.err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
			res.fatal = true
		}
		led.set(ticket.ID, domain.StateFailed, res.err)
		logger.Error().Err(err).Msg("persisting classification failed")
		return res
	}

	out, err := o.deps.Assigner.Assign(writeCtx, ticket.ID)
	switch {
	case err == nil:
		res.assigned = !out.AlreadyAssigned
		o.deps.Metrics.RecordAssignment(assignResult(out))
	case assign.IsDomainError(err):
		o.deps.Metrics.RecordAssignment("no_match")
	default:
		// Left for the reconciliation pass.
		o.deps.Metrics.RecordAssignment("error")
		logger.Warn().Err(err).Msg("assignment failed; will reconcile")
	}

	res.ok = true
	led.set(ticket.ID, domain.StateSucceeded, nil)
	logger.Info().
		Str("triage", result.Triage).
		Str("category", result.Category).
		Bool("assigned", err == nil).
		Msg("ticket classified")
	return res
}

func (o *Orchestrator) persist(ctx context.Context, ticket domain.Ticket, c domain.Classification) error {
	if err := o.deps.Store.UpsertClassification(ctx, c); err != nil {
		return fmt.Errorf("upserting classification: %w", err)
	}
	if err := o.deps.Store.UpsertReasons(ctx, ticket.ID, c.TriageReason, c.CategoryReason); err != nil {
		return fmt.Errorf("upserting reasons: %w", err)
	}
	if err := o.deps.Store.MarkSummarized(ctx, ticket.ID, c.MissingFields); err != nil {
		return fmt.Errorf("marking summarized: %w", err)
	}
	o.deps.Metrics.RecordMissingFields(c.MissingFields)
	if o.deps.Similarity != nil {
		o.deps.Similarity.Remember(ticket, c)
		if err := o.deps.Store.MarkVectorized(ctx, ticket.ID); err != nil {
			return fmt.Errorf("marking vectorized: %w", err)
		}
	}
	return nil
}

func assignResult(out assign.Outcome) string {
	if out.AlreadyAssigned {
		return "already_assigned"
	}
	return "assigned"
}

// validate drops tickets that cannot enter a run: a blank ID or an ID
// already seen earlier in the batch.
func validate(tickets []domain.Ticket) ([]domain.Ticket, []Rejected) {
	seen := make(map[string]bool, len(tickets))
	var (
		valid    []domain.Ticket
		rejected []Rejected
	)
	for i, t := range tickets {
		t.ID = strings.TrimSpace(t.ID)
		switch {
		case !t.Processable():
			rejected = append(rejected, Rejected{Index: i, Reason: "missing ticket id"})
		case seen[t.ID]:
			rejected = append(rejected, Rejected{Index: i, TicketID: t.ID, Reason: "duplicate ticket id"})
		default:
			seen[t.ID] = true
			valid = append(valid, t)
		}
	}
	return valid, rejected
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// ledger records each ticket's state and last error. Rounds only touch
// their own tickets, but writes come from many goroutines.
type ledger struct {
	mu     sync.Mutex
	order  []string
	states map[string]domain.TicketState
	errs   map[string]error
}

func newLedger(tickets []domain.Ticket) *ledger {
	l := &ledger{
		states: make(map[string]domain.TicketState, len(tickets)),
		errs:   make(map[string]error, len(tickets)),
	}
	for _, t := range tickets {
		l.order = append(l.order, t.ID)
		l.states[t.ID] = domain.StatePending
	}
	return l
}

func (l *ledger) set(id string, state domain.TicketState, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[id] = state
	if err != nil {
		l.errs[id] = err
	} else if state == domain.StateSucceeded {
		delete(l.errs, id)
	}
}

// outcome splits tickets into succeeded IDs and failures, in batch order.
// Anything not succeeded counts as failed so no ticket goes unreported;
// tickets that never ran carry runErr.
func (l *ledger) outcome(runErr error) ([]string, []Failure) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var (
		succeeded []string
		failed    []Failure
	)
	for _, id := range l.order {
		if l.states[id].Terminal() {
			succeeded = append(succeeded, id)
			continue
		}
		err := l.errs[id]
		if err == nil {
			err = runErr
		}
		if err == nil {
			err = errors.New("not attempted")
		}
		failed = append(failed, Failure{TicketID: id, Kind: failureKind(err), Err: err})
	}
	return succeeded, failed
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "aborted"
	case errors.Is(err, ErrStoreUnavailable):
		return "store"
	}
	var exhausted *retry.Exhausted
	if errors.As(err, &exhausted) {
		return "exhausted_" + llm.KindOf(exhausted.Err).String()
	}
	return llm.KindOf(err).String()
}
