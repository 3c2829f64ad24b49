package assign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"triagebot/internal/domain"
	"triagebot/internal/storage"
)

var (
	// ErrNotClassified means the ticket has no stored classification yet.
	ErrNotClassified = errors.New("ticket not yet classified")
	// ErrNoEligibleEmployee means no primary employee matches the ticket's
	// category and triage.
	ErrNoEligibleEmployee = errors.New("no eligible employee")
)

// Store is the slice of storage.Store the matcher needs.
type Store interface {
	GetClassification(ctx context.Context, ticketID string) (domain.Classification, error)
	GetTicket(ctx context.Context, ticketID string) (domain.Ticket, error)
	EligibleEmployee(ctx context.Context, category, triage string) (domain.Employee, error)
	InsertAssignment(ctx context.Context, rec domain.AssignmentRecord) (bool, error)
	GetAssignment(ctx context.Context, ticketID string) (domain.AssignmentRecord, error)
}

// Outcome describes a successful Assign call.
type Outcome struct {
	TicketID     string
	EmployeeID   string
	AssignedDate time.Time
	// AlreadyAssigned is set when an earlier record existed and nothing
	// was written.
	AlreadyAssigned bool
}

type Matcher struct {
	store Store
	now   func() time.Time
}

func NewMatcher(store Store) *Matcher {
	return &Matcher{store: store, now: time.Now}
}

// Assign binds ticketID to one eligible employee. ErrNotClassified and
// ErrNoEligibleEmployee are per-ticket conditions and leave the store
// untouched; any other error comes from the store.
func (m *Matcher) Assign(ctx context.Context, ticketID string) (Outcome, error) {
	out := Outcome{TicketID: ticketID}

	existing, err := m.store.GetAssignment(ctx, ticketID)
	switch {
	case err == nil:
		out.EmployeeID = existing.EmployeeID
		out.AssignedDate = existing.AssignedDate
		out.AlreadyAssigned = true
		return out, nil
	case !errors.Is(err, storage.ErrNotFound):
		return out, fmt.Errorf("checking assignment for %s: %w", ticketID, err)
	}

	classification, err := m.store.GetClassification(ctx, ticketID)
	if errors.Is(err, storage.ErrNotFound) {
		return out, fmt.Errorf("%s: %w", ticketID, ErrNotClassified)
	}
	if err != nil {
		return out, fmt.Errorf("loading classification for %s: %w", ticketID, err)
	}

	category := strings.TrimSpace(classification.Category)
	triage := strings.TrimSpace(classification.Triage)
	if category == "" || triage == "" {
		log.Warn().
			Str("ticket_id", ticketID).
			Str("category", category).
			Str("triage", triage).
			Msg("classification lacks category or triage; ticket stays unassigned")
		return out, fmt.Errorf("%s (category=%q triage=%q): %w", ticketID, category, triage, ErrNoEligibleEmployee)
	}
	employee, err := m.store.EligibleEmployee(ctx, category, triage)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn().
			Str("ticket_id", ticketID).
			Str("category", category).
			Str("triage", triage).
			Msg("no eligible employee; ticket stays unassigned")
		return out, fmt.Errorf("%s (category=%q triage=%q): %w", ticketID, category, triage, ErrNoEligibleEmployee)
	}
	if err != nil {
		return out, fmt.Errorf("finding employee for %s: %w", ticketID, err)
	}

	assignedDate, err := m.assignedDate(ctx, ticketID)
	if err != nil {
		return out, err
	}

	created, err := m.store.InsertAssignment(ctx, domain.AssignmentRecord{
		TicketID:     ticketID,
		EmployeeID:   employee.ID,
		AssignedDate: assignedDate,
	})
	if err != nil {
		return out, fmt.Errorf("recording assignment for %s: %w", ticketID, err)
	}
	if !created {
		// Lost a race with another writer; report what is stored.
		existing, err := m.store.GetAssignment(ctx, ticketID)
		if err != nil {
			return out, fmt.Errorf("reading assignment for %s: %w", ticketID, err)
		}
		out.EmployeeID = existing.EmployeeID
		out.AssignedDate = existing.AssignedDate
		out.AlreadyAssigned = true
		return out, nil
	}

	out.EmployeeID = employee.ID
	out.AssignedDate = assignedDate
	log.Info().
		Str("ticket_id", ticketID).
		Str("employee_id", employee.ID).
		Str("category", category).
		Str("triage", triage).
		Msg("ticket assigned")
	return out, nil
}

// assignedDate is the ticket's own assignment date when it carries one,
// otherwise today.
func (m *Matcher) assignedDate(ctx context.Context, ticketID string) (time.Time, error) {
	ticket, err := m.store.GetTicket(ctx, ticketID)
	switch {
	case err == nil && ticket.AssignedDate != nil && !ticket.AssignedDate.IsZero():
		return ticket.AssignedDate.UTC(), nil
	case err == nil, errors.Is(err, storage.ErrNotFound):
		now := m.now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("loading ticket %s: %w", ticketID, err)
	}
}

// IsDomainError reports whether err is a per-ticket assignment condition
// rather than an infrastructure failure.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotClassified) || errors.Is(err, ErrNoEligibleEmployee)
}
