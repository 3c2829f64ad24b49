package storage

import (
	"context"
	"errors"

	"triagebot/internal/domain"
)

var ErrNotFound = errors.New("not found")

// PendingFilter narrows the set of tickets a run picks up.
type PendingFilter struct {
	// SkipClassified drops tickets that already have a classification row.
	SkipClassified bool
	// Limit caps the batch; zero means no cap.
	Limit int
}

// Stats summarises store contents for the status command and run reports.
type Stats struct {
	Tickets              int
	GroundTruth          int
	Pending              int
	Classified           int
	Assigned             int
	UnassignedClassified int
}

// Store is the persistence layer. Every write is its own committed
// statement, so concurrent callers never share a transaction and a
// repeated write for the same ticket overwrites or no-ops.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	PendingTickets(ctx context.Context, filter PendingFilter) ([]domain.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (domain.Ticket, error)
	GroundTruth(ctx context.Context) ([]domain.ReferenceTicket, error)
	ClassifiedReferences(ctx context.Context) ([]domain.ReferenceTicket, error)

	UpsertClassification(ctx context.Context, c domain.Classification) error
	GetClassification(ctx context.Context, ticketID string) (domain.Classification, error)
	UpsertReasons(ctx context.Context, ticketID, triageReason, categoryReason string) error
	MarkSummarized(ctx context.Context, ticketID string, missingFields []string) error
	MarkVectorized(ctx context.Context, ticketID string) error
	GetTicketMetrics(ctx context.Context, ticketID string) (domain.TicketMetrics, error)

	// EligibleEmployee returns the primary employee with the lowest ID whose
	// category and triage affinities equal the given values after trimming.
	EligibleEmployee(ctx context.Context, category, triage string) (domain.Employee, error)
	// InsertAssignment creates the record unless one exists for the ticket.
	// It reports whether a row was created.
	InsertAssignment(ctx context.Context, rec domain.AssignmentRecord) (bool, error)
	GetAssignment(ctx context.Context, ticketID string) (domain.AssignmentRecord, error)
	// UnassignedClassified lists classified tickets with no assignment.
	UnassignedClassified(ctx context.Context) ([]string, error)

	UpsertTicket(ctx context.Context, t domain.Ticket) error
	UpsertEmployee(ctx context.Context, e domain.Employee) error
	UpsertGroundTruth(ctx context.Context, r domain.ReferenceTicket) error

	Stats(ctx context.Context) (Stats, error)
}
