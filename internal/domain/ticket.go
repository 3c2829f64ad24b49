package domain

import (
	"strings"
	"time"
)

// Ticket is a support request as read from the tickets table. It is not
// modified during a run.
type Ticket struct {
	ID           string
	Title        string
	Description  string
	Module       string
	Severity     string
	Status       string
	Category     string
	ReportedDate time.Time
	AssignedTo   string
	AssignedDate *time.Time
}

// Processable reports whether the ticket can enter a run.
func (t Ticket) Processable() bool {
	return strings.TrimSpace(t.ID) != ""
}

// ReferenceTicket is a previously labelled or classified ticket used as
// prompt context.
type ReferenceTicket struct {
	ID          string
	Title       string
	Description string
	Summary     string
	Triage      string
	Category    string
	Status      string
	Solution    string
}

// Text is the document the similarity index sees for this reference.
func (r ReferenceTicket) Text() string {
	var parts []string
	for _, p := range []string{r.Title, r.Description, r.Summary} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}

type Employee struct {
	ID       string
	Name     string
	Category string
	Triage   string
	Role     string
}

// RolePrimary marks employees that may receive primary assignments.
const RolePrimary = "P"

func (e Employee) IsPrimary() bool {
	return strings.EqualFold(strings.TrimSpace(e.Role), RolePrimary)
}

type AssignmentRecord struct {
	TicketID     string
	EmployeeID   string
	AssignedDate time.Time
}

// TicketMetrics tracks per-ticket pipeline progress and reply quality.
type TicketMetrics struct {
	TicketID      string
	Summarized    bool
	Vectorized    bool
	MissingFields []string
	UpdatedAt     time.Time
}
