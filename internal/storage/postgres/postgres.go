package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"triagebot/internal/domain"
	"triagebot/internal/storage"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		ticket_id     TEXT PRIMARY KEY,
		title         TEXT NOT NULL DEFAULT '',
		description   TEXT NOT NULL DEFAULT '',
		module        TEXT NOT NULL DEFAULT '',
		severity      TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT '',
		category      TEXT NOT NULL DEFAULT '',
		reported_date TIMESTAMPTZ,
		assigned_to   TEXT NOT NULL DEFAULT '',
		assigned_date TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS employees (
		employee_id TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL DEFAULT '',
		triage      TEXT NOT NULL DEFAULT '',
		role        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_employees_match ON employees(category, triage, role)`,
	`CREATE TABLE IF NOT EXISTS ground_truth (
		ticket_id   TEXT PRIMARY KEY,
		title       TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		summary     TEXT NOT NULL DEFAULT '',
		triage      TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT '',
		solution    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS classification_results (
		ticket_id     TEXT PRIMARY KEY,
		summary       TEXT NOT NULL DEFAULT '',
		triage        TEXT NOT NULL DEFAULT '',
		category      TEXT NOT NULL DEFAULT '',
		solution      TEXT NOT NULL DEFAULT '',
		llm_provider  TEXT NOT NULL DEFAULT '',
		llm_model     TEXT NOT NULL DEFAULT '',
		classified_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS assignment_reasons (
		ticket_id       TEXT PRIMARY KEY,
		triage_reason   TEXT NOT NULL DEFAULT '',
		category_reason TEXT NOT NULL DEFAULT '',
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_metrics (
		ticket_id      TEXT PRIMARY KEY,
		summarized     TEXT NOT NULL DEFAULT 'N',
		vectorized     TEXT NOT NULL DEFAULT 'N',
		missing_fields TEXT NOT NULL DEFAULT '',
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS assignment_records (
		ticket_id     TEXT PRIMARY KEY,
		employee_id   TEXT NOT NULL,
		assigned_date TIMESTAMPTZ NOT NULL
	)`,
}

// Store is the PostgreSQL implementation of storage.Store. Each method
// runs a single statement on a pooled connection.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	s := &Store{pool: pool, now: time.Now}
	if err := s.ensureTables(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure tables: %w", err)
	}
	return s, nil
}

func (s *Store) ensureTables(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const ticketColumns = `t.ticket_id, t.title, t.description, t.module, t.severity, t.status, t.category, t.reported_date, t.assigned_to, t.assigned_date`

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var (
		t        domain.Ticket
		reported *time.Time
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Module, &t.Severity, &t.Status,
		&t.Category, &reported, &t.AssignedTo, &t.AssignedDate)
	if err != nil {
		return t, err
	}
	if reported != nil {
		t.ReportedDate = *reported
	}
	return t, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return err
}

func (s *Store) PendingTickets(ctx context.Context, filter storage.PendingFilter) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets t
		WHERE t.ticket_id NOT IN (SELECT ticket_id FROM ground_truth)`
	if filter.SkipClassified {
		query += ` AND NOT EXISTS (SELECT 1 FROM classification_results c WHERE c.ticket_id = t.ticket_id)`
	}
	query += ` ORDER BY t.ticket_id`
	var args []any
	if filter.Limit > 0 {
		query += ` LIMIT $1`
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (domain.Ticket, error) {
	t, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets t WHERE t.ticket_id = $1`, ticketID))
	return t, notFound(err, "ticket "+ticketID)
}

func (s *Store) GroundTruth(ctx context.Context) ([]domain.ReferenceTicket, error) {
	return s.references(ctx, `SELECT ticket_id, title, description, summary, triage, category, status, solution
		FROM ground_truth ORDER BY ticket_id`)
}

func (s *Store) ClassifiedReferences(ctx context.Context) ([]domain.ReferenceTicket, error) {
	return s.references(ctx, `SELECT c.ticket_id, COALESCE(t.title, ''), COALESCE(t.description, ''),
			c.summary, c.triage, c.category, COALESCE(t.status, ''), c.solution
		FROM classification_results c
		LEFT JOIN tickets t ON t.ticket_id = c.ticket_id
		ORDER BY c.ticket_id`)
}

func (s *Store) references(ctx context.Context, query string) ([]domain.ReferenceTicket, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []domain.ReferenceTicket
	for rows.Next() {
		var r domain.ReferenceTicket
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.Summary, &r.Triage, &r.Category, &r.Status, &r.Solution); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *Store) UpsertClassification(ctx context.Context, c domain.Classification) error {
	c = c.Normalized()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO classification_results (ticket_id, summary, triage, category, solution, llm_provider, llm_model, classified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (ticket_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			triage = EXCLUDED.triage,
			category = EXCLUDED.category,
			solution = EXCLUDED.solution,
			llm_provider = EXCLUDED.llm_provider,
			llm_model = EXCLUDED.llm_model,
			classified_at = EXCLUDED.classified_at`,
		c.TicketID, c.Summary, c.Triage, c.Category, c.Solution, c.Provider, c.Model, s.now().UTC(),
	)
	return err
}

func (s *Store) GetClassification(ctx context.Context, ticketID string) (domain.Classification, error) {
	c := domain.Classification{TicketID: ticketID}
	err := s.pool.QueryRow(ctx,
		`SELECT c.summary, c.triage, c.category, c.solution, c.llm_provider, c.llm_model,
			COALESCE(r.triage_reason, ''), COALESCE(r.category_reason, '')
		 FROM classification_results c
		 LEFT JOIN assignment_reasons r ON r.ticket_id = c.ticket_id
		 WHERE c.ticket_id = $1`, ticketID,
	).Scan(&c.Summary, &c.Triage, &c.Category, &c.Solution, &c.Provider, &c.Model, &c.TriageReason, &c.CategoryReason)
	return c, notFound(err, "classification "+ticketID)
}

func (s *Store) UpsertReasons(ctx context.Context, ticketID, triageReason, categoryReason string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assignment_reasons (ticket_id, triage_reason, category_reason, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (ticket_id) DO UPDATE SET
			triage_reason = EXCLUDED.triage_reason,
			category_reason = EXCLUDED.category_reason,
			updated_at = EXCLUDED.updated_at`,
		ticketID, triageReason, categoryReason, s.now().UTC(),
	)
	return err
}

func (s *Store) MarkSummarized(ctx context.Context, ticketID string, missingFields []string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ticket_metrics (ticket_id, summarized, missing_fields, updated_at)
		 VALUES ($1, 'Y', $2, $3)
		 ON CONFLICT (ticket_id) DO UPDATE SET
			summarized = 'Y',
			missing_fields = EXCLUDED.missing_fields,
			updated_at = EXCLUDED.updated_at`,
		ticketID, storage.JoinFields(missingFields), s.now().UTC(),
	)
	return err
}

func (s *Store) MarkVectorized(ctx context.Context, ticketID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ticket_metrics (ticket_id, vectorized, updated_at)
		 VALUES ($1, 'Y', $2)
		 ON CONFLICT (ticket_id) DO UPDATE SET
			vectorized = 'Y',
			updated_at = EXCLUDED.updated_at`,
		ticketID, s.now().UTC(),
	)
	return err
}

func (s *Store) GetTicketMetrics(ctx context.Context, ticketID string) (domain.TicketMetrics, error) {
	m := domain.TicketMetrics{TicketID: ticketID}
	var summarized, vectorized, missing string
	err := s.pool.QueryRow(ctx,
		`SELECT summarized, vectorized, missing_fields, updated_at FROM ticket_metrics WHERE ticket_id = $1`, ticketID,
	).Scan(&summarized, &vectorized, &missing, &m.UpdatedAt)
	if err != nil {
		return m, notFound(err, "metrics "+ticketID)
	}
	m.Summarized = summarized == storage.Flag(true)
	m.Vectorized = vectorized == storage.Flag(true)
	m.MissingFields = storage.SplitFields(missing)
	return m, nil
}

func (s *Store) EligibleEmployee(ctx context.Context, category, triage string) (domain.Employee, error) {
	var e domain.Employee
	err := s.pool.QueryRow(ctx,
		`SELECT employee_id, name, category, triage, role FROM employees
		 WHERE TRIM(category) = $1 AND TRIM(triage) = $2 AND UPPER(TRIM(role)) = $3
		 ORDER BY employee_id
		 LIMIT 1`,
		strings.TrimSpace(category), strings.TrimSpace(triage), domain.RolePrimary,
	).Scan(&e.ID, &e.Name, &e.Category, &e.Triage, &e.Role)
	return e, notFound(err, fmt.Sprintf("employee for %s/%s", category, triage))
}

func (s *Store) InsertAssignment(ctx context.Context, rec domain.AssignmentRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO assignment_records (ticket_id, employee_id, assigned_date)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (ticket_id) DO NOTHING`,
		rec.TicketID, rec.EmployeeID, rec.AssignedDate,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetAssignment(ctx context.Context, ticketID string) (domain.AssignmentRecord, error) {
	rec := domain.AssignmentRecord{TicketID: ticketID}
	err := s.pool.QueryRow(ctx,
		`SELECT employee_id, assigned_date FROM assignment_records WHERE ticket_id = $1`, ticketID,
	).Scan(&rec.EmployeeID, &rec.AssignedDate)
	return rec, notFound(err, "assignment "+ticketID)
}

func (s *Store) UnassignedClassified(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.ticket_id FROM classification_results c
		 LEFT JOIN assignment_records a ON a.ticket_id = c.ticket_id
		 WHERE a.ticket_id IS NULL
		 ORDER BY c.ticket_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) UpsertTicket(ctx context.Context, t domain.Ticket) error {
	var reported *time.Time
	if !t.ReportedDate.IsZero() {
		reported = &t.ReportedDate
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tickets (ticket_id, title, description, module, severity, status, category, reported_date, assigned_to, assigned_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (ticket_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			module = EXCLUDED.module,
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			category = EXCLUDED.category,
			reported_date = EXCLUDED.reported_date,
			assigned_to = EXCLUDED.assigned_to,
			assigned_date = EXCLUDED.assigned_date`,
		t.ID, t.Title, t.Description, t.Module, t.Severity, t.Status, t.Category, reported, t.AssignedTo, t.AssignedDate,
	)
	return err
}

func (s *Store) UpsertEmployee(ctx context.Context, e domain.Employee) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO employees (employee_id, name, category, triage, role)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (employee_id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			triage = EXCLUDED.triage,
			role = EXCLUDED.role`,
		e.ID, e.Name, e.Category, e.Triage, e.Role,
	)
	return err
}

func (s *Store) UpsertGroundTruth(ctx context.Context, r domain.ReferenceTicket) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ground_truth (ticket_id, title, description, summary, triage, category, status, solution)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (ticket_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			summary = EXCLUDED.summary,
			triage = EXCLUDED.triage,
			category = EXCLUDED.category,
			status = EXCLUDED.status,
			solution = EXCLUDED.solution`,
		r.ID, r.Title, r.Description, r.Summary, r.Triage, r.Category, r.Status, r.Solution,
	)
	return err
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var st storage.Stats
	err := s.pool.QueryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM tickets),
		(SELECT COUNT(*) FROM ground_truth),
		(SELECT COUNT(*) FROM tickets WHERE ticket_id NOT IN (SELECT ticket_id FROM ground_truth)),
		(SELECT COUNT(*) FROM classification_results),
		(SELECT COUNT(*) FROM assignment_records),
		(SELECT COUNT(*) FROM classification_results c WHERE NOT EXISTS (SELECT 1 FROM assignment_records a WHERE a.ticket_id = c.ticket_id))`,
	).Scan(&st.Tickets, &st.GroundTruth, &st.Pending, &st.Classified, &st.Assigned, &st.UnassignedClassified)
	return st, err
}
