package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"triagebot/internal/domain"
	"triagebot/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	ticket_id     TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	module        TEXT NOT NULL DEFAULT '',
	severity      TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	reported_date DATETIME,
	assigned_to   TEXT NOT NULL DEFAULT '',
	assigned_date DATETIME
);

CREATE TABLE IF NOT EXISTS employees (
	employee_id TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	triage      TEXT NOT NULL DEFAULT '',
	role        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_employees_match ON employees(category, triage, role);

CREATE TABLE IF NOT EXISTS ground_truth (
	ticket_id   TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	summary     TEXT NOT NULL DEFAULT '',
	triage      TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	solution    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS classification_results (
	ticket_id     TEXT PRIMARY KEY,
	summary       TEXT NOT NULL DEFAULT '',
	triage        TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	solution      TEXT NOT NULL DEFAULT '',
	llm_provider  TEXT NOT NULL DEFAULT '',
	llm_model     TEXT NOT NULL DEFAULT '',
	classified_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS assignment_reasons (
	ticket_id       TEXT PRIMARY KEY,
	triage_reason   TEXT NOT NULL DEFAULT '',
	category_reason TEXT NOT NULL DEFAULT '',
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ticket_metrics (
	ticket_id      TEXT PRIMARY KEY,
	summarized     TEXT NOT NULL DEFAULT 'N',
	vectorized     TEXT NOT NULL DEFAULT 'N',
	missing_fields TEXT NOT NULL DEFAULT '',
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS assignment_records (
	ticket_id     TEXT PRIMARY KEY,
	employee_id   TEXT NOT NULL,
	assigned_date DATETIME NOT NULL
);
`

// Store is the SQLite implementation of storage.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open creates or opens the database at path and applies the schema.
// The pool holds a single connection so writes from concurrent workers
// queue in database/sql instead of failing with SQLITE_BUSY.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

const ticketColumns = `t.ticket_id, t.title, t.description, t.module, t.severity, t.status, t.category, t.reported_date, t.assigned_to, t.assigned_date`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (domain.Ticket, error) {
	var (
		t            domain.Ticket
		reported     sql.NullTime
		assignedDate sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Module, &t.Severity, &t.Status,
		&t.Category, &reported, &t.AssignedTo, &assignedDate)
	if err != nil {
		return t, err
	}
	if reported.Valid {
		t.ReportedDate = reported.Time
	}
	if assignedDate.Valid {
		at := assignedDate.Time
		t.AssignedDate = &at
	}
	return t, nil
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
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets t WHERE t.ticket_id = ?`, ticketID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("ticket %s: %w", ticketID, storage.ErrNotFound)
	}
	return t, err
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
	rows, err := s.db.QueryContext(ctx, query)
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO classification_results (ticket_id, summary, triage, category, solution, llm_provider, llm_model, classified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ticket_id) DO UPDATE SET
			summary = excluded.summary,
			triage = excluded.triage,
			category = excluded.category,
			solution = excluded.solution,
			llm_provider = excluded.llm_provider,
			llm_model = excluded.llm_model,
			classified_at = excluded.classified_at`,
		c.TicketID, c.Summary, c.Triage, c.Category, c.Solution, c.Provider, c.Model, s.now().UTC(),
	)
	return err
}

func (s *Store) GetClassification(ctx context.Context, ticketID string) (domain.Classification, error) {
	c := domain.Classification{TicketID: ticketID}
	err := s.db.QueryRowContext(ctx,
		`SELECT c.summary, c.triage, c.category, c.solution, c.llm_provider, c.llm_model,
			COALESCE(r.triage_reason, ''), COALESCE(r.category_reason, '')
		 FROM classification_results c
		 LEFT JOIN assignment_reasons r ON r.ticket_id = c.ticket_id
		 WHERE c.ticket_id = ?`, ticketID,
	).Scan(&c.Summary, &c.Triage, &c.Category, &c.Solution, &c.Provider, &c.Model, &c.TriageReason, &c.CategoryReason)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("classification %s: %w", ticketID, storage.ErrNotFound)
	}
	return c, err
}

func (s *Store) UpsertReasons(ctx context.Context, ticketID, triageReason, categoryReason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignment_reasons (ticket_id, triage_reason, category_reason, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(ticket_id) DO UPDATE SET
			triage_reason = excluded.triage_reason,
			category_reason = excluded.category_reason,
			updated_at = excluded.updated_at`,
		ticketID, triageReason, categoryReason, s.now().UTC(),
	)
	return err
}

func (s *Store) MarkSummarized(ctx context.Context, ticketID string, missingFields []string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ticket_metrics (ticket_id, summarized, missing_fields, updated_at)
		 VALUES (?, 'Y', ?, ?)
		 ON CONFLICT(ticket_id) DO UPDATE SET
			summarized = 'Y',
			missing_fields = excluded.missing_fields,
			updated_at = excluded.updated_at`,
		ticketID, storage.JoinFields(missingFields), s.now().UTC(),
	)
	return err
}

func (s *Store) MarkVectorized(ctx context.Context, ticketID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ticket_metrics (ticket_id, vectorized, updated_at)
		 VALUES (?, 'Y', ?)
		 ON CONFLICT(ticket_id) DO UPDATE SET
			vectorized = 'Y',
			updated_at = excluded.updated_at`,
		ticketID, s.now().UTC(),
	)
	return err
}

func (s *Store) GetTicketMetrics(ctx context.Context, ticketID string) (domain.TicketMetrics, error) {
	m := domain.TicketMetrics{TicketID: ticketID}
	var summarized, vectorized, missing string
	err := s.db.QueryRowContext(ctx,
		`SELECT summarized, vectorized, missing_fields, updated_at FROM ticket_metrics WHERE ticket_id = ?`, ticketID,
	).Scan(&summarized, &vectorized, &missing, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("metrics %s: %w", ticketID, storage.ErrNotFound)
	}
	if err != nil {
		return m, err
	}
	m.Summarized = summarized == storage.Flag(true)
	m.Vectorized = vectorized == storage.Flag(true)
	m.MissingFields = storage.SplitFields(missing)
	return m, nil
}

func (s *Store) EligibleEmployee(ctx context.Context, category, triage string) (domain.Employee, error) {
	var e domain.Employee
	err := s.db.QueryRowContext(ctx,
		`SELECT employee_id, name, category, triage, role FROM employees
		 WHERE TRIM(category) = ? AND TRIM(triage) = ? AND UPPER(TRIM(role)) = ?
		 ORDER BY employee_id
		 LIMIT 1`,
		strings.TrimSpace(category), strings.TrimSpace(triage), domain.RolePrimary,
	).Scan(&e.ID, &e.Name, &e.Category, &e.Triage, &e.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("employee for %s/%s: %w", category, triage, storage.ErrNotFound)
	}
	return e, err
}

func (s *Store) InsertAssignment(ctx context.Context, rec domain.AssignmentRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO assignment_records (ticket_id, employee_id, assigned_date)
		 VALUES (?, ?, ?)
		 ON CONFLICT(ticket_id) DO NOTHING`,
		rec.TicketID, rec.EmployeeID, rec.AssignedDate,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetAssignment(ctx context.Context, ticketID string) (domain.AssignmentRecord, error) {
	rec := domain.AssignmentRecord{TicketID: ticketID}
	err := s.db.QueryRowContext(ctx,
		`SELECT employee_id, assigned_date FROM assignment_records WHERE ticket_id = ?`, ticketID,
	).Scan(&rec.EmployeeID, &rec.AssignedDate)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("assignment %s: %w", ticketID, storage.ErrNotFound)
	}
	return rec, err
}

func (s *Store) UnassignedClassified(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.ticket_id FROM classification_results c
		 LEFT JOIN assignment_records a ON a.ticket_id = c.ticket_id
		 WHERE a.ticket_id IS NULL
		 ORDER BY c.ticket_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) UpsertTicket(ctx context.Context, t domain.Ticket) error {
	var reported, assigned sql.NullTime
	if !t.ReportedDate.IsZero() {
		reported = sql.NullTime{Time: t.ReportedDate, Valid: true}
	}
	if t.AssignedDate != nil {
		assigned = sql.NullTime{Time: *t.AssignedDate, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (ticket_id, title, description, module, severity, status, category, reported_date, assigned_to, assigned_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ticket_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			module = excluded.module,
			severity = excluded.severity,
			status = excluded.status,
			category = excluded.category,
			reported_date = excluded.reported_date,
			assigned_to = excluded.assigned_to,
			assigned_date = excluded.assigned_date`,
		t.ID, t.Title, t.Description, t.Module, t.Severity, t.Status, t.Category, reported, t.AssignedTo, assigned,
	)
	return err
}

func (s *Store) UpsertEmployee(ctx context.Context, e domain.Employee) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO employees (employee_id, name, category, triage, role)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(employee_id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			triage = excluded.triage,
			role = excluded.role`,
		e.ID, e.Name, e.Category, e.Triage, e.Role,
	)
	return err
}

func (s *Store) UpsertGroundTruth(ctx context.Context, r domain.ReferenceTicket) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ground_truth (ticket_id, title, description, summary, triage, category, status, solution)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ticket_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			summary = excluded.summary,
			triage = excluded.triage,
			category = excluded.category,
			status = excluded.status,
			solution = excluded.solution`,
		r.ID, r.Title, r.Description, r.Summary, r.Triage, r.Category, r.Status, r.Solution,
	)
	return err
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var st storage.Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM tickets),
		(SELECT COUNT(*) FROM ground_truth),
		(SELECT COUNT(*) FROM tickets WHERE ticket_id NOT IN (SELECT ticket_id FROM ground_truth)),
		(SELECT COUNT(*) FROM classification_results),
		(SELECT COUNT(*) FROM assignment_records),
		(SELECT COUNT(*) FROM classification_results c WHERE NOT EXISTS (SELECT 1 FROM assignment_records a WHERE a.ticket_id = c.ticket_id))`,
	).Scan(&st.Tickets, &st.GroundTruth, &st.Pending, &st.Classified, &st.Assigned, &st.UnassignedClassified)
	return st, err
}
