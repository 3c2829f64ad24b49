package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"triagebot/internal/domain"
	"triagebot/internal/storage"
)

// fixture is the YAML layout accepted by the import command.
type fixture struct {
	Tickets     []ticketRow    `yaml:"tickets"`
	Employees   []employeeRow  `yaml:"employees"`
	GroundTruth []referenceRow `yaml:"ground_truth"`
}

type ticketRow struct {
	ID           string `yaml:"id"`
	Title        string `yaml:"title"`
	Description  string `yaml:"description"`
	Module       string `yaml:"module"`
	Severity     string `yaml:"severity"`
	Status       string `yaml:"status"`
	Category     string `yaml:"category"`
	ReportedDate string `yaml:"reported_date"`
	AssignedTo   string `yaml:"assigned_to"`
	AssignedDate string `yaml:"assigned_date"`
}

type employeeRow struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Triage   string `yaml:"triage"`
	Role     string `yaml:"role"`
}

type referenceRow struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Summary     string `yaml:"summary"`
	Triage      string `yaml:"triage"`
	Category    string `yaml:"category"`
	Status      string `yaml:"status"`
	Solution    string `yaml:"solution"`
}

type importCounts struct {
	Tickets     int
	Employees   int
	GroundTruth int
}

// importStore is the write side of storage.Store the importer needs.
type importStore interface {
	UpsertTicket(ctx context.Context, t domain.Ticket) error
	UpsertEmployee(ctx context.Context, e domain.Employee) error
	UpsertGroundTruth(ctx context.Context, r domain.ReferenceTicket) error
}

func newImportCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Load tickets, employees and ground truth from a YAML file",
		Long: `Import upserts every row of a YAML file with top-level tickets,
employees and ground_truth lists. Rows are keyed by id, so importing the
same file twice changes nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := readFixture(args[0])
			if err != nil {
				return err
			}
			return e.withStore(cmd.Context(), func(st storage.Store) error {
				n, err := importFixture(cmd.Context(), st, f)
				if err != nil {
					return err
				}
				e.printf("Imported %d tickets, %d employees, %d ground-truth rows.\n", n.Tickets, n.Employees, n.GroundTruth)
				return nil
			})
		},
	}
}

func readFixture(path string) (fixture, error) {
	file, err := os.Open(path)
	if err != nil {
		return fixture{}, fmt.Errorf("opening import file: %w", err)
	}
	defer file.Close()
	return decodeFixture(file)
}

func decodeFixture(r io.Reader) (fixture, error) {
	var f fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return fixture{}, fmt.Errorf("parsing import file: %w", err)
	}
	return f, nil
}

// importFixture validates every row before writing any, so a bad file
// leaves the store untouched.
func importFixture(ctx context.Context, st importStore, f fixture) (importCounts, error) {
	tickets := make([]domain.Ticket, 0, len(f.Tickets))
	for i, row := range f.Tickets {
		t, err := row.toTicket()
		if err != nil {
			return importCounts{}, fmt.Errorf("tickets[%d]: %w", i, err)
		}
		tickets = append(tickets, t)
	}
	for i, row := range f.Employees {
		if strings.TrimSpace(row.ID) == "" {
			return importCounts{}, fmt.Errorf("employees[%d]: missing id", i)
		}
	}
	for i, row := range f.GroundTruth {
		if strings.TrimSpace(row.ID) == "" {
			return importCounts{}, fmt.Errorf("ground_truth[%d]: missing id", i)
		}
	}

	var n importCounts
	for _, t := range tickets {
		if err := st.UpsertTicket(ctx, t); err != nil {
			return n, fmt.Errorf("importing ticket %s: %w", t.ID, err)
		}
		n.Tickets++
	}
	for _, row := range f.Employees {
		emp := domain.Employee{
			ID:       strings.TrimSpace(row.ID),
			Name:     row.Name,
			Category: row.Category,
			Triage:   row.Triage,
			Role:     row.Role,
		}
		if err := st.UpsertEmployee(ctx, emp); err != nil {
			return n, fmt.Errorf("importing employee %s: %w", emp.ID, err)
		}
		n.Employees++
	}
	for _, row := range f.GroundTruth {
		ref := domain.ReferenceTicket{
			ID:          strings.TrimSpace(row.ID),
			Title:       row.Title,
			Description: row.Description,
			Summary:     row.Summary,
			Triage:      row.Triage,
			Category:    row.Category,
			Status:      row.Status,
			Solution:    row.Solution,
		}
		if err := st.UpsertGroundTruth(ctx, ref); err != nil {
			return n, fmt.Errorf("importing ground truth %s: %w", ref.ID, err)
		}
		n.GroundTruth++
	}
	log.Info().
		Int("tickets", n.Tickets).
		Int("employees", n.Employees).
		Int("ground_truth", n.GroundTruth).
		Msg("import finished")
	return n, nil
}

func (row ticketRow) toTicket() (domain.Ticket, error) {
	t := domain.Ticket{
		ID:          strings.TrimSpace(row.ID),
		Title:       row.Title,
		Description: row.Description,
		Module:      row.Module,
		Severity:    row.Severity,
		Status:      row.Status,
		Category:    row.Category,
		AssignedTo:  row.AssignedTo,
	}
	if t.ID == "" {
		return t, errors.New("missing id")
	}
	if row.ReportedDate != "" {
		d, err := parseDate(row.ReportedDate)
		if err != nil {
			return t, fmt.Errorf("reported_date: %w", err)
		}
		t.ReportedDate = d
	}
	if row.AssignedDate != "" {
		d, err := parseDate(row.AssignedDate)
		if err != nil {
			return t, fmt.Errorf("assigned_date: %w", err)
		}
		t.AssignedDate = &d
	}
	return t, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q (use YYYY-MM-DD or RFC 3339)", s)
}
