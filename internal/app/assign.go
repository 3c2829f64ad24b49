package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"triagebot/internal/assign"
	"triagebot/internal/orchestrator"
	"triagebot/internal/storage"
)

func newAssignCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <ticket-id>...",
		Short: "Assign already classified tickets to an employee",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withStore(cmd.Context(), func(st storage.Store) error {
				return e.assignTickets(cmd.Context(), st, args)
			})
		},
	}
}

// assignTickets reports each ticket's outcome. Domain failures are printed
// and skipped; a store error stops the command.
func (e *env) assignTickets(ctx context.Context, st storage.Store, ids []string) error {
	m := newAssigner(st)
	for _, id := range ids {
		out, err := m.Assign(ctx, id)
		switch {
		case err == nil && out.AlreadyAssigned:
			e.printf("%s: already assigned to %s\n", id, out.EmployeeID)
		case err == nil:
			e.printf("%s: assigned to %s on %s\n", id, out.EmployeeID, out.AssignedDate.Format("2006-01-02"))
		case assign.IsDomainError(err):
			e.printf("%s: not assigned (%v)\n", id, err)
		default:
			return fmt.Errorf("assigning %s: %w", id, err)
		}
	}
	return nil
}

func newReconcileCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Retry assignment for classified tickets that have none",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withStore(cmd.Context(), func(st storage.Store) error {
				return e.reconcile(cmd.Context(), st)
			})
		},
	}
}

func (e *env) reconcile(ctx context.Context, st storage.Store) error {
	rep, err := orchestrator.Reconcile(ctx, st, newAssigner(st), nil)
	e.printf("%s\n", orchestrator.FormatReconcileSummary(rep))
	return err
}
