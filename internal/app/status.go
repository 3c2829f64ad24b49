package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"triagebot/internal/storage"
)

func newStatusCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ticket, classification and assignment counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withStore(cmd.Context(), func(st storage.Store) error {
				return e.status(cmd.Context(), st)
			})
		},
	}
}

func (e *env) status(ctx context.Context, st storage.Store) error {
	s, err := st.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading store stats: %w", err)
	}
	e.printf("Tickets:               %d\n", s.Tickets)
	e.printf("Ground truth:          %d\n", s.GroundTruth)
	e.printf("Pending:               %d\n", s.Pending)
	e.printf("Classified:            %d\n", s.Classified)
	e.printf("Assigned:              %d\n", s.Assigned)
	e.printf("Classified unassigned: %d\n", s.UnassignedClassified)
	return nil
}
