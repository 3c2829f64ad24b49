package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"triagebot/internal/httpx"
	slackbot "triagebot/internal/integrations/slack"
	"triagebot/internal/orchestrator"
	"triagebot/internal/storage"
)

type runFlags struct {
	yes            bool
	limit          int
	skipClassified bool
}

func newRunCommand(e *env) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Classify and assign every pending ticket",
		Long: `Run reads tickets that are not part of the labelled ground truth, asks
for confirmation, then classifies, stores and assigns them in rounds until
the batch drains or stops making progress.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return e.withStore(ctx, func(st storage.Store) error {
				return e.runBatch(ctx, st, flags)
			})
		},
	}
	cmd.Flags().BoolVarP(&flags.yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "Process at most N tickets (0 = all)")
	cmd.Flags().BoolVar(&flags.skipClassified, "skip-classified", false, "Skip tickets that already have a classification")
	return cmd
}

func (e *env) runBatch(ctx context.Context, st storage.Store, flags runFlags) error {
	if flags.limit < 0 {
		return fmt.Errorf("--limit must be >= 0, got %d", flags.limit)
	}
	tickets, err := st.PendingTickets(ctx, storage.PendingFilter{
		SkipClassified: flags.skipClassified,
		Limit:          flags.limit,
	})
	if err != nil {
		return fmt.Errorf("loading pending tickets: %w", err)
	}
	if len(tickets) == 0 {
		e.printf("No pending tickets.\n")
		return nil
	}

	if !flags.yes {
		ok, err := e.confirm(
			fmt.Sprintf("Classify %d tickets with %s?", len(tickets), e.cfg.LLMProvider),
			fmt.Sprintf("Up to %d concurrent calls, %d per minute.", e.cfg.MaxConcurrentRequests, e.cfg.RequestsPerMinute),
		)
		if err != nil {
			return err
		}
		if !ok {
			e.printf("Aborted; nothing was processed.\n")
			return nil
		}
	}

	orch, err := e.buildOrchestrator(ctx, st, newMetrics(nil))
	if err != nil {
		return err
	}
	report, runErr := orch.Run(ctx, tickets)
	summary := orchestrator.FormatRunSummary(report)
	e.printf("%s\n", summary)
	e.notify(ctx, "Triage run", summary)

	if errors.Is(runErr, orchestrator.ErrAborted) {
		log.Warn().Err(runErr).Msg("run interrupted; completed tickets are saved")
	}
	return runErr
}

// notify posts summary to Slack when configured. Failures are logged only.
func (e *env) notify(ctx context.Context, trigger, summary string) {
	if !e.cfg.SlackConfigured() {
		return
	}
	n := slackbot.New(e.cfg.SlackBotToken, e.cfg.SlackChannelID, httpx.ExternalHTTPClient())
	if err := n.PostRunSummary(context.WithoutCancel(ctx), trigger, summary); err != nil {
		log.Error().Err(err).Msg("slack notification failed")
	}
}

func confirmPrompt(title, description string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("confirmation prompt: %w", err)
	}
	return ok, nil
}
