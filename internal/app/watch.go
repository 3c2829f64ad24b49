package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"triagebot/internal/config"
	"triagebot/internal/orchestrator"
	"triagebot/internal/retry"
	"triagebot/internal/storage"
)

func newWatchCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run unattended batches on the configured cron schedule",
		Long: `Watch triages every pending ticket on each tick of the schedule option
(a 5-field cron expression such as "*/30 * * * *"). It serves Prometheus
metrics on metrics_addr and posts each run summary to Slack when a bot
token and channel are configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return e.withStore(ctx, func(st storage.Store) error {
				return e.watch(ctx, st)
			})
		},
	}
}

func (e *env) watch(ctx context.Context, st storage.Store) error {
	if e.cfg.Schedule == "" {
		return errors.New("watch needs a schedule (set schedule in the config file or SCHEDULE)")
	}
	sched, err := config.ParseSchedule(e.cfg.Schedule)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	if e.cfg.MetricsAddr != "" {
		srv := serveMetrics(e.cfg.MetricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	orch, err := e.buildOrchestrator(ctx, st, m)
	if err != nil {
		return err
	}
	log.Info().Str("schedule", e.cfg.Schedule).Msg("watch mode started")

	err = watchLoop(ctx, sched, time.Now, func(ctx context.Context) {
		e.scheduledRun(ctx, st, orch)
	})
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("watch mode stopped")
		return nil
	}
	return err
}

// scheduledRun triages tickets that have no classification yet. Tickets
// classified by an earlier tick are left alone.
func (e *env) scheduledRun(ctx context.Context, st storage.Store, orch *orchestrator.Orchestrator) {
	tickets, err := st.PendingTickets(ctx, storage.PendingFilter{SkipClassified: true})
	if err != nil {
		log.Error().Err(err).Msg("scheduled run: loading pending tickets failed")
		return
	}
	if len(tickets) == 0 {
		log.Info().Msg("scheduled run: no unclassified tickets")
		return
	}
	report, runErr := orch.Run(ctx, tickets)
	summary := orchestrator.FormatRunSummary(report)
	if runErr != nil {
		log.Error().Err(runErr).Msg("scheduled run failed")
	}
	log.Info().Str("run_id", report.RunID).Msgf("scheduled run complete: %s", summary)
	e.notify(ctx, "Scheduled triage run", summary)
}

// watchLoop calls tick at every activation of sched until ctx ends. Ticks
// run one at a time; an activation missed while a tick runs is skipped.
func watchLoop(ctx context.Context, sched cron.Schedule, now func() time.Time, tick func(ctx context.Context)) error {
	for {
		current := now()
		next := sched.Next(current)
		wait := next.Sub(current)
		log.Info().
			Time("next_run", next).
			Dur("in", wait.Round(time.Second)).
			Msg("next scheduled run")

		if err := retry.Sleep(ctx, wait); err != nil {
			return err
		}
		tick(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(fmt.Errorf("metrics server: %w", err)).Msg("metrics endpoint stopped")
		}
	}()
	return srv
}
