package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"triagebot/internal/assign"
	"triagebot/internal/config"
	"triagebot/internal/integrations/llm"
	"triagebot/internal/metrics"
	"triagebot/internal/orchestrator"
	"triagebot/internal/retry"
	"triagebot/internal/similarity"
	"triagebot/internal/storage"
	"triagebot/internal/storage/postgres"
	"triagebot/internal/storage/sqlite"
	"triagebot/internal/throttle"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case driverSQLite:
		st, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		log.Debug().Str("path", cfg.DBPath).Msg("sqlite store opened")
		return st, nil
	case driverPostgres:
		st, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		log.Debug().Msg("postgres store opened")
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// newAssigner is the matcher wired to a store; the orchestrator and the
// assign command share it.
func newAssigner(st storage.Store) *assign.Matcher {
	return assign.NewMatcher(st)
}

// buildOrchestrator wires the classification pipeline for one store.
func (e *env) buildOrchestrator(ctx context.Context, st storage.Store, m *metrics.Metrics) (*orchestrator.Orchestrator, error) {
	client, err := e.newClient(ctx, e.cfg)
	if err != nil {
		return nil, fmt.Errorf("building %s client: %w", e.cfg.LLMProvider, err)
	}
	return wireOrchestrator(ctx, e.cfg, st, client, m)
}

func wireOrchestrator(ctx context.Context, cfg config.Config, st storage.Store, client llm.Client, m *metrics.Metrics) (*orchestrator.Orchestrator, error) {
	classifier := llm.NewClassifier(client, cfg.Taxonomy())

	var augmenter *similarity.Augmenter
	if cfg.SimilarityOn() {
		index, err := similarity.Load(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("loading similarity corpus: %w", err)
		}
		augmenter = similarity.NewAugmenter(index, cfg.SimilarityTopK, cfg.SimilarityMinScore, cfg.SimilarityCacheTTL())
		log.Info().Int("references", index.Len()).Msg("similarity corpus loaded")
	}

	gate := throttle.NewGate(cfg.MinCallInterval(), throttle.WithGrantHook(func(_ time.Time, waited time.Duration) {
		m.ObserveGateWait(waited.Seconds())
	}))
	limiter, err := throttle.NewLimiter(cfg.MaxConcurrentRequests, m.InFlightGauge())
	if err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{
		Store:      st,
		Classifier: classifier,
		Assigner:   newAssigner(st),
		Gate:       gate,
		Limiter:    limiter,
		Metrics:    m,
	}
	// A nil *Augmenter inside the interface would not compare equal to nil.
	if augmenter != nil {
		deps.Similarity = augmenter
	}

	log.Info().
		Str("provider", classifier.Provider()).
		Str("model", classifier.Model()).
		Dur("min_interval", gate.Interval()).
		Int("max_concurrent", limiter.Capacity()).
		Msg("classification pipeline ready")

	return orchestrator.New(deps, orchestrator.Options{
		MaxRounds:   cfg.MaxRounds,
		CallTimeout: cfg.CallTimeout(),
		Retry: retry.Policy{
			MaxAttempts: cfg.MaxRetryAttempts,
			Min:         cfg.BackoffMin(),
			Max:         cfg.BackoffMax(),
		},
	})
}

// newMetrics registers collectors on reg, or on a private registry when
// reg is nil so repeated runs in one process never collide.
func newMetrics(reg prometheus.Registerer) *metrics.Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return metrics.New(reg)
}
