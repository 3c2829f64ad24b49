package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"triagebot/internal/config"
	"triagebot/internal/httpx"
	"triagebot/internal/integrations/llm"
	"triagebot/internal/logging"
	"triagebot/internal/storage"
)

// Main runs the CLI and exits non-zero on error.
func Main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every subcommand shares once configuration has loaded.
type env struct {
	configPath string
	cfg        config.Config
	out        io.Writer
	// confirm asks the operator a yes/no question. Tests replace it.
	confirm func(title, description string) (bool, error)
	// newClient builds the classification service client.
	newClient func(ctx context.Context, cfg config.Config) (llm.Client, error)
}

func NewRootCommand() *cobra.Command {
	e := &env{out: os.Stdout, confirm: confirmPrompt, newClient: llm.NewClient}

	rootCmd := &cobra.Command{
		Use:   "triagebot",
		Short: "Classify and assign support tickets with an LLM",
		Long: `triagebot reads pending support tickets, asks a language model for a
summary, triage tier and category, stores the result and assigns each
ticket to a matching employee.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			e.out = cmd.OutOrStdout()
			return e.load()
		},
	}
	rootCmd.PersistentFlags().StringVar(&e.configPath, "config", "", "Path to the YAML config file (default $CONFIG_PATH or ./triagebot.yaml)")

	rootCmd.AddCommand(
		newRunCommand(e),
		newAssignCommand(e),
		newReconcileCommand(e),
		newWatchCommand(e),
		newImportCommand(e),
		newStatusCommand(e),
	)
	return rootCmd
}

func (e *env) load() error {
	cfg, err := config.Load(config.ResolvePath(e.configPath))
	if err != nil {
		return err
	}
	e.cfg = cfg
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	applied := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSec)

	source := cfg.Source
	if source == "" {
		source = "(environment only)"
	}
	log.Debug().
		Str("config", source).
		Str("provider", cfg.LLMProvider).
		Str("model", cfg.LLMModel).
		Str("store", cfg.StoreDriver).
		Int("max_concurrent", cfg.MaxConcurrentRequests).
		Int("rpm", cfg.RequestsPerMinute).
		Int("max_rounds", cfg.MaxRounds).
		Dur("external_http_timeout", applied).
		Msg("config loaded")
	return nil
}

func (e *env) printf(format string, args ...any) {
	fmt.Fprintf(e.out, format, args...)
}

// withStore opens the configured store, runs fn, and closes it.
func (e *env) withStore(ctx context.Context, fn func(st storage.Store) error) error {
	st, err := openStore(ctx, e.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("closing store")
		}
	}()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return fn(st)
}
