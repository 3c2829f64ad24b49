package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"triagebot/internal/domain"
)

const (
	defaultConfigPath                 = "triagebot.yaml"
	defaultExternalHTTPTimeout        = 90 * time.Second
	defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)
)

type Config struct {
	LLMProvider            string  `yaml:"llm_provider"`
	LLMModel               string  `yaml:"llm_model"`
	LLMBaseURL             string  `yaml:"llm_base_url"`
	GeminiAPIKey           string  `yaml:"gemini_api_key"`
	AnthropicAPIKey        string  `yaml:"anthropic_api_key"`
	OpenAIAPIKey           string  `yaml:"openai_api_key"`
	LLMCallTimeoutSeconds  int     `yaml:"llm_call_timeout_seconds"`
	MaxConcurrentRequests  int     `yaml:"max_concurrent_requests"`
	RequestsPerMinute      int     `yaml:"requests_per_minute"`
	MaxRetryAttempts       int     `yaml:"max_retry_attempts"`
	BackoffMinSeconds      float64 `yaml:"backoff_min_seconds"`
	BackoffMaxSeconds      float64 `yaml:"backoff_max_seconds"`
	MaxRounds              int     `yaml:"max_rounds"`
	ExternalHTTPTimeoutSec int     `yaml:"external_http_timeout_seconds"`

	Categories  []string `yaml:"categories"`
	TriageTiers []string `yaml:"triage_tiers"`

	SimilarityEnabled         *bool   `yaml:"similarity_enabled"`
	SimilarityTopK            int     `yaml:"similarity_top_k"`
	SimilarityMinScore        float64 `yaml:"similarity_min_score"`
	SimilarityCacheTTLSeconds int     `yaml:"similarity_cache_ttl_seconds"`

	StoreDriver string `yaml:"store_driver"`
	DBPath      string `yaml:"db_path"`
	DatabaseURL string `yaml:"database_url"`

	Schedule       string `yaml:"schedule"`
	MetricsAddr    string `yaml:"metrics_addr"`
	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Path the YAML was read from; empty when no file was found.
	Source string `yaml:"-"`
}

// ResolvePath picks the config file path: explicit flag, then CONFIG_PATH,
// then ./triagebot.yaml.
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return defaultConfigPath
}

// Load reads the YAML file at path (a missing file is not an error),
// applies environment overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg.Source = path
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	var errs []error
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.LLMBaseURL, "LLM_BASE_URL")
	envOverride(&cfg.GeminiAPIKey, "GEMINI_API_KEY")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	errs = append(errs,
		envOverrideInt(&cfg.LLMCallTimeoutSeconds, "LLM_CALL_TIMEOUT_SECONDS"),
		envOverrideInt(&cfg.MaxConcurrentRequests, "MAX_CONCURRENT_REQUESTS"),
		envOverrideInt(&cfg.RequestsPerMinute, "REQUESTS_PER_MINUTE"),
		envOverrideInt(&cfg.MaxRetryAttempts, "MAX_RETRY_ATTEMPTS"),
		envOverrideFloat(&cfg.BackoffMinSeconds, "BACKOFF_MIN_SECONDS"),
		envOverrideFloat(&cfg.BackoffMaxSeconds, "BACKOFF_MAX_SECONDS"),
		envOverrideInt(&cfg.MaxRounds, "MAX_ROUNDS"),
		envOverrideInt(&cfg.ExternalHTTPTimeoutSec, "EXTERNAL_HTTP_TIMEOUT_SECONDS"),
		envOverrideBoolPtr(&cfg.SimilarityEnabled, "SIMILARITY_ENABLED"),
		envOverrideInt(&cfg.SimilarityTopK, "SIMILARITY_TOP_K"),
		envOverrideFloat(&cfg.SimilarityMinScore, "SIMILARITY_MIN_SCORE"),
		envOverrideInt(&cfg.SimilarityCacheTTLSeconds, "SIMILARITY_CACHE_TTL_SECONDS"),
	)
	envOverrideList(&cfg.Categories, "CATEGORIES")
	envOverrideList(&cfg.TriageTiers, "TRIAGE_TIERS")
	envOverride(&cfg.StoreDriver, "STORE_DRIVER")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.DatabaseURL, "DATABASE_URL")
	envOverrideAllowEmpty(&cfg.Schedule, "SCHEDULE")
	envOverride(&cfg.MetricsAddr, "METRICS_ADDR")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverride(&cfg.LogLevel, "LOG_LEVEL")
	envOverride(&cfg.LogFormat, "LOG_FORMAT")
	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "gemini"
	}
	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	if cfg.LLMCallTimeoutSeconds == 0 {
		cfg.LLMCallTimeoutSeconds = 60
	}
	if cfg.MaxConcurrentRequests == 0 {
		cfg.MaxConcurrentRequests = 5
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.MaxRetryAttempts == 0 {
		cfg.MaxRetryAttempts = 5
	}
	if cfg.BackoffMinSeconds == 0 {
		cfg.BackoffMinSeconds = 4
	}
	if cfg.BackoffMaxSeconds == 0 {
		cfg.BackoffMaxSeconds = 60
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = 5
	}
	if cfg.ExternalHTTPTimeoutSec == 0 {
		cfg.ExternalHTTPTimeoutSec = defaultExternalHTTPTimeoutSeconds
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = append([]string(nil), domain.DefaultCategories...)
	}
	if len(cfg.TriageTiers) == 0 {
		cfg.TriageTiers = append([]string(nil), domain.DefaultTriageTiers...)
	}
	if cfg.SimilarityEnabled == nil {
		enabled := true
		cfg.SimilarityEnabled = &enabled
	}
	if cfg.SimilarityTopK == 0 {
		cfg.SimilarityTopK = 10
	}
	if cfg.SimilarityMinScore == 0 {
		cfg.SimilarityMinScore = 0.3
	}
	if cfg.SimilarityCacheTTLSeconds == 0 {
		cfg.SimilarityCacheTTLSeconds = 3600
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "sqlite"
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.DBPath == "" {
		cfg.DBPath = "./triagebot.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
}

func (c Config) Validate() error {
	switch c.LLMProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("gemini_api_key is required when llm_provider=gemini")
		}
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("openai_api_key is required when llm_provider=openai")
		}
	default:
		return fmt.Errorf("llm_provider must be 'gemini', 'anthropic' or 'openai', got '%s'", c.LLMProvider)
	}

	switch c.StoreDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required when store_driver=postgres")
		}
	default:
		return fmt.Errorf("store_driver must be 'sqlite' or 'postgres', got '%s'", c.StoreDriver)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"llm_call_timeout_seconds", c.LLMCallTimeoutSeconds},
		{"max_concurrent_requests", c.MaxConcurrentRequests},
		{"requests_per_minute", c.RequestsPerMinute},
		{"max_retry_attempts", c.MaxRetryAttempts},
		{"max_rounds", c.MaxRounds},
		{"similarity_top_k", c.SimilarityTopK},
	}
	for _, p := range positive {
		if p.value < 1 {
			return fmt.Errorf("invalid %s '%d': must be >= 1", p.name, p.value)
		}
	}
	if c.BackoffMinSeconds <= 0 || c.BackoffMaxSeconds <= 0 {
		return fmt.Errorf("backoff_min_seconds and backoff_max_seconds must be > 0")
	}
	if c.BackoffMinSeconds > c.BackoffMaxSeconds {
		return fmt.Errorf("backoff_min_seconds (%g) must not exceed backoff_max_seconds (%g)", c.BackoffMinSeconds, c.BackoffMaxSeconds)
	}
	if c.SimilarityMinScore < 0 || c.SimilarityMinScore > 1 {
		return fmt.Errorf("invalid similarity_min_score '%g': must be between 0 and 1", c.SimilarityMinScore)
	}
	if len(trimmed(c.Categories)) == 0 {
		return fmt.Errorf("categories must not be empty")
	}
	if len(trimmed(c.TriageTiers)) == 0 {
		return fmt.Errorf("triage_tiers must not be empty")
	}
	if strings.TrimSpace(c.Schedule) != "" {
		if _, err := ParseSchedule(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule '%s': %w", c.Schedule, err)
		}
	}
	if c.SlackBotToken != "" && c.SlackChannelID == "" {
		return fmt.Errorf("slack_channel_id is required when slack_bot_token is set")
	}
	return nil
}

// ParseSchedule parses a standard 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(strings.TrimSpace(expr))
}

func (c Config) Taxonomy() domain.Taxonomy {
	return domain.Taxonomy{
		Categories: trimmed(c.Categories),
		Tiers:      trimmed(c.TriageTiers),
	}
}

// MinCallInterval is the spacing the rate gate enforces between outbound calls.
func (c Config) MinCallInterval() time.Duration {
	return time.Minute / time.Duration(c.RequestsPerMinute)
}

func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.LLMCallTimeoutSeconds) * time.Second
}

func (c Config) BackoffMin() time.Duration {
	return time.Duration(c.BackoffMinSeconds * float64(time.Second))
}

func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds * float64(time.Second))
}

func (c Config) SimilarityCacheTTL() time.Duration {
	return time.Duration(c.SimilarityCacheTTLSeconds) * time.Second
}

func (c Config) SimilarityOn() bool {
	return c.SimilarityEnabled != nil && *c.SimilarityEnabled
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideBoolPtr(field **bool, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = &parsed
	}
	return nil
}

func envOverrideList(field *[]string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = trimmed(strings.Split(val, ","))
	}
}

func trimmed(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
