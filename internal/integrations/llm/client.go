package llm

import (
	"context"
	"fmt"
	"net/http"

	"triagebot/internal/config"
	"triagebot/internal/httpx"
)

const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	defaultGeminiModel    = "gemini-2.0-flash"
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	defaultOpenAIModel    = "gpt-4o-mini"
)

// Client sends one prompt to a text-completion service and returns the
// reply text. Errors are returned as the provider produced them; callers
// run them through Classify.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, Usage, error)
	Provider() string
	Model() string
}

// NewClient builds the client for the provider selected in cfg, sharing the
// process-wide external HTTP client.
func NewClient(ctx context.Context, cfg config.Config) (Client, error) {
	return newClient(ctx, cfg, httpx.ExternalHTTPClient())
}

func newClient(ctx context.Context, cfg config.Config, httpClient *http.Client) (Client, error) {
	model := cfg.LLMModel
	switch cfg.LLMProvider {
	case ProviderGemini:
		if model == "" {
			model = defaultGeminiModel
		}
		return NewGeminiClient(ctx, cfg.GeminiAPIKey, model, cfg.LLMBaseURL, httpClient)
	case ProviderAnthropic:
		if model == "" {
			model = defaultAnthropicModel
		}
		return NewAnthropicClient(cfg.AnthropicAPIKey, model, cfg.LLMBaseURL, httpClient), nil
	case ProviderOpenAI:
		if model == "" {
			model = defaultOpenAIModel
		}
		return NewOpenAIClient(cfg.OpenAIAPIKey, model, cfg.LLMBaseURL, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}
