package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
)

type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient disables the SDK's own retries; the retry policy
// owns backoff so that every attempt passes the rate gate.
func NewAnthropicClient(apiKey, model, baseURL string, httpClient *http.Client) *AnthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

func (c *AnthropicClient) Provider() string { return ProviderAnthropic }
func (c *AnthropicClient) Model() string    { return c.model }

func (c *AnthropicClient) Complete(ctx context.Context, system, user string) (string, Usage, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("anthropic api error: %w", err)
	}
	usage := Usage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Debug().
				Str("provider", ProviderAnthropic).
				Str("model", c.model).
				Int("size", len(block.Text)).
				Int64("tokens_in", usage.InputTokens).
				Int64("tokens_out", usage.OutputTokens).
				Msg("llm response")
			return block.Text, usage, nil
		}
	}
	return "", usage, &Failure{Kind: KindMalformed, Err: fmt.Errorf("no text content in anthropic response")}
}
