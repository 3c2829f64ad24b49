package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient talks to api.openai.com unless baseURL points at an
// OpenAI-compatible endpoint.
func NewOpenAIClient(apiKey, model, baseURL string, httpClient *http.Client) *OpenAIClient {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}
}

func (c *OpenAIClient) Provider() string { return ProviderOpenAI }
func (c *OpenAIClient) Model() string    { return c.model }

func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, Usage, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("openai api error: %w", err)
	}
	usage := Usage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) == 0 {
		return "", usage, &Failure{Kind: KindMalformed, Err: fmt.Errorf("no choices in openai response")}
	}

	content := resp.Choices[0].Message.Content
	log.Debug().
		Str("provider", ProviderOpenAI).
		Str("model", c.model).
		Int("size", len(content)).
		Int64("tokens_in", usage.InputTokens).
		Int64("tokens_out", usage.OutputTokens).
		Msg("llm response")
	return content, usage, nil
}
