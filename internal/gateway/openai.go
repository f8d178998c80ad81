package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/shsh-forge/internal/config"
	"github.com/sashabaranov/go-openai"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	ollamaBaseURL     = "http://localhost:11434/v1"

	defaultOpenAIModel = "gpt-4o-mini"
)

// openAIBackend talks to any OpenAI-compatible chat completion API.
type openAIBackend struct {
	client *openai.Client
	model  string
}

func newOpenAIBackend(cfg config.ProviderConfig) *openAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	switch {
	case cfg.BaseURL != "":
		clientCfg.BaseURL = cfg.BaseURL
	case cfg.Provider == config.ProviderOpenRouter:
		clientCfg.BaseURL = openRouterBaseURL
	case cfg.Provider == config.ProviderOllama:
		clientCfg.BaseURL = ollamaBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIBackend{client: openai.NewClientWithConfig(clientCfg), model: model}
}

func (b *openAIBackend) Complete(ctx context.Context, system, user string, opts Options) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: opts.Temperature,
	}
	if opts.MaxOutputTokens > 0 {
		req.MaxTokens = opts.MaxOutputTokens
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", classifyStatus(apiErr.HTTPStatusCode, fmt.Errorf("chat completion: %w", err))
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return "", classifyStatus(reqErr.HTTPStatusCode, fmt.Errorf("chat completion: %w", err))
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", NewTransientError(fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", NewTransientError(errors.New("chat completion returned no choices"))
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", NewTransientError(errors.New("chat completion returned empty content"))
	}
	return content, nil
}
