// Package llm wraps the hosted completion provider behind a small interface.
// Requests are single-turn: only the current prompt is sent, never the
// transcript. That is a scope choice of the application, so the interface
// takes a prompt string rather than a message history.
package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Service produces one assistant reply for one user prompt.
type Service interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config holds the provider settings. The model is fixed configuration, not
// per-request input.
type Config struct {
	APIKey  string
	BaseURL string // OpenAI-compatible endpoint, e.g. Groq
	Model   string
}

// OpenAIService talks to an OpenAI-compatible chat completion endpoint.
type OpenAIService struct {
	client *openai.Client
	model  string
}

// NewOpenAIService builds the provider client from config.
func NewOpenAIService(cfg Config) *OpenAIService {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

// Complete performs a single blocking completion request. No retries; a
// transient provider failure surfaces to the caller.
func (s *OpenAIService) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
