// Package openai provides a generation.Backend for OpenAI-compatible chat
// completion endpoints (api.openai.com or any server speaking the same
// /chat/completions protocol).
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/medforge/internal/config"
	"github.com/phrazzld/medforge/internal/generation"
	"github.com/phrazzld/medforge/internal/platform/llmhttp"
)

// DefaultBaseURL is used when the provider config leaves base_url empty.
const DefaultBaseURL = "https://api.openai.com/v1"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Backend implements generation.Backend for chat completions.
type Backend struct {
	name   string
	model  string
	hasKey bool
	client *llmhttp.Client
	logger *slog.Logger
}

var _ generation.Backend = (*Backend)(nil)

// NewBackend creates an OpenAI chat backend.
func NewBackend(name string, cfg config.ProviderConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	headers := http.Header{}
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Backend{
		name:   name,
		model:  cfg.Model,
		hasKey: cfg.APIKey != "",
		client: llmhttp.NewClient(name, baseURL, headers, cfg.Timeout),
		logger: logger.With("component", "openai", "provider", name),
	}, nil
}

// Descriptor implements generation.Backend.
func (b *Backend) Descriptor() generation.ProviderDescriptor {
	return generation.ProviderDescriptor{
		Name:          b.name,
		Endpoint:      b.client.BaseURL() + ":" + b.model,
		HasCredential: b.hasKey,
	}
}

// Call implements generation.Backend.
func (b *Backend) Call(ctx context.Context, request string) (string, error) {
	if !b.hasKey {
		return "", fmt.Errorf("%s: %w", b.name, generation.ErrUnavailable)
	}

	start := time.Now()
	var resp chatResponse
	err := b.client.PostJSON(ctx, "/chat/completions", chatRequest{
		Model:    b.model,
		Messages: []chatMessage{{Role: "user", Content: request}},
	}, &resp)
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: %w: no choices", b.name, generation.ErrInvalidResponse)
	}
	if resp.Choices[0].FinishReason == "content_filter" {
		return "", fmt.Errorf("%s: %w", b.name, generation.ErrContentBlocked)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%s: %w: empty content", b.name, generation.ErrInvalidResponse)
	}

	b.logger.DebugContext(ctx, "chat completion finished",
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("response_length", len(text)))
	return text, nil
}
