// Package anthropic provides a generation.Backend for the Anthropic
// Messages API.
package anthropic

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

// API constants
const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	APIVersion     = "2023-06-01"
	MaxTokens      = 8192
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Backend implements generation.Backend for Anthropic.
type Backend struct {
	name   string
	model  string
	hasKey bool
	client *llmhttp.Client
	logger *slog.Logger
}

var _ generation.Backend = (*Backend)(nil)

// NewBackend creates an Anthropic backend.
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
	headers.Set("anthropic-version", APIVersion)
	if cfg.APIKey != "" {
		headers.Set("x-api-key", cfg.APIKey)
	}
	return &Backend{
		name:   name,
		model:  cfg.Model,
		hasKey: cfg.APIKey != "",
		client: llmhttp.NewClient(name, baseURL, headers, cfg.Timeout),
		logger: logger.With("component", "anthropic", "provider", name),
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
	var resp messagesResponse
	err := b.client.PostJSON(ctx, "/messages", messagesRequest{
		Model:     b.model,
		MaxTokens: MaxTokens,
		Messages:  []message{{Role: "user", Content: request}},
	}, &resp)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		if resp.StopReason == "refusal" {
			return "", fmt.Errorf("%s: %w", b.name, generation.ErrContentBlocked)
		}
		return "", fmt.Errorf("%s: %w: no text content", b.name, generation.ErrInvalidResponse)
	}

	b.logger.DebugContext(ctx, "messages call finished",
		slog.Duration("elapsed", time.Since(start)),
		slog.String("stop_reason", resp.StopReason),
		slog.Int("response_length", len(text)))
	return text, nil
}
