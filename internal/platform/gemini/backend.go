package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/medforge/internal/config"
	"github.com/phrazzld/medforge/internal/generation"
	"google.golang.org/genai"
)

// contentGenerator is the subset of *genai.Models the backend uses.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Backend implements generation.Backend for Gemini.
type Backend struct {
	name    string
	model   string
	timeout time.Duration
	models  contentGenerator
	logger  *slog.Logger
}

var _ generation.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithContentGenerator replaces the genai client, mainly for tests.
func WithContentGenerator(models contentGenerator) Option {
	return func(b *Backend) { b.models = models }
}

// NewBackend creates a Gemini backend. Without an API key no client is
// created and the backend reports itself unavailable.
func NewBackend(
	ctx context.Context,
	name string,
	cfg config.ProviderConfig,
	logger *slog.Logger,
	opts ...Option,
) (*Backend, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	b := &Backend{
		name:    name,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "gemini", "provider", name),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.models == nil && cfg.APIKey != "" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
		}
		b.models = client.Models
	}
	return b, nil
}

// Descriptor implements generation.Backend.
func (b *Backend) Descriptor() generation.ProviderDescriptor {
	return generation.ProviderDescriptor{
		Name:          b.name,
		Endpoint:      "gemini:" + b.model,
		HasCredential: b.models != nil,
	}
}

// Call implements generation.Backend.
func (b *Backend) Call(ctx context.Context, request string) (string, error) {
	if b.models == nil {
		return "", fmt.Errorf("%s: %w", b.name, generation.ErrUnavailable)
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := b.models.GenerateContent(ctx, b.model, genai.Text(request), nil)
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", b.model, err)
	}

	text, err := responseText(resp)
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", b.model, err)
	}

	b.logger.DebugContext(ctx, "gemini call completed",
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("response_length", len(text)))
	return text, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", generation.ErrInvalidResponse)
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", generation.ErrContentBlocked
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: empty candidate", generation.ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: empty text", generation.ErrInvalidResponse)
	}
	return text, nil
}
