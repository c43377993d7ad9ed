package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/medforge/internal/config"
	"github.com/phrazzld/medforge/internal/generation"
	"github.com/phrazzld/medforge/internal/platform/anthropic"
	"github.com/phrazzld/medforge/internal/platform/gemini"
	"github.com/phrazzld/medforge/internal/platform/openai"
	"github.com/phrazzld/medforge/internal/router"
	"golang.org/x/time/rate"
)

// newBackend builds the backend for one configured provider.
func newBackend(ctx context.Context, name string, cfg config.ProviderConfig, logger *slog.Logger) (generation.Backend, error) {
	switch cfg.Kind {
	case "gemini":
		return gemini.NewBackend(ctx, name, cfg, logger)
	case "openai":
		return openai.NewBackend(name, cfg, logger)
	case "anthropic":
		return anthropic.NewBackend(name, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider kind %q", generation.ErrInvalidConfig, cfg.Kind)
	}
}

// buildBackends creates backends in priority order together with the
// router options that pace them.
func buildBackends(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
) ([]generation.Backend, []router.Option, error) {
	backends := make([]generation.Backend, 0, len(cfg.Router.Priority))
	var opts []router.Option
	for _, name := range cfg.Router.Priority {
		pc, ok := cfg.Providers[name]
		if !ok {
			return nil, nil, fmt.Errorf("%w: provider %q is in the priority list but not configured",
				generation.ErrInvalidConfig, name)
		}
		b, err := newBackend(ctx, name, pc, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create provider %q: %w", name, err)
		}
		backends = append(backends, b)

		if pc.RequestsPerSecond > 0 {
			opts = append(opts, router.WithLimiter(name, rate.NewLimiter(rate.Limit(pc.RequestsPerSecond), 1)))
		}
		logger.Info("provider configured",
			"provider", name,
			"kind", pc.Kind,
			"model", pc.Model,
			"available", b.Descriptor().Available())
	}
	return backends, opts, nil
}
