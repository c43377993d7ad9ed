package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/medforge/internal/config"
	"github.com/phrazzld/medforge/internal/generation"
	"github.com/phrazzld/medforge/internal/redact"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/phrazzld/medforge/internal/router"

// Result is a successful routed call.
type Result struct {
	Text     string
	Provider string
}

// Router owns the provider state machine.
type Router struct {
	mu    sync.Mutex
	state State

	primary    string
	backends   []generation.Backend
	byName     map[string]generation.Backend
	limiters   map[string]*rate.Limiter
	classifier *generation.Classifier
	cfg        config.RouterConfig
	now        func() time.Time
	tracer     trace.Tracer
	logger     *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the router's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithLimiter paces calls to the named backend.
func WithLimiter(name string, limiter *rate.Limiter) Option {
	return func(r *Router) {
		if limiter != nil {
			r.limiters[name] = limiter
		}
	}
}

// WithTracerProvider records spans through tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Router) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates a Router over backends given in priority order; the first
// backend is the primary.
func New(backends []generation.Backend, cfg config.RouterConfig, logger *slog.Logger, opts ...Option) (*Router, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: router needs at least one backend", generation.ErrInvalidConfig)
	}

	byName := make(map[string]generation.Backend, len(backends))
	for _, b := range backends {
		if b == nil {
			return nil, fmt.Errorf("%w: nil backend", generation.ErrInvalidConfig)
		}
		name := b.Descriptor().Name
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("%w: duplicate backend %q", generation.ErrInvalidConfig, name)
		}
		byName[name] = b
	}
	if cfg.RetriesPerProvider < 1 {
		cfg.RetriesPerProvider = 1
	}
	if cfg.PrimaryProbeRetries < 1 {
		cfg.PrimaryProbeRetries = 1
	}

	primary := backends[0].Descriptor().Name
	r := &Router{
		state:      State{Current: primary},
		primary:    primary,
		backends:   backends,
		byName:     byName,
		limiters:   make(map[string]*rate.Limiter),
		classifier: generation.NewClassifier(cfg.QuotaKeywords),
		cfg:        cfg,
		now:        time.Now,
		tracer:     otel.Tracer(tracerName),
		logger:     logger.With("component", "router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Primary returns the primary provider's name.
func (r *Router) Primary() string {
	return r.primary
}

// Current returns the currently preferred provider's name.
func (r *Router) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Current
}

// Snapshot returns a copy of the router state.
func (r *Router) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Descriptors lists every configured backend in priority order.
func (r *Router) Descriptors() []generation.ProviderDescriptor {
	out := make([]generation.ProviderDescriptor, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b.Descriptor())
	}
	return out
}

// ShouldRetryPrimary reports whether the next call should probe the
// primary. It is false on the primary and during the cooldown following a
// failed probe; otherwise it is true once enough requests were served by
// the fallback or enough time has passed since the switch.
func (r *Router) ShouldRetryPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Current == r.primary {
		return false
	}
	now := r.now()

	if !r.state.LastPrimaryProbeAt.IsZero() {
		cooldown := Cooldown(r.cfg.MinCooldown, r.cfg.MaxCooldown, r.state.PrimaryFailureCount)
		if now.Sub(r.state.LastPrimaryProbeAt) < cooldown {
			return false
		}
	}
	if r.state.RequestsSinceFallback >= r.cfg.RequestsPerRetry {
		return true
	}
	if !r.state.FallbackStartedAt.IsZero() && now.Sub(r.state.FallbackStartedAt) > r.cfg.FallbackRetryDelay {
		return true
	}
	return false
}

// MarkPrimarySuccess restores the primary and clears all failure state.
func (r *Router) MarkPrimarySuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = State{Current: r.primary}
}

// MarkPrimaryFailed records a failed probe without changing the current
// provider. The fallback request counter restarts so the next probe waits
// for a fresh batch of fallback traffic as well as the cooldown.
func (r *Router) MarkPrimaryFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.After(r.state.LastPrimaryProbeAt) {
		r.state.LastPrimaryProbeAt = now
	}
	r.state.PrimaryFailureCount++
	r.state.RequestsSinceFallback = 0
}

// SwitchToFallback makes name current and counts one request served by it.
// The fallback start time is recorded only on the first switch away from
// the primary.
func (r *Router) SwitchToFallback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Current != name {
		r.state.Current = name
		if name != r.primary && r.state.FallbackStartedAt.IsZero() {
			r.state.FallbackStartedAt = r.now()
		}
	}
	r.state.RequestsSinceFallback++
}

// MarkSuccess reports a successful call served by name.
func (r *Router) MarkSuccess(name string) {
	r.SwitchToFallback(name)
	if name == r.primary {
		r.MarkPrimarySuccess()
	}
}

// Candidates orders the named backends (all backends when names is empty):
// the current provider first, then the rest in the given order. Unknown,
// duplicate and unavailable backends are skipped.
func (r *Router) Candidates(names ...string) []generation.Backend {
	if len(names) == 0 {
		names = make([]string, 0, len(r.backends))
		for _, b := range r.backends {
			names = append(names, b.Descriptor().Name)
		}
	}

	current := r.Current()
	ordered := make([]string, 0, len(names)+1)
	for _, n := range names {
		if n == current {
			ordered = append(ordered, current)
			break
		}
	}
	ordered = append(ordered, names...)

	seen := make(map[string]bool, len(ordered))
	out := make([]generation.Backend, 0, len(ordered))
	for _, n := range ordered {
		b, ok := r.byName[n]
		if !ok || seen[n] {
			continue
		}
		seen[n] = true
		if !b.Descriptor().Available() {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Select returns the first candidate, or ErrNoProviderAvailable.
func (r *Router) Select(names ...string) (generation.Backend, error) {
	c := r.Candidates(names...)
	if len(c) == 0 {
		return nil, generation.ErrNoProviderAvailable
	}
	return c[0], nil
}

// Execute calls one backend with up to attempts tries and a linearly
// growing delay between them. Quota signals and missing credentials end
// the loop at once. On success the router state is updated via
// MarkSuccess. Exhausted retries wrap ErrTransportFailure.
func (r *Router) Execute(ctx context.Context, backend generation.Backend, payload string, attempts int) (string, error) {
	desc := backend.Descriptor()
	if !desc.Available() {
		return "", fmt.Errorf("%s: %w", desc.Name, generation.ErrUnavailable)
	}
	if attempts < 1 {
		attempts = 1
	}

	n := 0
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * r.cfg.RetryDelay, false
	})
	backoff := retry.WithMaxRetries(uint64(attempts-1), linear)

	var text string
	var tries int
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		tries++
		if limiter := r.limiters[desc.Name]; limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		out, err := backend.Call(ctx, payload)
		switch r.classifier.Classify(err) {
		case generation.OutcomeSuccess:
			text = out
			return nil
		case generation.OutcomeQuota:
			return fmt.Errorf("%w: %s: %w", generation.ErrQuotaExhausted, desc.Name, err)
		case generation.OutcomeUnavailable:
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		r.logger.WarnContext(ctx, "provider attempt failed",
			slog.String("provider", desc.Name),
			slog.Int("attempt", tries),
			slog.Int("max_attempts", attempts),
			slog.String("error", redact.Error(err)))
		return retry.RetryableError(err)
	})
	if err != nil {
		if errors.Is(err, generation.ErrQuotaExhausted) ||
			errors.Is(err, generation.ErrUnavailable) ||
			ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %s after %d attempts: %w", generation.ErrTransportFailure, desc.Name, tries, err)
	}

	r.MarkSuccess(desc.Name)
	return text, nil
}

// Route sends payload to the best available provider. It probes the
// primary when ShouldRetryPrimary allows, then walks the candidate list
// until one provider succeeds. When every candidate fails the error wraps
// ErrAllProvidersExhausted together with each provider's failure.
func (r *Router) Route(ctx context.Context, payload string) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "router.Route")
	defer span.End()

	var failures []error

	if r.ShouldRetryPrimary() {
		primary := r.byName[r.primary]
		if primary.Descriptor().Available() {
			r.logger.InfoContext(ctx, "probing primary provider", slog.String("provider", r.primary))
			text, err := r.Execute(ctx, primary, payload, r.cfg.PrimaryProbeRetries)
			if err == nil {
				r.logger.InfoContext(ctx, "primary provider restored", slog.String("provider", r.primary))
				span.SetAttributes(attribute.String("provider", r.primary), attribute.Bool("primary_probe", true))
				return Result{Text: text, Provider: r.primary}, nil
			}
			r.MarkPrimaryFailed()
			r.logger.InfoContext(ctx, "primary probe failed",
				slog.String("provider", r.primary),
				slog.String("error", redact.Error(err)))
			failures = append(failures, err)
		}
	}

	candidates := r.Candidates()
	if len(candidates) == 0 {
		span.SetStatus(codes.Error, "no provider available")
		return Result{}, generation.ErrNoProviderAvailable
	}

	for _, b := range candidates {
		name := b.Descriptor().Name
		text, err := r.Execute(ctx, b, payload, r.cfg.RetriesPerProvider)
		if err == nil {
			span.SetAttributes(attribute.String("provider", name))
			return Result{Text: text, Provider: name}, nil
		}
		failures = append(failures, err)
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			return Result{}, ctx.Err()
		}

		if errors.Is(err, generation.ErrQuotaExhausted) {
			r.logger.InfoContext(ctx, "provider quota exhausted, trying next", slog.String("provider", name))
		} else {
			r.logger.WarnContext(ctx, "provider failed, trying next",
				slog.String("provider", name),
				slog.String("error", redact.Error(err)))
		}
	}

	r.logger.ErrorContext(ctx, "all providers failed", slog.Int("candidates", len(candidates)))
	span.SetStatus(codes.Error, "all providers exhausted")
	return Result{}, fmt.Errorf("%w: %w", generation.ErrAllProvidersExhausted, errors.Join(failures...))
}
