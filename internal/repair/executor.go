package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/medforge/internal/config"
	"github.com/phrazzld/medforge/internal/domain"
	"github.com/phrazzld/medforge/internal/redact"
	"github.com/phrazzld/medforge/internal/router"
	"github.com/phrazzld/medforge/internal/textutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/phrazzld/medforge/internal/repair"

// ErrValidationFailed wraps a rejected solution's reason.
var ErrValidationFailed = errors.New("solution failed validation")

// errNoResponse stands in for a round where no backend answered.
var errNoResponse = errors.New("LLM no response")

// Router routes one prompt to whichever backend can serve it.
type Router interface {
	Route(ctx context.Context, payload string) (router.Result, error)
}

// Executor runs the validate-and-retry loop for single tasks. It is safe for
// concurrent use.
type Executor struct {
	router      Router
	rules       Rules
	maxAttempts int
	now         func() time.Time
	tracer      trace.Tracer
	logger      *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the timestamp source for produced artifacts.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithTracerProvider records spans through tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates an Executor.
func New(r Router, cfg config.RepairConfig, logger *slog.Logger, opts ...Option) (*Executor, error) {
	if r == nil {
		return nil, errors.New("router cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", cfg.MaxAttempts)
	}

	rules := Rules{Alphabet: cfg.AnswerAlphabet, MinExplanationLength: cfg.MinExplanationLength}
	if rules.Alphabet == "" {
		rules.Alphabet = DefaultRules.Alphabet
	}

	e := &Executor{
		router:      r,
		rules:       rules,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
		tracer:      otel.Tracer(tracerName),
		logger:      logger.With("component", "repair"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run produces an artifact for task. It never fails: when no attempt yields
// a valid solution, the result is a degraded artifact carrying the
// reference answer and ManualReviewMarker. Callers should check ctx.Err()
// before persisting a degraded result.
func (e *Executor) Run(ctx context.Context, task domain.Task) *domain.Artifact {
	ctx, span := e.tracer.Start(ctx, "repair.Run", trace.WithAttributes(
		attribute.String("task.group", task.GroupID),
		attribute.Int("task.id", task.ID),
	))
	defer span.End()

	log := e.logger.With("group", task.GroupID, "task_id", task.ID)
	task = normalizeTask(task)

	var (
		lastErr  error
		lastRaw  string
		attempts int
	)
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		prompt, err := renderPrompt(e.promptFor(task, lastErr, lastRaw))
		if err != nil {
			lastErr = err
			break
		}

		attempts = attempt
		res, err := e.router.Route(ctx, prompt)
		if err != nil {
			// The router has already walked every provider; another
			// round would only repeat that walk.
			log.Warn("no backend answered",
				"attempt", attempt,
				"error", redact.Error(err))
			lastErr = fmt.Errorf("%w: %w", errNoResponse, err)
			break
		}
		lastRaw = res.Text

		sol, err := ExtractJSON(res.Text)
		if err != nil {
			log.Debug("response is not JSON", "attempt", attempt, "provider", res.Provider)
			lastErr = fmt.Errorf("JSON parse failed: %w", err)
			continue
		}
		if ok, reason := Validate(sol, task, e.rules); !ok {
			log.Debug("solution rejected",
				"attempt", attempt,
				"provider", res.Provider,
				"reason", reason)
			lastErr = fmt.Errorf("%w: %s", ErrValidationFailed, reason)
			continue
		}

		span.SetAttributes(attribute.Int("repair.attempts", attempt), attribute.String("repair.provider", res.Provider))
		return &domain.Artifact{
			GroupID:        task.GroupID,
			TaskID:         task.ID,
			Body:           domain.RenderBody(task, sol.FinalAnswer, sol.FinalExplanation),
			Answer:         sol.FinalAnswer,
			OriginalAnswer: sol.OriginalAnswer,
			Explanation:    sol.FinalExplanation,
			Provider:       res.Provider,
			Attempts:       attempt,
			ProducedAt:     e.now().UTC(),
		}
	}

	if lastErr == nil {
		lastErr = errNoResponse
	}
	log.Warn("producing degraded artifact",
		"attempts", attempts,
		"max_attempts", e.maxAttempts,
		"error", redact.Error(lastErr))
	span.SetAttributes(attribute.Bool("repair.degraded", true), attribute.Int("repair.attempts", attempts))
	return e.degraded(task, lastErr, attempts)
}

func (e *Executor) promptFor(task domain.Task, lastErr error, lastRaw string) promptData {
	data := promptData{
		System:              systemPrompt,
		Context:             task.Context,
		Stem:                task.Payload.Stem,
		Options:             encodeOptions(task.Payload.Options),
		OriginalAnswer:      orDefault(task.Payload.RawAnswer, "Unknown"),
		OriginalExplanation: orDefault(task.Payload.RawExplanation, "None"),
	}
	if lastErr != nil {
		data.PreviousError = lastErr.Error()
		data.PreviousOutput = lastRaw
	}
	return data
}

func (e *Executor) degraded(task domain.Task, cause error, attempts int) *domain.Artifact {
	answer := task.ReferenceAnswer()
	if answer == "" {
		answer = "?"
	}
	explanation := fmt.Sprintf(
		"> Multiple generation attempts failed to produce a reliable solution (last error: %s). %s",
		textutil.Truncate(redact.Error(cause), 300), domain.ManualReviewMarker)

	return &domain.Artifact{
		GroupID:        task.GroupID,
		TaskID:         task.ID,
		Body:           domain.RenderBody(task, answer, explanation),
		Answer:         answer,
		OriginalAnswer: task.ReferenceAnswer(),
		Explanation:    explanation,
		Degraded:       true,
		Attempts:       attempts,
		ProducedAt:     e.now().UTC(),
	}
}

func normalizeTask(task domain.Task) domain.Task {
	task.Payload.Stem = textutil.Normalize(task.Payload.Stem)
	options := make(map[string]string, len(task.Payload.Options))
	for k, v := range task.Payload.Options {
		options[strings.ToUpper(strings.TrimSpace(k))] = textutil.Normalize(v)
	}
	task.Payload.Options = options
	task.Payload.RawExplanation = textutil.Normalize(task.Payload.RawExplanation)
	return task
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
