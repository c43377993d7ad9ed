// Package ledger implements the per-group status state machine
// pending → running → {done, error}. Stages that depend on one another wait
// on ledger records instead of inspecting each other's output files.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/medforge/internal/domain"
	"github.com/phrazzld/medforge/internal/store"
)

var (
	// ErrInvalidTransition is returned when a phase change is not allowed
	// from the record's current phase.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrWaitTimeout is returned when Wait gives up before the stage
	// reached a terminal phase.
	ErrWaitTimeout = errors.New("timed out waiting for stage")

	// ErrStageFailed is returned by Wait when the stage ended in error.
	ErrStageFailed = errors.New("stage failed")
)

// DefaultWaitPoll is used when no poll interval is configured.
const DefaultWaitPoll = time.Second

// Ledger drives status records through the state machine.
type Ledger struct {
	store    store.StatusStore
	waitPoll time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithWaitPoll sets the interval at which Wait re-reads the record.
func WithWaitPoll(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.waitPoll = d
		}
	}
}

// New creates a Ledger backed by the given store.
func New(statusStore store.StatusStore, logger *slog.Logger, opts ...Option) (*Ledger, error) {
	if statusStore == nil {
		return nil, errors.New("status store cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	l := &Ledger{
		store:    statusStore,
		waitPoll: DefaultWaitPoll,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Get returns the current record. A key that was never written reads as
// pending.
func (l *Ledger) Get(ctx context.Context, key domain.StageKey) (*domain.GroupStatus, error) {
	st, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &domain.GroupStatus{Group: key.Group, Stage: key.Stage, Phase: domain.PhasePending}, nil
		}
		return nil, err
	}
	if st.Phase == "" {
		st.Phase = domain.PhasePending
	}
	return st, nil
}

// Reset moves the record back to pending from any phase so a fresh run
// never mistakes a previous run's terminal state for its own.
func (l *Ledger) Reset(ctx context.Context, key domain.StageKey, runID string) (*domain.GroupStatus, error) {
	return l.transition(ctx, key, domain.PhasePending, func(gs *domain.GroupStatus) error {
		gs.RunID = runID
		gs.Error = ""
		gs.Metadata = nil
		return nil
	})
}

// Start moves pending → running.
func (l *Ledger) Start(ctx context.Context, key domain.StageKey) (*domain.GroupStatus, error) {
	return l.transition(ctx, key, domain.PhaseRunning, nil)
}

// Complete moves running → done, merging meta into the record's metadata.
func (l *Ledger) Complete(ctx context.Context, key domain.StageKey, meta map[string]any) (*domain.GroupStatus, error) {
	return l.transition(ctx, key, domain.PhaseDone, func(gs *domain.GroupStatus) error {
		mergeMetadata(gs, meta)
		return nil
	})
}

// Fail moves running → error and records cause.
func (l *Ledger) Fail(ctx context.Context, key domain.StageKey, cause error, meta map[string]any) (*domain.GroupStatus, error) {
	return l.transition(ctx, key, domain.PhaseError, func(gs *domain.GroupStatus) error {
		if cause != nil {
			gs.Error = cause.Error()
		} else {
			gs.Error = "unknown error"
		}
		mergeMetadata(gs, meta)
		return nil
	})
}

// Update applies fn to the record's metadata under the record lock without
// changing its phase.
func (l *Ledger) Update(ctx context.Context, key domain.StageKey, fn func(meta map[string]any) error) (*domain.GroupStatus, error) {
	return l.store.Modify(ctx, key, func(gs *domain.GroupStatus) error {
		if gs.Phase == "" {
			gs.Phase = domain.PhasePending
		}
		if gs.Metadata == nil {
			gs.Metadata = map[string]any{}
		}
		if err := fn(gs.Metadata); err != nil {
			return err
		}
		gs.UpdatedAt = l.now()
		return nil
	})
}

// Wait polls the record until it reaches a terminal phase, ctx is cancelled
// or timeout elapses. A done record is returned with a nil error; an error
// record is returned together with ErrStageFailed.
func (l *Ledger) Wait(ctx context.Context, key domain.StageKey, timeout time.Duration) (*domain.GroupStatus, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(l.waitPoll)
	defer ticker.Stop()

	for {
		st, err := l.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		switch st.Phase {
		case domain.PhaseDone:
			return st, nil
		case domain.PhaseError:
			return st, fmt.Errorf("%w: %s: %s", ErrStageFailed, key, st.Error)
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-deadline:
			return st, fmt.Errorf("%w: %s still %s after %s", ErrWaitTimeout, key, st.Phase, timeout)
		case <-ticker.C:
		}
	}
}

func (l *Ledger) transition(
	ctx context.Context,
	key domain.StageKey,
	to domain.Phase,
	mutate func(*domain.GroupStatus) error,
) (*domain.GroupStatus, error) {
	var from domain.Phase
	st, err := l.store.Modify(ctx, key, func(gs *domain.GroupStatus) error {
		from = gs.Phase
		if from == "" {
			from = domain.PhasePending
		}
		if !allowed(from, to) {
			return fmt.Errorf("%w: %s %s → %s", ErrInvalidTransition, key, from, to)
		}
		gs.Phase = to
		gs.UpdatedAt = l.now()
		if mutate != nil {
			return mutate(gs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "stage transition",
		slog.String("group", key.Group),
		slog.String("stage", key.Stage),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return st, nil
}

func allowed(from, to domain.Phase) bool {
	switch to {
	case domain.PhasePending:
		return true
	case domain.PhaseRunning:
		return from == domain.PhasePending
	case domain.PhaseDone, domain.PhaseError:
		return from == domain.PhaseRunning
	default:
		return false
	}
}

func mergeMetadata(gs *domain.GroupStatus, meta map[string]any) {
	if len(meta) == 0 {
		return
	}
	if gs.Metadata == nil {
		gs.Metadata = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		gs.Metadata[k] = v
	}
}
