package store

import (
	"context"

	"github.com/phrazzld/medforge/internal/domain"
)

// StatusStore persists one status record per (group, stage). Records for
// different keys never contend with each other.
type StatusStore interface {
	// Get returns the current record.
	// Returns ErrStatusNotFound if the key has never been written.
	Get(ctx context.Context, key domain.StageKey) (*domain.GroupStatus, error)

	// Modify runs fn over the current record under the key's exclusive lock
	// and persists the result atomically. fn receives a zero-phase record
	// carrying only the key when none exists yet. If fn returns an error
	// nothing is written and the error is returned unchanged.
	// Lock acquisition failures wrap fsutil.ErrLockTimeout.
	Modify(ctx context.Context, key domain.StageKey, fn func(*domain.GroupStatus) error) (*domain.GroupStatus, error)
}
