package store

import (
	"context"

	"github.com/phrazzld/medforge/internal/domain"
)

// ArtifactStore persists one artifact per (group, task). Presence of a
// readable artifact is the only completion signal the scheduler relies on.
type ArtifactStore interface {
	// Save replaces the task's artifact in full. Readers never observe a
	// partially written artifact.
	// Returns ErrInvalidEntity if the artifact fails validation.
	Save(ctx context.Context, artifact *domain.Artifact) error

	// Load returns the task's artifact.
	// Returns ErrArtifactNotFound if none exists.
	Load(ctx context.Context, groupID string, taskID int) (*domain.Artifact, error)

	// Completed reports whether the task has a readable, well-formed artifact.
	Completed(ctx context.Context, groupID string, taskID int) (bool, error)

	// CompletedIDs lists the ids of every task in the group that has an
	// artifact. An unknown group yields an empty set.
	CompletedIDs(ctx context.Context, groupID string) (map[int]struct{}, error)
}
