package task

import (
	"context"

	"github.com/phrazzld/medforge/internal/domain"
)

// Job is one task scheduled within a run.
type Job struct {
	RunID string
	Task  domain.Task
}

// Result is the outcome of one Job. Err is set when no artifact was
// persisted.
type Result struct {
	Job      Job
	Artifact *domain.Artifact
	Err      error
}

// JobHandler executes a job and returns the persisted artifact.
type JobHandler func(ctx context.Context, job Job) (*domain.Artifact, error)

// TaskQueueReader provides read-only access to the job channel
// allowing workers to consume jobs without the ability to enqueue
type TaskQueueReader interface {
	// GetChannel returns a read-only channel for consuming jobs
	GetChannel() <-chan Job
}

// TaskQueueWriter provides write access to the job queue
type TaskQueueWriter interface {
	// Enqueue adds a job to the queue for processing
	// Returns an error if the queue is full or closed
	Enqueue(job Job) error

	// Close closes the queue, preventing further job submission
	Close()
}
