package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// WorkerPool manages a pool of worker goroutines that process jobs
// from a task queue. It handles graceful shutdown and worker lifecycle.
type WorkerPool struct {
	// taskQueue provides read access to the jobs to be processed
	taskQueue TaskQueueReader

	// workerCount is the number of concurrent workers to start
	workerCount int

	handler JobHandler

	// wg tracks active worker goroutines for clean shutdown
	wg sync.WaitGroup

	// cancel releases the context derived in Start
	cancel context.CancelFunc

	// logger for structured logging
	logger *slog.Logger

	// resultHandler is called for every finished job, from the worker
	// goroutine that ran it
	resultHandler func(Result)
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(taskQueue TaskQueueReader, config WorkerPoolConfig, handler JobHandler, logger *slog.Logger) *WorkerPool {
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}

	return &WorkerPool{
		taskQueue:   taskQueue,
		workerCount: workerCount,
		handler:     handler,
		logger:      logger,
	}
}

// SetResultHandler registers a callback for every finished job. It may be
// called from several workers at once.
func (p *WorkerPool) SetResultHandler(handler func(Result)) {
	p.resultHandler = handler
}

// Start launches the workers. They run until the queue is closed and
// drained, or until ctx is cancelled.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.Debug("starting worker", "worker_id", id)
	jobs := p.taskQueue.GetChannel()

	for {
		if ctx.Err() != nil {
			p.logger.Debug("stopping worker", "worker_id", id)
			return
		}
		select {
		case <-ctx.Done():
			p.logger.Debug("stopping worker", "worker_id", id)
			return
		case job, ok := <-jobs:
			if !ok {
				p.logger.Debug("task channel closed, stopping worker", "worker_id", id)
				return
			}
			p.process(ctx, job, id)
		}
	}
}

func (p *WorkerPool) process(ctx context.Context, job Job, workerID int) {
	logger := p.logger.With(
		"group_id", job.Task.GroupID,
		"task_id", job.Task.ID,
		"worker_id", workerID,
	)

	res := Result{Job: job}
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
				res.Artifact = nil
				res.Err = fmt.Errorf("panic in task %s/%d: %v", job.Task.GroupID, job.Task.ID, r)
			}
		}()
		res.Artifact, res.Err = p.handler(ctx, job)
	}()

	if res.Err != nil {
		if ctx.Err() != nil {
			logger.Debug("task interrupted", "error", res.Err)
		} else {
			logger.Error("task execution failed", "error", res.Err)
		}
	}
	if p.resultHandler != nil {
		p.resultHandler(res)
	}
}
