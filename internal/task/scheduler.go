package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/medforge/internal/config"
	"github.com/phrazzld/medforge/internal/domain"
	"github.com/phrazzld/medforge/internal/events"
	"github.com/phrazzld/medforge/internal/ledger"
	"github.com/phrazzld/medforge/internal/repair"
	"github.com/phrazzld/medforge/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultStage names the ledger stage the scheduler drives.
const DefaultStage = "brush"

// Scheduling modes.
const (
	ModeGlobal = "global"
	ModeScoped = "scoped"
)

// ErrInterrupted marks groups whose run was cancelled before every task
// finished.
var ErrInterrupted = errors.New("run interrupted")

// Executor turns a task into an artifact. It must not fail; degraded
// results are still artifacts.
type Executor interface {
	Run(ctx context.Context, task domain.Task) *domain.Artifact
}

// GroupReport summarizes one group within a run.
type GroupReport struct {
	Tasks       int          `json:"tasks"`
	Pending     int          `json:"pending"`
	Succeeded   int          `json:"succeeded"`
	Degraded    int          `json:"degraded"`
	Failed      int          `json:"failed"`
	Interrupted int          `json:"interrupted"`
	Phase       domain.Phase `json:"phase"`
	Error       string       `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	RunID       string                  `json:"run_id"`
	Mode        string                  `json:"mode"`
	Workers     int                     `json:"workers"`
	Total       int                     `json:"total"`
	Succeeded   int                     `json:"succeeded"`
	Degraded    int                     `json:"degraded"`
	Failed      int                     `json:"failed"`
	Interrupted int                     `json:"interrupted"`
	Groups      map[string]*GroupReport `json:"groups"`
	Duration    time.Duration           `json:"duration"`
}

// Scheduler runs the pending tasks of one or more groups through a worker
// pool and keeps the ledger in step.
type Scheduler struct {
	artifacts store.ArtifactStore
	executor  Executor
	ledger    *ledger.Ledger
	emitter   events.EventEmitter
	cfg       config.SchedulerConfig
	stage     string
	newRunID  func() string
	logger    *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEmitter publishes progress events to e.
func WithEmitter(e events.EventEmitter) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithStage overrides the ledger stage name.
func WithStage(stage string) Option {
	return func(s *Scheduler) { s.stage = stage }
}

// WithRunID overrides run id generation.
func WithRunID(fn func() string) Option {
	return func(s *Scheduler) { s.newRunID = fn }
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	artifacts store.ArtifactStore,
	executor Executor,
	l *ledger.Ledger,
	cfg config.SchedulerConfig,
	logger *slog.Logger,
	opts ...Option,
) (*Scheduler, error) {
	if artifacts == nil {
		return nil, errors.New("artifact store cannot be nil")
	}
	if executor == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if l == nil {
		return nil, errors.New("ledger cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.ScanConcurrency < 1 {
		cfg.ScanConcurrency = 1
	}

	s := &Scheduler{
		artifacts: artifacts,
		executor:  executor,
		ledger:    l,
		emitter:   events.NopEmitter{},
		cfg:       cfg,
		stage:     DefaultStage,
		newRunID:  func() string { return uuid.NewString() },
		logger:    logger.With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := (domain.StageKey{Group: "probe", Stage: s.stage}).Validate(); err != nil {
		return nil, fmt.Errorf("invalid stage name: %w", err)
	}
	return s, nil
}

// Pending returns the tasks of groups that still need an artifact, in
// group order and ascending task id within a group.
func (s *Scheduler) Pending(ctx context.Context, groups []domain.Group) ([]domain.Task, error) {
	byGroup, err := s.pendingByGroup(ctx, groups)
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, p := range byGroup {
		out = append(out, p...)
	}
	return out, nil
}

func (s *Scheduler) pendingByGroup(ctx context.Context, groups []domain.Group) ([][]domain.Task, error) {
	out := make([][]domain.Task, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ScanConcurrency)
	for i, group := range groups {
		g.Go(func() error {
			pending, err := s.pendingInGroup(gctx, group)
			if err != nil {
				return fmt.Errorf("scan group %s: %w", group.ID, err)
			}
			out[i] = pending
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scheduler) pendingInGroup(ctx context.Context, group domain.Group) ([]domain.Task, error) {
	done, err := s.artifacts.CompletedIDs(ctx, group.ID)
	if err != nil {
		return nil, err
	}

	tasks := make([]domain.Task, len(group.Tasks))
	copy(tasks, group.Tasks)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	pending := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := done[t.ID]; !ok {
			pending = append(pending, t)
			continue
		}
		if !s.cfg.ReprocessDegraded {
			continue
		}
		redo, err := s.needsReprocessing(ctx, t)
		if err != nil {
			return nil, err
		}
		if redo {
			pending = append(pending, t)
		}
	}
	return pending, nil
}

func (s *Scheduler) needsReprocessing(ctx context.Context, t domain.Task) (bool, error) {
	art, err := s.artifacts.Load(ctx, t.GroupID, t.ID)
	switch {
	case store.IsNotFoundError(err), errors.Is(err, store.ErrCorrupt):
		return true, nil
	case err != nil:
		return false, err
	}
	return art.Degraded || repair.IsFlagged(art.Explanation), nil
}

// Run dispatches groups according to the configured mode: one global run,
// or one scoped run per group in order.
func (s *Scheduler) Run(ctx context.Context, groups []domain.Group) ([]*Report, error) {
	if s.cfg.Mode != ModeScoped {
		r, err := s.RunGlobal(ctx, groups)
		if r == nil {
			return nil, err
		}
		return []*Report{r}, err
	}

	reports := make([]*Report, 0, len(groups))
	for _, g := range groups {
		r, err := s.RunScoped(ctx, g)
		if r != nil {
			reports = append(reports, r)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// RunScoped runs one group on a pool of threads_per_process workers.
func (s *Scheduler) RunScoped(ctx context.Context, group domain.Group) (*Report, error) {
	return s.run(ctx, []domain.Group{group}, s.cfg.ThreadsPerProcess, ModeScoped)
}

// RunGlobal flattens the pending tasks of all groups into one pool of
// processes × threads_per_process workers. A group is completed in the
// ledger as soon as its own last task finishes.
func (s *Scheduler) RunGlobal(ctx context.Context, groups []domain.Group) (*Report, error) {
	return s.run(ctx, groups, s.cfg.GlobalWorkers(), ModeGlobal)
}

// runState is the mutable bookkeeping of one run, shared by the workers.
type runState struct {
	mu        sync.Mutex
	report    *Report
	remaining map[string]int
}

func (s *Scheduler) run(ctx context.Context, groups []domain.Group, workers int, mode string) (*Report, error) {
	started := time.Now()
	groups, err := normalizeGroups(groups)
	if err != nil {
		return nil, err
	}

	runID := s.newRunID()
	log := s.logger.With("run_id", runID, "mode", mode)

	pending, err := s.pendingByGroup(ctx, groups)
	if err != nil {
		return nil, err
	}

	state := &runState{
		report: &Report{
			RunID:  runID,
			Mode:   mode,
			Groups: make(map[string]*GroupReport, len(groups)),
		},
		remaining: make(map[string]int, len(groups)),
	}
	var jobs []Job
	for i, g := range groups {
		state.report.Groups[g.ID] = &GroupReport{
			Tasks:   len(g.Tasks),
			Pending: len(pending[i]),
			Phase:   domain.PhaseRunning,
		}
		state.remaining[g.ID] = len(pending[i])
		state.report.Total += len(pending[i])
		for _, t := range pending[i] {
			jobs = append(jobs, Job{RunID: runID, Task: t})
		}
	}

	for _, g := range groups {
		key := s.key(g.ID)
		if _, err := s.ledger.Reset(ctx, key, runID); err != nil {
			return nil, fmt.Errorf("reset %s: %w", key, err)
		}
		if _, err := s.ledger.Start(ctx, key); err != nil {
			return nil, fmt.Errorf("start %s: %w", key, err)
		}
	}

	log.Info("run started", "groups", len(groups), "pending", len(jobs), "workers", workers)
	s.emit(ctx, events.TypeRunStarted, runID, "", events.NoTask,
		events.RunPayload{Groups: len(groups), Total: len(jobs)})

	for _, g := range groups {
		if state.remaining[g.ID] == 0 {
			s.finishGroup(ctx, state, g.ID)
		}
	}

	if len(jobs) > 0 {
		if workers > len(jobs) {
			workers = len(jobs)
		}
		state.report.Workers = workers

		queue := NewTaskQueue(len(jobs), s.logger)
		if err := enqueueAll(queue, jobs); err != nil {
			return nil, err
		}
		log.Debug("jobs queued", "queued", queue.Len(), "workers", workers)

		pool := NewWorkerPool(queue, WorkerPoolConfig{WorkerCount: workers}, s.handle, s.logger)
		pool.SetResultHandler(func(res Result) { s.record(ctx, state, res) })
		pool.Start(ctx)
		pool.Wait()
	}

	if ctx.Err() != nil {
		for _, g := range groups {
			state.mu.Lock()
			unfinished := state.remaining[g.ID] > 0
			state.mu.Unlock()
			if unfinished {
				s.abortGroup(ctx, state, g.ID)
			}
		}
	}

	report := state.report
	report.Duration = time.Since(started)
	s.emit(context.WithoutCancel(ctx), events.TypeRunFinished, runID, "", events.NoTask,
		events.RunPayload{Groups: len(groups), Total: report.Total})
	log.Info("run finished",
		"total", report.Total,
		"succeeded", report.Succeeded,
		"degraded", report.Degraded,
		"failed", report.Failed,
		"interrupted", report.Interrupted,
		"duration", report.Duration)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return report, nil
}

// enqueueAll submits jobs in order and closes the queue so workers exit
// once it drains.
func enqueueAll(q TaskQueueWriter, jobs []Job) error {
	defer q.Close()
	for _, j := range jobs {
		if err := q.Enqueue(j); err != nil {
			return fmt.Errorf("enqueue %s/%d: %w", j.Task.GroupID, j.Task.ID, err)
		}
	}
	return nil
}

// handle is the pool's JobHandler. A degraded result produced because ctx
// was cancelled is not persisted, so the task stays pending for the next
// run.
func (s *Scheduler) handle(ctx context.Context, job Job) (*domain.Artifact, error) {
	art := s.executor.Run(ctx, job.Task)
	if art == nil {
		return nil, fmt.Errorf("executor returned no artifact for %s/%d", job.Task.GroupID, job.Task.ID)
	}
	if art.Degraded && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := s.artifacts.Save(context.WithoutCancel(ctx), art); err != nil {
		return nil, fmt.Errorf("save artifact: %w", err)
	}
	return art, nil
}

func (s *Scheduler) record(ctx context.Context, state *runState, res Result) {
	groupID := res.Job.Task.GroupID
	interrupted := res.Err != nil && ctx.Err() != nil

	state.mu.Lock()
	gr := state.report.Groups[groupID]
	var eventType string
	var payload events.TaskPayload
	switch {
	case interrupted:
		gr.Interrupted++
		state.report.Interrupted++
	case res.Err != nil:
		gr.Failed++
		state.report.Failed++
		eventType = events.TypeTaskFailed
		payload.Error = res.Err.Error()
	case res.Artifact.Degraded:
		gr.Degraded++
		state.report.Degraded++
		eventType = events.TypeTaskDegraded
		payload.Attempts = res.Artifact.Attempts
	default:
		gr.Succeeded++
		state.report.Succeeded++
		eventType = events.TypeTaskCompleted
		payload.Provider = res.Artifact.Provider
		payload.Attempts = res.Artifact.Attempts
	}
	finished := false
	if !interrupted {
		state.remaining[groupID]--
		finished = state.remaining[groupID] == 0
	}
	state.mu.Unlock()

	if eventType != "" {
		s.emit(ctx, eventType, res.Job.RunID, groupID, res.Job.Task.ID, payload)
	}
	if finished {
		s.finishGroup(ctx, state, groupID)
	}
}

// finishGroup moves a group whose tasks have all finished to done, or to
// error when any of them failed.
func (s *Scheduler) finishGroup(ctx context.Context, state *runState, groupID string) {
	state.mu.Lock()
	gr := *state.report.Groups[groupID]
	runID := state.report.RunID
	state.mu.Unlock()

	key := s.key(groupID)
	meta := map[string]any{
		"run_id":    runID,
		"tasks":     gr.Tasks,
		"pending":   gr.Pending,
		"succeeded": gr.Succeeded,
		"degraded":  gr.Degraded,
		"failed":    gr.Failed,
	}
	bg := context.WithoutCancel(ctx)

	phase := domain.PhaseDone
	var cause error
	if gr.Failed > 0 {
		phase = domain.PhaseError
		cause = fmt.Errorf("%d of %d tasks failed", gr.Failed, gr.Pending)
		_, err := s.ledger.Fail(bg, key, cause, meta)
		s.logLedgerErr(key, err)
		s.emit(bg, events.TypeGroupFailed, runID, groupID, events.NoTask, nil)
	} else {
		_, err := s.ledger.Complete(bg, key, meta)
		s.logLedgerErr(key, err)
		s.emit(bg, events.TypeGroupCompleted, runID, groupID, events.NoTask, nil)
	}

	state.mu.Lock()
	state.report.Groups[groupID].Phase = phase
	if cause != nil {
		state.report.Groups[groupID].Error = cause.Error()
	}
	state.mu.Unlock()

	s.logger.Info("group finished",
		"run_id", runID,
		"group_id", groupID,
		"phase", phase,
		"succeeded", gr.Succeeded,
		"degraded", gr.Degraded,
		"failed", gr.Failed)
}

func (s *Scheduler) abortGroup(ctx context.Context, state *runState, groupID string) {
	bg := context.WithoutCancel(ctx)
	cause := fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())

	state.mu.Lock()
	runID := state.report.RunID
	gr := state.report.Groups[groupID]
	gr.Phase = domain.PhaseError
	gr.Error = cause.Error()
	state.mu.Unlock()

	key := s.key(groupID)
	_, err := s.ledger.Fail(bg, key, cause, map[string]any{"run_id": runID})
	s.logLedgerErr(key, err)
	s.emit(bg, events.TypeGroupFailed, runID, groupID, events.NoTask, nil)
}

func (s *Scheduler) key(groupID string) domain.StageKey {
	return domain.StageKey{Group: groupID, Stage: s.stage}
}

func (s *Scheduler) logLedgerErr(key domain.StageKey, err error) {
	if err != nil {
		s.logger.Error("failed to update ledger", "key", key.String(), "error", err)
	}
}

func (s *Scheduler) emit(ctx context.Context, eventType, runID, groupID string, taskID int, payload any) {
	event, err := events.NewEvent(eventType, runID, groupID, taskID, payload)
	if err != nil {
		s.logger.Error("failed to build event", "event_type", eventType, "error", err)
		return
	}
	if err := s.emitter.EmitEvent(ctx, event); err != nil {
		s.logger.Warn("event handler failed", "event_type", eventType, "error", err)
	}
}

// normalizeGroups validates group ids, rejects duplicates and fills in
// missing task group ids.
func normalizeGroups(groups []domain.Group) ([]domain.Group, error) {
	seen := make(map[string]bool, len(groups))
	out := make([]domain.Group, len(groups))
	for i, g := range groups {
		if err := domain.ValidateGroupID(g.ID); err != nil {
			return nil, err
		}
		if seen[g.ID] {
			return nil, fmt.Errorf("%w: duplicate group %q", domain.ErrValidation, g.ID)
		}
		seen[g.ID] = true

		tasks := make([]domain.Task, len(g.Tasks))
		for j, t := range g.Tasks {
			switch t.GroupID {
			case "":
				t.GroupID = g.ID
			case g.ID:
			default:
				return nil, fmt.Errorf("%w: task %d belongs to %q, not %q",
					domain.ErrValidation, t.ID, t.GroupID, g.ID)
			}
			tasks[j] = t
		}
		out[i] = domain.Group{ID: g.ID, Tasks: tasks}
	}
	return out, nil
}
