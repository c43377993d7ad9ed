package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/phrazzld/medforge/internal/api"
	"github.com/phrazzld/medforge/internal/config"
	"github.com/phrazzld/medforge/internal/domain"
	"github.com/phrazzld/medforge/internal/events"
	"github.com/phrazzld/medforge/internal/fsutil"
	"github.com/phrazzld/medforge/internal/generation"
	"github.com/phrazzld/medforge/internal/ledger"
	"github.com/phrazzld/medforge/internal/platform/filestore"
	"github.com/phrazzld/medforge/internal/repair"
	"github.com/phrazzld/medforge/internal/router"
	"github.com/phrazzld/medforge/internal/source"
	"github.com/phrazzld/medforge/internal/task"
)

// application holds the shared dependencies of one process.
type application struct {
	config *config.Config
	logger *slog.Logger

	router   *router.Router
	executor *repair.Executor
	loader   *source.Loader

	// root is the ledger rooted at the output directory; it holds
	// subject-level stages such as parse.
	root *ledger.Ledger

	emitter *events.Dispatcher
	tracker *events.ProgressTracker
}

// newApplication wires the engine from cfg. backends are used in the
// order given; the first is the primary.
func newApplication(
	cfg *config.Config,
	logger *slog.Logger,
	backends []generation.Backend,
	routerOpts ...router.Option,
) (*application, error) {
	app := &application{config: cfg, logger: logger}

	var err error
	app.router, err = router.New(backends, cfg.Router, logger, routerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider router: %w", err)
	}

	app.executor, err = repair.New(app.router, cfg.Repair, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create repair executor: %w", err)
	}

	app.root, err = app.newLedger(cfg.Paths.OutputDir)
	if err != nil {
		return nil, err
	}

	var loaderOpts []source.Option
	if cfg.Paths.WaitForParse {
		loaderOpts = append(loaderOpts, source.WithParseWait(app.root, cfg.Paths.ParseWaitTimeout))
	}
	app.loader, err = source.NewLoader(cfg.Paths.OutputDir, logger, loaderOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create source loader: %w", err)
	}

	app.emitter = events.NewDispatcher(logger)
	app.tracker = events.NewProgressTracker()
	app.emitter.Subscribe(app.tracker)

	return app, nil
}

func (app *application) lockOptions() fsutil.LockOptions {
	return fsutil.LockOptions{
		Timeout:      app.config.Ledger.LockTimeout,
		PollInterval: app.config.Ledger.LockPoll,
	}
}

// newLedger opens a ledger whose records live beneath root.
func (app *application) newLedger(root string) (*ledger.Ledger, error) {
	statuses, err := filestore.NewStatusStore(root, app.lockOptions(), app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create status store: %w", err)
	}
	l, err := ledger.New(statuses, app.logger, ledger.WithWaitPoll(app.config.Ledger.WaitPoll))
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}
	return l, nil
}

// subjectLedger opens the group ledger of one subject.
func (app *application) subjectLedger(subject string) (*ledger.Ledger, error) {
	if err := domain.ValidateGroupID(subject); err != nil {
		return nil, err
	}
	return app.newLedger(app.loader.SubjectDir(subject))
}

// statusHandler exposes ledgers, router state and run progress over HTTP.
func (app *application) statusHandler() *api.StatusHandler {
	return api.NewStatusHandler(app.root, app.subjectLedger, app.router, app.tracker, app.logger)
}

// subjects returns the requested subjects, or every subject on disk.
func (app *application) subjects(ctx context.Context, requested []string) ([]string, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	return app.loader.Subjects(ctx)
}

// processSubject runs every pending task of one subject.
func (app *application) processSubject(ctx context.Context, subject string) ([]*task.Report, error) {
	log := app.logger.With("subject", subject)

	groups, err := app.loader.Groups(ctx, subject)
	if err != nil {
		if errors.Is(err, source.ErrNoQuestions) {
			log.Warn("subject has no questions, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}

	artifacts, err := filestore.NewArtifactStore(app.loader.ArtifactDir(subject, task.DefaultStage), app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact store: %w", err)
	}
	l, err := app.subjectLedger(subject)
	if err != nil {
		return nil, err
	}

	sched, err := task.NewScheduler(artifacts, app.executor, l, app.config.Scheduler, app.logger,
		task.WithEmitter(app.emitter))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	log.Info("processing subject", "groups", len(groups), "mode", app.config.Scheduler.Mode)
	return sched.Run(ctx, groups)
}

// run processes the requested subjects in order and returns whether any
// task failed.
func (app *application) run(ctx context.Context, requested []string) (bool, error) {
	start := time.Now()
	subjects, err := app.subjects(ctx, requested)
	if err != nil {
		return false, fmt.Errorf("failed to list subjects: %w", err)
	}
	if len(subjects) == 0 {
		app.logger.Warn("no subjects found", "output_dir", filepath.Clean(app.config.Paths.OutputDir))
		return false, nil
	}

	var failed bool
	for _, subject := range subjects {
		reports, err := app.processSubject(ctx, subject)
		for _, r := range reports {
			app.logger.Info("run finished",
				"subject", subject,
				"run_id", r.RunID,
				"mode", r.Mode,
				"total", r.Total,
				"succeeded", r.Succeeded,
				"degraded", r.Degraded,
				"failed", r.Failed,
				"duration", r.Duration)
			if r.Failed > 0 {
				failed = true
			}
		}
		if err != nil {
			return failed, fmt.Errorf("subject %s: %w", subject, err)
		}
	}

	state := app.router.Snapshot()
	app.logger.Info("all subjects processed",
		"subjects", len(subjects),
		"provider", state.Current,
		"duration", time.Since(start))
	return failed, nil
}
