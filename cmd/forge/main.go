// Package main is the entry point of the generation engine. It processes
// the subjects named on the command line, or every subject under the
// configured output directory, and exits once all pending tasks have an
// artifact.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/medforge/internal/api"
	"github.com/phrazzld/medforge/internal/config"
	"github.com/phrazzld/medforge/internal/platform/logger"
	"github.com/phrazzld/medforge/internal/platform/telemetry"
	"github.com/phrazzld/medforge/internal/task"
)

// Exit codes.
const (
	exitOK          = 0
	exitSetup       = 1
	exitTaskFailure = 2
	exitInterrupted = 130
)

const tracingFlushTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return exitSetup
	}

	lg, err := logger.Setup(cfg.Logging)
	if err != nil {
		log.Printf("Failed to set up logger: %v", err)
		return exitSetup
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, lg)
	if err != nil {
		lg.Error("failed to set up tracing", "error", err)
		return exitSetup
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tracingFlushTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			lg.Warn("failed to flush traces", "error", err)
		}
	}()

	backends, routerOpts, err := buildBackends(ctx, cfg, lg)
	if err != nil {
		lg.Error("failed to configure providers", "error", err)
		return exitSetup
	}

	app, err := newApplication(cfg, lg, backends, routerOpts...)
	if err != nil {
		lg.Error("failed to initialize application", "error", err)
		return exitSetup
	}

	serverDone := make(chan error, 1)
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	if cfg.API.Enabled {
		handler := api.NewRouter(app.statusHandler(), lg)
		go func() { serverDone <- api.Serve(serverCtx, cfg.API.Addr, handler, lg) }()
	} else {
		close(serverDone)
	}

	failed, runErr := app.run(ctx, args)

	stopServer()
	if err := <-serverDone; err != nil {
		lg.Error("status server error", "error", err)
	}

	switch {
	case errors.Is(runErr, task.ErrInterrupted) || errors.Is(runErr, context.Canceled):
		lg.Warn("run interrupted; unfinished tasks remain pending", "error", runErr)
		return exitInterrupted
	case runErr != nil:
		lg.Error("run failed", "error", runErr)
		return exitSetup
	case failed:
		lg.Warn("run finished with failed tasks")
		return exitTaskFailure
	}
	lg.Info("run complete")
	return exitOK
}
