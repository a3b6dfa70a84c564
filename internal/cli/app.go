package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"example.com/fitsync/internal/config"
	"example.com/fitsync/internal/connectivity"
	"example.com/fitsync/internal/logging"
	"example.com/fitsync/internal/recordstore"
	"example.com/fitsync/internal/recordstore/memory"
	"example.com/fitsync/internal/recordstore/sqlite"
	"example.com/fitsync/internal/remote"
	"example.com/fitsync/internal/syncengine"
	"example.com/fitsync/internal/trigger"
)

// app is the agent's object graph for one invocation.
type app struct {
	cfg          config.AgentConfig
	logger       *slog.Logger
	store        recordstore.Store
	client       *remote.Client
	orchestrator *syncengine.Orchestrator
	dispatcher   *trigger.Dispatcher
	monitor      *connectivity.Monitor

	closers []io.Closer
}

// newApp opens the store and wires the engine. Logs go to stderr unless a log file is set,
// keeping stdout for command output.
func newApp(ctx context.Context, cfg config.AgentConfig, stderr io.Writer) (*app, error) {
	var (
		logger *slog.Logger
		err    error
	)
	if cfg.Logging.File != "" {
		logger, err = logging.New(cfg.Logging)
	} else {
		logger, err = logging.NewWithWriter(cfg.Logging, stderr)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configure logging", err)
	}

	a := &app{cfg: cfg, logger: logger}
	var lock trigger.ProcessLock
	switch cfg.Store.Driver {
	case "memory":
		a.store = memory.New()
	default:
		st, err := sqlite.Open(ctx, cfg.Store.Path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open local store", err)
		}
		a.store = st
		a.closers = append(a.closers, st)
		if cfg.Store.Path != ":memory:" {
			lock = trigger.NewFileLock(storeLockPath(cfg.Store.Path))
		}
	}

	a.client = remote.New(cfg.Remote.BaseURL,
		remote.WithToken(cfg.Remote.Token),
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithPageSize(cfg.Remote.PageSize),
		remote.WithLogger(logger),
	)

	reconciler := syncengine.NewReconciler(a.store,
		syncengine.WithRetainSnapshot(cfg.Sync.RetainSnapshot),
		syncengine.WithReconcilerLogger(logger),
	)
	a.orchestrator = syncengine.NewOrchestrator(a.store, a.client,
		syncengine.WithLogger(logger),
		syncengine.WithReconciler(reconciler),
	)

	// The monitor and the dispatcher reference each other: edges trigger passes and the
	// dispatcher reads conditions back from the monitor.
	var dispatcher *trigger.Dispatcher
	a.monitor = connectivity.NewMonitor(func() { dispatcher.OnConnectivityRestored() }, logger)
	dispatcher = trigger.New(a.orchestrator, a.store, cfg.UserID, trigger.Config{
		PeriodSeconds:     cfg.Sync.PeriodSeconds,
		MaxBackoffSeconds: cfg.Sync.MaxBackoffSeconds,
		RequireUnmetered:  cfg.Sync.RequireUnmetered,
	}, trigger.WithLogger(logger), trigger.WithConditions(a.monitor), trigger.WithProcessLock(lock))
	a.dispatcher = dispatcher

	return a, nil
}

// storeLockPath is the flock file shared by every process opening the store at path.
func storeLockPath(path string) string {
	return path + ".lock"
}

func (a *app) requireUser() (string, error) {
	if a.cfg.UserID == "" {
		return "", errNoActiveUser()
	}
	return a.cfg.UserID, nil
}

func errNoActiveUser() error {
	return NewExitError(ExitCommandError, "no active user: pass --user or set FITSYNC_USER_ID")
}

func (a *app) Close() error {
	a.dispatcher.Stop()
	a.dispatcher.Wait()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close agent: %w", err)
	}
	return nil
}
