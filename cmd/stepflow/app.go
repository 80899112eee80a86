package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kingrea/stepflow/internal/api"
	"github.com/kingrea/stepflow/internal/checkpoint"
	"github.com/kingrea/stepflow/internal/checkpoint/sqlitestore"
	"github.com/kingrea/stepflow/internal/config"
	"github.com/kingrea/stepflow/internal/engine"
	"github.com/kingrea/stepflow/internal/events"
	"github.com/kingrea/stepflow/internal/executor"
	"github.com/kingrea/stepflow/internal/executor/builtin"
	"github.com/kingrea/stepflow/internal/logbook"
	"github.com/kingrea/stepflow/internal/logging"
	"github.com/kingrea/stepflow/internal/metrics"
	"github.com/kingrea/stepflow/internal/workflow"
)

// app is the wired runtime behind every command that touches runs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	bus     *events.Bus
	metrics *metrics.Metrics
	catalog *workflow.Catalog
	manager *checkpoint.Manager
	engine  *engine.Engine
	closers []func() error
}

func loadConfig(opts *globalOptions) (*config.Config, error) {
	path := opts.configPath
	if path == "" && opts.stateDir != "" {
		candidate := filepath.Join(opts.stateDir, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.stateDir != "" {
		cfg.StateDir = opts.stateDir
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts *globalOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.LogConfig())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: []func() error{closeLog}}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.manager, err = checkpoint.NewManager(store, cfg.Checkpoint, checkpoint.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, err
	}

	registry := executor.NewRegistry()
	if err := builtin.RegisterAll(registry, cfg.Executors); err != nil {
		a.Close()
		return nil, err
	}

	a.catalog, err = loadCatalog(cfg.WorkflowsDir())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.bus = events.NewBus(events.WithLogger(logger))
	if err := a.followJournal(); err != nil {
		a.Close()
		return nil, err
	}
	a.metrics = metrics.New()
	a.engine, err = engine.New(registry, a.manager,
		engine.WithLogger(logger),
		engine.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		engine.WithDefaultStepTimeout(cfg.Engine.StepTimeout),
		engine.WithGracePeriod(cfg.Engine.GracePeriod),
		engine.WithEventBus(a.bus),
		engine.WithMetrics(a.metrics),
		engine.WithCatalog(a.catalog),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) (checkpoint.Store, error) {
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		return checkpoint.NewMemoryStore(), nil
	case config.DriverSQLite:
		path := a.cfg.DatabasePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure database dir: %w", err)
		}
		store, err := sqlitestore.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		store, err := checkpoint.NewFileStore(a.cfg.CheckpointDir())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
}

// followJournal mirrors every run event into the logbook until Close.
func (a *app) followJournal() error {
	book, err := logbook.New(filepath.Join(a.cfg.LogsDir(), "runs.log"))
	if err != nil {
		return err
	}
	sub := a.bus.Subscribe("")
	done := book.Follow(sub.Events)
	a.closers = append(a.closers, func() error {
		sub.Close()
		<-done
		return nil
	})
	return nil
}

// loadCatalog reads the workflow directory. A missing directory is an empty
// catalog.
func loadCatalog(dir string) (*workflow.Catalog, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return workflow.NewCatalog(), nil
	}
	return workflow.LoadDir(dir)
}

// resolveWorkflow treats ref as a file path when one exists, otherwise as a
// catalog id.
func (a *app) resolveWorkflow(ref string) (*workflow.Workflow, error) {
	ref = strings.TrimSpace(ref)
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		wf, err := workflow.LoadFile(ref)
		if err != nil {
			return nil, err
		}
		if _, known := a.catalog.Get(wf.ID()); !known {
			if err := a.catalog.Add(wf); err != nil {
				return nil, err
			}
		}
		return wf, nil
	}
	if wf, ok := a.catalog.Get(ref); ok {
		return wf, nil
	}
	return nil, fmt.Errorf("%w: %q is neither a file nor a workflow in %s", engine.ErrUnknownWorkflow, ref, a.cfg.WorkflowsDir())
}

func (a *app) newServer() (*api.Server, error) {
	return api.NewServer(a.engine, api.Config{Host: a.cfg.API.Host, Port: a.cfg.API.Port},
		api.WithLogger(a.logger),
		api.WithEvents(a.bus),
		api.WithGatherer(a.metrics.Gatherer()),
	)
}

// Close releases stores and flushes the log.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close", zap.Error(err))
		}
	}
	a.closers = nil
}
