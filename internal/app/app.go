package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/specialistvlad/stagegridgo/internal/checkpoint"
	"github.com/specialistvlad/stagegridgo/internal/config"
	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/deadletter"
	"github.com/specialistvlad/stagegridgo/internal/events"
	"github.com/specialistvlad/stagegridgo/internal/executor"
	"github.com/specialistvlad/stagegridgo/internal/hcl"
	"github.com/specialistvlad/stagegridgo/internal/metrics"
	"github.com/specialistvlad/stagegridgo/internal/orchestrator"
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/resources"
	"go.uber.org/multierr"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	cfg      *Config
	registry *registry.Registry
	pipeline *config.Pipeline
	settings config.Settings

	promRegistry *prometheus.Registry
	bus          *events.Bus
	checkpoints  checkpoint.Store
	deadLetters  *deadletter.Queue
	orchestrator *orchestrator.Orchestrator
	httpServer   *http.Server
}

// NewApp loads the pipeline and wires the orchestrator. A nil loader means
// the HCL loader; no modules means CoreModules. The caller must Close the App.
func NewApp(ctx context.Context, outW io.Writer, cfg *Config, loader config.Loader, modules ...registry.Module) (*App, error) {
	base, err := cfg.settings(nil)
	if err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	logger := newLogger(base.LogLevel, base.LogFormat, outW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	reg := NewRegistry(modules...)
	logger.Debug("All Go modules registered.", "stages", reg.Names())

	if loader == nil {
		loader = hcl.NewLoader(reg)
	}
	pipeline, err := loader.Load(ctx, cfg.PipelinePaths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline: %w", err)
	}
	settings, err := cfg.settings(&pipeline.Settings)
	if err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	logger.Debug("Pipeline loaded and translated into unified model.", "pipeline", pipeline.Name, "stages", len(pipeline.Stages))

	a := &App{
		outW:         outW,
		logger:       logger,
		cfg:          cfg,
		registry:     reg,
		pipeline:     pipeline,
		settings:     settings,
		promRegistry: prometheus.NewRegistry(),
		bus:          events.NewBus(0),
	}
	a.promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if settings.CheckpointDir != "" {
		store, err := checkpoint.OpenPebble(settings.CheckpointDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		a.checkpoints = store
		logger.Debug("Checkpoint store opened.", "dir", settings.CheckpointDir)
	}
	if settings.DeadLetterDir != "" {
		q, err := deadletter.Open(settings.DeadLetterDir)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to open dead-letter queue: %w", err)
		}
		a.deadLetters = q
		logger.Debug("Dead-letter queue opened.", "dir", settings.DeadLetterDir)
	}

	rm := resources.NewManager()
	isolated := executor.NewIsolated(rm)
	isolated.Command = settings.WorkerCommand
	orch, err := orchestrator.New(orchestrator.Options{
		Registry: reg,
		Dispatcher: &executor.Router{
			InProcess: executor.NewInProcess(reg, rm),
			Isolated:  isolated,
			Default:   settings.DefaultMode,
		},
		Budget:            resources.NewBudget(settings.MaxConcurrency, settings.MemoryBudgetMB),
		Retry:             settings.Retry,
		ContinueOnFailure: settings.ContinueOnFailure,
		OutputRoot:        settings.OutputRoot,
		OrganizePaths:     settings.OrganizePaths,
		DefaultLimits:     settings.Limits,
		DefaultTimeout:    settings.DefaultTimeout,
		Checkpoints:       a.checkpoints,
		Resume:            cfg.Resume,
		Pipeline:          pipeline.Name,
		DeadLetters:       a.recorder(),
		Events:            a.bus,
		Metrics:           metrics.New(a.promRegistry),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.orchestrator = orch
	return a, nil
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry { return a.registry }

// Settings returns the effective settings.
func (a *App) Settings() config.Settings { return a.settings }

// Pipeline returns the loaded pipeline.
func (a *App) Pipeline() *config.Pipeline { return a.pipeline }

// Gatherer exposes the application's metrics.
func (a *App) Gatherer() prometheus.Gatherer { return a.promRegistry }

// DeadLetters returns the dead-letter queue, or nil when none is configured.
func (a *App) DeadLetters() *deadletter.Queue { return a.deadLetters }

// recorder avoids handing the orchestrator a typed nil.
func (a *App) recorder() deadletter.Recorder {
	if a.deadLetters == nil {
		return nil
	}
	return a.deadLetters
}

// Close releases the health server, checkpoint store and dead-letter queue.
// It is safe to call more than once.
func (a *App) Close() error {
	var err error
	err = multierr.Append(err, a.closeHealthcheckServer())
	a.httpServer = nil
	if a.checkpoints != nil {
		err = multierr.Append(err, a.checkpoints.Close())
		a.checkpoints = nil
	}
	if a.deadLetters != nil {
		err = multierr.Append(err, a.deadLetters.Close())
		a.deadLetters = nil
	}
	return err
}
