package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/events"
	"github.com/specialistvlad/stagegridgo/internal/orchestrator"
	"gopkg.in/yaml.v3"
)

// Validate builds the stage graph without dispatching anything and returns
// its execution layers.
func (a *App) Validate(ctx context.Context) ([][]string, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	runID, err := a.orchestrator.CreateRun(a.pipeline.Definitions(), a.pipeline.InitialContext(a.settings, ""))
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.orchestrator.Forget(runID) }()
	layers, err := a.orchestrator.Layers(runID)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Info("✅ Pipeline is valid", "pipeline", a.pipeline.Name, "stages", len(a.pipeline.Stages), "layers", len(layers))
	return layers, nil
}

// Run executes the pipeline once. The returned error covers setup problems
// only; stage failures are reported through the result's status.
func (a *App) Run(ctx context.Context) (*orchestrator.RunResult, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.settings.HealthcheckPort > 0 {
		if _, err := a.startHealthcheckServer(a.settings.HealthcheckPort, a.promRegistry); err != nil {
			return nil, err
		}
	}

	stopLog := events.Forward(ctx, a.bus, events.LogSink{Logger: a.logger, Level: slog.LevelDebug}, a.logger)
	defer stopLog()
	if a.settings.SocketIOURL != "" {
		sink, err := events.DialSocketIO(ctx, events.SocketIOOptions{URL: a.settings.SocketIOURL, ConnectTimeout: 10 * time.Second})
		if err != nil {
			a.logger.Warn("Event dashboard unavailable, continuing without it.", "url", a.settings.SocketIOURL, "error", err)
		} else {
			stopSocket := events.Forward(ctx, a.bus, sink, a.logger)
			defer func() {
				stopSocket()
				_ = sink.Close()
			}()
		}
	}

	a.logger.Info("🚀 Starting pipeline", "pipeline", a.pipeline.Name, "stages", len(a.pipeline.Stages), "max_concurrency", a.settings.MaxConcurrency)
	res, err := a.orchestrator.Run(ctx, a.pipeline.Definitions(), a.pipeline.InitialContext(a.settings, uuid.NewString()))
	if err != nil {
		return nil, err
	}
	_ = a.orchestrator.Forget(res.RunID)

	if a.cfg.ReportPath != "" {
		if err := a.writeReport(res); err != nil {
			return res, err
		}
		a.logger.Info("📝 Report written", "path", a.cfg.ReportPath)
	}
	a.logger.Debug("App.Run method finished.")
	return res, nil
}

// Report is the YAML document written after a run.
type Report struct {
	Pipeline               string `yaml:"pipeline"`
	orchestrator.RunResult `yaml:",inline"`
	Outputs                map[string]any    `yaml:"outputs,omitempty"`
	Artifacts              map[string]string `yaml:"artifacts,omitempty"`
}

func (a *App) writeReport(res *orchestrator.RunResult) error {
	b, err := yaml.Marshal(Report{
		Pipeline:  a.pipeline.Name,
		RunResult: *res,
		Outputs:   res.Context.Outputs(),
		Artifacts: res.Context.Artifacts(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(a.cfg.ReportPath, b, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// ExitCode maps a run status to the process exit code.
func ExitCode(status orchestrator.Status) int {
	switch status {
	case orchestrator.Completed:
		return 0
	case orchestrator.Partial:
		return 3
	default:
		return 1
	}
}
