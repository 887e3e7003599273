package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/specialistvlad/stagegridgo/internal/app"
	"github.com/specialistvlad/stagegridgo/internal/config"
	"github.com/specialistvlad/stagegridgo/internal/executor"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/spf13/cobra"
)

// Exit codes for problems that happen before a pipeline runs.
const (
	ExitFailure = 1
	ExitUsage   = 2
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Execute runs the command line. Logs and command output go to outW, cobra's
// own messages to errW. A non-nil error is always an *ExitError.
func Execute(ctx context.Context, args []string, outW, errW io.Writer) error {
	root := newRootCmd(outW, errW)
	root.SetArgs(args)
	root.SetOut(outW)
	root.SetErr(errW)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	return &ExitError{Code: ExitUsage, Message: err.Error()}
}

func newRootCmd(outW, errW io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "stagegrid",
		Short: "Run stage pipelines as a dependency graph with bounded concurrency",
		Long: `stagegrid runs pipelines of stages declared in HCL. Stages run in
topological order; independent stages run concurrently within the configured
concurrency and memory budget, in-process or in isolated worker processes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(outW), validateCmd(outW), deadLetterCmd(outW), workerCmd(errW))
	return root
}

// runFlags are bound to both run and validate so a validate call sees the
// same effective settings as the run it precedes.
type runFlags struct {
	settingsFile      string
	logLevel          string
	logFormat         string
	maxConcurrency    int
	memoryBudgetMB    int64
	continueOnFailure bool
	outputRoot        string
	defaultMode       string
	checkpointDir     string
	deadLetterDir     string
	healthcheckPort   int
	socketIOURL       string
}

func (f *runFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.settingsFile, "config", "c", "", "Path to a YAML settings file.")
	fs.StringVar(&f.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	fs.StringVar(&f.logFormat, "log-format", "json", "Log output format. Options: 'text' or 'json'.")
	fs.IntVar(&f.maxConcurrency, "max-concurrency", 0, "Maximum number of stages running at once.")
	fs.Int64Var(&f.memoryBudgetMB, "memory-budget-mb", 0, "Total memory in MB shared by running stages. 0 is unlimited.")
	fs.BoolVar(&f.continueOnFailure, "continue-on-failure", false, "Keep running independent stages after a failure.")
	fs.StringVar(&f.outputRoot, "output-root", "", "Directory canonical artifacts are organized under.")
	fs.StringVar(&f.defaultMode, "default-mode", "", "Execution mode for stages that do not set one: in-process, isolated or auto.")
	fs.StringVar(&f.checkpointDir, "checkpoint-dir", "", "Directory of the checkpoint store. Empty disables checkpoints.")
	fs.StringVar(&f.deadLetterDir, "dead-letter-dir", "", "Directory of the dead-letter queue. Empty disables it.")
	fs.IntVar(&f.healthcheckPort, "healthcheck-port", 0, "Port for the /health and /metrics server. 0 is disabled.")
	fs.StringVar(&f.socketIOURL, "socketio-url", "", "Socket.io server that receives pipeline events.")
}

// overrides returns setters for the flags that were explicitly passed.
func (f *runFlags) overrides(cmd *cobra.Command) ([]func(*config.Settings), error) {
	fs := cmd.Flags()
	var out []func(*config.Settings)
	set := func(name string, fn func(*config.Settings)) {
		if fs.Changed(name) {
			out = append(out, fn)
		}
	}

	set("log-level", func(s *config.Settings) { s.LogLevel = strings.ToLower(f.logLevel) })
	set("log-format", func(s *config.Settings) { s.LogFormat = strings.ToLower(f.logFormat) })
	set("max-concurrency", func(s *config.Settings) { s.MaxConcurrency = f.maxConcurrency })
	set("memory-budget-mb", func(s *config.Settings) { s.MemoryBudgetMB = f.memoryBudgetMB })
	set("continue-on-failure", func(s *config.Settings) { s.ContinueOnFailure = f.continueOnFailure })
	set("output-root", func(s *config.Settings) { s.OutputRoot = f.outputRoot })
	set("checkpoint-dir", func(s *config.Settings) { s.CheckpointDir = f.checkpointDir })
	set("dead-letter-dir", func(s *config.Settings) { s.DeadLetterDir = f.deadLetterDir })
	set("healthcheck-port", func(s *config.Settings) { s.HealthcheckPort = f.healthcheckPort })
	set("socketio-url", func(s *config.Settings) { s.SocketIOURL = f.socketIOURL })
	if fs.Changed("default-mode") {
		m, err := stage.ParseMode(f.defaultMode)
		if err != nil {
			return nil, err
		}
		out = append(out, func(s *config.Settings) { s.DefaultMode = m })
	}
	return out, nil
}

func newApp(cmd *cobra.Command, outW io.Writer, f *runFlags, args []string, extra app.Config) (*app.App, error) {
	overrides, err := f.overrides(cmd)
	if err != nil {
		return nil, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	extra.PipelinePaths = args
	extra.SettingsFile = f.settingsFile
	extra.Overrides = overrides
	cfg, err := app.NewConfig(extra)
	if err != nil {
		return nil, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	a, err := app.NewApp(cmd.Context(), outW, cfg, nil)
	if err != nil {
		return nil, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	return a, nil
}

func runCmd(outW io.Writer) *cobra.Command {
	var (
		f          runFlags
		reportPath string
		resume     bool
	)
	cmd := &cobra.Command{
		Use:   "run PIPELINE_PATH...",
		Short: "Execute a pipeline",
		Long: `Loads every .hcl file under the given paths and executes the pipeline.

Exit codes: 0 when every stage succeeded, 3 when independent stages succeeded
after a failure with --continue-on-failure, 1 when the run failed and 2 for
usage or configuration errors.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := newApp(cmd, outW, &f, args, app.Config{ReportPath: reportPath, Resume: resume})
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil && err == nil {
					err = &ExitError{Code: ExitFailure, Message: cerr.Error()}
				}
			}()

			res, err := a.Run(cmd.Context())
			if err != nil {
				return &ExitError{Code: ExitFailure, Message: err.Error()}
			}
			if code := app.ExitCode(res.Status); code != 0 {
				return &ExitError{Code: code, Message: fmt.Sprintf("pipeline finished with status %s", res.Status)}
			}
			return nil
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&reportPath, "report", "", "Write a YAML run report to this path.")
	cmd.Flags().BoolVar(&resume, "resume", false, "Restore stages whose inputs match a stored checkpoint.")
	return cmd
}

func validateCmd(outW io.Writer) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "validate PIPELINE_PATH...",
		Short: "Check a pipeline and print its execution layers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, outW, &f, args, app.Config{})
			if err != nil {
				return err
			}
			defer a.Close()

			layers, err := a.Validate(cmd.Context())
			if err != nil {
				return &ExitError{Code: ExitUsage, Message: err.Error()}
			}
			for i, layer := range layers {
				fmt.Fprintf(cmd.OutOrStdout(), "layer %d: %s\n", i, strings.Join(layer, ", "))
			}
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

// workerCmd is the entrypoint isolated executors start. Flags are parsed by
// the worker itself.
func workerCmd(errW io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:                executor.WorkerSubcommand,
		Hidden:             true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := executor.ServeWorker(cmd.Context(), app.NewRegistry(), args, errW); code != 0 {
				// The worker already reported through its result file.
				return &ExitError{Code: code}
			}
			return nil
		},
	}
}
