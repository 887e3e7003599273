package executor

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/resources"
)

// RunWorker is the body of the isolated worker process. It applies the hard
// limits passed through the environment, rebuilds the stage from the
// registry, runs it, writes the outcome to resultPath and returns the exit
// status the process should terminate with.
func RunWorker(ctx context.Context, reg *registry.Registry, taskPath, resultPath string) int {
	logger := ctxlog.FromContext(ctx)

	write := func(o outcome) int {
		b, err := json.Marshal(o)
		if err == nil {
			err = os.WriteFile(resultPath, b, 0o600)
		}
		if err != nil {
			logger.Error("Failed to write worker result.", "path", resultPath, "error", err)
		}
		return o.Code.ExitCode()
	}
	fail := func(code errcode.Code, kind string, err error) int {
		return write(outcome{Code: code, ErrorKind: kind, Message: err.Error()})
	}

	if err := resources.ApplyRlimits(resources.LimitsFromEnv(os.LookupEnv)); err != nil {
		return fail(errcode.ResourceLimitExceeded, "rlimit", err)
	}
	stop := watchLimitSignals(func() {
		write(outcome{Code: errcode.ResourceLimitExceeded, ErrorKind: "signal", Message: "worker exceeded its CPU time limit"})
	})
	defer stop()

	b, err := os.ReadFile(taskPath)
	if err != nil {
		return fail(errcode.IOError, "taskfile", err)
	}
	var task Task
	if err := json.Unmarshal(b, &task); err != nil {
		return fail(errcode.GeneralError, "taskfile", fmt.Errorf("decoding task: %w", err))
	}

	s, err := reg.Build(task.Uses, task.Stage, task.Config)
	if err != nil {
		return fail(errcode.ValidationError, "resolve", err)
	}

	logger.Debug("Worker executing stage.", "stage", task.Stage, "attempt", task.Attempt)
	return write(invoke(ctx, s, task.Context))
}

// ServeWorker parses "worker --task F --result R" style arguments (the
// leading subcommand is optional) and calls RunWorker.
func ServeWorker(ctx context.Context, reg *registry.Registry, args []string, errW io.Writer) int {
	if len(args) > 0 && args[0] == WorkerSubcommand {
		args = args[1:]
	}
	fs := flag.NewFlagSet(WorkerSubcommand, flag.ContinueOnError)
	fs.SetOutput(errW)
	taskPath := fs.String("task", os.Getenv(EnvTaskFile), "Path to the serialized task.")
	resultPath := fs.String("result", os.Getenv(EnvResultFile), "Path the result is written to.")
	if err := fs.Parse(args); err != nil {
		return errcode.ValidationError.ExitCode()
	}
	if *taskPath == "" || *resultPath == "" {
		fmt.Fprintln(errW, "worker requires --task and --result")
		return errcode.ValidationError.ExitCode()
	}
	return RunWorker(ctx, reg, *taskPath, *resultPath)
}
