package executor

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/resources"
	"github.com/specialistvlad/stagegridgo/internal/stage"
)

// InProcess runs stages on a goroutine of the calling process.
type InProcess struct {
	Registry  *registry.Registry
	Resources *resources.Manager
}

var _ Executor = (*InProcess)(nil)

// NewInProcess creates an in-process executor.
func NewInProcess(reg *registry.Registry, rm *resources.Manager) *InProcess {
	if rm == nil {
		rm = resources.NewManager()
	}
	return &InProcess{Registry: reg, Resources: rm}
}

// Run executes task. On timeout or cancellation the stage goroutine is
// abandoned: it keeps running until it returns on its own, its result is
// discarded, and its resource guard is released only then.
func (e *InProcess) Run(ctx context.Context, task Task) Result {
	logger := ctxlog.FromContext(ctx).With("stage", task.Stage, "attempt", task.Attempt, "mode", stage.ModeInProcess)
	start := time.Now()
	res := e.run(ctx, task)
	res.Mode = stage.ModeInProcess
	res.StartedAt = start
	res.EndedAt = time.Now()
	res.Metrics.Duration = res.EndedAt.Sub(start)
	res.Metrics.Goroutines = runtime.NumGoroutine()

	if res.Success {
		logger.Debug("In-process attempt succeeded.", "duration", res.Metrics.Duration)
	} else {
		logger.Debug("In-process attempt failed.", "code", res.Code, "error", res.Message)
	}
	return res
}

func (e *InProcess) run(ctx context.Context, task Task) Result {
	s := task.Impl
	if s == nil {
		if e.Registry == nil {
			return failed(errcode.GeneralError, "resolve", "no stage implementation and no registry to build one")
		}
		built, err := e.Registry.Build(task.Uses, task.Stage, task.Config)
		if err != nil {
			return failed(errcode.ValidationError, "resolve", err.Error())
		}
		s = built
	}
	if err := ensureWorkDir(task); err != nil {
		return failed(errcode.IOError, "workdir", err.Error())
	}
	in, err := attemptContext(task)
	if err != nil {
		return failed(errcode.GeneralError, "encoding", err.Error())
	}

	runCtx, cancel := withTimeout(ctx, task.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		release := e.Resources.Apply(task.Limits)
		defer release()
		done <- invoke(runCtx, s, in)
	}()

	select {
	case o := <-done:
		// A stage that honours its context may return the context error
		// itself; classify it the same way as an abandoned call.
		if !o.Success && runCtx.Err() != nil {
			return finalize(task, interrupted(ctx, runCtx), Result{})
		}
		return finalize(task, o, Result{})
	case <-runCtx.Done():
		return finalize(task, interrupted(ctx, runCtx), Result{})
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// interrupted classifies an attempt stopped by its own deadline or by the
// caller's cancellation.
func interrupted(parent, run context.Context) outcome {
	if parent.Err() == nil && errors.Is(run.Err(), context.DeadlineExceeded) {
		return outcome{Code: errcode.Timeout, ErrorKind: "timeout", Message: "stage exceeded its timeout"}
	}
	return outcome{Code: errcode.Cancelled, ErrorKind: "cancelled", Message: "stage cancelled"}
}
