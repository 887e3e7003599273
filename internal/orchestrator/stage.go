package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/checkpoint"
	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/deadletter"
	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/events"
	"github.com/specialistvlad/stagegridgo/internal/executor"
	"github.com/specialistvlad/stagegridgo/internal/recordstore"
	"github.com/specialistvlad/stagegridgo/internal/retry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// runStage drives one stage from PENDING to a terminal status.
func (x *execution) runStage(ctx context.Context, name string) {
	def := x.r.defs[name]
	ctx = ctxlog.With(ctx, "stage", name)
	logger := ctxlog.FromContext(ctx)
	in := x.inputContext(name)

	var hash string
	if x.o.opts.Checkpoints != nil {
		h, err := checkpoint.InputHash(name, def.Uses, def.Config, in)
		if err != nil {
			logger.Warn("Cannot fingerprint stage inputs, checkpointing disabled for this stage.", "error", err)
		}
		hash = h
	}
	if x.restore(ctx, name, hash) {
		return
	}

	if ok, reason := check(func() (bool, string) { return def.Stage.Validate(in) }); !ok {
		logger.Error("❌ Stage failed validation", "reason", reason)
		x.fail(ctx, name, errcode.ValidationError, "validation failed: "+reason)
		return
	}

	policy := def.Retry.Apply(x.o.retry)
	if def.MaxRetries != nil {
		policy = policy.WithMaxRetries(*def.MaxRetries)
	}

	for attempt := 1; ; attempt++ {
		release, err := x.o.budget.Acquire(ctx, def.Limits)
		if err != nil {
			if ctx.Err() != nil {
				if attempt == 1 {
					x.transition(ctx, name, recordstore.Skipped, func(r *recordstore.StageRunRecord) {
						r.Error = fmt.Sprintf("run cancelled before dispatch: %v", ctx.Err())
					})
					return
				}
				x.fail(ctx, name, errcode.Cancelled, fmt.Sprintf("cancelled while waiting for a resource slot: %v", ctx.Err()))
				return
			}
			x.fail(ctx, name, errcode.ResourceLimitExceeded, err.Error())
			return
		}
		if attempt == 1 {
			logger.Info("▶️ Starting stage")
			x.transition(ctx, name, recordstore.Running, func(r *recordstore.StageRunRecord) {
				r.StartedAt = time.Now().UTC()
			})
		}

		// The slot is held until the record is final so that RUNNING
		// intervals of stages sharing a slot never overlap.
		att, res := x.attempt(ctx, name, def, in, attempt)
		if att.Code == errcode.Success {
			x.succeed(ctx, name, hash, res)
			release()
			logger.Info("✅ Stage succeeded", "attempts", attempt, "mode", res.Mode)
			return
		}
		if !policy.ShouldRetry(att.Code, attempt) {
			x.fail(ctx, name, att.Code, att.Message)
			release()
			logger.Error("❌ Stage failed", "attempts", attempt, "code", att.Code, "error", att.Message)
			return
		}
		release()

		delay := policy.Backoff(attempt)
		_ = x.r.records.Update(name, func(r *recordstore.StageRunRecord) {
			r.Attempts[len(r.Attempts)-1].Delay = delay
		})
		logger.Warn("Stage attempt failed, retrying.", "attempt", attempt, "code", att.Code, "backoff", delay, "error", att.Message)
		x.o.bus.Publish(events.Event{
			Type: events.StageRetry, RunID: x.r.id, Stage: name, Attempt: attempt,
			Code: att.Code, Message: att.Message,
		})
		if err := retry.Wait(ctx, delay); err != nil {
			x.fail(ctx, name, errcode.Cancelled, fmt.Sprintf("cancelled during retry backoff after %s: %s", att.Code, att.Message))
			return
		}
	}
}

// attempt dispatches one attempt, checks outputs and runs cleanup exactly
// once. The returned Attempt carries the final code of the attempt.
func (x *execution) attempt(ctx context.Context, name string, def stage.Definition, in stagectx.Context, n int) (recordstore.Attempt, executor.Result) {
	logger := ctxlog.FromContext(ctx)
	task := executor.Task{
		RunID:         x.r.id,
		JobID:         x.r.jobID,
		Stage:         name,
		Uses:          def.Uses,
		Config:        def.Config,
		Context:       in,
		Limits:        def.Limits,
		Timeout:       def.Timeout,
		Attempt:       n,
		OrganizePaths: x.o.opts.OrganizePaths,
		OutputRoot:    x.o.opts.OutputRoot,
		WorkDir:       x.workDir(name, n),
		Impl:          def.Stage,
	}

	done := x.o.opts.Metrics.AttemptStarted()
	res := x.o.dispatcher.Run(ctxlog.With(ctx, "attempt", n), def.Mode, task)
	if res.Code == "" {
		res.Code = errcode.GeneralError
		if res.Success {
			res.Code = errcode.Success
		}
	}

	att := recordstore.Attempt{
		Number:    n,
		Mode:      res.Mode,
		Code:      res.Code,
		Message:   res.Message,
		PID:       res.Metrics.PID,
		StartedAt: res.StartedAt,
		EndedAt:   res.EndedAt,
	}
	if !res.Success && att.Code == errcode.Success {
		att.Code = errcode.GeneralError
	}

	out := in
	if res.Success {
		out = in.WithOutputs(res.Outputs).WithArtifacts(res.OutputPaths)
		if ok, reason := check(func() (bool, string) { return def.Stage.ValidateOutputs(out) }); !ok {
			att.Code = errcode.ValidationError
			att.Message = "output validation failed: " + reason
		}
	}

	cleanupIn := in
	if att.Code == errcode.Success {
		cleanupIn = out
	}
	if err := cleanup(context.WithoutCancel(ctx), def.Stage, cleanupIn); err != nil {
		att.Cleanup = err.Error()
		logger.Warn("Stage cleanup failed.", "attempt", n, "error", err)
	}
	done(name, string(res.Mode), string(att.Code))

	_ = x.r.records.Update(name, func(r *recordstore.StageRunRecord) {
		r.Attempts = append(r.Attempts, att)
		r.Retries = n - 1
		r.Mode = res.Mode
		if att.Cleanup != "" {
			r.CleanupErrors = append(r.CleanupErrors, fmt.Sprintf("attempt %d: %s", n, att.Cleanup))
		}
	})
	return att, res
}

func (x *execution) succeed(ctx context.Context, name, hash string, res executor.Result) {
	x.record(name, delta{outputs: res.Outputs, artifacts: res.OutputPaths})
	x.transition(ctx, name, recordstore.Succeeded, func(r *recordstore.StageRunRecord) {
		r.Code = errcode.Success
		r.Error = ""
		r.OutputPaths = res.OutputPaths
		r.EndedAt = time.Now().UTC()
	})

	if x.o.opts.Checkpoints == nil || hash == "" {
		return
	}
	err := x.o.opts.Checkpoints.Save(ctx, checkpoint.Entry{
		Pipeline:  x.o.opts.Pipeline,
		Stage:     name,
		InputHash: hash,
		Outputs:   res.Outputs,
		Artifacts: res.OutputPaths,
		SavedAt:   time.Now().UTC(),
	})
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to save checkpoint.", "error", err)
	}
}

// fail records a terminal failure from PENDING or RUNNING and skips every
// dependent stage.
func (x *execution) fail(ctx context.Context, name string, code errcode.Code, msg string) {
	now := time.Now().UTC()
	if x.transition(ctx, name, recordstore.Failed, func(r *recordstore.StageRunRecord) {
		r.Code = code
		r.Error = msg
		if r.StartedAt.IsZero() {
			r.StartedAt = now
		}
		r.EndedAt = now
	}) {
		x.deadLetter(ctx, name, code, msg, now)
	}
	x.skipDescendants(ctx, name)
}

// deadLetter hands a terminal failure to the dead-letter recorder. Cancelled
// stages are not recorded.
func (x *execution) deadLetter(ctx context.Context, name string, code errcode.Code, msg string, at time.Time) {
	dl := x.o.opts.DeadLetters
	if dl == nil || code == errcode.Cancelled {
		return
	}
	def := x.r.defs[name]
	policy := def.Retry.Apply(x.o.retry)
	rec, _ := x.r.records.Get(name)
	id, err := dl.Add(context.WithoutCancel(ctx), deadletter.Entry{
		Pipeline:      x.o.opts.Pipeline,
		RunID:         x.r.id,
		Stage:         name,
		Uses:          def.Uses,
		Reason:        deadletter.ReasonFor(code, policy.IsRetryable(code)),
		Code:          code,
		Message:       msg,
		Attempts:      len(rec.Attempts),
		Context:       x.inputContext(name),
		LastAttemptAt: at,
	})
	logger := ctxlog.FromContext(ctx)
	if err != nil {
		logger.Warn("Failed to record dead-letter entry.", "error", err)
		return
	}
	logger.Warn("📮 Stage sent to dead-letter queue", "entry", id, "code", code)
}

// restore marks a stage SUCCEEDED from a checkpoint whose input hash matches
// and whose artifacts still exist.
func (x *execution) restore(ctx context.Context, name, hash string) bool {
	store := x.o.opts.Checkpoints
	if store == nil || !x.o.opts.Resume || hash == "" {
		return false
	}
	logger := ctxlog.FromContext(ctx)
	e, err := store.Load(ctx, x.o.opts.Pipeline, name)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			logger.Warn("Failed to load checkpoint.", "error", err)
		}
		return false
	}
	if e.InputHash != hash {
		logger.Info("Checkpoint inputs changed, re-running stage.")
		return false
	}
	for key, p := range e.Artifacts {
		if _, err := os.Stat(p); err != nil {
			logger.Info("Checkpoint artifact is missing, re-running stage.", "artifact", key, "path", p)
			return false
		}
	}

	x.record(name, delta{outputs: e.Outputs, artifacts: e.Artifacts})
	now := time.Now().UTC()
	x.transition(ctx, name, recordstore.Succeeded, func(r *recordstore.StageRunRecord) {
		r.Code = errcode.Success
		r.Restored = true
		r.OutputPaths = e.Artifacts
		r.StartedAt = now
		r.EndedAt = now
	})
	logger.Info("♻️ Restored stage from checkpoint", "saved_at", e.SavedAt)
	return true
}

// check runs a Validate-style call, turning a panic into a failed check.
func check(fn func() (bool, string)) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			ok, reason = false, fmt.Sprintf("panic: %v", r)
		}
	}()
	return fn()
}

func cleanup(ctx context.Context, s stage.Stage, sc stagectx.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()
	return s.Cleanup(ctx, sc)
}
