package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/events"
	"github.com/specialistvlad/stagegridgo/internal/recordstore"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
	"golang.org/x/sync/errgroup"
)

// delta is what a successful stage added to the context.
type delta struct {
	outputs   map[string]any
	artifacts map[string]string
}

// execution is the mutable state of one Execute call.
type execution struct {
	o *Orchestrator
	r *run
	// position orders stages topologically: layer first, then name.
	position map[string]int

	mu     sync.Mutex
	deltas map[string]delta
}

// Execute runs a created run to completion and returns its result. It
// returns an error only when the run does not exist or was already executed.
// Cancelling ctx cancels in-flight attempts and skips pending stages; the
// returned result still has one record per stage.
func (o *Orchestrator) Execute(ctx context.Context, runID string) (*RunResult, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunAlreadyExecuted, runID)
	}
	r.started = true
	r.status = Running
	r.mu.Unlock()

	ctx = ctxlog.With(ctx, "run_id", r.id)
	logger := ctxlog.FromContext(ctx)
	startedAt := time.Now().UTC()
	logger.Info("▶️ Starting run", "stages", len(r.defs), "layers", len(r.layers))
	o.bus.Publish(events.Event{Type: events.RunStarted, RunID: r.id, Time: startedAt})

	x := &execution{o: o, r: r, position: make(map[string]int), deltas: make(map[string]delta)}
	for _, layer := range r.layers {
		for _, name := range layer {
			x.position[name] = len(x.position)
		}
	}
	x.run(ctx)

	records := r.records.Snapshot()
	res := &RunResult{
		RunID:     r.id,
		JobID:     r.jobID,
		Status:    aggregate(records, o.opts.ContinueOnFailure),
		Stages:    records,
		Layers:    r.layers,
		Context:   x.finalContext(),
		StartedAt: startedAt,
		EndedAt:   time.Now().UTC(),
	}
	if err := ctx.Err(); err != nil {
		res.Error = fmt.Sprintf("run cancelled: %v", err)
	}

	r.mu.Lock()
	r.status = res.Status
	r.result = res
	r.mu.Unlock()

	o.opts.Metrics.RunFinished(string(res.Status))
	o.bus.Publish(events.Event{Type: events.RunFinished, RunID: r.id, To: string(res.Status), Message: res.Error})
	logger.Info("🏁 Run finished", "status", res.Status, "duration", res.EndedAt.Sub(res.StartedAt))
	return res, nil
}

func (x *execution) run(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	for i, layer := range x.r.layers {
		if err := ctx.Err(); err != nil {
			x.skipPending(ctx, "", fmt.Sprintf("run cancelled before dispatch: %v", err))
			return
		}
		if cause := x.firstFailure(); cause != "" && !x.o.opts.ContinueOnFailure {
			logger.Warn("Stopping run after stage failure.", "stage", cause)
			x.skipPending(ctx, cause, fmt.Sprintf("run stopped after stage '%s' failed", cause))
			return
		}

		logger.Debug("Dispatching layer.", "layer", i, "stages", layer)
		var g errgroup.Group
		for _, name := range layer {
			rec, err := x.r.records.Get(name)
			if err != nil || rec.Status != recordstore.Pending {
				continue
			}
			g.Go(func() error {
				x.runStage(ctx, name)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (x *execution) firstFailure() string {
	for _, rec := range x.r.records.Snapshot() {
		if rec.Status == recordstore.Failed {
			return rec.Stage
		}
	}
	return ""
}

// transition moves a stage record and publishes the change. A rejected
// transition is logged and reported as false.
func (x *execution) transition(ctx context.Context, name string, to recordstore.Status, mutate func(*recordstore.StageRunRecord)) bool {
	from, err := x.r.records.Transition(name, to, mutate)
	if err != nil {
		ctxlog.FromContext(ctx).Debug("Ignoring status change.", "stage", name, "to", to, "error", err)
		return false
	}
	rec, _ := x.r.records.Get(name)
	x.o.bus.Publish(events.Event{
		Type:    events.StageTransition,
		RunID:   x.r.id,
		Stage:   name,
		From:    string(from),
		To:      string(to),
		Attempt: len(rec.Attempts),
		Code:    rec.Code,
		Message: rec.Error,
	})
	return true
}

// skipDescendants marks every transitive dependent of a failed stage SKIPPED.
func (x *execution) skipDescendants(ctx context.Context, failed string) {
	descendants, err := x.r.graph.Descendants(failed)
	if err != nil {
		return
	}
	for _, d := range descendants {
		if x.transition(ctx, d, recordstore.Skipped, func(r *recordstore.StageRunRecord) {
			r.SkippedBy = failed
			r.Error = fmt.Sprintf("upstream stage '%s' failed", failed)
		}) {
			ctxlog.FromContext(ctx).Warn("Skipping dependent stage due to upstream failure.", "stage", d, "dependency", failed)
		}
	}
}

func (x *execution) skipPending(ctx context.Context, cause, reason string) {
	for _, rec := range x.r.records.Snapshot() {
		if rec.Status != recordstore.Pending {
			continue
		}
		x.transition(ctx, rec.Stage, recordstore.Skipped, func(r *recordstore.StageRunRecord) {
			r.SkippedBy = cause
			r.Error = reason
		})
	}
}

// inputContext builds the context a stage starts from: the initial context
// plus the outputs of its ancestors, applied in topological order.
func (x *execution) inputContext(name string) stagectx.Context {
	ancestors, _ := x.r.graph.Ancestors(name)
	slices.SortFunc(ancestors, func(a, b string) int { return x.position[a] - x.position[b] })

	x.mu.Lock()
	sc := x.r.initial
	for _, a := range ancestors {
		if d, ok := x.deltas[a]; ok {
			sc = sc.WithOutputs(d.outputs).WithArtifacts(d.artifacts)
		}
	}
	x.mu.Unlock()

	meta := sc.Meta()
	meta.RunID = x.r.id
	meta.JobID = x.r.jobID
	meta.Stage = name
	return sc.WithMeta(meta)
}

func (x *execution) finalContext() stagectx.Context {
	names := make([]string, 0, len(x.position))
	for name := range x.position {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int { return x.position[a] - x.position[b] })

	x.mu.Lock()
	sc := x.r.initial
	for _, name := range names {
		if d, ok := x.deltas[name]; ok {
			sc = sc.WithOutputs(d.outputs).WithArtifacts(d.artifacts)
		}
	}
	x.mu.Unlock()

	meta := sc.Meta()
	meta.RunID = x.r.id
	meta.JobID = x.r.jobID
	meta.Stage = ""
	return sc.WithMeta(meta)
}

func (x *execution) record(name string, d delta) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.deltas[name] = d
}

func (x *execution) workDir(name string, attempt int) string {
	root := x.o.opts.WorkRoot
	if root == "" {
		if x.o.opts.OutputRoot == "" {
			return ""
		}
		root = filepath.Join(x.o.opts.OutputRoot, ".work")
	}
	return filepath.Join(root, x.r.id, name, "attempt-"+strconv.Itoa(attempt))
}
