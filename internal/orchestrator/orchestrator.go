package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/stagegridgo/internal/checkpoint"
	"github.com/specialistvlad/stagegridgo/internal/dag"
	"github.com/specialistvlad/stagegridgo/internal/deadletter"
	"github.com/specialistvlad/stagegridgo/internal/events"
	"github.com/specialistvlad/stagegridgo/internal/executor"
	"github.com/specialistvlad/stagegridgo/internal/inmemorystore"
	"github.com/specialistvlad/stagegridgo/internal/metrics"
	"github.com/specialistvlad/stagegridgo/internal/recordstore"
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/resources"
	"github.com/specialistvlad/stagegridgo/internal/retry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// Dispatcher runs one attempt on the backend selected by mode.
// *executor.Router implements it.
type Dispatcher interface {
	Run(ctx context.Context, mode stage.Mode, task executor.Task) executor.Result
}

// Options configures an Orchestrator. They are read once by New.
type Options struct {
	// Registry builds stages that have no instance in their Definition.
	Registry *registry.Registry
	// Dispatcher defaults to a Router with only an in-process backend.
	Dispatcher Dispatcher
	// Budget defaults to a single execution slot.
	Budget *resources.Budget
	// Retry is used when its Strategy is set; otherwise retry.Default().
	Retry             retry.Policy
	ContinueOnFailure bool

	OutputRoot    string
	OrganizePaths bool
	// WorkRoot holds per-attempt working directories. Empty means
	// <OutputRoot>/.work, or the process working directory without an
	// OutputRoot.
	WorkRoot string

	DefaultLimits  resources.Limits
	DefaultTimeout time.Duration

	// Checkpoints receives every successful stage result. With Resume set,
	// stages whose input hash matches a stored entry are restored instead of
	// executed. Pipeline namespaces the entries.
	Checkpoints checkpoint.Store
	Resume      bool
	Pipeline    string

	// DeadLetters receives every stage that ends FAILED with a code other
	// than CANCELLED.
	DeadLetters deadletter.Recorder

	// Events defaults to a private bus.
	Events  *events.Bus
	Metrics *metrics.Metrics
}

// Orchestrator owns every run it created.
type Orchestrator struct {
	opts       Options
	dispatcher Dispatcher
	budget     *resources.Budget
	retry      retry.Policy
	bus        *events.Bus

	mu   sync.RWMutex
	runs map[string]*run
}

type run struct {
	id      string
	jobID   string
	defs    map[string]stage.Definition
	graph   *dag.Graph
	layers  [][]string
	initial stagectx.Context
	records recordstore.Store

	mu      sync.Mutex
	status  Status
	started bool
	result  *RunResult
}

// New validates opts and creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	policy := opts.Retry
	if policy.Strategy == "" {
		policy = retry.Default()
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if err := opts.DefaultLimits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default limits: %w", err)
	}
	if opts.DefaultTimeout < 0 {
		return nil, fmt.Errorf("default timeout must not be negative, got %s", opts.DefaultTimeout)
	}

	o := &Orchestrator{
		opts:       opts,
		dispatcher: opts.Dispatcher,
		budget:     opts.Budget,
		retry:      policy,
		bus:        opts.Events,
		runs:       make(map[string]*run),
	}
	if o.dispatcher == nil {
		o.dispatcher = &executor.Router{InProcess: executor.NewInProcess(opts.Registry, nil)}
	}
	if o.budget == nil {
		o.budget = resources.NewBudget(1, 0)
	}
	if o.bus == nil {
		o.bus = events.NewBus(0)
	}
	return o, nil
}

// CreateRun validates the stage graph and registers a new run. Nothing is
// dispatched; a cycle or any other definition error is returned here.
func (o *Orchestrator) CreateRun(defs []stage.Definition, initial stagectx.Context) (string, error) {
	specs := make([]dag.Spec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, dag.Spec{ID: d.Name, DependsOn: d.DependsOn})
	}
	g, err := dag.Build(specs)
	if err != nil {
		return "", err
	}
	layers, err := g.Layers()
	if err != nil {
		return "", err
	}

	byName := make(map[string]stage.Definition, len(defs))
	var errs []error
	for _, d := range defs {
		resolved, err := o.resolve(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		byName[d.Name] = resolved
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}

	r := &run{
		id:      uuid.NewString(),
		defs:    byName,
		graph:   g,
		layers:  layers,
		initial: initial,
		records: inmemorystore.New(),
		status:  Created,
	}
	r.jobID = initial.Meta().JobID
	if r.jobID == "" {
		r.jobID = r.id
	}
	r.records.Init(g.Nodes())

	o.mu.Lock()
	o.runs[r.id] = r
	o.mu.Unlock()
	return r.id, nil
}

// resolve applies defaults to d and builds its stage instance.
func (o *Orchestrator) resolve(d stage.Definition) (stage.Definition, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w '%s': %s", ErrInvalidDefinition, d.Name, fmt.Sprintf(format, args...))
	}
	if d.Name == "" {
		return d, fmt.Errorf("%w: stage name must not be empty", ErrInvalidDefinition)
	}
	if _, err := stage.ParseMode(string(d.Mode)); err != nil {
		return d, invalid("%v", err)
	}
	if d.Timeout < 0 {
		return d, invalid("timeout must not be negative")
	}
	if d.MaxRetries != nil && *d.MaxRetries < 0 {
		return d, invalid("max_retries must not be negative")
	}
	if err := d.Retry.Apply(o.retry).Validate(); err != nil {
		return d, invalid("retry: %v", err)
	}
	d.Limits = d.Limits.Merge(o.opts.DefaultLimits)
	if err := d.Limits.Validate(); err != nil {
		return d, invalid("%v", err)
	}
	if d.Timeout == 0 {
		d.Timeout = o.opts.DefaultTimeout
	}
	if d.Stage == nil && d.Uses == "" {
		d.Uses = d.Name
	}

	if d.Stage == nil {
		if o.opts.Registry == nil {
			return d, invalid("no stage instance and no registry to build '%s'", d.Uses)
		}
		s, err := o.opts.Registry.Build(d.Uses, d.Name, d.Config)
		if err != nil {
			return d, invalid("%v", err)
		}
		d.Stage = s
	}
	if d.Mode == stage.ModeIsolated {
		if d.Uses == "" {
			return d, invalid("isolated execution needs 'uses' so the worker can build the stage")
		}
		if o.opts.Registry != nil {
			if _, ok := o.opts.Registry.Lookup(d.Uses); !ok {
				return d, invalid("%v: '%s'", registry.ErrUnknownStage, d.Uses)
			}
		}
	}
	return d, nil
}

func (o *Orchestrator) lookup(runID string) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// Run creates and executes a run in one call.
func (o *Orchestrator) Run(ctx context.Context, defs []stage.Definition, initial stagectx.Context) (*RunResult, error) {
	id, err := o.CreateRun(defs, initial)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, id)
}

// GetRunStatus returns the current status of a run and a snapshot of its
// stage records. It is safe to call while the run executes.
func (o *Orchestrator) GetRunStatus(runID string) (RunStatus, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return RunStatus{}, err
	}
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()
	return RunStatus{RunID: r.id, Status: status, Stages: r.records.Snapshot()}, nil
}

// Layers returns the execution layers of a created run.
func (o *Orchestrator) Layers(runID string) ([][]string, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.layers, nil
}

// Forget drops a run the orchestrator no longer needs to report on. A run
// that is executing cannot be forgotten; created and finished runs can.
func (o *Orchestrator) Forget(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	r.mu.Lock()
	inProgress := r.started && r.result == nil
	r.mu.Unlock()
	if inProgress {
		return fmt.Errorf("%w: %s", ErrRunInProgress, runID)
	}
	delete(o.runs, runID)
	return nil
}

// Subscribe streams stage-transition and run lifecycle events.
func (o *Orchestrator) Subscribe(buffer int) (<-chan events.Event, func()) {
	return o.bus.Subscribe(buffer)
}

// Events returns the bus the orchestrator publishes on.
func (o *Orchestrator) Events() *events.Bus { return o.bus }
