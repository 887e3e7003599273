package hcl

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes every top-level block a pipeline file may contain.
type fileRoot struct {
	Settings []*settingsBlock `hcl:"settings,block"`
	Inputs   []*inputsBlock   `hcl:"inputs,block"`
	Stages   []*stageBlock    `hcl:"stage,block"`
}

type settingsBlock struct {
	Name              *string `hcl:"name,optional"`
	MaxConcurrency    *int    `hcl:"max_concurrency,optional"`
	ContinueOnFailure *bool   `hcl:"continue_on_failure,optional"`
	OutputRoot        *string `hcl:"output_root,optional"`
	DefaultMode       *string `hcl:"default_mode,optional"`
}

// inputsBlock holds arbitrary attributes, evaluated into native Go values.
type inputsBlock struct {
	Body hcl.Body `hcl:",remain"`
}

type stageBlock struct {
	Name       string       `hcl:"name,label"`
	Uses       *string      `hcl:"uses,optional"`
	Mode       *string      `hcl:"mode,optional"`
	Timeout    *string      `hcl:"timeout,optional"`
	MaxRetries *int         `hcl:"max_retries,optional"`
	DependsOn  []string     `hcl:"depends_on,optional"`
	Limits     *limitsBlock `hcl:"limits,block"`
	Retry      *retryBlock  `hcl:"retry,block"`
	Config     *configBlock `hcl:"config,block"`
	DeclRange  hcl.Range    `hcl:",def_range"`
}

type limitsBlock struct {
	MemoryMB   *int64 `hcl:"memory_mb,optional"`
	CPUSeconds *int64 `hcl:"cpu_seconds,optional"`
	MaxWorkers *int   `hcl:"max_workers,optional"`
	OMPThreads *int   `hcl:"omp_threads,optional"`
	MKLThreads *int   `hcl:"mkl_threads,optional"`
}

// retryBlock tunes the run's retry policy for one stage. The attempt count
// stays on the stage's max_retries attribute.
type retryBlock struct {
	Strategy  *string  `hcl:"strategy,optional"`
	BaseDelay *string  `hcl:"base_delay,optional"`
	MaxDelay  *string  `hcl:"max_delay,optional"`
	Factor    *float64 `hcl:"factor,optional"`
	Jitter    *float64 `hcl:"jitter,optional"`
	Retryable []string `hcl:"retryable,optional"`
}

// configBlock is evaluated after all inputs are known, so its expressions
// may reference them as inputs.<name>.
type configBlock struct {
	Body hcl.Body `hcl:",remain"`
}
