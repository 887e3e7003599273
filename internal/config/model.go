package config

import (
	"time"

	"github.com/specialistvlad/stagegridgo/internal/resources"
	"github.com/specialistvlad/stagegridgo/internal/retry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// Pipeline is the unified representation of a pipeline definition.
type Pipeline struct {
	// Name identifies the pipeline for checkpoints. Loaders derive it from
	// the file name when the file does not set one.
	Name     string
	Settings Overrides
	Inputs   map[string]any
	Stages   []*StageSpec
}

// Overrides are the settings a pipeline file may pin. Nil means unset.
type Overrides struct {
	MaxConcurrency    *int
	ContinueOnFailure *bool
	OutputRoot        *string
	DefaultMode       *stage.Mode
}

// StageSpec is the format-agnostic representation of a stage block.
type StageSpec struct {
	Name       string
	Uses       string
	Mode       stage.Mode
	Timeout    time.Duration
	MaxRetries *int
	Retry      *retry.Override
	DependsOn  []string
	Limits     resources.Limits
	Config     map[string]any
}

// Definitions converts the stage specs into orchestrator definitions. Stage
// instances are built later from Uses by the orchestrator.
func (p *Pipeline) Definitions() []stage.Definition {
	defs := make([]stage.Definition, 0, len(p.Stages))
	for _, s := range p.Stages {
		defs = append(defs, stage.Definition{
			Name:       s.Name,
			Uses:       s.Uses,
			DependsOn:  s.DependsOn,
			Mode:       s.Mode,
			Limits:     s.Limits,
			Timeout:    s.Timeout,
			Retry:      s.Retry,
			MaxRetries: s.MaxRetries,
			Config:     s.Config,
		})
	}
	return defs
}

// InitialContext builds the read-only run context: the pipeline inputs, and
// a config snapshot of the effective settings.
func (p *Pipeline) InitialContext(s Settings, jobID string) stagectx.Context {
	cfg := map[string]any{
		"pipeline":            p.Name,
		"max_concurrency":     s.MaxConcurrency,
		"continue_on_failure": s.ContinueOnFailure,
		"output_root":         s.OutputRoot,
		"default_mode":        string(s.DefaultMode),
	}
	return stagectx.New(cfg, p.Inputs, stagectx.Metadata{JobID: jobID, CreatedAt: time.Now().UTC()})
}
