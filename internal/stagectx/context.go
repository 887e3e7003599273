// Package stagectx implements the immutable value threaded through a run.
//
// A Context carries a read-only config snapshot, the inputs fixed at run
// start, the outputs accumulated by completed stages, the raw or canonical
// artifact paths those stages produced, and run metadata. Every "With"
// method returns a new Context; the receiver is never modified, so a parent
// Context can be read by any number of goroutines while children are derived
// from it.
package stagectx

import (
	"encoding/json"
	"maps"
	"sort"
	"time"
)

// Metadata identifies the run a Context belongs to.
type Metadata struct {
	RunID string `json:"run_id,omitempty"`
	JobID string `json:"job_id,omitempty"`
	// Stage, Attempt and WorkDir are set by the executor for the attempt
	// currently holding the Context. WorkDir is the scratch directory the
	// stage writes raw outputs to; relative artifact paths resolve against it.
	Stage     string    `json:"stage,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	WorkDir   string    `json:"work_dir,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Context is immutable. The zero value is an empty, usable Context.
type Context struct {
	config    map[string]any
	inputs    map[string]any
	outputs   map[string]any
	artifacts map[string]string
	meta      Metadata
}

// New builds a root Context. The maps are copied.
func New(config, inputs map[string]any, meta Metadata) Context {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = meta.CreatedAt
	}
	return Context{
		config: maps.Clone(config),
		inputs: maps.Clone(inputs),
		meta:   meta,
	}
}

// Config returns a config value.
func (c Context) Config(key string) (any, bool) {
	v, ok := c.config[key]
	return v, ok
}

// ConfigMap returns a copy of the config snapshot.
func (c Context) ConfigMap() map[string]any { return maps.Clone(c.config) }

// Input returns an input value.
func (c Context) Input(key string) (any, bool) {
	v, ok := c.inputs[key]
	return v, ok
}

// Inputs returns a copy of the inputs.
func (c Context) Inputs() map[string]any { return maps.Clone(c.inputs) }

// Output returns an accumulated output value.
func (c Context) Output(key string) (any, bool) {
	v, ok := c.outputs[key]
	return v, ok
}

// Outputs returns a copy of the accumulated outputs.
func (c Context) Outputs() map[string]any {
	if c.outputs == nil {
		return map[string]any{}
	}
	return maps.Clone(c.outputs)
}

// Artifact returns the path recorded for an artifact key.
func (c Context) Artifact(key string) (string, bool) {
	v, ok := c.artifacts[key]
	return v, ok
}

// Artifacts returns a copy of the artifact path map.
func (c Context) Artifacts() map[string]string {
	if c.artifacts == nil {
		return map[string]string{}
	}
	return maps.Clone(c.artifacts)
}

// Meta returns the run metadata.
func (c Context) Meta() Metadata { return c.meta }

// WithOutput returns a copy of c with outputs[key] = value.
func (c Context) WithOutput(key string, value any) Context {
	return c.WithOutputs(map[string]any{key: value})
}

// WithOutputs returns a copy of c with every entry of m added to the outputs.
func (c Context) WithOutputs(m map[string]any) Context {
	next := c.clone()
	if next.outputs == nil {
		next.outputs = make(map[string]any, len(m))
	}
	maps.Copy(next.outputs, m)
	next.meta.UpdatedAt = time.Now().UTC()
	return next
}

// WithArtifact returns a copy of c recording path under key.
func (c Context) WithArtifact(key, path string) Context {
	return c.WithArtifacts(map[string]string{key: path})
}

// WithArtifacts returns a copy of c with every entry of m added to the artifacts.
func (c Context) WithArtifacts(m map[string]string) Context {
	next := c.clone()
	if next.artifacts == nil {
		next.artifacts = make(map[string]string, len(m))
	}
	maps.Copy(next.artifacts, m)
	next.meta.UpdatedAt = time.Now().UTC()
	return next
}

// WithMeta returns a copy of c carrying meta.
func (c Context) WithMeta(meta Metadata) Context {
	next := c.clone()
	next.meta = meta
	return next
}

// Merge returns a copy of c whose outputs and artifacts are extended with
// those of other. Entries of other win on key collisions. Config, inputs and
// metadata come from c.
func (c Context) Merge(other Context) Context {
	next := c.clone()
	if len(other.outputs) > 0 {
		if next.outputs == nil {
			next.outputs = make(map[string]any, len(other.outputs))
		}
		maps.Copy(next.outputs, other.outputs)
	}
	if len(other.artifacts) > 0 {
		if next.artifacts == nil {
			next.artifacts = make(map[string]string, len(other.artifacts))
		}
		maps.Copy(next.artifacts, other.artifacts)
	}
	return next
}

// Keys returns the sorted output keys.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c.outputs))
	for k := range c.outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c Context) clone() Context {
	return Context{
		config:    c.config,
		inputs:    c.inputs,
		outputs:   maps.Clone(c.outputs),
		artifacts: maps.Clone(c.artifacts),
		meta:      c.meta,
	}
}

type wireContext struct {
	Config    map[string]any    `json:"config,omitempty"`
	Inputs    map[string]any    `json:"inputs,omitempty"`
	Outputs   map[string]any    `json:"outputs,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Meta      Metadata          `json:"meta"`
}

// MarshalJSON encodes the whole Context.
func (c Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireContext{
		Config:    c.config,
		Inputs:    c.inputs,
		Outputs:   c.outputs,
		Artifacts: c.artifacts,
		Meta:      c.meta,
	})
}

// UnmarshalJSON decodes a Context produced by MarshalJSON.
func (c *Context) UnmarshalJSON(b []byte) error {
	var w wireContext
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = Context{
		config:    w.Config,
		inputs:    w.Inputs,
		outputs:   w.Outputs,
		artifacts: w.Artifacts,
		meta:      w.Meta,
	}
	return nil
}

// Normalize round-trips v through JSON so that values produced in-process
// have the same dynamic types a worker process would decode.
func Normalize(v map[string]any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
