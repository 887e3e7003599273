package hcl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/stagegridgo/internal/config"
	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/fsutil"
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/resources"
	"github.com/specialistvlad/stagegridgo/internal/retry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/zclconf/go-cty/cty"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct {
	// Registry, when set, rejects stages whose 'uses' key is not registered.
	Registry *registry.Registry
}

// NewLoader creates a new HCL pipeline loader.
func NewLoader(reg *registry.Registry) *Loader {
	return &Loader{Registry: reg}
}

type parsedFile struct {
	path string
	root fileRoot
}

// Load parses every .hcl file found under paths and merges them into one
// pipeline. Inputs from all files are evaluated before any stage config, so
// a config expression may reference an input declared in another file.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Pipeline, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl pipeline files found in %v", paths)
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	parser := hclparse.NewParser()
	parsed := make([]parsedFile, 0, len(files))
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		parsed = append(parsed, parsedFile{path: file, root: root})
	}

	p := &config.Pipeline{
		Name:   strings.TrimSuffix(filepath.Base(files[0]), filepath.Ext(files[0])),
		Inputs: make(map[string]any),
	}
	inputVals := make(map[string]cty.Value)
	for _, f := range parsed {
		for _, s := range f.root.Settings {
			if err := applySettings(p, s); err != nil {
				return nil, fmt.Errorf("%s: %w", f.path, err)
			}
		}
		for _, in := range f.root.Inputs {
			native, vals, diags := evalAttributes(in.Body, nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("failed to evaluate inputs in %s: %w", f.path, diags)
			}
			for k, v := range native {
				if _, dup := p.Inputs[k]; dup {
					return nil, fmt.Errorf("%s: input '%s' is declared more than once", f.path, k)
				}
				p.Inputs[k] = v
				inputVals[k] = vals[k]
			}
		}
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"inputs": cty.ObjectVal(inputVals)},
	}
	seen := make(map[string]hcl.Range)
	var errs []error
	for _, f := range parsed {
		for _, sb := range f.root.Stages {
			if prev, dup := seen[sb.Name]; dup {
				errs = append(errs, fmt.Errorf("%s: stage '%s' is already declared at %s", sb.DeclRange, sb.Name, prev))
				continue
			}
			seen[sb.Name] = sb.DeclRange
			spec, err := l.translateStage(sb, evalCtx)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			p.Stages = append(p.Stages, spec)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	logger.Debug("HCL loading complete.", "pipeline", p.Name, "stages", len(p.Stages), "inputs", len(p.Inputs))
	return p, nil
}

func applySettings(p *config.Pipeline, s *settingsBlock) error {
	if s.Name != nil {
		p.Name = *s.Name
	}
	if s.MaxConcurrency != nil {
		p.Settings.MaxConcurrency = s.MaxConcurrency
	}
	if s.ContinueOnFailure != nil {
		p.Settings.ContinueOnFailure = s.ContinueOnFailure
	}
	if s.OutputRoot != nil {
		p.Settings.OutputRoot = s.OutputRoot
	}
	if s.DefaultMode != nil {
		m, err := stage.ParseMode(*s.DefaultMode)
		if err != nil {
			return fmt.Errorf("settings: %w", err)
		}
		p.Settings.DefaultMode = &m
	}
	return nil
}

// translateStage converts the HCL-specific stage schema into the agnostic model.
func (l *Loader) translateStage(sb *stageBlock, evalCtx *hcl.EvalContext) (*config.StageSpec, error) {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%s: stage '%s': %s", sb.DeclRange, sb.Name, fmt.Sprintf(format, args...))
	}

	spec := &config.StageSpec{
		Name:       sb.Name,
		Uses:       sb.Name,
		MaxRetries: sb.MaxRetries,
		DependsOn:  sb.DependsOn,
	}
	if sb.Uses != nil {
		spec.Uses = *sb.Uses
	}
	if l.Registry != nil {
		if _, ok := l.Registry.Lookup(spec.Uses); !ok {
			return nil, fail("%v '%s'; registered: %s", registry.ErrUnknownStage, spec.Uses, strings.Join(l.Registry.Names(), ", "))
		}
	}
	if sb.Mode != nil {
		m, err := stage.ParseMode(*sb.Mode)
		if err != nil {
			return nil, fail("%v", err)
		}
		spec.Mode = m
	}
	if sb.Timeout != nil {
		d, err := time.ParseDuration(*sb.Timeout)
		if err != nil {
			return nil, fail("invalid timeout: %v", err)
		}
		if d < 0 {
			return nil, fail("timeout must not be negative")
		}
		spec.Timeout = d
	}
	if sb.MaxRetries != nil && *sb.MaxRetries < 0 {
		return nil, fail("max_retries must not be negative")
	}
	if sb.Limits != nil {
		spec.Limits = translateLimits(sb.Limits)
		if err := spec.Limits.Validate(); err != nil {
			return nil, fail("%v", err)
		}
	}
	if sb.Retry != nil {
		o, err := translateRetry(sb.Retry)
		if err != nil {
			return nil, fail("retry: %v", err)
		}
		spec.Retry = o
	}
	if sb.Config != nil {
		cfg, _, diags := evalAttributes(sb.Config.Body, evalCtx)
		if diags.HasErrors() {
			return nil, fail("invalid config: %v", diags)
		}
		spec.Config = cfg
	}
	return spec, nil
}

func translateRetry(b *retryBlock) (*retry.Override, error) {
	o := &retry.Override{Factor: b.Factor, Jitter: b.Jitter}
	if b.Strategy != nil {
		st := retry.Strategy(*b.Strategy)
		o.Strategy = &st
	}
	var err error
	if o.BaseDelay, err = optionalDuration(b.BaseDelay); err != nil {
		return nil, fmt.Errorf("invalid base_delay: %w", err)
	}
	if o.MaxDelay, err = optionalDuration(b.MaxDelay); err != nil {
		return nil, fmt.Errorf("invalid max_delay: %w", err)
	}
	if b.Retryable != nil {
		o.Retryable = make([]errcode.Code, 0, len(b.Retryable))
		for _, c := range b.Retryable {
			o.Retryable = append(o.Retryable, errcode.Code(strings.ToUpper(c)))
		}
	}
	if err := o.Apply(retry.Default()).Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func optionalDuration(s *string) (*time.Duration, error) {
	if s == nil {
		return nil, nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func translateLimits(b *limitsBlock) resources.Limits {
	var l resources.Limits
	if b.MemoryMB != nil {
		l.MemoryMB = *b.MemoryMB
	}
	if b.CPUSeconds != nil {
		l.CPUSeconds = *b.CPUSeconds
	}
	if b.MaxWorkers != nil {
		l.MaxWorkers = *b.MaxWorkers
	}
	if b.OMPThreads != nil {
		l.OMPThreads = *b.OMPThreads
	}
	if b.MKLThreads != nil {
		l.MKLThreads = *b.MKLThreads
	}
	return l
}

// findAllHCLFiles walks all given paths and returns a sorted, de-duplicated
// list of .hcl files. A path that does not exist is an error.
func findAllHCLFiles(paths []string) ([]string, error) {
	var all []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			all = append(all, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			if filepath.Ext(path) == ".hcl" {
				add(path)
			}
			continue
		}
		found, err := fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, err
		}
		for _, p := range found {
			add(p)
		}
	}
	return all, nil
}
