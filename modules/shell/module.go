// Package shell runs an external tool as a stage. Non-zero exits are
// reported as EXTERNAL_TOOL_FAILURE so the retry policy can retry them.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// Key is the registry key of the shell stage.
const Key = "shell"

// stderrTail bounds how much stderr is copied into the error message.
const stderrTail = 2048

// Module implements the registry.Module interface for this package.
type Module struct{}

// Config describes the command to run.
type Config struct {
	Command []string          `json:"command"`
	Env     map[string]string `json:"env"`
	// Dir defaults to the attempt's working directory.
	Dir string `json:"dir"`
	// Outputs maps artifact keys to files the command writes, relative to
	// the working directory.
	Outputs map[string]string `json:"outputs"`
	// Stdout, when set, stores the trimmed standard output under this key.
	Stdout string `json:"stdout"`
	// Require lists context keys (inputs or outputs) that must be present.
	Require []string `json:"require"`
}

// Register registers the stage factory.
func (m *Module) Register(r *registry.Registry) {
	r.Register(Key, New)
}

// New builds a shell stage.
func New(name string, cfg map[string]any) (stage.Stage, error) {
	var c Config
	if err := stage.DecodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	if len(c.Command) == 0 {
		return nil, fmt.Errorf("shell stage '%s': command must not be empty", name)
	}
	for key, p := range c.Outputs {
		if filepath.IsAbs(p) {
			return nil, fmt.Errorf("shell stage '%s': output '%s' must be relative to the working directory", name, key)
		}
	}
	s := &shellStage{name: name, cfg: c}
	return &stage.Funcs{
		StageName:         name,
		ValidateFn:        s.validate,
		ExecuteFn:         s.execute,
		ValidateOutputsFn: s.validateOutputs,
	}, nil
}

type shellStage struct {
	name string
	cfg  Config
}

func (s *shellStage) validate(sc stagectx.Context) (bool, string) {
	var missing []string
	for _, k := range s.cfg.Require {
		_, isInput := sc.Input(k)
		_, isOutput := sc.Output(k)
		_, isArtifact := sc.Artifact(k)
		if !isInput && !isOutput && !isArtifact {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return false, "missing required context keys: " + strings.Join(missing, ", ")
	}
	return true, ""
}

func (s *shellStage) execute(ctx context.Context, sc stagectx.Context) (stagectx.Context, error) {
	logger := ctxlog.FromContext(ctx)
	dir := s.cfg.Dir
	if dir == "" {
		dir = sc.Meta().WorkDir
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return sc, errcode.Wrap(errcode.IOError, err)
		}
	}
	for _, p := range s.cfg.Outputs {
		if err := os.MkdirAll(filepath.Join(dir, filepath.Dir(p)), 0o755); err != nil {
			return sc, errcode.Wrap(errcode.IOError, err)
		}
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for _, k := range slices.Sorted(maps.Keys(s.cfg.Env)) {
		cmd.Env = append(cmd.Env, k+"="+s.cfg.Env[k])
	}
	cmd.WaitDelay = 5 * time.Second
	configureProcessGroup(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("Running external command.", "command", s.cfg.Command, "dir", dir)
	start := time.Now()
	err := cmd.Run()
	logger.Debug("External command finished.", "duration", time.Since(start), "error", err)

	if ctx.Err() != nil {
		return sc, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return sc, errcode.Errorf(errcode.ExternalToolFailure, "command %q exited with status %d: %s",
				s.cfg.Command[0], exitErr.ExitCode(), tail(stderr.String()))
		}
		return sc, errcode.Wrap(errcode.ExternalToolFailure, fmt.Errorf("failed to start %q: %w", s.cfg.Command[0], err))
	}

	out := sc.WithOutput("exit_code", 0)
	if s.cfg.Stdout != "" {
		out = out.WithOutput(s.cfg.Stdout, strings.TrimSpace(stdout.String()))
	}
	for key, p := range s.cfg.Outputs {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			return sc, errcode.Errorf(errcode.ExternalToolFailure, "command did not produce output '%s' (%s)", key, p)
		}
		out = out.WithArtifact(key, p)
	}
	return out, nil
}

// validateOutputs checks that every declared artifact exists at its final
// location.
func (s *shellStage) validateOutputs(sc stagectx.Context) (bool, string) {
	for key := range s.cfg.Outputs {
		p, ok := sc.Artifact(key)
		if !ok {
			return false, fmt.Sprintf("artifact '%s' was not recorded", key)
		}
		if _, err := os.Stat(p); err != nil {
			return false, fmt.Sprintf("artifact '%s' is missing: %v", key, err)
		}
	}
	return true, ""
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		return "..." + s[len(s)-stderrTail:]
	}
	return s
}
