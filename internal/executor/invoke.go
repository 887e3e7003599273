package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime/debug"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/pathmap"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// outcome is what a stage call produced, before path canonicalisation. It is
// also the payload the worker writes back to the parent.
type outcome struct {
	Success   bool              `json:"success"`
	Code      errcode.Code      `json:"code"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Message   string            `json:"message,omitempty"`
	Outputs   map[string]any    `json:"outputs,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// attemptContext stamps the attempt metadata onto the task's Context and
// normalises it so stages see JSON-shaped values in both backends.
func attemptContext(task Task) (stagectx.Context, error) {
	meta := task.Context.Meta()
	meta.RunID = task.RunID
	meta.JobID = task.JobID
	meta.Stage = task.Stage
	meta.Attempt = task.Attempt
	meta.WorkDir = task.WorkDir

	b, err := task.Context.WithMeta(meta).MarshalJSON()
	if err != nil {
		return stagectx.Context{}, fmt.Errorf("encoding context: %w", err)
	}
	var sc stagectx.Context
	if err := sc.UnmarshalJSON(b); err != nil {
		return stagectx.Context{}, fmt.Errorf("decoding context: %w", err)
	}
	return sc, nil
}

// invoke runs s.Execute, converting panics and errors into an outcome.
func invoke(ctx context.Context, s stage.Stage, in stagectx.Context) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{
				Code:      errcode.GeneralError,
				ErrorKind: "panic",
				Message:   fmt.Sprintf("stage panicked: %v\n%s", r, debug.Stack()),
			}
		}
	}()

	res, err := s.Execute(ctx, in)
	if err != nil {
		return outcome{Code: errcode.Of(err), ErrorKind: fmt.Sprintf("%T", err), Message: err.Error()}
	}

	outputs, err := stagectx.Normalize(changedOutputs(in.Outputs(), res.Outputs()))
	if err != nil {
		return outcome{Code: errcode.GeneralError, ErrorKind: "encoding", Message: fmt.Sprintf("stage outputs are not serializable: %v", err)}
	}
	return outcome{
		Success:   true,
		Code:      errcode.Success,
		Outputs:   outputs,
		Artifacts: changedArtifacts(in.Artifacts(), res.Artifacts(), in.Meta().WorkDir),
	}
}

func changedOutputs(before, after map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range after {
		if old, ok := before[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		out[k] = v
	}
	return out
}

func changedArtifacts(before, after map[string]string, workDir string) map[string]string {
	out := make(map[string]string)
	for k, p := range after {
		if old, ok := before[k]; ok && old == p {
			continue
		}
		if !filepath.IsAbs(p) && workDir != "" {
			p = filepath.Join(workDir, p)
		}
		out[k] = p
	}
	return out
}

// finalize turns an outcome into a Result, canonicalising artifact paths.
// It runs in the orchestrating process for both backends.
func finalize(task Task, o outcome, res Result) Result {
	res.Success = o.Success
	res.Code = o.Code
	res.ReturnCode = o.Code.ExitCode()
	res.ErrorKind = o.ErrorKind
	res.Message = o.Message
	if !o.Success {
		return res
	}
	res.Outputs = o.Outputs
	paths, err := pathmap.Map(pathmap.Request{
		Root:     task.OutputRoot,
		RunID:    task.RunID,
		Stage:    task.Stage,
		Organize: task.OrganizePaths,
	}, o.Artifacts)
	if err != nil {
		res.Success = false
		res.Code = errcode.Of(err)
		res.ReturnCode = res.Code.ExitCode()
		res.ErrorKind = "pathmap"
		res.Message = err.Error()
		res.Outputs = nil
		return res
	}
	res.OutputPaths = paths
	return res
}

func ensureWorkDir(task Task) error {
	if task.WorkDir == "" {
		return nil
	}
	return os.MkdirAll(task.WorkDir, 0o755)
}
