// Package executor runs one stage attempt and reports a uniform Result.
//
// Two backends implement Executor. InProcess calls the stage on a goroutine
// of the orchestrating process; resource limits are soft hints and timeouts
// or cancellation only abandon the call, since Go offers no way to stop a
// goroutine that does not watch its context. Isolated re-executes a worker
// binary, enforces rlimits and a wall-clock timeout, and kills the whole
// process group on expiry or cancellation.
//
// Both backends canonicalise output paths with pathmap in the calling
// process, so the resulting locations only depend on the Task.
package executor

import (
	"context"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/resources"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// Executor runs a single attempt. Run never returns an error: every failure
// is described by the Result.
type Executor interface {
	Run(ctx context.Context, task Task) Result
}

// Task is the immutable request for one attempt.
type Task struct {
	RunID   string           `json:"run_id"`
	JobID   string           `json:"job_id"`
	Stage   string           `json:"stage"`
	Uses    string           `json:"uses"`
	Config  map[string]any   `json:"config,omitempty"`
	Context stagectx.Context `json:"context"`
	Limits  resources.Limits `json:"limits"`
	Timeout time.Duration    `json:"timeout"`
	// Attempt is 1-based.
	Attempt       int    `json:"attempt"`
	OrganizePaths bool   `json:"organize_paths"`
	OutputRoot    string `json:"output_root"`
	WorkDir       string `json:"work_dir"`

	// Impl is the stage instance for in-process execution. When nil the
	// stage is built from Uses through the registry.
	Impl stage.Stage `json:"-"`
}

// Metrics describes the resources an attempt consumed.
type Metrics struct {
	Duration   time.Duration `json:"duration"`
	UserCPU    time.Duration `json:"user_cpu,omitempty"`
	SystemCPU  time.Duration `json:"system_cpu,omitempty"`
	MaxRSSKB   int64         `json:"max_rss_kb,omitempty"`
	PID        int           `json:"pid,omitempty"`
	Goroutines int           `json:"goroutines,omitempty"`
}

// Result is the uniform response of both backends.
type Result struct {
	Success    bool         `json:"success"`
	Code       errcode.Code `json:"code"`
	ReturnCode int          `json:"return_code"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	Message    string       `json:"message,omitempty"`
	// Outputs holds the output values the attempt added or changed.
	Outputs map[string]any `json:"outputs,omitempty"`
	// OutputPaths holds the canonical artifact paths the attempt produced.
	OutputPaths map[string]string `json:"output_paths,omitempty"`
	Metrics     Metrics           `json:"metrics"`
	Mode        stage.Mode        `json:"mode"`
	Stdout      string            `json:"stdout,omitempty"`
	Stderr      string            `json:"stderr,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
}

// Err returns the failure as a coded error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return errcode.Errorf(r.Code, "%s", r.Message)
}

func failed(code errcode.Code, kind, msg string) Result {
	return Result{Code: code, ReturnCode: code.ExitCode(), ErrorKind: kind, Message: msg}
}
