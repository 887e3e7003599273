package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/resources"
	"github.com/specialistvlad/stagegridgo/internal/stage"
)

// Environment variables understood by the worker.
const (
	EnvTaskFile   = "STAGEGRID_TASK_FILE"
	EnvResultFile = "STAGEGRID_RESULT_FILE"
)

// WorkerSubcommand is the argument that switches the binary into worker mode.
const WorkerSubcommand = "worker"

// DefaultKillGrace bounds how long Run waits for output pipes to close after
// the worker's process group has been killed.
const DefaultKillGrace = 2 * time.Second

// maxCaptured caps how much stdout and stderr is kept per stream.
const maxCaptured = 1 << 20

// Isolated runs each attempt in a fresh worker process.
type Isolated struct {
	// Command is the worker program and leading arguments. The worker
	// subcommand and its flags are appended. Empty means the current binary.
	Command []string
	// Env is appended to the inherited environment.
	Env       []string
	Resources *resources.Manager
	KillGrace time.Duration
	// TempDir holds the per-attempt task and result files. Empty means os.TempDir.
	TempDir string
}

var _ Executor = (*Isolated)(nil)

// NewIsolated creates an isolated executor that re-executes the current binary.
func NewIsolated(rm *resources.Manager) *Isolated {
	if rm == nil {
		rm = resources.NewManager()
	}
	return &Isolated{Resources: rm, KillGrace: DefaultKillGrace}
}

// Run executes task in a worker process and waits for it to exit.
func (e *Isolated) Run(ctx context.Context, task Task) Result {
	logger := ctxlog.FromContext(ctx).With("stage", task.Stage, "attempt", task.Attempt, "mode", stage.ModeIsolated)
	start := time.Now()
	res := e.run(ctx, task)
	res.Mode = stage.ModeIsolated
	res.StartedAt = start
	res.EndedAt = time.Now()
	res.Metrics.Duration = res.EndedAt.Sub(start)

	if res.Success {
		logger.Debug("Worker attempt succeeded.", "duration", res.Metrics.Duration, "pid", res.Metrics.PID)
	} else {
		logger.Debug("Worker attempt failed.", "code", res.Code, "error", res.Message, "pid", res.Metrics.PID)
	}
	return res
}

func (e *Isolated) run(ctx context.Context, task Task) Result {
	if task.Uses == "" {
		return failed(errcode.ValidationError, "resolve", fmt.Sprintf("stage '%s' has no registry key and cannot run in an isolated worker", task.Stage))
	}
	if err := ensureWorkDir(task); err != nil {
		return failed(errcode.IOError, "workdir", err.Error())
	}
	in, err := attemptContext(task)
	if err != nil {
		return failed(errcode.GeneralError, "encoding", err.Error())
	}
	task.Context = in

	dir, err := os.MkdirTemp(e.TempDir, "stagegrid-task-")
	if err != nil {
		return failed(errcode.IOError, "tempdir", err.Error())
	}
	defer os.RemoveAll(dir)

	taskPath := filepath.Join(dir, "task.json")
	resultPath := filepath.Join(dir, "result.json")
	b, err := json.Marshal(task)
	if err != nil {
		return failed(errcode.GeneralError, "encoding", err.Error())
	}
	if err := os.WriteFile(taskPath, b, 0o600); err != nil {
		return failed(errcode.IOError, "taskfile", err.Error())
	}

	name, args, err := e.command()
	if err != nil {
		return failed(errcode.GeneralError, "command", err.Error())
	}
	args = append(args, WorkerSubcommand, "--task", taskPath, "--result", resultPath)

	runCtx, cancel := withTimeout(ctx, task.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = task.WorkDir
	cmd.Env = append(append(append(os.Environ(), e.Env...), e.Resources.WorkerEnv(task.Limits)...),
		EnvTaskFile+"="+taskPath, EnvResultFile+"="+resultPath)
	stdout := &cappedBuffer{limit: maxCaptured}
	stderr := &cappedBuffer{limit: maxCaptured}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcessGroup(cmd)
	cmd.WaitDelay = e.KillGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultKillGrace
	}

	runErr := cmd.Run()

	var res Result
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if cmd.Process != nil {
		res.Metrics.PID = cmd.Process.Pid
	}
	if cmd.ProcessState != nil {
		res.Metrics.UserCPU = cmd.ProcessState.UserTime()
		res.Metrics.SystemCPU = cmd.ProcessState.SystemTime()
		res.Metrics.MaxRSSKB = maxRSS(cmd.ProcessState)
	}

	if runCtx.Err() != nil {
		return finalize(task, interrupted(ctx, runCtx), res)
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		// The worker never started.
		return finalize(task, outcome{Code: errcode.GeneralError, ErrorKind: "spawn", Message: runErr.Error()}, res)
	}

	o, ok := readOutcome(resultPath)
	if ok && exitedWith(cmd.ProcessState, o.Code.ExitCode()) {
		return finalize(task, o, res)
	}
	died := classifyExit(cmd.ProcessState, res.Stderr)
	if ok {
		died.Message = fmt.Sprintf("%s (result file reported %s", died.Message, o.Code)
		if o.Message != "" {
			died.Message += ": " + o.Message
		}
		died.Message += ")"
	}
	return finalize(task, died, res)
}

// exitedWith reports whether the worker terminated normally with status code.
// A result file only counts when the exit status agrees with it.
func exitedWith(state *os.ProcessState, code int) bool {
	return state != nil && state.Exited() && state.ExitCode() == code
}

func (e *Isolated) command() (string, []string, error) {
	if len(e.Command) > 0 {
		return e.Command[0], append([]string{}, e.Command[1:]...), nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("locating worker binary: %w", err)
	}
	return self, nil, nil
}

func readOutcome(path string) (outcome, bool) {
	b, err := os.ReadFile(path)
	if err != nil || len(b) == 0 {
		return outcome{}, false
	}
	var o outcome
	if err := json.Unmarshal(b, &o); err != nil || !o.Code.Valid() {
		return outcome{}, false
	}
	return o, true
}

// classifyExit maps a worker exit that is not backed by a matching result.
func classifyExit(state *os.ProcessState, stderr string) outcome {
	if state == nil {
		return outcome{Code: errcode.GeneralError, ErrorKind: "exit", Message: "worker state unavailable"}
	}
	if sig, ok := killedByLimit(state); ok {
		return outcome{Code: errcode.ResourceLimitExceeded, ErrorKind: "signal", Message: "worker terminated by " + sig}
	}
	if strings.Contains(stderr, "out of memory") || strings.Contains(stderr, "cannot allocate memory") {
		return outcome{Code: errcode.ResourceLimitExceeded, ErrorKind: "oom", Message: "worker ran out of memory"}
	}
	code := errcode.FromExitCode(state.ExitCode())
	if code == errcode.Success {
		code = errcode.GeneralError
	}
	return outcome{
		Code:      code,
		ErrorKind: "exit",
		Message:   fmt.Sprintf("worker exited with status %d: %s", state.ExitCode(), lastLine(stderr)),
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// cappedBuffer keeps the first limit bytes written to it and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n[truncated]"
	}
	return c.buf.String()
}
