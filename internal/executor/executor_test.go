package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/resources"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
	"github.com/specialistvlad/stagegridgo/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if testutil.IsWorker() {
		os.Exit(ServeWorker(context.Background(), testutil.Registry(), os.Args[1:], os.Stderr))
	}
	os.Exit(m.Run())
}

func newInProcess() *InProcess {
	return NewInProcess(testutil.Registry(), resources.NewManager())
}

func newIsolated(t *testing.T) *Isolated {
	t.Helper()
	return &Isolated{
		Command:   []string{os.Args[0]},
		Env:       []string{testutil.WorkerEnvEntry()},
		Resources: resources.NewManager(),
		KillGrace: 2 * time.Second,
		TempDir:   t.TempDir(),
	}
}

func newTask(t *testing.T, name, uses string, cfg map[string]any) Task {
	t.Helper()
	base := t.TempDir()
	return Task{
		RunID:         "run-1",
		JobID:         "job-1",
		Stage:         name,
		Uses:          uses,
		Config:        cfg,
		Context:       stagectx.New(map[string]any{"mode": "test"}, map[string]any{"n": 1}, stagectx.Metadata{}),
		Attempt:       1,
		OrganizePaths: true,
		OutputRoot:    filepath.Join(base, "products"),
		WorkDir:       filepath.Join(base, "work", name),
	}
}

func TestInProcess_Success(t *testing.T) {
	task := newTask(t, "echo", testutil.KeyEcho, map[string]any{"outputs": map[string]any{"count": 3, "label": "x"}})

	res := newInProcess().Run(context.Background(), task)

	require.True(t, res.Success, res.Message)
	assert.Equal(t, errcode.Success, res.Code)
	assert.Equal(t, 0, res.ReturnCode)
	assert.Equal(t, stage.ModeInProcess, res.Mode)
	assert.Equal(t, map[string]any{"count": float64(3), "label": "x"}, res.Outputs)
	assert.Empty(t, res.OutputPaths)
	assert.False(t, res.EndedAt.Before(res.StartedAt))
}

func TestInProcess_UsesProvidedImplementation(t *testing.T) {
	task := newTask(t, "custom", "", nil)
	task.Impl = &stage.Funcs{
		StageName: "custom",
		ExecuteFn: func(_ context.Context, sc stagectx.Context) (stagectx.Context, error) {
			n, _ := sc.Input("n")
			assert.Equal(t, float64(1), n, "inputs are JSON-normalised")
			assert.Equal(t, 1, sc.Meta().Attempt)
			assert.Equal(t, "run-1", sc.Meta().RunID)
			return sc.WithOutput("ok", true), nil
		},
	}

	res := NewInProcess(nil, nil).Run(context.Background(), task)

	require.True(t, res.Success, res.Message)
	assert.Equal(t, map[string]any{"ok": true}, res.Outputs)
}

func TestInProcess_Failures(t *testing.T) {
	tests := []struct {
		name     string
		uses     string
		cfg      map[string]any
		wantCode errcode.Code
		wantKind string
	}{
		{"coded error", testutil.KeyFail, map[string]any{"code": "IO_ERROR"}, errcode.IOError, ""},
		{"panic", testutil.KeyPanic, nil, errcode.GeneralError, "panic"},
		{"unknown implementation", "does_not_exist", nil, errcode.ValidationError, "resolve"},
		{"bad config", testutil.KeyEcho, map[string]any{"nope": 1}, errcode.ValidationError, "resolve"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newInProcess().Run(context.Background(), newTask(t, "s", tt.uses, tt.cfg))

			assert.False(t, res.Success)
			assert.Equal(t, tt.wantCode, res.Code)
			assert.Equal(t, tt.wantCode.ExitCode(), res.ReturnCode)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, res.ErrorKind)
			}
			assert.NotEmpty(t, res.Message)
			assert.Error(t, res.Err())
		})
	}
}

func TestInProcess_Timeout(t *testing.T) {
	task := newTask(t, "slow", testutil.KeySleep, map[string]any{"duration": "2s"})
	task.Timeout = 100 * time.Millisecond

	start := time.Now()
	res := newInProcess().Run(context.Background(), task)

	assert.Equal(t, errcode.Timeout, res.Code)
	assert.Less(t, time.Since(start), time.Second)
}

func TestInProcess_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := newTask(t, "slow", testutil.KeySleep, map[string]any{"duration": "2s"})
	time.AfterFunc(50*time.Millisecond, cancel)

	res := newInProcess().Run(ctx, task)

	assert.Equal(t, errcode.Cancelled, res.Code)
}

func TestInProcess_AppliesThreadHints(t *testing.T) {
	t.Setenv("OMP_NUM_THREADS", "64")
	task := newTask(t, "env", testutil.KeyEnv, nil)
	task.Limits = resources.Limits{OMPThreads: 3, MKLThreads: 2}

	res := newInProcess().Run(context.Background(), task)

	require.True(t, res.Success, res.Message)
	assert.Equal(t, "3", res.Outputs["omp_threads"])
	assert.Equal(t, "2", res.Outputs["mkl_threads"])
	assert.Equal(t, "64", os.Getenv("OMP_NUM_THREADS"), "guard restores the process value")
}

func TestIsolated_Success(t *testing.T) {
	task := newTask(t, "writer", testutil.KeyWriteFile, map[string]any{"key": "image", "file": "img/sky.fits", "content": "pixels"})

	res := newIsolated(t).Run(context.Background(), task)

	require.True(t, res.Success, "%s\n%s", res.Message, res.Stderr)
	assert.Equal(t, stage.ModeIsolated, res.Mode)
	want := filepath.Join(task.OutputRoot, "run-1", "writer", "image", "sky.fits")
	assert.Equal(t, map[string]string{"image": want}, res.OutputPaths)
	assert.Equal(t, map[string]any{"image_bytes": float64(6)}, res.Outputs)
	b, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(b))
	assert.NotZero(t, res.Metrics.PID)
}

func TestIsolated_Failures(t *testing.T) {
	tests := []struct {
		name     string
		uses     string
		cfg      map[string]any
		wantCode errcode.Code
	}{
		{"external tool", testutil.KeyFail, map[string]any{"code": "EXTERNAL_TOOL_FAILURE"}, errcode.ExternalToolFailure},
		{"validation", testutil.KeyFail, map[string]any{"code": "VALIDATION_ERROR"}, errcode.ValidationError},
		{"panic", testutil.KeyPanic, nil, errcode.GeneralError},
		{"unknown implementation", "does_not_exist", nil, errcode.ValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newIsolated(t).Run(context.Background(), newTask(t, "s", tt.uses, tt.cfg))

			assert.False(t, res.Success)
			assert.Equal(t, tt.wantCode, res.Code, res.Stderr)
			assert.Equal(t, tt.wantCode.ExitCode(), res.ReturnCode)
		})
	}
}

func TestIsolated_RequiresRegistryKey(t *testing.T) {
	res := newIsolated(t).Run(context.Background(), newTask(t, "anon", "", nil))

	assert.Equal(t, errcode.ValidationError, res.Code)
	assert.Contains(t, res.Message, "no registry key")
}

func TestIsolated_PassesThreadHints(t *testing.T) {
	task := newTask(t, "env", testutil.KeyEnv, nil)
	task.Limits = resources.Limits{OMPThreads: 5}

	res := newIsolated(t).Run(context.Background(), task)

	require.True(t, res.Success, res.Stderr)
	assert.Equal(t, "5", res.Outputs["omp_threads"])
}

func TestIsolated_MissingWorkerBinary(t *testing.T) {
	iso := newIsolated(t)
	iso.Command = []string{filepath.Join(t.TempDir(), "no-such-binary")}

	res := iso.Run(context.Background(), newTask(t, "s", testutil.KeyEcho, nil))

	assert.Equal(t, errcode.GeneralError, res.Code)
	assert.Equal(t, "spawn", res.ErrorKind)
}

func TestExecutorParity(t *testing.T) {
	task := newTask(t, "imaging", testutil.KeyWriteFile, map[string]any{"key": "ms", "file": "raw.ms", "content": "vis"})

	inRes := newInProcess().Run(context.Background(), task)
	require.True(t, inRes.Success, inRes.Message)

	isoRes := newIsolated(t).Run(context.Background(), task)
	require.True(t, isoRes.Success, isoRes.Stderr)

	assert.Equal(t, inRes.OutputPaths, isoRes.OutputPaths)
	assert.Equal(t, inRes.Outputs, isoRes.Outputs)
	assert.Equal(t, inRes.Code, isoRes.Code)
	assert.NotEqual(t, inRes.Mode, isoRes.Mode)
}

func TestServeWorkerRequiresPaths(t *testing.T) {
	var errW testutil.SafeBuffer
	code := ServeWorker(context.Background(), testutil.Registry(), []string{"worker"}, &errW)

	assert.Equal(t, errcode.ValidationError.ExitCode(), code)
	assert.Contains(t, errW.String(), "--task and --result")
}

func TestRunWorkerWritesResult(t *testing.T) {
	dir := t.TempDir()
	task := newTask(t, "echo", testutil.KeyEcho, map[string]any{"outputs": map[string]any{"k": "v"}})
	in, err := attemptContext(task)
	require.NoError(t, err)
	task.Context = in

	taskPath := filepath.Join(dir, "task.json")
	resultPath := filepath.Join(dir, "result.json")
	b, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(taskPath, b, 0o600))

	code := RunWorker(context.Background(), testutil.Registry(), taskPath, resultPath)

	assert.Equal(t, 0, code)
	o, ok := readOutcome(resultPath)
	require.True(t, ok)
	assert.True(t, o.Success)
	assert.Equal(t, map[string]any{"k": "v"}, o.Outputs)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "abcd\n[truncated]", b.String())
}
