//go:build unix

package executor

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/resources"
	"github.com/specialistvlad/stagegridgo/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsolated_TimeoutKillsWorker(t *testing.T) {
	task := newTask(t, "slow", testutil.KeySleep, map[string]any{"duration": "5s"})
	task.Timeout = time.Second

	start := time.Now()
	res := newIsolated(t).Run(context.Background(), task)
	elapsed := time.Since(start)

	assert.Equal(t, errcode.Timeout, res.Code)
	assert.Equal(t, 124, res.ReturnCode)
	assert.Less(t, elapsed, 3*time.Second, "worker must be gone within the grace period")

	require.NotZero(t, res.Metrics.PID)
	err := syscall.Kill(res.Metrics.PID, 0)
	assert.True(t, errors.Is(err, syscall.ESRCH), "worker process still exists: %v", err)
}

func TestIsolated_CancelKillsWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	res := newIsolated(t).Run(ctx, newTask(t, "slow", testutil.KeySleep, map[string]any{"duration": "5s"}))

	assert.Equal(t, errcode.Cancelled, res.Code)
	assert.Less(t, res.Metrics.Duration, 3*time.Second)
}

func TestIsolated_ExitStatusMustAgreeWithResultFile(t *testing.T) {
	// The worker command receives "worker --task T --result R", so the result
	// path is $5 of the shell script.
	tests := []struct {
		name     string
		script   string
		wantCode errcode.Code
	}{
		{
			name:     "abort after writing success",
			script:   `printf '{"success":true,"code":"SUCCESS"}' > "$5"; kill -ABRT $$`,
			wantCode: errcode.GeneralError,
		},
		{
			name:     "non-zero exit after writing success",
			script:   `printf '{"success":true,"code":"SUCCESS"}' > "$5"; exit 3`,
			wantCode: errcode.ExternalToolFailure,
		},
		{
			name:     "out of memory after writing success",
			script:   `printf '{"success":true,"code":"SUCCESS"}' > "$5"; echo 'runtime/cgo: out of memory in thread_start' >&2; kill -ABRT $$`,
			wantCode: errcode.ResourceLimitExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newIsolated(t)
			e.Command = []string{"/bin/sh", "-c", tt.script, "sh"}

			res := e.Run(context.Background(), newTask(t, "echo", testutil.KeyEcho, nil))

			assert.False(t, res.Success)
			assert.Equal(t, tt.wantCode, res.Code)
			assert.Contains(t, res.Message, "result file reported SUCCESS")
		})
	}

	t.Run("matching status keeps the result", func(t *testing.T) {
		e := newIsolated(t)
		e.Command = []string{"/bin/sh", "-c", `printf '{"success":true,"code":"SUCCESS","outputs":{"k":"v"}}' > "$5"`, "sh"}

		res := e.Run(context.Background(), newTask(t, "echo", testutil.KeyEcho, nil))

		require.True(t, res.Success, res.Message)
		assert.Equal(t, map[string]any{"k": "v"}, res.Outputs)
	})
}

func TestHardLimitsOnlyApplyToIsolatedWorkers(t *testing.T) {
	limits := resources.Limits{CPUSeconds: 1}

	t.Run("isolated worker exceeding its CPU time is stopped", func(t *testing.T) {
		task := newTask(t, "busy", testutil.KeyBusy, map[string]any{"duration": "10s"})
		task.Limits = limits
		task.Timeout = 20 * time.Second

		res := newIsolated(t).Run(context.Background(), task)

		assert.False(t, res.Success)
		assert.Equal(t, errcode.ResourceLimitExceeded, res.Code, res.Message)
		assert.Less(t, res.Metrics.Duration, 10*time.Second, "the CPU limit must stop the worker before the stage finishes")
	})

	t.Run("in-process stage runs past the same limits", func(t *testing.T) {
		task := newTask(t, "busy", testutil.KeyBusy, map[string]any{"duration": "1500ms"})
		task.Limits = limits
		// MemoryMB is only a soft GC target in-process.
		task.Limits.MemoryMB = 64

		res := newInProcess().Run(context.Background(), task)

		require.True(t, res.Success, res.Message)
		assert.Equal(t, errcode.Success, res.Code)
	})
}
