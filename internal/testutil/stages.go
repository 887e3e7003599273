package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// Registry keys of the test stages. They are usable from isolated workers
// because they only depend on their configuration.
const (
	KeyEcho      = "test_echo"
	KeyWriteFile = "test_write_file"
	KeySleep     = "test_sleep"
	KeyFail      = "test_fail"
	KeyFlaky     = "test_flaky"
	KeyPanic     = "test_panic"
	KeyEnv       = "test_env"
	KeyBusy      = "test_busy"
)

// WorkerEnv marks a re-executed test binary as an isolated worker.
const WorkerEnv = "STAGEGRID_TEST_WORKER"

// WorkerEnvEntry is the environment entry isolated executors in tests add.
func WorkerEnvEntry() string { return WorkerEnv + "=1" }

// IsWorker reports whether the current process was started as a test worker.
func IsWorker() bool { return os.Getenv(WorkerEnv) == "1" }

// Module registers the test stages.
type Module struct{}

// Registry returns a fresh registry holding the test stages.
func Registry() *registry.Registry {
	r := registry.New()
	r.RegisterModules(Module{})
	return r
}

// Register implements registry.Module.
func (Module) Register(r *registry.Registry) {
	r.Register(KeyEcho, newEcho)
	r.Register(KeyWriteFile, newWriteFile)
	r.Register(KeySleep, newSleep)
	r.Register(KeyFail, newFail)
	r.Register(KeyFlaky, newFlaky)
	r.Register(KeyPanic, newPanic)
	r.Register(KeyEnv, newEnv)
	r.Register(KeyBusy, newBusy)
}

func newEcho(name string, cfg map[string]any) (stage.Stage, error) {
	var c struct {
		Outputs map[string]any `json:"outputs"`
	}
	if err := stage.DecodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	return &stage.Funcs{
		StageName: name,
		ExecuteFn: func(_ context.Context, sc stagectx.Context) (stagectx.Context, error) {
			return sc.WithOutputs(c.Outputs), nil
		},
	}, nil
}

func newWriteFile(name string, cfg map[string]any) (stage.Stage, error) {
	c := struct {
		Key     string `json:"key"`
		File    string `json:"file"`
		Content string `json:"content"`
	}{Key: "file", File: "out.txt"}
	if err := stage.DecodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	return &stage.Funcs{
		StageName: name,
		ExecuteFn: func(_ context.Context, sc stagectx.Context) (stagectx.Context, error) {
			path := filepath.Join(sc.Meta().WorkDir, c.File)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return sc, err
			}
			if err := os.WriteFile(path, []byte(c.Content), 0o644); err != nil {
				return sc, err
			}
			return sc.WithArtifact(c.Key, c.File).WithOutput(c.Key+"_bytes", len(c.Content)), nil
		},
	}, nil
}

func newSleep(name string, cfg map[string]any) (stage.Stage, error) {
	var c struct {
		Duration string `json:"duration"`
	}
	if err := stage.DecodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(c.Duration)
	if err != nil {
		return nil, fmt.Errorf("duration: %w", err)
	}
	return &stage.Funcs{
		StageName: name,
		ExecuteFn: func(ctx context.Context, sc stagectx.Context) (stagectx.Context, error) {
			// Deliberately ignores ctx so timeouts must be enforced from outside.
			time.Sleep(d)
			return sc.WithOutput("slept", c.Duration), nil
		},
	}, nil
}

func newFail(name string, cfg map[string]any) (stage.Stage, error) {
	c := struct {
		Code    errcode.Code `json:"code"`
		Message string       `json:"message"`
	}{Code: errcode.GeneralError, Message: "configured failure"}
	if err := stage.DecodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	return &stage.Funcs{
		StageName: name,
		ExecuteFn: func(_ context.Context, sc stagectx.Context) (stagectx.Context, error) {
			return sc, errcode.Errorf(c.Code, "%s", c.Message)
		},
	}, nil
}

func newFlaky(name string, cfg map[string]any) (stage.Stage, error) {
	c := struct {
		Failures int          `json:"failures"`
		Code     errcode.Code `json:"code"`
	}{Code: errcode.IOError}
	if err := stage.DecodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	return &stage.Funcs{
		StageName: name,
		ExecuteFn: func(_ context.Context, sc stagectx.Context) (stagectx.Context, error) {
			if sc.Meta().Attempt <= c.Failures {
				return sc, errcode.Errorf(c.Code, "attempt %d failed", sc.Meta().Attempt)
			}
			return sc.WithOutput("succeeded_on", sc.Meta().Attempt), nil
		},
	}, nil
}

func newPanic(name string, _ map[string]any) (stage.Stage, error) {
	return &stage.Funcs{
		StageName: name,
		ExecuteFn: func(context.Context, stagectx.Context) (stagectx.Context, error) {
			panic("boom")
		},
	}, nil
}

func newEnv(name string, _ map[string]any) (stage.Stage, error) {
	return &stage.Funcs{
		StageName: name,
		ExecuteFn: func(_ context.Context, sc stagectx.Context) (stagectx.Context, error) {
			return sc.WithOutputs(map[string]any{
				"omp_threads": os.Getenv("OMP_NUM_THREADS"),
				"mkl_threads": os.Getenv("MKL_NUM_THREADS"),
			}), nil
		},
	}, nil
}

// newBusy spins one CPU for the configured wall-clock duration, so it burns
// roughly that much CPU time.
func newBusy(name string, cfg map[string]any) (stage.Stage, error) {
	var c struct {
		Duration string `json:"duration"`
	}
	if err := stage.DecodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(c.Duration)
	if err != nil {
		return nil, fmt.Errorf("duration: %w", err)
	}
	return &stage.Funcs{
		StageName: name,
		ExecuteFn: func(ctx context.Context, sc stagectx.Context) (stagectx.Context, error) {
			deadline := time.Now().Add(d)
			var n uint64
			for time.Now().Before(deadline) && ctx.Err() == nil {
				for i := 0; i < 1_000_000; i++ {
					n = n*31 + uint64(i)
				}
			}
			return sc.WithOutput("spins", n%1000), nil
		},
	}, nil
}
