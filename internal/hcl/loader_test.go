package hcl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/stagegridgo/internal/config"
	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/resources"
	"github.com/specialistvlad/stagegridgo/internal/retry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestLoad_FullPipeline(t *testing.T) {
	// --- Arrange ---
	dir := writeFiles(t, map[string]string{"imaging.hcl": `
settings {
  max_concurrency     = 2
  continue_on_failure = true
  output_root         = "./products"
  default_mode        = "auto"
}

inputs {
  observation = "2025-06-01T12:00:00"
  antennas    = 110
}

stage "ingest" {
  uses        = "test_echo"
  mode        = "isolated"
  timeout     = "10m"
  max_retries = 2
  limits {
    memory_mb   = 4096
    cpu_seconds = 600
    omp_threads = 4
  }
  retry {
    strategy   = "linear"
    base_delay = "5s"
    retryable  = ["io_error", "TIMEOUT"]
  }
  config {
    outputs = { ms = "out/raw.ms", obs = inputs.observation }
    tags    = ["a", "b"]
  }
}

stage "test_echo" {
  depends_on = ["ingest"]
}
`})
	loader := NewLoader(testutil.Registry())

	// --- Act ---
	p, err := loader.Load(context.Background(), dir)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, "imaging", p.Name)
	require.NotNil(t, p.Settings.MaxConcurrency)
	assert.Equal(t, 2, *p.Settings.MaxConcurrency)
	assert.True(t, *p.Settings.ContinueOnFailure)
	assert.Equal(t, "./products", *p.Settings.OutputRoot)
	assert.Equal(t, stage.ModeAuto, *p.Settings.DefaultMode)
	assert.Equal(t, map[string]any{"observation": "2025-06-01T12:00:00", "antennas": float64(110)}, p.Inputs)

	linear := retry.Linear
	fiveSeconds := 5 * time.Second
	want := []*config.StageSpec{
		{
			Name:       "ingest",
			Uses:       testutil.KeyEcho,
			Mode:       stage.ModeIsolated,
			Timeout:    10 * time.Minute,
			MaxRetries: stage.Retries(2),
			Limits:     resources.Limits{MemoryMB: 4096, CPUSeconds: 600, OMPThreads: 4},
			Retry: &retry.Override{
				Strategy:  &linear,
				BaseDelay: &fiveSeconds,
				Retryable: []errcode.Code{errcode.IOError, errcode.Timeout},
			},
			Config: map[string]any{
				"outputs": map[string]any{"ms": "out/raw.ms", "obs": "2025-06-01T12:00:00"},
				"tags":    []any{"a", "b"},
			},
		},
		{Name: testutil.KeyEcho, Uses: testutil.KeyEcho, DependsOn: []string{"ingest"}},
	}
	if diff := cmp.Diff(want, p.Stages); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_MergesFiles(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a.hcl":        `inputs { root = "/data" }`,
		"nested/b.hcl": `stage "test_echo" { config { path = "${inputs.root}/x" } }`,
		"ignored.txt":  `not hcl`,
	})

	p, err := NewLoader(nil).Load(context.Background(), dir)

	require.NoError(t, err)
	assert.Equal(t, "a", p.Name)
	require.Len(t, p.Stages, 1)
	assert.Equal(t, map[string]any{"path": "/data/x"}, p.Stages[0].Config)
}

func TestLoad_Errors(t *testing.T) {
	testCases := []struct {
		name string
		src  string
		want string
	}{
		{"syntax", `stage "a" {`, "failed to parse"},
		{"unknown block", `pipeline {}`, "failed to decode"},
		{"unknown uses", `stage "a" { uses = "nope" }`, "unknown stage implementation 'nope'"},
		{"bad mode", `stage "test_echo" { mode = "remote" }`, "invalid execution mode"},
		{"bad timeout", `stage "test_echo" { timeout = "soon" }`, "invalid timeout"},
		{"negative retries", `stage "test_echo" { max_retries = -1 }`, "max_retries"},
		{"bad retry strategy", `stage "test_echo" { retry { strategy = "random" } }`, "unknown backoff strategy"},
		{"bad retry delay", `stage "test_echo" { retry { base_delay = "later" } }`, "invalid base_delay"},
		{"bad retryable code", `stage "test_echo" { retry { retryable = ["oops"] } }`, "unknown error code"},
		{"negative limit", `stage "test_echo" { limits { memory_mb = -1 } }`, "memory_mb"},
		{"duplicate stage", "stage \"test_echo\" {}\nstage \"test_echo\" {}", "already declared"},
		{"duplicate input", "inputs { a = 1 }\ninputs { a = 2 }", "more than once"},
		{"undefined input", `stage "test_echo" { config { x = inputs.missing } }`, "invalid config"},
		{"bad default mode", `settings { default_mode = "x" }`, "settings"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeFiles(t, map[string]string{"p.hcl": tc.src})
			_, err := NewLoader(testutil.Registry()).Load(context.Background(), dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("missing path", func(t *testing.T) {
		_, err := NewLoader(nil).Load(context.Background(), filepath.Join(t.TempDir(), "none"))
		require.Error(t, err)
	})

	t.Run("no hcl files", func(t *testing.T) {
		dir := writeFiles(t, map[string]string{"readme.md": "#"})
		_, err := NewLoader(nil).Load(context.Background(), dir)
		require.ErrorContains(t, err, "no .hcl pipeline files")
	})
}

func TestCtyToNative_Null(t *testing.T) {
	dir := writeFiles(t, map[string]string{"p.hcl": `inputs { nothing = null }`})
	p, err := NewLoader(nil).Load(context.Background(), dir)
	require.NoError(t, err)
	v, ok := p.Inputs["nothing"]
	assert.True(t, ok)
	assert.Nil(t, v)
}
