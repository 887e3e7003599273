package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/stagegridgo/internal/config"
	"github.com/specialistvlad/stagegridgo/internal/deadletter"
	"github.com/specialistvlad/stagegridgo/internal/orchestrator"
	"github.com/specialistvlad/stagegridgo/internal/recordstore"
	"github.com/specialistvlad/stagegridgo/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRun_Completed(t *testing.T) {
	// --- Arrange ---
	report := filepath.Join(t.TempDir(), "report.yaml")
	a, logs := setupApp(t, `
inputs {
  field = "3C286"
}

stage "calibrate" {
  uses = "test_echo"
  config {
    outputs = { gain = 1.5, field = inputs.field }
  }
}

stage "image" {
  uses       = "test_echo"
  depends_on = ["calibrate"]
  config {
    outputs = { rms = 0.01 }
  }
}
`, Config{ReportPath: report})

	// --- Act ---
	res, err := a.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Completed, res.Status)
	assert.Equal(t, 0, ExitCode(res.Status))
	assert.Equal(t, [][]string{{"calibrate"}, {"image"}}, res.Layers)
	assert.Contains(t, logs.String(), "Starting pipeline")

	b, err := os.ReadFile(report)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(b, &doc))
	assert.Equal(t, "pipeline", doc["pipeline"])
	assert.Equal(t, "COMPLETED", doc["status"])
	assert.Equal(t, map[string]any{"gain": 1.5, "field": "3C286", "rms": 0.01}, doc["outputs"])
}

func TestRun_PartialAndFailed(t *testing.T) {
	src := `
settings {
  continue_on_failure = %t
}

stage "broken" {
  uses = "test_fail"
}

stage "downstream" {
  uses       = "test_echo"
  depends_on = ["broken"]
}

stage "independent" {
  uses = "test_echo"
}
`
	testCases := []struct {
		name       string
		cont       bool
		wantStatus orchestrator.Status
		wantExit   int
	}{
		{"continue on failure", true, orchestrator.Partial, 3},
		{"fail fast", false, orchestrator.Failed, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := setupApp(t, fmt.Sprintf(src, tc.cont), Config{})

			res, err := a.Run(context.Background())

			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, res.Status)
			assert.Equal(t, tc.wantExit, ExitCode(res.Status))
			rec, _ := res.Stage("downstream")
			assert.Equal(t, recordstore.Skipped, rec.Status)
			assert.Equal(t, "broken", rec.SkippedBy)
		})
	}
}

func TestRun_IsolatedStageProducesCanonicalArtifact(t *testing.T) {
	// --- Arrange ---
	t.Setenv(testutil.WorkerEnv, "1")
	a, _ := setupApp(t, `
stage "write" {
  uses = "test_write_file"
  mode = "isolated"
  config {
    key     = "img"
    file    = "raw/image.fits"
    content = "pixels"
  }
}
`, Config{Overrides: []func(*config.Settings){func(s *config.Settings) {
		s.WorkerCommand = []string{os.Args[0]}
	}}})

	// --- Act ---
	res, err := a.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, orchestrator.Completed, res.Status, res.Stages)
	rec, _ := res.Stage("write")
	want := filepath.Join(a.Settings().OutputRoot, res.RunID, "write", "img", "image.fits")
	assert.Equal(t, want, rec.OutputPaths["img"])
	b, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(b))
}

func TestRun_ResumeFromCheckpoint(t *testing.T) {
	checkpoints, products := t.TempDir(), t.TempDir()
	pipeline := writePipeline(t, map[string]string{"resume.hcl": `
stage "slow" {
  uses = "test_echo"
  config {
    outputs = { value = 42 }
  }
}
`})
	cfg := Config{
		PipelinePaths: []string{pipeline},
		Resume:        true,
		Overrides: []func(*config.Settings){func(s *config.Settings) {
			s.CheckpointDir = checkpoints
			s.OutputRoot = products
		}},
	}

	first, _ := setupApp(t, "", cfg)
	res, err := first.Run(context.Background())
	require.NoError(t, err)
	rec, _ := res.Stage("slow")
	assert.False(t, rec.Restored)
	require.NoError(t, first.Close())

	second, logs := setupApp(t, "", cfg)
	res, err = second.Run(context.Background())
	require.NoError(t, err)
	rec, _ = res.Stage("slow")
	assert.True(t, rec.Restored)
	assert.Equal(t, orchestrator.Completed, res.Status)
	assert.Contains(t, logs.String(), "Restored stage from checkpoint")
}

func TestRun_DeadLettersFailedStage(t *testing.T) {
	// --- Arrange ---
	dir := t.TempDir()
	a, logs := setupApp(t, `
stage "broken" {
  uses = "test_fail"
  config {
    code    = "IO_ERROR"
    message = "disk went away"
  }
}
`, Config{Overrides: []func(*config.Settings){func(s *config.Settings) {
		s.DeadLetterDir = dir
		s.Retry.MaxRetries = 1
	}}})

	// --- Act ---
	res, err := a.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Failed, res.Status)
	require.NotNil(t, a.DeadLetters())
	entries, err := a.DeadLetters().Unresolved(context.Background(), deadletter.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "broken", entries[0].Stage)
	assert.Equal(t, "test_fail", entries[0].Uses)
	assert.Equal(t, deadletter.RetriesExhausted, entries[0].Reason)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Contains(t, entries[0].Message, "disk went away")
	assert.Equal(t, res.RunID, entries[0].RunID)
	assert.Contains(t, logs.String(), "Stage sent to dead-letter queue")
}

func TestValidate(t *testing.T) {
	a, _ := setupApp(t, `
stage "a" { uses = "test_echo" }
stage "b" {
  uses       = "test_echo"
  depends_on = ["a"]
}
stage "c" {
  uses       = "test_echo"
  depends_on = ["a"]
}
`, Config{})

	layers, err := a.Validate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}}, layers)
}

func TestNewApp_Errors(t *testing.T) {
	testCases := []struct {
		name string
		src  string
		want string
	}{
		{"unknown implementation", `stage "a" { uses = "missing" }`, "unknown stage implementation"},
		{"syntax", `stage "a" {`, "failed to load pipeline"},
		{"invalid pipeline settings", `settings { max_concurrency = 0 }`, "max_concurrency"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewConfig(Config{
				PipelinePaths: []string{writePipeline(t, map[string]string{"p.hcl": tc.src})},
				LookupEnv:     noEnv,
			})
			require.NoError(t, err)

			_, err = NewApp(context.Background(), io.Discard, cfg, nil, testutil.Module{})

			require.ErrorContains(t, err, tc.want)
		})
	}

	t.Run("cycle is reported by validate", func(t *testing.T) {
		a, _ := setupApp(t, `
stage "a" {
  uses       = "test_echo"
  depends_on = ["b"]
}
stage "b" {
  uses       = "test_echo"
  depends_on = ["a"]
}
`, Config{})
		_, err := a.Validate(context.Background())
		require.ErrorContains(t, err, "cycle")
	})
}

func TestSettingsPrecedence(t *testing.T) {
	settingsFile := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(settingsFile, []byte("max_concurrency: 5\nmemory_budget_mb: 100\noutput_root: from-file\n"), 0o644))
	env := map[string]string{"STAGEGRID_MAX_CONCURRENCY": "6", "STAGEGRID_MEMORY_BUDGET_MB": "200"}
	cfg := &Config{
		SettingsFile: settingsFile,
		LookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
	}

	s, err := cfg.settings(nil)
	require.NoError(t, err)
	assert.Equal(t, 6, s.MaxConcurrency, "env beats file")
	assert.Equal(t, int64(200), s.MemoryBudgetMB)
	assert.Equal(t, "from-file", s.OutputRoot)

	seven := 7
	s, err = cfg.settings(&config.Overrides{MaxConcurrency: &seven})
	require.NoError(t, err)
	assert.Equal(t, 7, s.MaxConcurrency, "pipeline beats env")

	cfg.Overrides = []func(*config.Settings){func(s *config.Settings) { s.MaxConcurrency = 8 }}
	s, err = cfg.settings(&config.Overrides{MaxConcurrency: &seven})
	require.NoError(t, err)
	assert.Equal(t, 8, s.MaxConcurrency, "flags beat everything")
}

func TestHealthcheckServer(t *testing.T) {
	// --- Arrange ---
	a, _ := setupApp(t, `stage "a" { uses = "test_echo" }`, Config{})
	_, err := a.Run(context.Background())
	require.NoError(t, err)

	addr, err := a.startHealthcheckServer(0, a.Gatherer())
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	base := "http://127.0.0.1:" + port

	// --- Act ---
	health, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	metricsResp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)

	// --- Assert ---
	assert.Equal(t, http.StatusOK, health.StatusCode)
	assert.Contains(t, string(body), `stagegrid_runs_total{status="COMPLETED"} 1`)
	assert.Contains(t, string(body), "stagegrid_stage_attempts_total")
}
