package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/resources"
	"github.com/specialistvlad/stagegridgo/internal/retry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "STAGEGRID_"

// Settings configure the orchestrator and the process around it.
type Settings struct {
	MaxConcurrency    int              `yaml:"max_concurrency"`
	MemoryBudgetMB    int64            `yaml:"memory_budget_mb"`
	ContinueOnFailure bool             `yaml:"continue_on_failure"`
	OutputRoot        string           `yaml:"output_root"`
	OrganizePaths     bool             `yaml:"organize_paths"`
	DefaultMode       stage.Mode       `yaml:"default_mode"`
	DefaultTimeout    time.Duration    `yaml:"default_timeout"`
	Limits            resources.Limits `yaml:"limits"`
	Retry             retry.Policy     `yaml:"retry"`
	// WorkerCommand starts isolated workers. Empty means the current binary.
	WorkerCommand []string `yaml:"worker_command"`

	CheckpointDir   string `yaml:"checkpoint_dir"`
	DeadLetterDir   string `yaml:"dead_letter_dir"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	HealthcheckPort int    `yaml:"healthcheck_port"`
	SocketIOURL     string `yaml:"socketio_url"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		MaxConcurrency: 4,
		OutputRoot:     "products",
		OrganizePaths:  true,
		DefaultMode:    stage.ModeInProcess,
		Retry:          retry.Default(),
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// LoadFile overlays the YAML file at path onto s. Keys absent from the file
// keep their current value.
func (s *Settings) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode settings file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays STAGEGRID_* variables found through lookup onto s.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	integer64 := func(name string, dst *int64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	integer("MAX_CONCURRENCY", &s.MaxConcurrency)
	integer64("MEMORY_BUDGET_MB", &s.MemoryBudgetMB)
	boolean("CONTINUE_ON_FAILURE", &s.ContinueOnFailure)
	str("OUTPUT_ROOT", &s.OutputRoot)
	boolean("ORGANIZE_PATHS", &s.OrganizePaths)
	var mode string
	str("DEFAULT_MODE", &mode)
	if mode != "" {
		s.DefaultMode = stage.Mode(mode)
	}
	duration("DEFAULT_TIMEOUT", &s.DefaultTimeout)
	integer64("DEFAULT_MEMORY_MB", &s.Limits.MemoryMB)
	integer64("DEFAULT_CPU_SECONDS", &s.Limits.CPUSeconds)
	integer("DEFAULT_OMP_THREADS", &s.Limits.OMPThreads)
	integer("MAX_RETRIES", &s.Retry.MaxRetries)
	duration("RETRY_BASE_DELAY", &s.Retry.BaseDelay)
	str("CHECKPOINT_DIR", &s.CheckpointDir)
	str("DEAD_LETTER_DIR", &s.DeadLetterDir)
	str("LOG_LEVEL", &s.LogLevel)
	str("LOG_FORMAT", &s.LogFormat)
	integer("HEALTHCHECK_PORT", &s.HealthcheckPort)
	str("SOCKETIO_URL", &s.SocketIOURL)
	return errors.Join(errs...)
}

// ApplyPipeline overlays the settings a pipeline file pins.
func (s *Settings) ApplyPipeline(o Overrides) {
	if o.MaxConcurrency != nil {
		s.MaxConcurrency = *o.MaxConcurrency
	}
	if o.ContinueOnFailure != nil {
		s.ContinueOnFailure = *o.ContinueOnFailure
	}
	if o.OutputRoot != nil {
		s.OutputRoot = *o.OutputRoot
	}
	if o.DefaultMode != nil {
		s.DefaultMode = *o.DefaultMode
	}
}

// Validate reports every invalid field.
func (s Settings) Validate() error {
	var errs []error
	if s.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("max_concurrency must be >= 1, got %d", s.MaxConcurrency))
	}
	if s.MemoryBudgetMB < 0 {
		errs = append(errs, fmt.Errorf("memory_budget_mb must be >= 0, got %d", s.MemoryBudgetMB))
	}
	if _, err := stage.ParseMode(string(s.DefaultMode)); err != nil {
		errs = append(errs, err)
	}
	if s.DefaultTimeout < 0 {
		errs = append(errs, fmt.Errorf("default_timeout must be >= 0, got %s", s.DefaultTimeout))
	}
	if err := s.Limits.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := s.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log-level %q: must be 'debug', 'info', 'warn', or 'error'", s.LogLevel))
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log-format %q: must be 'text' or 'json'", s.LogFormat))
	}
	if s.HealthcheckPort < 0 || s.HealthcheckPort > 65535 {
		errs = append(errs, fmt.Errorf("healthcheck_port out of range: %d", s.HealthcheckPort))
	}
	return errors.Join(errs...)
}
