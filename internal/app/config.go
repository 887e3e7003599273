package app

import (
	"errors"
	"os"

	"github.com/specialistvlad/stagegridgo/internal/config"
)

// Config holds everything an App needs beyond the pipeline files themselves.
type Config struct {
	// PipelinePaths are .hcl files or directories containing them.
	PipelinePaths []string
	// SettingsFile is an optional YAML settings file.
	SettingsFile string
	// Overrides are applied last, after the pipeline file's own settings.
	// The CLI uses them for explicitly passed flags.
	Overrides []func(*config.Settings)
	// Resume restores stages from checkpoints when a checkpoint directory
	// is configured.
	Resume bool
	// ReportPath, when set, receives the YAML run report.
	ReportPath string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// NewConfig validates cfg.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.PipelinePaths) == 0 {
		return nil, errors.New("at least one pipeline path is required")
	}
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}
	return &cfg, nil
}

// settings layers defaults, the settings file, the environment, the pipeline
// file and finally the explicit overrides. pipeline may be nil.
func (c *Config) settings(pipeline *config.Overrides) (config.Settings, error) {
	s := config.Defaults()
	if c.SettingsFile != "" {
		if err := s.LoadFile(c.SettingsFile); err != nil {
			return s, err
		}
	}
	lookup := c.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := s.ApplyEnv(lookup); err != nil {
		return s, err
	}
	if pipeline != nil {
		s.ApplyPipeline(*pipeline)
	}
	for _, o := range c.Overrides {
		o(&s)
	}
	return s, s.Validate()
}
