package typeflow

import (
	"errors"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"

	"github.com/715d/typeflow/pkg/pointsto"
)

// ErrBadConfig is wrapped by configuration validation errors.
var ErrBadConfig = errors.New("invalid configuration")

// Config holds the analysis settings that may come from a YAML file. The
// zero value analyzes context-insensitively with one worker per CPU.
type Config struct {
	// Context is the context policy: insensitive, callsite or receiver.
	Context string `yaml:"context"`

	// Depth is the context depth k of callsite and receiver policies.
	Depth int `yaml:"depth"`

	// Workers is the number of solver goroutines. Zero means GOMAXPROCS.
	Workers int `yaml:"workers"`

	// BuildTags are applied when loading packages.
	BuildTags []string `yaml:"build_tags"`

	// Tests includes test files and test functions as roots.
	Tests bool `yaml:"tests"`

	// Roots are extra root functions by canonical name.
	Roots []string `yaml:"roots"`

	// Funcs restricts the report to functions whose name contains one of
	// the patterns.
	Funcs []string `yaml:"funcs"`

	// SkipExported does not treat the exported API of library packages as
	// roots.
	SkipExported bool `yaml:"skip_exported"`

	// CallGraph adds the discovered call edges of reported functions to
	// the report.
	CallGraph bool `yaml:"call_graph"`
}

// DefaultDepth is the context depth used when a sensitive policy is
// selected without a depth.
const DefaultDepth = 1

// LoadConfig reads a YAML config file. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if _, err := c.Policy(); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers %d: %w", c.Workers, ErrBadConfig)
	}
	return nil
}

// Policy returns the context policy the config selects.
func (c *Config) Policy() (pointsto.ContextPolicy, error) {
	if c.Depth < 0 {
		return nil, fmt.Errorf("depth %d: %w", c.Depth, ErrBadConfig)
	}
	depth := c.Depth
	if depth == 0 {
		depth = DefaultDepth
	}
	policy, ok := pointsto.ParsePolicy(c.Context, depth)
	if !ok {
		return nil, fmt.Errorf("context policy %q: %w", c.Context, ErrBadConfig)
	}
	return policy, nil
}
