// Package config loads engine settings from cask.toml or cask.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"gopkg.in/yaml.v3"

	"github.com/chazu/cask/vm"
)

// FileNames are the configuration files FindAndLoad looks for, in order.
var FileNames = []string{"cask.toml", "cask.yaml", "cask.yml"}

// Config holds every engine setting.
type Config struct {
	Heap        HeapConfig        `toml:"heap" yaml:"heap"`
	Interpreter InterpreterConfig `toml:"interpreter" yaml:"interpreter"`
	JIT         JITConfig         `toml:"jit" yaml:"jit"`
	Trace       TraceConfig       `toml:"trace" yaml:"trace"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging"`
	Debug       DebugConfig       `toml:"debug" yaml:"debug"`

	// Path is the file the config was read from; empty for defaults.
	Path string `toml:"-" yaml:"-"`
}

// HeapConfig bounds the managed heap.
type HeapConfig struct {
	Limit int64 `toml:"limit" yaml:"limit"` // bytes, 0 = unbounded
}

// InterpreterConfig controls the bytecode interpreter.
type InterpreterConfig struct {
	MaxCallDepth int `toml:"max-call-depth" yaml:"max-call-depth"`
}

// JITConfig controls background compilation of hot methods.
type JITConfig struct {
	Enabled   *bool  `toml:"enabled" yaml:"enabled"`
	Threshold uint64 `toml:"threshold" yaml:"threshold"`
	Workers   int    `toml:"workers" yaml:"workers"`
	Queue     int    `toml:"queue" yaml:"queue"`
	// ArtifactDir, when set, receives an encoded artifact per compiled unit.
	ArtifactDir string `toml:"artifact-dir" yaml:"artifact-dir"`
}

// TraceConfig selects the execution trace database.
type TraceConfig struct {
	Database string `toml:"database" yaml:"database"` // empty disables tracing
}

// LoggingConfig sets log verbosity.
type LoggingConfig struct {
	Verbosity int    `toml:"verbosity" yaml:"verbosity"`
	File      string `toml:"file" yaml:"file"`
}

// DebugConfig holds developer switches.
type DebugConfig struct {
	DetectDeadlocks bool `toml:"detect-deadlocks" yaml:"detect-deadlocks"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads a configuration file. The format follows the extension:
// .yaml and .yml are YAML, anything else is TOML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &c)
	default:
		err = toml.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	c.Path = abs
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir looking for a configuration file.
// Returns nil, nil if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return Load(path)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (c *Config) applyDefaults() {
	d := vm.DefaultOptions()
	if c.Interpreter.MaxCallDepth == 0 {
		c.Interpreter.MaxCallDepth = d.MaxCallDepth
	}
	if c.JIT.Enabled == nil {
		enabled := d.JITEnabled
		c.JIT.Enabled = &enabled
	}
	if c.JIT.Threshold == 0 {
		c.JIT.Threshold = d.JITThreshold
	}
	if c.JIT.Workers == 0 {
		c.JIT.Workers = d.JITWorkers
	}
	if c.JIT.Queue == 0 {
		c.JIT.Queue = d.JITQueue
	}
}

// Validate rejects settings the engine cannot honour.
func (c *Config) Validate() error {
	switch {
	case c.Heap.Limit < 0:
		return fmt.Errorf("heap limit must not be negative, got %d", c.Heap.Limit)
	case c.Interpreter.MaxCallDepth < 0:
		return fmt.Errorf("max-call-depth must not be negative, got %d", c.Interpreter.MaxCallDepth)
	case c.JIT.Workers < 0:
		return fmt.Errorf("jit workers must not be negative, got %d", c.JIT.Workers)
	case c.JIT.Queue < 0:
		return fmt.Errorf("jit queue must not be negative, got %d", c.JIT.Queue)
	}
	return nil
}

// JITEnabled reports whether background compilation is on.
func (c *Config) JITEnabled() bool {
	return c.JIT.Enabled == nil || *c.JIT.Enabled
}

// VMOptions converts the config into engine options.
func (c *Config) VMOptions() vm.Options {
	return vm.Options{
		HeapLimit:    c.Heap.Limit,
		MaxCallDepth: c.Interpreter.MaxCallDepth,
		JITEnabled:   c.JITEnabled(),
		JITThreshold: c.JIT.Threshold,
		JITWorkers:   c.JIT.Workers,
		JITQueue:     c.JIT.Queue,

		DetectDeadlocks: c.Debug.DetectDeadlocks,
	}
}

// Apply configures process-wide logging. Call it once before creating a VM.
func (c *Config) Apply() {
	var path *string
	if c.Logging.File != "" {
		path = &c.Logging.File
	}
	commonlog.Configure(c.Logging.Verbosity, path)
}

// Encode writes the config as TOML.
func (c *Config) Encode() (string, error) {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", err
	}
	return b.String(), nil
}
