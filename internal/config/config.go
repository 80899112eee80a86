// internal/config/config.go
//
// This package handles configuration and the .stepflow state directory.
// Values come from built-in defaults, then an optional YAML file, then
// STEPFLOW_* environment variables.

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/kingrea/stepflow/internal/checkpoint"
	"github.com/kingrea/stepflow/internal/executor/builtin"
	"github.com/kingrea/stepflow/internal/logging"
)

const (
	// StateDir is the directory created in the working directory to hold
	// checkpoints, logs, and the config file.
	StateDir = ".stepflow"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "STEPFLOW_"

	maxConfigFileSize = 1024 * 1024
)

// Store drivers.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

const defaultConfigYAML = `# stepflow configuration
state_dir: .stepflow
workflow_dir: workflows

store:
  # file keeps one JSON document per checkpoint; sqlite keeps them in a WAL database.
  driver: file
  path: ""

engine:
  max_concurrency: 4
  step_timeout: 0s
  grace_period: 5s

checkpoint:
  policy: transition
  every_steps: 1
  interval: 30s
  keep: 3

log:
  level: info
  format: console
  file: ""

api:
  enabled: false
  host: 127.0.0.1
  port: 8080

# Capability tags map to builtin executor kinds.
executors:
  noop:
    kind: noop
  shell:
    kind: shell
`

// StoreConfig selects the checkpoint store.
type StoreConfig struct {
	Driver string `koanf:"driver" yaml:"driver"`
	Path   string `koanf:"path" yaml:"path"`
}

// EngineConfig tunes the execution coordinator.
type EngineConfig struct {
	MaxConcurrency int           `koanf:"max_concurrency" yaml:"max_concurrency"`
	StepTimeout    time.Duration `koanf:"step_timeout" yaml:"step_timeout"`
	GracePeriod    time.Duration `koanf:"grace_period" yaml:"grace_period"`
}

// APIConfig controls the status API.
type APIConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Host    string `koanf:"host" yaml:"host"`
	Port    int    `koanf:"port" yaml:"port"`
}

// Addr returns host:port.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Config is the resolved configuration.
type Config struct {
	StateDir    string                  `koanf:"state_dir"`
	WorkflowDir string                  `koanf:"workflow_dir"`
	Store       StoreConfig             `koanf:"store"`
	Engine      EngineConfig            `koanf:"engine"`
	Checkpoint  checkpoint.Policy       `koanf:"checkpoint"`
	Log         logging.Config          `koanf:"log"`
	API         APIConfig               `koanf:"api"`
	Executors   map[string]builtin.Spec `koanf:"executors"`
}

// topLevelKeys hold underscores in their own name and must not be split
// into a section when read from the environment.
var topLevelKeys = map[string]bool{"state_dir": true, "workflow_dir": true}

// Default returns the built-in configuration. It matches the file Init
// writes.
func Default() *Config {
	return &Config{
		StateDir:    StateDir,
		WorkflowDir: "workflows",
		Store:       StoreConfig{Driver: DriverFile},
		Engine: EngineConfig{
			MaxConcurrency: 4,
			GracePeriod:    5 * time.Second,
		},
		Checkpoint: checkpoint.DefaultPolicy(),
		Log:        logging.Config{Level: "info", Format: logging.FormatConsole},
		API:        APIConfig{Host: "127.0.0.1", Port: 8080},
		Executors: map[string]builtin.Spec{
			"noop":  {Kind: builtin.KindNoop},
			"shell": {Kind: builtin.KindShell},
		},
	}
}

// DefaultPath is the config file location inside the state directory.
func DefaultPath() string {
	return filepath.Join(StateDir, "config.yaml")
}

// Load resolves configuration from defaults, the YAML file at path, and the
// environment. An empty path loads DefaultPath when it exists.
func Load(path string) (*Config, error) {
	optional := false
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
		optional = true
	}
	content, err := readConfigFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return load(nil, true)
		}
		return nil, err
	}
	return load(content, true)
}

func load(file []byte, withEnv bool) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaultConfigYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if len(file) > 0 {
		if err := k.Load(rawbytes.Provider(file), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: parse config file: %w", err)
		}
	}
	if withEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("config: load environment: %w", err)
		}
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps STEPFLOW_ENGINE_MAX_CONCURRENCY to engine.max_concurrency by
// splitting on the first underscore only.
func envKey(name string) string {
	lower := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	if topLevelKeys[lower] {
		return lower
	}
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config: %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config: %s exceeds %d bytes", path, maxConfigFileSize)
	}
	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return content, nil
}

func (c *Config) normalize() {
	c.StateDir = strings.TrimSpace(c.StateDir)
	if c.StateDir == "" {
		c.StateDir = StateDir
	}
	c.WorkflowDir = strings.TrimSpace(c.WorkflowDir)
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Store.Path = strings.TrimSpace(c.Store.Path)
	if c.Executors == nil {
		c.Executors = map[string]builtin.Spec{}
	}
	for tag, spec := range c.Executors {
		spec.Kind = strings.ToLower(strings.TrimSpace(spec.Kind))
		c.Executors[tag] = spec
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverFile, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("config: store.driver must be file, sqlite, or memory (got %q)", c.Store.Driver)
	}
	if c.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("config: engine.max_concurrency must be >= 1")
	}
	if c.Engine.StepTimeout < 0 {
		return fmt.Errorf("config: engine.step_timeout must not be negative")
	}
	if c.Engine.GracePeriod < 0 {
		return fmt.Errorf("config: engine.grace_period must not be negative")
	}
	if err := c.Checkpoint.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Checkpoint.Keep < 1 {
		return fmt.Errorf("config: checkpoint.keep must be >= 1")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("config: api.port %d out of range", c.API.Port)
	}
	for tag, spec := range c.Executors {
		switch spec.Kind {
		case builtin.KindNoop, builtin.KindShell:
		default:
			return fmt.Errorf("config: executors[%s]: unknown kind %q", tag, spec.Kind)
		}
	}
	return nil
}

// CheckpointDir is where the file store keeps checkpoints.
func (c *Config) CheckpointDir() string {
	if c.Store.Driver == DriverFile && c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.StateDir, "checkpoints")
}

// DatabasePath is the sqlite store location.
func (c *Config) DatabasePath() string {
	if c.Store.Driver == DriverSQLite && c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.StateDir, "stepflow.db")
}

// LogsDir holds the append-only log file.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// LogConfig returns the logging settings with the file defaulted into the
// state directory.
func (c *Config) LogConfig() logging.Config {
	out := c.Log
	if strings.TrimSpace(out.File) == "" {
		out.File = logging.DefaultFile(c.StateDir)
	}
	return out
}

// WorkflowsDir resolves the workflow catalog directory.
func (c *Config) WorkflowsDir() string {
	if c.WorkflowDir == "" {
		return filepath.Join(c.StateDir, "workflows")
	}
	return c.WorkflowDir
}

// Init creates the state directory layout and writes a default config file
// when none exists:
//
// .stepflow/
// ├── config.yaml
// ├── checkpoints/
// └── logs/
func Init(stateDir string) error {
	if strings.TrimSpace(stateDir) == "" {
		stateDir = StateDir
	}
	dirs := []string{
		filepath.Join(stateDir, "checkpoints"),
		filepath.Join(stateDir, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: ensure %s: %w", dir, err)
		}
	}
	path := filepath.Join(stateDir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
