package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pithecene-io/jssidecar/log"
	"github.com/pithecene-io/jssidecar/sidecar"
)

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = "jssidecar.yaml"

// Config represents a jssidecar.yaml configuration file.
// All values are optional and act as defaults for command flags.
// CLI flags always override config values.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Pool    PoolConfig    `yaml:"pool"`
	Startup StartupConfig `yaml:"startup"`
	Log     LogConfig     `yaml:"log"`
	Output  OutputConfig  `yaml:"output"`
}

// NodeConfig describes how the worker is launched.
type NodeConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
	// Env is added to the worker's inherited environment.
	Env map[string]string `yaml:"env"`
	// Script replaces the embedded bootstrap.
	Script  string `yaml:"script"`
	Workers int    `yaml:"workers"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxConnections int32    `yaml:"max_connections"`
	RecycleTimeout Duration `yaml:"recycle_timeout"`
}

// StartupConfig holds readiness and shutdown settings.
type StartupConfig struct {
	ReadyAttempts int      `yaml:"ready_attempts"`
	ReadyInterval Duration `yaml:"ready_interval"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
	SocketDir     string   `yaml:"socket_dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// OutputConfig holds rendering settings.
type OutputConfig struct {
	Format string `yaml:"format"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10ms", "5s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "1s" or "250ms".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.String(), nil
}

// Validate reports every invalid value in the config.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.Workers < 0 {
		errs = append(errs, fmt.Errorf("node.workers must be >= 0, got %d", c.Node.Workers))
	}
	if c.Pool.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("pool.max_connections must be >= 0, got %d", c.Pool.MaxConnections))
	}
	if c.Startup.ReadyAttempts < 0 {
		errs = append(errs, fmt.Errorf("startup.ready_attempts must be >= 0, got %d", c.Startup.ReadyAttempts))
	}
	for name, d := range map[string]Duration{
		"pool.recycle_timeout":   c.Pool.RecycleTimeout,
		"startup.ready_interval": c.Startup.ReadyInterval,
		"startup.shutdown_grace": c.Startup.ShutdownGrace,
	} {
		if d.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if c.Log.Level != "" {
		if _, err := log.ParseLevel(c.Log.Level); err != nil {
			errs = append(errs, fmt.Errorf("log.level: %w", err))
		}
	}
	return errors.Join(errs...)
}

// EnvList returns Node.Env as KEY=VALUE entries sorted by key.
func (c *Config) EnvList() []string {
	if len(c.Node.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Node.Env))
	for k := range c.Node.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.Node.Env[k])
	}
	return env
}

// SidecarConfig converts the file values into a sidecar.Config. Zero values
// are left for sidecar defaults to fill.
func (c *Config) SidecarConfig() sidecar.Config {
	return sidecar.Config{
		NodePath:       c.Node.Path,
		NodeArgs:       c.Node.Args,
		Env:            c.EnvList(),
		ScriptPath:     c.Node.Script,
		NumWorkers:     c.Node.Workers,
		MaxConnections: c.Pool.MaxConnections,
		RecycleTimeout: c.Pool.RecycleTimeout.Duration,
		ReadyAttempts:  c.Startup.ReadyAttempts,
		ReadyInterval:  c.Startup.ReadyInterval.Duration,
		ShutdownGrace:  c.Startup.ShutdownGrace.Duration,
		SocketDir:      c.Startup.SocketDir,
	}
}
