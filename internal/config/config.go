package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath        = "/etc/tunsvd/tunsvd.yaml"
	DefaultSocket      = "/var/run/tunsvd/tunsvd.sock"
	DefaultMarkerPath  = "/var/run/tunsvd/engine.pid"
	DefaultEngineName  = "sing-box"
	DefaultLogCapacity = 2000
	DefaultSocketMode  = 0o660
)

type Config struct {
	Socket      string       `yaml:"socket"`
	SocketMode  uint32       `yaml:"socket_mode"`
	SocketGroup string       `yaml:"socket_group,omitempty"`
	AllowedUIDs []int        `yaml:"allowed_uids,omitempty"`
	MarkerPath  string       `yaml:"marker_path"`
	LogLevel    string       `yaml:"log_level"`
	LogCapacity int          `yaml:"log_capacity"`
	Engine      EngineConfig `yaml:"engine"`
	Stop        StopConfig   `yaml:"stop"`
}

type EngineConfig struct {
	// Name is the executable base name used by the name-match stop fallback
	// and to sanity check marker pids.
	Name       string            `yaml:"name"`
	Env        map[string]string `yaml:"env,omitempty"`
	StopOnExit bool              `yaml:"stop_on_exit"`
}

type StopConfig struct {
	Grace        time.Duration `yaml:"grace"`
	Interval     time.Duration `yaml:"interval"`
	ReapTimeout  time.Duration `yaml:"reap_timeout"`
	NameFallback *bool         `yaml:"name_fallback,omitempty"`
}

// FallbackEnabled reports whether stop may signal processes by name. Unset means yes.
func (s StopConfig) FallbackEnabled() bool {
	return s.NameFallback == nil || *s.NameFallback
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", filename, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid (%s): %w", filename, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Socket == "" {
		c.Socket = DefaultSocket
	}
	if c.SocketMode == 0 {
		c.SocketMode = DefaultSocketMode
	}
	if c.MarkerPath == "" {
		c.MarkerPath = DefaultMarkerPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogCapacity <= 0 {
		c.LogCapacity = DefaultLogCapacity
	}
	if c.Engine.Name == "" {
		c.Engine.Name = DefaultEngineName
	}
	if c.Stop.Grace == 0 {
		c.Stop.Grace = 2 * time.Second
	}
	if c.Stop.Interval == 0 {
		c.Stop.Interval = 50 * time.Millisecond
	}
	if c.Stop.ReapTimeout == 0 {
		c.Stop.ReapTimeout = 5 * time.Second
	}

	if abs, err := filepath.Abs(c.Socket); err == nil {
		c.Socket = abs
	}
	if abs, err := filepath.Abs(c.MarkerPath); err == nil {
		c.MarkerPath = abs
	}
}

func (c *Config) Validate() error {
	if c.Stop.Interval <= 0 || c.Stop.Grace <= 0 || c.Stop.ReapTimeout <= 0 {
		return fmt.Errorf("stop durations must be positive")
	}
	if c.Stop.Interval > c.Stop.Grace {
		return fmt.Errorf("stop.interval %s exceeds stop.grace %s", c.Stop.Interval, c.Stop.Grace)
	}
	if filepath.Base(c.Engine.Name) != c.Engine.Name {
		return fmt.Errorf("engine.name must be a base name, got %q", c.Engine.Name)
	}
	for _, uid := range c.AllowedUIDs {
		if uid < 0 {
			return fmt.Errorf("allowed_uids: negative uid %d", uid)
		}
	}
	return nil
}
