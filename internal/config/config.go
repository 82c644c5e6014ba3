// Package config loads the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Poll     PollConfig     `yaml:"poll"`
	Meters   MetersConfig   `yaml:"meters"`
	Recorder RecorderConfig `yaml:"recorder"`
	Log      LogConfig      `yaml:"log"`

	// ShutdownToken is the /command query that triggers graceful
	// termination. Always active; pick something obscure.
	ShutdownToken string `yaml:"shutdown_token"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	StaticFiles bool   `yaml:"static_files"`
	StaticRoot  string `yaml:"static_root"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type PollConfig struct {
	MinIntervalMS  int `yaml:"min_interval_ms"`
	AutoPollSec    int `yaml:"auto_poll_sec"`
	ReadTimeoutSec int `yaml:"read_timeout_sec"`
}

// MinInterval is the cache freshness window.
func (p PollConfig) MinInterval() time.Duration {
	return time.Duration(p.MinIntervalMS) * time.Millisecond
}

// AutoPoll is the background refresh period; zero disables it.
func (p PollConfig) AutoPoll() time.Duration {
	return time.Duration(p.AutoPollSec) * time.Second
}

// ReadTimeout bounds a single device read.
func (p PollConfig) ReadTimeout() time.Duration {
	return time.Duration(p.ReadTimeoutSec) * time.Second
}

type MetersConfig struct {
	Path string `yaml:"path"`
}

type RecorderConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	FileType  string `yaml:"file_type"`
	QueueSize int    `yaml:"queue_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:       "localhost",
			Port:       8080,
			StaticRoot: ".",
		},
		Poll: PollConfig{
			MinIntervalMS:  1000,
			AutoPollSec:    30,
			ReadTimeoutSec: 5,
		},
		Meters:        MetersConfig{Path: "meters.csv"},
		Recorder:      RecorderConfig{Dir: "data"},
		Log:           LogConfig{Level: "info", Format: "json"},
		ShutdownToken: "shutdown",
	}
}

// Load reads path on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Poll.MinIntervalMS < 0 {
		return fmt.Errorf("min_interval_ms must not be negative")
	}
	if c.Poll.AutoPollSec < 0 {
		return fmt.Errorf("auto_poll_sec must not be negative")
	}
	if c.Poll.ReadTimeoutSec < 0 {
		return fmt.Errorf("read_timeout_sec must not be negative")
	}
	if c.Meters.Path == "" {
		return fmt.Errorf("meters.path must be set")
	}
	if c.ShutdownToken == "" {
		return fmt.Errorf("shutdown_token must be set")
	}
	if c.Server.StaticFiles && c.Server.StaticRoot == "" {
		return fmt.Errorf("static_root must be set when static_files is enabled")
	}
	return nil
}
