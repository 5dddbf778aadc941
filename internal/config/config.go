// Package config loads and validates the process configuration from YAML,
// with sane defaults for a single-node standalone deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"overlord/internal/autoscale"
	"overlord/internal/election"
	"overlord/internal/runner"
	"overlord/internal/storage"
	"overlord/pkg/logger"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OverlordConfig tunes the coordinator itself.
type OverlordConfig struct {
	// PollPeriod is the queue's management pass interval.
	PollPeriod time.Duration `yaml:"poll_period"`

	// MaxPriorityBypasses bounds how often a waiting task may be bypassed by
	// higher-priority work before it jumps the line.
	MaxPriorityBypasses int `yaml:"max_priority_bypasses"`

	// RunnerType selects task execution: local, remote.
	RunnerType string `yaml:"runner_type"`

	// LocalConcurrency sizes the local runner's goroutine pool.
	LocalConcurrency int `yaml:"local_concurrency"`
}

// StorageConfig selects the task metadata store.
type StorageConfig struct {
	// Type selects the backend: memory, sql.
	Type string             `yaml:"type"`
	SQL  *storage.SQLConfig `yaml:"sql"`
}

// ElectionConfig selects leadership coordination.
type ElectionConfig struct {
	// Type selects the elector: standalone, redis.
	Type  string                `yaml:"type"`
	Redis *election.RedisConfig `yaml:"redis"`
}

// WorkerConfig holds the worker agent settings.
type WorkerConfig struct {
	// ID defaults to hostname when empty.
	ID string `yaml:"id"`

	// Capacity is the number of concurrent task slots.
	Capacity int `yaml:"capacity"`

	// OverlordURL is the coordinator base URL, e.g. http://127.0.0.1:8090.
	OverlordURL string `yaml:"overlord_url"`

	// HeartbeatPeriod is the presence report interval.
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`

	// Version is reported at announce time for fleet visibility.
	Version string `yaml:"version"`
}

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Overlord  OverlordConfig       `yaml:"overlord"`
	Storage   StorageConfig        `yaml:"storage"`
	Election  ElectionConfig       `yaml:"election"`
	Runner    *runner.RemoteConfig `yaml:"runner"`
	Autoscale *autoscale.Config    `yaml:"autoscale"`
	Worker    WorkerConfig         `yaml:"worker"`
	Log       *logger.Config       `yaml:"log"`
}

// DefaultConfig returns a standalone single-node configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Overlord: OverlordConfig{
			PollPeriod:          time.Second,
			MaxPriorityBypasses: 10,
			RunnerType:          "local",
			LocalConcurrency:    4,
		},
		Storage: StorageConfig{
			Type: "memory",
		},
		Election: ElectionConfig{
			Type: "standalone",
		},
		Runner:    runner.DefaultRemoteConfig(),
		Autoscale: autoscale.DefaultConfig(),
		Worker: WorkerConfig{
			Capacity:        4,
			OverlordURL:     "http://127.0.0.1:8090",
			HeartbeatPeriod: 5 * time.Second,
		},
		Log: &logger.Config{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Overlord.PollPeriod <= 0 {
		return fmt.Errorf("overlord.poll_period must be positive")
	}
	if c.Overlord.MaxPriorityBypasses < 0 {
		return fmt.Errorf("overlord.max_priority_bypasses cannot be negative")
	}
	switch c.Overlord.RunnerType {
	case "local":
		if c.Overlord.LocalConcurrency <= 0 {
			return fmt.Errorf("overlord.local_concurrency must be positive for the local runner")
		}
	case "remote":
	default:
		return fmt.Errorf("overlord.runner_type must be local or remote, got %q", c.Overlord.RunnerType)
	}

	switch c.Storage.Type {
	case "memory":
	case "sql":
		if c.Storage.SQL == nil {
			return fmt.Errorf("storage.sql is required when storage.type is sql")
		}
	default:
		return fmt.Errorf("storage.type must be memory or sql, got %q", c.Storage.Type)
	}

	switch c.Election.Type {
	case "standalone":
	case "redis":
		if c.Election.Redis == nil || c.Election.Redis.Addr == "" {
			return fmt.Errorf("election.redis.addr is required when election.type is redis")
		}
	default:
		return fmt.Errorf("election.type must be standalone or redis, got %q", c.Election.Type)
	}

	if c.Worker.Capacity <= 0 {
		return fmt.Errorf("worker.capacity must be positive")
	}
	if c.Worker.HeartbeatPeriod <= 0 {
		return fmt.Errorf("worker.heartbeat_period must be positive")
	}
	return nil
}
