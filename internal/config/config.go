package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/logger"
	"github.com/loykin/vigil/internal/monitor"
)

// Config is the top-level TOML structure shared by the monitor daemon and
// embedded registries.
//
//	machine_id = "host-1"
//	environment = "production"
//
//	[store]
//	dsn = "sqlite://vigil.db"
//
//	[registry]
//	heartbeat_interval = "10s"
//
//	[monitor]
//	detection_interval = "30s"
//	heartbeat_timeout = "60s"
//
//	[recovery]
//	enabled = true
//
//	[[instances]]
//	type = "collector"
//	command = "/usr/local/bin/collector --config /etc/collector.toml"
//	autorestart = true
type Config struct {
	MachineID   string                 `mapstructure:"machine_id"`
	Environment string                 `mapstructure:"environment"`
	Store       StoreConfig            `mapstructure:"store"`
	Log         logger.Config          `mapstructure:"log"`
	Registry    RegistryConfig         `mapstructure:"registry"`
	Monitor     MonitorConfig          `mapstructure:"monitor"`
	Recovery    monitor.RecoveryConfig `mapstructure:"recovery"`
	Server      ServerConfig           `mapstructure:"server"`
	History     HistoryConfig          `mapstructure:"history"`
	Instances   []InstanceConfig       `mapstructure:"instances"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RegistryConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type MonitorConfig struct {
	DetectionInterval time.Duration `mapstructure:"detection_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	DegradedErrorRate float64       `mapstructure:"degraded_error_rate"`
	PurgeAfter        time.Duration `mapstructure:"purge_after"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"` // empty disables the HTTP API
	BasePath string `mapstructure:"base_path"`
}

type HistoryConfig struct {
	ClickHouse *ClickHouseConfig `mapstructure:"clickhouse"`
}

type ClickHouseConfig struct {
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Table    string `mapstructure:"table"`
}

// InstanceConfig binds one instance type to its launch spec.
type InstanceConfig struct {
	Type               string `mapstructure:"type"`
	monitor.LaunchSpec `mapstructure:",squash"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.MachineID == "" {
		return fmt.Errorf("machine_id is required")
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "sqlite://vigil.db"
	}
	seen := make(map[string]bool, len(c.Instances))
	for _, ic := range c.Instances {
		if ic.Type == "" {
			return fmt.Errorf("instances: type is required")
		}
		if seen[ic.Type] {
			return fmt.Errorf("instances: duplicate type %q", ic.Type)
		}
		seen[ic.Type] = true
	}
	if c.History.ClickHouse != nil && c.History.ClickHouse.Addr == "" {
		return fmt.Errorf("history.clickhouse: addr is required")
	}
	return nil
}

// LaunchSpecs returns the per-type launch table for the monitor.
func (c *Config) LaunchSpecs() map[string]monitor.LaunchSpec {
	out := make(map[string]monitor.LaunchSpec, len(c.Instances))
	for _, ic := range c.Instances {
		out[ic.Type] = ic.LaunchSpec
	}
	return out
}

// MonitorConfig assembles the monitor's runtime configuration.
func (c *Config) MonitorConfig(log *slog.Logger, sinks []history.Sink) monitor.Config {
	return monitor.Config{
		MachineID:         c.MachineID,
		DetectionInterval: c.Monitor.DetectionInterval,
		HeartbeatTimeout:  c.Monitor.HeartbeatTimeout,
		HeartbeatInterval: c.Registry.HeartbeatInterval,
		DegradedErrorRate: c.Monitor.DegradedErrorRate,
		PurgeAfter:        c.Monitor.PurgeAfter,
		Recovery:          c.Recovery,
		LaunchSpecs:       c.LaunchSpecs(),
		Logger:            log,
		Sinks:             sinks,
	}
}
