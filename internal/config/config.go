// Package config loads the daemon's TOML configuration. Every field is
// optional; the zero configuration resolves to XDG defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/userservers/userservers/internal/supervisor"
	"github.com/userservers/userservers/internal/xdg"
)

// Config is the top-level TOML structure.
type Config struct {
	Socket       string         `toml:"socket" mapstructure:"socket"`
	ServicesFile string         `toml:"services_file" mapstructure:"services_file"`
	LogDir       string         `toml:"log_dir" mapstructure:"log_dir"`
	LogLevel     string         `toml:"log_level" mapstructure:"log_level"`
	Defaults     DefaultsConfig `toml:"defaults" mapstructure:"defaults"`
	Metrics      MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	History      HistoryConfig  `toml:"history" mapstructure:"history"`
}

// DefaultsConfig holds daemon-wide supervision tunables applied to
// every service that does not override them.
type DefaultsConfig struct {
	StopTimeout     time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	BackoffBase     time.Duration `toml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax      time.Duration `toml:"backoff_max" mapstructure:"backoff_max"`
	StabilityPeriod time.Duration `toml:"stability_period" mapstructure:"stability_period"`
	StartWindow     time.Duration `toml:"start_window" mapstructure:"start_window"`
	MaxRestarts     int           `toml:"max_restarts" mapstructure:"max_restarts"`
}

// MetricsConfig enables the optional Prometheus endpoint. It listens on
// localhost TCP, separate from the control socket.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// HistoryConfig wires the optional lifecycle event export.
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// Default returns a configuration resolved to the per-user XDG paths.
func Default() Config {
	return Config{
		Socket:       xdg.SocketPath(),
		ServicesFile: xdg.ServicesFile(),
		LogDir:       xdg.LogDir(),
		LogLevel:     "info",
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
	}
}

// Load reads the TOML file at path. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	d := Default()
	if cfg.Socket == "" {
		cfg.Socket = d.Socket
	}
	if cfg.ServicesFile == "" {
		cfg.ServicesFile = d.ServicesFile
	}
	if cfg.LogDir == "" {
		cfg.LogDir = d.LogDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = d.Metrics.Listen
	}
	return cfg, nil
}

// Policy converts the configured defaults into a supervision policy.
func (c Config) Policy() supervisor.Policy {
	p := supervisor.Policy{
		StopTimeout:     c.Defaults.StopTimeout,
		BackoffBase:     c.Defaults.BackoffBase,
		BackoffMax:      c.Defaults.BackoffMax,
		StabilityPeriod: c.Defaults.StabilityPeriod,
		StartWindow:     c.Defaults.StartWindow,
		MaxRestarts:     c.Defaults.MaxRestarts,
	}
	p.Normalize()
	return p
}
