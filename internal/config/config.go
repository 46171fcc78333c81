// Package config loads process configuration from the environment, with
// an optional YAML file underneath. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the tunables shared by the worker, server, and CLI.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	EnvID       string `mapstructure:"env_id"`

	WorkerID              string `mapstructure:"worker_id"`
	LeaseDurationSeconds  int    `mapstructure:"lease_duration_seconds"`
	PollIntervalSeconds   int    `mapstructure:"poll_interval_seconds"`
	WorkerBatchSize       int    `mapstructure:"worker_batch_size"`
	CollectorIntervalSecs int    `mapstructure:"metrics_collector_interval"`

	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Lease returns the lease duration granted at claim time.
func (c *Config) Lease() time.Duration {
	return time.Duration(c.LeaseDurationSeconds) * time.Second
}

// PollInterval returns the idle-claim sleep.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// CollectorInterval returns the metrics rollup cadence.
func (c *Config) CollectorInterval() time.Duration {
	return time.Duration(c.CollectorIntervalSecs) * time.Second
}

// Load reads configuration. file may be empty; when set it names a YAML
// file whose keys match the mapstructure tags above.
func Load(file string) (*Config, error) {
	v := viper.New()

	v.SetDefault("env_id", "local-dev")
	v.SetDefault("worker_id", defaultWorkerID())
	v.SetDefault("lease_duration_seconds", 60)
	v.SetDefault("poll_interval_seconds", 2)
	v.SetDefault("worker_batch_size", 1)
	v.SetDefault("metrics_collector_interval", 5)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv alone does not surface env-only keys to Unmarshal;
	// every key is bound explicitly so DATABASE_URL (which deliberately
	// has no default) can come from the environment.
	for _, key := range []string{
		"database_url", "env_id", "worker_id",
		"lease_duration_seconds", "poll_interval_seconds",
		"worker_batch_size", "metrics_collector_interval",
		"http_addr", "metrics_addr",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env key %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return &cfg, nil
}

// defaultWorkerID is stable for a process lifetime and unique enough
// across a fleet: hostname plus pid.
func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
