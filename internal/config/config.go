// Package config loads the coordinator's process-level configuration: the
// pieces that are not themselves rows in PoolSettings because they govern
// how this instance talks to its environment (database DSN, listen address,
// loop cadences) rather than pool policy.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the coordinator's process configuration.
type Config struct {
	Database Database `toml:"database"`
	HTTP     HTTP     `toml:"http"`
	Loops    Loops    `toml:"loops"`
	Logging  Logging  `toml:"logging"`
}

type Database struct {
	DSN            string `toml:"dsn"`
	MaxConnections int    `toml:"max_connections"`
}

type HTTP struct {
	ListenAddr           string `toml:"listen_addr"`
	SubmitRateLimitPerMin int   `toml:"submit_rate_limit_per_min"`
}

type Loops struct {
	DispatchIntervalSeconds int `toml:"dispatch_interval_seconds"`
	DispatchBatchSize       int `toml:"dispatch_batch_size"`
	EmissionPollSeconds     int `toml:"emission_poll_seconds"`
	EmissionCronHour        int `toml:"emission_cron_hour"`
	EmissionCronMinute      int `toml:"emission_cron_minute"`
}

type Logging struct {
	FilePath   string `toml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Default returns the configuration used when no file is supplied:
// dispatcher tick every 2s, emission wake every 60s.
func Default() Config {
	return Config{
		Database: Database{DSN: "postgres://localhost:5432/pool_coordinator", MaxConnections: 10},
		HTTP:     HTTP{ListenAddr: ":8080", SubmitRateLimitPerMin: 60},
		Loops: Loops{
			DispatchIntervalSeconds: 2,
			DispatchBatchSize:       25,
			EmissionPollSeconds:     60,
			EmissionCronHour:        0,
			EmissionCronMinute:      5,
		},
		Logging: Logging{MaxSizeMB: 100, MaxBackups: 7, MaxAgeDays: 30},
	}
}

// Load reads path (if non-empty) with BurntSushi/toml over the Default
// baseline, then applies a small set of environment overrides so the
// container/systemd-unit deployment path does not need a file at all.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COORDINATOR_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("COORDINATOR_HTTP_LISTEN_ADDR"); v != "" {
		cfg.HTTP.ListenAddr = v
	}
	if v := os.Getenv("COORDINATOR_DISPATCH_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Loops.DispatchIntervalSeconds = n
		}
	}
}
