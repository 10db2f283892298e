// Package config loads driftsync settings from a config file, environment
// variables, and defaults, in that order of increasing precedence for env
// overrides. Settings names are dotted keys (e.g. "queue.max_attempts")
// and map to DRIFTSYNC_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	// DataDir holds the store database and the cross-process journal.
	DataDir string `mapstructure:"data_dir"`

	Backend struct {
		// URL of the remote sync backend.
		URL string `mapstructure:"url"`
		// TokenEnv names the environment variable holding the bearer
		// token. The token itself never lives in the config file.
		TokenEnv string `mapstructure:"token_env"`
	} `mapstructure:"backend"`

	Sync struct {
		Interval  time.Duration `mapstructure:"interval"`
		BatchSize int           `mapstructure:"batch_size"`
		CacheTTL  time.Duration `mapstructure:"cache_ttl"`
		// MergeDefault selects the fallback conflict policy:
		// "last_write_wins" or "server_wins".
		MergeDefault string `mapstructure:"merge_default"`
	} `mapstructure:"sync"`

	Queue struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		BackoffBase time.Duration `mapstructure:"backoff_base"`
		BackoffCap  time.Duration `mapstructure:"backoff_cap"`
		Coalesce    bool          `mapstructure:"coalesce"`
	} `mapstructure:"queue"`

	Connectivity struct {
		ProbeInterval  time.Duration `mapstructure:"probe_interval"`
		ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
		DebounceWindow time.Duration `mapstructure:"debounce_window"`
	} `mapstructure:"connectivity"`

	Dashboard struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"dashboard"`

	Log struct {
		// File enables rotated file logging when set; empty logs to
		// stderr only.
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
	} `mapstructure:"log"`
}

// Token resolves the backend bearer token from the configured
// environment variable. Empty when unset.
func (c *Config) Token() string {
	if c.Backend.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Backend.TokenEnv)
}

// StorePath is the SQLite database file inside the data dir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "driftsync.db")
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("data_dir", filepath.Join(home, ".driftsync"))
	v.SetDefault("backend.url", "http://localhost:8787")
	v.SetDefault("backend.token_env", "DRIFTSYNC_TOKEN")
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.batch_size", 25)
	v.SetDefault("sync.cache_ttl", 5*time.Minute)
	v.SetDefault("sync.merge_default", "last_write_wins")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base", time.Second)
	v.SetDefault("queue.backoff_cap", 60*time.Second)
	v.SetDefault("queue.coalesce", true)
	v.SetDefault("connectivity.probe_interval", 10*time.Second)
	v.SetDefault("connectivity.probe_timeout", 5*time.Second)
	v.SetDefault("connectivity.debounce_window", 2*time.Second)
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}

// Load reads configuration. path may name a config file explicitly; when
// empty the default locations ($HOME/.driftsync/driftsync.yaml, then the
// working directory) are searched, and a missing file just means
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DRIFTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("driftsync")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".driftsync"))
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	switch c.Sync.MergeDefault {
	case "last_write_wins", "server_wins":
	default:
		return fmt.Errorf("sync.merge_default must be last_write_wins or server_wins, got %q", c.Sync.MergeDefault)
	}
	return nil
}
