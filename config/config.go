// Package config loads cachelockd's configuration, layering flags, env
// vars, and an optional config file the way dalemusser-waffle's config
// package does for its own services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every externally-tunable knob for a cachelock daemon.
type Config struct {
	// Env is "dev" or "prod"; controls logging encoding.
	Env string `mapstructure:"env"`
	// LogLevel is a zap level name (debug, info, warn, error, ...).
	LogLevel string `mapstructure:"log_level"`

	// ServerAddr is "host:port" of the lock server this client talks to.
	ServerAddr string `mapstructure:"server_addr"`

	// BindHost is the local interface callbacks are bound to; defaults to
	// loopback per spec.md §9's open question.
	BindHost string `mapstructure:"bind_host"`
	// BindPort is the local callback port; 0 means OS-assigned ephemeral.
	BindPort int `mapstructure:"bind_port"`

	// ShardCount sizes the client's lock table.
	ShardCount int `mapstructure:"shard_count"`

	// MetricsAddr is where Prometheus metrics are served ("" disables it).
	MetricsAddr string `mapstructure:"metrics_addr"`

	// ReleaseRetryBackoff / ReleaseRetryMax bound the transport's internal
	// retry policy for a failed release RPC (SPEC_FULL.md §9).
	ReleaseRetryBackoff time.Duration `mapstructure:"release_retry_backoff"`
	ReleaseRetryMax     int           `mapstructure:"release_retry_max"`
}

func defaults() Config {
	return Config{
		Env:                 "dev",
		LogLevel:            "info",
		BindHost:            "127.0.0.1",
		ShardCount:          32,
		MetricsAddr:         ":9090",
		ReleaseRetryBackoff: 50 * time.Millisecond,
		ReleaseRetryMax:     5,
	}
}

// Load layers pflag-registered flags over environment variables (prefixed
// CACHELOCK_) over an optional config file over the built-in defaults,
// returning the resolved Config.
func Load(fs *pflag.FlagSet, configFile string) (Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetEnvPrefix("CACHELOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", cfg.Env)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("bind_host", cfg.BindHost)
	v.SetDefault("shard_count", cfg.ShardCount)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("release_retry_backoff", cfg.ReleaseRetryBackoff)
	v.SetDefault("release_retry_max", cfg.ReleaseRetryMax)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	if fs != nil {
		for key, flagName := range flagKeyNames {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return cfg, fmt.Errorf("config: binding flag %s: %w", flagName, err)
				}
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.ServerAddr == "" {
		return cfg, fmt.Errorf("config: server_addr is required")
	}

	return cfg, nil
}

// flagKeyNames maps each viper/mapstructure key to the hyphenated CLI flag
// name RegisterFlags defines for it.
var flagKeyNames = map[string]string{
	"env":                   "env",
	"log_level":             "log-level",
	"server_addr":           "server-addr",
	"bind_host":             "bind-host",
	"bind_port":             "bind-port",
	"shard_count":           "shard-count",
	"metrics_addr":          "metrics-addr",
	"release_retry_backoff": "release-retry-backoff",
	"release_retry_max":     "release-retry-max",
}

// RegisterFlags adds this package's flags to fs; see flagKeyNames for how
// each flag lines up with a Config field via Load's explicit BindPFlag calls.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("env", "dev", "runtime environment (dev|prod)")
	fs.String("log-level", "info", "zap log level")
	fs.String("server-addr", "", "lock server address (host:port)")
	fs.String("bind-host", "127.0.0.1", "local interface for the callback listener")
	fs.Int("bind-port", 0, "local callback port (0 = OS-assigned)")
	fs.Int("shard-count", 32, "number of lock table shards")
	fs.String("metrics-addr", ":9090", "address to serve Prometheus metrics on")
	fs.Duration("release-retry-backoff", 50*time.Millisecond, "initial backoff between retried release RPCs")
	fs.Int("release-retry-max", 5, "maximum release RPC retry attempts")
}
