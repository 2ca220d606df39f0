// Package config loads the node process's configuration: a single Config
// struct populated from a YAML file plus environment overrides via viper's
// AutomaticEnv, unmarshalled with mapstructure tags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the unified configuration for a node process.
type Config struct {
	Node struct {
		IP       string `mapstructure:"ip"`
		Port     uint16 `mapstructure:"port"`
		CacheDir string `mapstructure:"cache_dir"`
	} `mapstructure:"node"`

	Membership struct {
		RegionID        string        `mapstructure:"region_id"`
		UpdateInterval  time.Duration `mapstructure:"update_interval"`
		AssumeDeadAfter time.Duration `mapstructure:"assume_dead_after"`
	} `mapstructure:"membership"`

	Scheduler struct {
		TickInterval time.Duration `mapstructure:"tick_interval"`
		ReadyDelay   time.Duration `mapstructure:"ready_delay"`
	} `mapstructure:"scheduler"`

	Gateway struct {
		ListenAddr         string  `mapstructure:"listen_addr"`
		RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
		RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
	} `mapstructure:"gateway"`

	KV struct {
		EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
		DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	} `mapstructure:"kv"`

	ObjectStorage struct {
		Endpoint        string `mapstructure:"endpoint"`
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		PathStyle       bool   `mapstructure:"path_style"`
	} `mapstructure:"object_storage"`

	Watcher struct {
		ManifestDir  string        `mapstructure:"manifest_dir"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"watcher"`

	Usage struct {
		FlushInterval time.Duration `mapstructure:"flush_interval"`
	} `mapstructure:"usage"`

	Logging struct {
		Level string `mapstructure:"level"`
		// IncludeFunctionLogs forwards guest function Log messages into the
		// node's own log stream.
		IncludeFunctionLogs bool `mapstructure:"include_function_logs"`
	} `mapstructure:"logging"`

	Admin struct {
		ListenAddr      string        `mapstructure:"listen_addr"`
		MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	} `mapstructure:"admin"`
}

// withDefaults fills in operational defaults (update_interval,
// tick_interval, ...) when a config file or env var leaves them unset.
func (c *Config) withDefaults() {
	if c.Membership.RegionID == "" {
		c.Membership.RegionID = "default"
	}
	if c.Membership.UpdateInterval <= 0 {
		c.Membership.UpdateInterval = 5 * time.Second
	}
	if c.Membership.AssumeDeadAfter <= 0 {
		c.Membership.AssumeDeadAfter = 15 * time.Second
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = 2 * time.Second
	}
	if c.Scheduler.ReadyDelay <= 0 {
		c.Scheduler.ReadyDelay = 10 * time.Second
	}
	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = ":8080"
	}
	if c.Gateway.RateLimitPerSecond <= 0 {
		c.Gateway.RateLimitPerSecond = 200
	}
	if c.Gateway.RateLimitBurst <= 0 {
		c.Gateway.RateLimitBurst = 100
	}
	if c.KV.DialTimeout <= 0 {
		c.KV.DialTimeout = 5 * time.Second
	}
	if c.Watcher.PollInterval <= 0 {
		c.Watcher.PollInterval = time.Second
	}
	if c.Usage.FlushInterval <= 0 {
		c.Usage.FlushInterval = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":9090"
	}
	if c.Admin.MetricsInterval <= 0 {
		c.Admin.MetricsInterval = 15 * time.Second
	}
}

// Load reads path (if non-empty) as a YAML config file, merges
// SYNNERGY_-prefixed environment variables over it (nested keys use "_"
// for ".", e.g. SYNNERGY_MEMBERSHIP_REGION_ID), and returns the
// unmarshalled, defaulted Config. Only keys present in the file are
// overridden from the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("SYNNERGY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.withDefaults()
	return &cfg, nil
}
