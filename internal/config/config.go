// Package config loads and validates the proxy's YAML configuration and the
// portal override document, and watches the override file for edits.
package config

import (
	"time"
)

// Config represents the complete proxy configuration
type Config struct {
	// Listen is the main proxy listener address, e.g. ":9320".
	Listen string `yaml:"listen"`
	// AdminListen serves the control surface and metrics. Empty disables it.
	AdminListen string `yaml:"admin_listen"`
	// ProxyRoot is the path prefix reserved for portal traffic.
	ProxyRoot string `yaml:"proxy_root"`
	// FallbackTarget is where non-portal requests are forwarded, normally
	// the host dev server. Empty means answer 404 locally instead.
	FallbackTarget string `yaml:"fallback_target"`
	// UserAgent overrides the default upstream User-Agent.
	UserAgent string `yaml:"user_agent"`
	// BypassPatterns are doublestar globs always handed to the fallback,
	// checked before any portal handling.
	BypassPatterns []string `yaml:"bypass_patterns"`
	// AssetsDir holds the injected style sheet and shim template.
	AssetsDir string `yaml:"assets_dir"`
	// CacheAssets reuses rendered snippets per portal. Disable while
	// editing the assets so changes show up on the next reload.
	CacheAssets bool `yaml:"cache_assets"`
	// OverridesFile is the portal override document owned by the console
	// UI. Empty means builtins only.
	OverridesFile string `yaml:"overrides_file"`
	// WatchOverrides reloads the override document on file change.
	WatchOverrides bool `yaml:"watch_overrides"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Health   HealthConfig   `yaml:"health"`
}

// UpstreamConfig tunes origin fetches.
type UpstreamConfig struct {
	MaxRedirects int           `yaml:"max_redirects"`
	Timeout      time.Duration `yaml:"timeout"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
	// File enables size-rotated JSON file output. Empty logs to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig toggles the Prometheus endpoint on the admin listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig defines OTLP trace export settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// HealthConfig tunes the portal reachability prober.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a configuration with sensible development defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:         ":9320",
		AdminListen:    ":9321",
		ProxyRoot:      "/market-proxy/",
		FallbackTarget: "http://localhost:5173",
		AssetsDir:      "./assets",
		CacheAssets:    true,
		WatchOverrides: true,
		Upstream: UpstreamConfig{
			MaxRedirects: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Insecure:    true,
			ServiceName: "marketproxy",
			SampleRate:  1.0,
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
		},
	}
}
