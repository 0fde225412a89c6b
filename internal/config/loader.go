package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.Listen == cfg.AdminListen {
		return fmt.Errorf("listen and admin_listen must differ")
	}

	if !strings.HasPrefix(cfg.ProxyRoot, "/") {
		return fmt.Errorf("proxy_root %q must start with /", cfg.ProxyRoot)
	}
	if !strings.HasSuffix(cfg.ProxyRoot, "/") {
		cfg.ProxyRoot += "/"
	}
	if cfg.ProxyRoot == "/" {
		return fmt.Errorf("proxy_root must not claim the whole path space")
	}

	if cfg.FallbackTarget != "" {
		u, err := url.Parse(cfg.FallbackTarget)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("fallback_target %q must be an absolute URL", cfg.FallbackTarget)
		}
	}

	for _, pat := range cfg.BypassPatterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("invalid bypass pattern %q", pat)
		}
	}

	if cfg.Upstream.MaxRedirects < 0 || cfg.Upstream.MaxRedirects > 20 {
		return fmt.Errorf("upstream.max_redirects must be within 0-20")
	}
	if cfg.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout must not be negative")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", cfg.Logging.Level)
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0,1]")
	}

	if cfg.Health.Enabled {
		if cfg.Health.Interval <= 0 {
			return fmt.Errorf("health.interval must be positive")
		}
		if cfg.Health.Timeout <= 0 {
			return fmt.Errorf("health.timeout must be positive")
		}
	}

	return nil
}
