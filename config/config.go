// Package config provides configuration for the janitor VCS services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration.
type Config struct {
	// GitLocation is the directory or store URL holding git repositories.
	GitLocation string `yaml:"git_location"`
	// BzrLocation is the directory or store URL holding bzr repositories.
	BzrLocation string `yaml:"bzr_location"`
	// GitCommand is the git executable.
	GitCommand string `yaml:"git_command"`
	// BzrCommand is the bzr (or brz) executable.
	BzrCommand string `yaml:"bzr_command"`
	// Listen is the address the store server listens on (e.g., ":9421").
	Listen string `yaml:"listen"`
	// Database is the path of the proposal tracking database.
	Database string `yaml:"database"`
	// RequestTimeout bounds the time spent serving one request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// LegacyHosts are hosts of retired hosting services, reported as such
	// when opening branches fails.
	LegacyHosts []string    `yaml:"legacy_hosts"`
	RateLimit   RateLimiter `yaml:"rate_limit"`
}

// RateLimiter configures merge proposal admission.
type RateLimiter struct {
	// Kind is one of "none", "fixed" or "slowstart".
	Kind string `yaml:"kind"`
	// MaxMPsPerBucket caps open proposals per bucket. Zero means no cap for
	// slowstart.
	MaxMPsPerBucket int `yaml:"max_mps_per_bucket"`
	// RefreshInterval is how often proposal counts are reloaded.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		GitCommand:     "git",
		BzrCommand:     "bzr",
		Listen:         ":9421",
		Database:       "./janitor.db",
		RequestTimeout: 5 * time.Minute,
		RateLimit: RateLimiter{
			Kind:            "none",
			RefreshInterval: 5 * time.Minute,
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path only applies the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv creates a Config from the defaults and environment variables.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.GitLocation = getEnv("JANITOR_GIT_LOCATION", c.GitLocation)
	c.BzrLocation = getEnv("JANITOR_BZR_LOCATION", c.BzrLocation)
	c.GitCommand = getEnv("JANITOR_GIT_COMMAND", c.GitCommand)
	c.BzrCommand = getEnv("JANITOR_BZR_COMMAND", c.BzrCommand)
	c.Listen = getEnv("JANITOR_LISTEN", c.Listen)
	c.Database = getEnv("JANITOR_DATABASE", c.Database)
	c.RequestTimeout = getEnvDuration("JANITOR_REQUEST_TIMEOUT", c.RequestTimeout)
	c.LegacyHosts = getEnvList("JANITOR_LEGACY_HOSTS", c.LegacyHosts)
	c.RateLimit.Kind = getEnv("JANITOR_RATE_LIMIT", c.RateLimit.Kind)
	c.RateLimit.MaxMPsPerBucket = getEnvInt("JANITOR_MAX_MPS_PER_BUCKET", c.RateLimit.MaxMPsPerBucket)
	c.RateLimit.RefreshInterval = getEnvDuration("JANITOR_RATE_LIMIT_REFRESH", c.RateLimit.RefreshInterval)
}

// Validate checks values that cannot be checked while decoding.
func (c *Config) Validate() error {
	switch c.RateLimit.Kind {
	case "", "none", "fixed", "slowstart":
	default:
		return fmt.Errorf("unknown rate limiter kind %q", c.RateLimit.Kind)
	}
	if c.RateLimit.MaxMPsPerBucket < 0 {
		return fmt.Errorf("max_mps_per_bucket must not be negative, got %d", c.RateLimit.MaxMPsPerBucket)
	}
	if c.RateLimit.Kind == "fixed" && c.RateLimit.MaxMPsPerBucket == 0 {
		return fmt.Errorf("fixed rate limiter requires max_mps_per_bucket")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		var ret []string
		for _, s := range strings.Split(val, ",") {
			if s = strings.TrimSpace(s); s != "" {
				ret = append(ret, s)
			}
		}
		return ret
	}
	return defaultVal
}
