package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for sessiond.
type Config struct {
	// Auth backend base URL, e.g. https://auth.example.com (required).
	AuthBaseURL string `env:"AUTH_BASE_URL"`

	// Account email, used to request OTP codes when no session can be
	// restored. Optional; without it the daemon falls back to prompting.
	Email string `env:"SESSIOND_EMAIL"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Directory for persistent state. Defaults to ~/.sessiond.
	StateDir string `env:"SESSIOND_STATE_DIR"`

	// Passphrase sealing the persisted refresh credential (required).
	StatePassphrase string `env:"SESSIOND_STATE_PASSPHRASE"`

	// Redirect URI registered with the OAuth provider.
	OAuthRedirectURI string `env:"OAUTH_REDIRECT_URI" envDefault:"http://localhost:8765/callback"`

	// Refresh tuning. Threshold is how long before expiry a token counts
	// as stale; retries and delay shape the linear backoff.
	RefreshThresholdSeconds int  `env:"REFRESH_THRESHOLD_SECONDS" envDefault:"300"`
	RefreshMaxRetries       int  `env:"REFRESH_MAX_RETRIES" envDefault:"3"`
	RefreshRetryDelayMillis int  `env:"REFRESH_RETRY_DELAY_MS" envDefault:"1000"`
	AutoRefresh             bool `env:"AUTO_REFRESH" envDefault:"true"`

	// How often the keep-alive loop checks token freshness.
	KeepAliveSeconds int `env:"KEEPALIVE_SECONDS" envDefault:"60"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// fileOverrides is the subset of Config that may come from the optional
// config.yaml in the state directory. Only non-secret identity fields:
// the passphrase must come from the environment.
type fileOverrides struct {
	AuthBaseURL      string `yaml:"auth_base_url"`
	Email            string `yaml:"email"`
	DeviceName       string `yaml:"device_name"`
	OAuthRedirectURI string `yaml:"oauth_redirect_uri"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env
// vars, then fills still-empty identity fields from the optional
// config.yaml in the state directory. Environment always wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StateDir = filepath.Join(home, ".sessiond")
	}

	if err := cfg.applyFileOverrides(); err != nil {
		return nil, err
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "sessiond"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyFileOverrides fills empty identity fields from
// <StateDir>/config.yaml. A missing file is fine; a malformed one is
// an error, silently ignoring it would mask typos.
func (c *Config) applyFileOverrides() error {
	path := filepath.Join(c.StateDir, "config.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("reading %s: %w", path, err)
	}

	var overrides fileOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if c.AuthBaseURL == "" {
		c.AuthBaseURL = overrides.AuthBaseURL
	}

	if c.Email == "" {
		c.Email = overrides.Email
	}

	if c.DeviceName == "" {
		c.DeviceName = overrides.DeviceName
	}

	if c.OAuthRedirectURI == "" {
		c.OAuthRedirectURI = overrides.OAuthRedirectURI
	}

	return nil
}

func (c *Config) validate() error {
	if c.AuthBaseURL == "" {
		return fmt.Errorf("AUTH_BASE_URL is required")
	}

	if c.StatePassphrase == "" {
		return fmt.Errorf("SESSIOND_STATE_PASSPHRASE is required")
	}

	if c.RefreshThresholdSeconds <= 0 {
		return fmt.Errorf("REFRESH_THRESHOLD_SECONDS must be positive")
	}

	if c.RefreshMaxRetries < 1 {
		return fmt.Errorf("REFRESH_MAX_RETRIES must be at least 1")
	}

	if c.RefreshRetryDelayMillis < 0 {
		return fmt.Errorf("REFRESH_RETRY_DELAY_MS must not be negative")
	}

	if c.KeepAliveSeconds < 1 {
		return fmt.Errorf("KEEPALIVE_SECONDS must be at least 1")
	}

	return nil
}

// StatePath returns the path of the state database.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// RefreshThreshold returns the staleness threshold as a duration.
func (c *Config) RefreshThreshold() time.Duration {
	return time.Duration(c.RefreshThresholdSeconds) * time.Second
}

// RefreshRetryDelay returns the base retry delay as a duration.
func (c *Config) RefreshRetryDelay() time.Duration {
	return time.Duration(c.RefreshRetryDelayMillis) * time.Millisecond
}

// KeepAliveInterval returns the keep-alive check interval as a duration.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
