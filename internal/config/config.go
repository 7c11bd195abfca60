// Package config loads webterm-hubd's configuration from a YAML file with
// environment-variable overrides, following the same file-then-env
// precedence and config-directory conventions the teacher's config
// package used for its JSON config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	TLSCertPath string `yaml:"tls_cert_path,omitempty"`
	TLSKeyPath  string `yaml:"tls_key_path,omitempty"`
}

// CORSConfig controls cross-origin access to the HTTP API.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAgeSeconds    int      `yaml:"max_age_seconds"`
}

// SecurityHeadersConfig controls the hardening headers attached to every
// HTTP response.
type SecurityHeadersConfig struct {
	ContentSecurityPolicy string `yaml:"content_security_policy"`
	FrameOptions          string `yaml:"frame_options"`
	HSTSMaxAgeSeconds      int   `yaml:"hsts_max_age_seconds"`
}

// SessionConfig controls session manager policy.
type SessionConfig struct {
	WorkspaceRoot      string        `yaml:"workspace_root"`
	MaxSessionsPerUser int           `yaml:"max_sessions_per_user"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	WorkspaceQuotaMB   int           `yaml:"workspace_quota_mb"`
}

// RateLimitConfig controls HTTP and per-connection throttling.
type RateLimitConfig struct {
	IPRequestsPerMinute    int           `yaml:"ip_requests_per_minute"`
	UserRequestsPerHour    int           `yaml:"user_requests_per_hour"`
	LockoutThreshold       int           `yaml:"lockout_threshold"`
	LockoutDurationMinutes int           `yaml:"lockout_duration_minutes"`
	ViolationResetWindow   time.Duration `yaml:"violation_reset_window"`
	MaxMessagesPerSecond   int           `yaml:"max_messages_per_second"`
}

// AuthProviderConfig configures one JWKS-backed identity provider.
type AuthProviderConfig struct {
	Name            string        `yaml:"name"`
	JWKSURL         string        `yaml:"jwks_url"`
	Issuer          string        `yaml:"issuer"`
	Audience        string        `yaml:"audience"`
	Algorithms      []string      `yaml:"algorithms"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// AuthConfig configures token validation.
type AuthConfig struct {
	Providers        []AuthProviderConfig `yaml:"providers"`
	ClockSkewSeconds int                  `yaml:"clock_skew_seconds"`
}

// Config is the full configuration for webterm-hubd.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	CORS            CORSConfig            `yaml:"cors"`
	SecurityHeaders SecurityHeadersConfig `yaml:"security_headers"`
	Session         SessionConfig         `yaml:"session"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	Auth            AuthConfig            `yaml:"auth"`
}

// Default returns configuration with the same defaults the rate limit and
// session middleware document.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	if homeDir == "" {
		homeDir = "."
	}
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080"},
		CORS: CORSConfig{
			AllowedOrigins: []string{},
			AllowedMethods: []string{"GET", "POST", "DELETE"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAgeSeconds:  600,
		},
		SecurityHeaders: SecurityHeadersConfig{
			ContentSecurityPolicy: "default-src 'self'",
			FrameOptions:          "DENY",
			HSTSMaxAgeSeconds:     31536000,
		},
		Session: SessionConfig{
			WorkspaceRoot:      filepath.Join(homeDir, "webterm-sessions"),
			MaxSessionsPerUser: 20,
			IdleTimeout:        time.Hour,
			CleanupInterval:    60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			IPRequestsPerMinute:    100,
			UserRequestsPerHour:    1000,
			LockoutThreshold:       5,
			LockoutDurationMinutes: 15,
			ViolationResetWindow:   time.Hour,
			MaxMessagesPerSecond:   50,
		},
		Auth: AuthConfig{ClockSkewSeconds: 30},
	}
}

// Dir returns the configuration directory, creating it if necessary.
// Respects WEBTERM_HUBD_CONFIG_DIR for test isolation.
func Dir() (string, error) {
	if testDir := os.Getenv("WEBTERM_HUBD_CONFIG_DIR"); testDir != "" {
		if err := os.MkdirAll(testDir, 0700); err != nil {
			return "", fmt.Errorf("could not create config directory: %w", err)
		}
		return testDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".webterm-hubd")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("could not create config directory: %w", err)
	}
	return dir, nil
}

// Path returns the path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads configuration from file and applies environment variable
// overrides. Priority: environment variables > config file > defaults.
func Load() (*Config, error) {
	cfg := Default()

	if err := cfg.loadFromFile(); err != nil {
		// Missing or invalid file is not an error; defaults apply.
		_ = err
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) loadFromFile() error {
	path, err := Path()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WEBTERM_HUBD_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("WEBTERM_HUBD_WORKSPACE_ROOT"); v != "" {
		c.Session.WorkspaceRoot = v
	}
	if v := os.Getenv("WEBTERM_HUBD_MAX_SESSIONS_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.MaxSessionsPerUser = n
		}
	}
	if v := os.Getenv("WEBTERM_HUBD_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.IdleTimeout = time.Duration(n) * time.Second
		}
	}
}

// Save writes configuration to the config file.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}
	return nil
}
