package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestEnv(t *testing.T) func() {
	t.Helper()

	tmpDir := t.TempDir()
	os.Setenv("WEBTERM_HUBD_CONFIG_DIR", tmpDir)

	os.Unsetenv("WEBTERM_HUBD_LISTEN_ADDR")
	os.Unsetenv("WEBTERM_HUBD_WORKSPACE_ROOT")
	os.Unsetenv("WEBTERM_HUBD_MAX_SESSIONS_PER_USER")
	os.Unsetenv("WEBTERM_HUBD_IDLE_TIMEOUT_SECONDS")

	return func() {
		os.Unsetenv("WEBTERM_HUBD_CONFIG_DIR")
		os.Unsetenv("WEBTERM_HUBD_LISTEN_ADDR")
		os.Unsetenv("WEBTERM_HUBD_WORKSPACE_ROOT")
		os.Unsetenv("WEBTERM_HUBD_MAX_SESSIONS_PER_USER")
		os.Unsetenv("WEBTERM_HUBD_IDLE_TIMEOUT_SECONDS")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Session.MaxSessionsPerUser != 20 {
		t.Errorf("MaxSessionsPerUser = %d, want 20", cfg.Session.MaxSessionsPerUser)
	}
	if cfg.RateLimit.IPRequestsPerMinute != 100 {
		t.Errorf("IPRequestsPerMinute = %d, want 100", cfg.RateLimit.IPRequestsPerMinute)
	}
	if cfg.RateLimit.UserRequestsPerHour != 1000 {
		t.Errorf("UserRequestsPerHour = %d, want 1000", cfg.RateLimit.UserRequestsPerHour)
	}
	if cfg.RateLimit.LockoutThreshold != 5 {
		t.Errorf("LockoutThreshold = %d, want 5", cfg.RateLimit.LockoutThreshold)
	}
	if cfg.RateLimit.LockoutDurationMinutes != 15 {
		t.Errorf("LockoutDurationMinutes = %d, want 15", cfg.RateLimit.LockoutDurationMinutes)
	}
}

func TestLoadFromFile(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	path, err := Path()
	if err != nil {
		t.Fatalf("Path() failed: %v", err)
	}

	fileCfg := Default()
	fileCfg.Server.ListenAddr = ":9090"
	fileCfg.Session.MaxSessionsPerUser = 5

	if err := fileCfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Session.MaxSessionsPerUser != 5 {
		t.Errorf("MaxSessionsPerUser = %d, want 5", cfg.Session.MaxSessionsPerUser)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	fileCfg := Default()
	fileCfg.Server.ListenAddr = ":9090"
	if err := fileCfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	os.Setenv("WEBTERM_HUBD_LISTEN_ADDR", ":7070")
	os.Setenv("WEBTERM_HUBD_MAX_SESSIONS_PER_USER", "42")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want %q (env override)", cfg.Server.ListenAddr, ":7070")
	}
	if cfg.Session.MaxSessionsPerUser != 42 {
		t.Errorf("MaxSessionsPerUser = %d, want 42 (env override)", cfg.Session.MaxSessionsPerUser)
	}
}

func TestLoadWithNoFile(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want default", cfg.Server.ListenAddr)
	}
}

func TestInvalidEnvVarsIgnored(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("WEBTERM_HUBD_MAX_SESSIONS_PER_USER", "not_a_number")
	os.Setenv("WEBTERM_HUBD_IDLE_TIMEOUT_SECONDS", "invalid")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Session.MaxSessionsPerUser != 20 {
		t.Errorf("MaxSessionsPerUser = %d, want default 20 (invalid env ignored)", cfg.Session.MaxSessionsPerUser)
	}
	if cfg.Session.IdleTimeout != time.Hour {
		t.Errorf("IdleTimeout = %v, want default 1h (invalid env ignored)", cfg.Session.IdleTimeout)
	}
}

func TestConfigDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	customDir := filepath.Join(tmpDir, "custom_config")

	os.Setenv("WEBTERM_HUBD_CONFIG_DIR", customDir)
	defer os.Unsetenv("WEBTERM_HUBD_CONFIG_DIR")

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if dir != customDir {
		t.Errorf("Dir() = %q, want %q", dir, customDir)
	}
	if _, err := os.Stat(customDir); os.IsNotExist(err) {
		t.Errorf("config directory was not created")
	}
}
