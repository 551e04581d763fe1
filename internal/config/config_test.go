// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "super-secret"

agents:
  heartbeat_interval: "30s"
  heartbeat_timeout: "90s"

scheduler:
  sweep_interval: "10s"

packages:
  base_url: "https://packages.example.com"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.JWTSecret != "super-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "super-secret")
	}
	if cfg.Agents.HeartbeatInterval != 30*time.Second {
		t.Errorf("Agents.HeartbeatInterval = %v, want 30s", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Agents.HeartbeatTimeout != 90*time.Second {
		t.Errorf("Agents.HeartbeatTimeout = %v, want 90s", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Scheduler.SweepInterval != 10*time.Second {
		t.Errorf("Scheduler.SweepInterval = %v, want 10s", cfg.Scheduler.SweepInterval)
	}
	if cfg.Packages.BaseURL != "https://packages.example.com" {
		t.Errorf("Packages.BaseURL = %q", cfg.Packages.BaseURL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want default %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Agents.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("Agents.HeartbeatInterval = %v, want default %v", cfg.Agents.HeartbeatInterval, DefaultHeartbeatInterval)
	}
	if cfg.Agents.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Errorf("Agents.HeartbeatTimeout = %v, want default %v", cfg.Agents.HeartbeatTimeout, DefaultHeartbeatTimeout)
	}
	if cfg.Scheduler.SweepInterval != DefaultSweepInterval {
		t.Errorf("Scheduler.SweepInterval = %v, want default %v", cfg.Scheduler.SweepInterval, DefaultSweepInterval)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Auth.JWTSecret != "" {
		t.Errorf("Auth.JWTSecret = %q, want empty (dev mode)", cfg.Auth.JWTSecret)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "from-the-environment")
	t.Setenv("TEST_DB_PATH", "/var/lib/fleet/gateway.db")

	configPath := writeConfig(t, `
database:
  path: "${TEST_DB_PATH}"

auth:
  jwt_secret: "${TEST_JWT_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/var/lib/fleet/gateway.db" {
		t.Errorf("Database.Path = %q, env var not expanded", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != "from-the-environment" {
		t.Errorf("Auth.JWTSecret = %q, env var not expanded", cfg.Auth.JWTSecret)
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"

auth:
  jwt_secret: "${DEFINITELY_NOT_SET_ANYWHERE}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "" {
		t.Errorf("Auth.JWTSecret = %q, want empty", cfg.Auth.JWTSecret)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"

agents:
  heartbeat_interval: "thirty seconds"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "heartbeat_interval") {
		t.Errorf("error %q does not mention heartbeat_interval", err)
	}
}

func TestLoad_MissingDatabasePath(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for missing database.path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("error %q does not mention database.path", err)
	}
}

func TestLoad_TimeoutMustExceedInterval(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"

agents:
  heartbeat_interval: "60s"
  heartbeat_timeout: "30s"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for timeout <= interval")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"

logging:
  level: "verbose"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for unknown logging level")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if cfg.Database.Path == "" {
		t.Error("Default() has empty database path")
	}
}
