package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goiscsi/iscsid/internal/config"
)

func TestDefaults(t *testing.T) {
	// No t.Parallel(): sibling tests mutate ISCSID_ env vars.
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Socket.Path != "/run/iscsid/iscsid.sock" {
		t.Errorf("socket path = %q", cfg.Socket.Path)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log defaults = %+v", cfg.Log)
	}
	if cfg.Daemon.LoginTimeout != 30*time.Second {
		t.Errorf("login timeout = %s", cfg.Daemon.LoginTimeout)
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("metrics enabled by default: %q", cfg.Metrics.Addr)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iscsid.yaml")
	content := []byte(`
socket:
  path: /tmp/test.sock
log:
  level: debug
  format: text
daemon:
  store_path: /tmp/nodes.yaml
  login_timeout: 5s
metrics:
  addr: ":9200"
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Socket.Path != "/tmp/test.sock" {
		t.Errorf("socket path = %q", cfg.Socket.Path)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Daemon.LoginTimeout != 5*time.Second {
		t.Errorf("login timeout = %s", cfg.Daemon.LoginTimeout)
	}
	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("metrics addr = %q", cfg.Metrics.Addr)
	}
	// Unset fields inherit defaults.
	if cfg.Daemon.KeychainPath != "/etc/iscsid/chap.yaml" {
		t.Errorf("keychain path = %q", cfg.Daemon.KeychainPath)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ISCSID_SOCKET_PATH", "/tmp/env.sock")
	t.Setenv("ISCSID_LOG_LEVEL", "warn")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Socket.Path != "/tmp/env.sock" {
		t.Errorf("socket path = %q, want env override", cfg.Socket.Path)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want env override", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Socket.Path = ""
	if err := config.Validate(cfg); !errors.Is(err, config.ErrEmptySocketPath) {
		t.Errorf("err = %v, want ErrEmptySocketPath", err)
	}

	cfg = config.DefaultConfig()
	cfg.Daemon.StorePath = ""
	if err := config.Validate(cfg); !errors.Is(err, config.ErrEmptyStorePath) {
		t.Errorf("err = %v, want ErrEmptyStorePath", err)
	}

	cfg = config.DefaultConfig()
	cfg.Daemon.LoginTimeout = 0
	if err := config.Validate(cfg); !errors.Is(err, config.ErrInvalidLoginTimeout) {
		t.Errorf("err = %v, want ErrInvalidLoginTimeout", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := config.ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
