// Package config manages iscsid daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete iscsid configuration.
type Config struct {
	Socket  SocketConfig  `koanf:"socket"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Daemon  DaemonConfig  `koanf:"daemon"`
}

// SocketConfig holds the client socket configuration.
type SocketConfig struct {
	// Path is where the daemon listens when no socket is passed in by
	// the launch agent.
	Path string `koanf:"path"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint; empty
	// disables it.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// DaemonConfig holds the engine paths and bounds.
type DaemonConfig struct {
	// StorePath locates the node database.
	StorePath string `koanf:"store_path"`

	// KeychainPath locates the CHAP secret file.
	KeychainPath string `koanf:"keychain_path"`

	// InitiatorIQN overrides the store's initiator name; used on first
	// boot before the store has one.
	InitiatorIQN string `koanf:"initiator_iqn"`

	// InitiatorAlias overrides the store's initiator alias.
	InitiatorAlias string `koanf:"initiator_alias"`

	// LoginTimeout bounds every login/logout/text exchange.
	LoginTimeout time.Duration `koanf:"login_timeout"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Socket: SocketConfig{
			Path: "/run/iscsid/iscsid.sock",
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Daemon: DaemonConfig{
			StorePath:    "/etc/iscsid/nodes.yaml",
			KeychainPath: "/etc/iscsid/chap.yaml",
			LoginTimeout: 30 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for iscsid
// configuration. Variables are named ISCSID_<section>_<key>, e.g.
// ISCSID_SOCKET_PATH.
const envPrefix = "ISCSID_"

// Load reads configuration from the YAML file at path (optional),
// overlays ISCSID_-prefixed environment variables, and merges on top
// of DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms ISCSID_SOCKET_PATH -> socket.path. Only the
// first underscore separates section from key, so
// ISCSID_DAEMON_STORE_PATH -> daemon.store_path.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base
// layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"socket.path":           defaults.Socket.Path,
		"metrics.addr":          defaults.Metrics.Addr,
		"metrics.path":          defaults.Metrics.Path,
		"log.level":             defaults.Log.Level,
		"log.format":            defaults.Log.Format,
		"daemon.store_path":     defaults.Daemon.StorePath,
		"daemon.keychain_path":  defaults.Daemon.KeychainPath,
		"daemon.initiator_iqn":  defaults.Daemon.InitiatorIQN,
		"daemon.login_timeout":  defaults.Daemon.LoginTimeout.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptySocketPath indicates the client socket path is empty.
	ErrEmptySocketPath = errors.New("socket.path must not be empty")

	// ErrEmptyStorePath indicates the node store path is empty.
	ErrEmptyStorePath = errors.New("daemon.store_path must not be empty")

	// ErrInvalidLoginTimeout indicates a non-positive login timeout.
	ErrInvalidLoginTimeout = errors.New("daemon.login_timeout must be > 0")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.Socket.Path == "" {
		return ErrEmptySocketPath
	}
	if cfg.Daemon.StorePath == "" {
		return ErrEmptyStorePath
	}
	if cfg.Daemon.LoginTimeout <= 0 {
		return ErrInvalidLoginTimeout
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
