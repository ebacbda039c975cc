// Package config manages the schcd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides. The SCHC
// rule set lives in a separate file (see ruleset.go) so it can be
// reloaded on SIGHUP without touching the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete schcd configuration.
type Config struct {
	API     APIConfig     `koanf:"api"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Tunnel  TunnelConfig  `koanf:"tunnel"`
	SCHC    SCHCConfig    `koanf:"schc"`
}

// APIConfig holds the ConnectRPC control API configuration.
type APIConfig struct {
	// Addr is the HTTP listen address (e.g., ":8480").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
	// File is an optional log file path; empty logs to stderr.
	// Rotation is handled by lumberjack with the settings below.
	File string `koanf:"file"`
	// MaxSizeMB is the size in megabytes at which the log rotates.
	MaxSizeMB int `koanf:"max_size_mb"`
	// MaxBackups is how many rotated files to keep.
	MaxBackups int `koanf:"max_backups"`
	// MaxAgeDays is how many days to keep rotated files.
	MaxAgeDays int `koanf:"max_age_days"`
}

// TunnelConfig holds the UDP tunnel transport configuration.
type TunnelConfig struct {
	// Addr is the UDP listen address frames arrive on (e.g., ":8472").
	Addr string `koanf:"addr"`
	// MaxDatagram caps the size of a single inbound frame.
	MaxDatagram int `koanf:"max_datagram"`
}

// SCHCConfig holds the compression/fragmentation engine configuration.
type SCHCConfig struct {
	// RulesFile is the path of the YAML rule set (devices, compression
	// and fragmentation rules). Reloaded on SIGHUP.
	RulesFile string `koanf:"rules_file"`
	// Direction is the traffic direction this endpoint transmits in:
	// "up" for a device-side endpoint, "down" for the network side.
	Direction string `koanf:"direction"`
	// TxPool bounds concurrent outbound fragmented transfers.
	TxPool int `koanf:"tx_pool"`
	// RxPool bounds concurrent reassemblies.
	RxPool int `koanf:"rx_pool"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Addr: ":8480",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Tunnel: TunnelConfig{
			Addr:        ":8472",
			MaxDatagram: 2048,
		},
		SCHC: SCHCConfig{
			RulesFile: "/etc/schcd/rules.yaml",
			Direction: "down",
			TxPool:    256,
			RxPool:    256,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for schcd configuration.
// Variables are named SCHCD_<section>_<key>, e.g., SCHCD_API_ADDR.
const envPrefix = "SCHCD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (SCHCD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	SCHCD_API_ADDR        -> api.addr
//	SCHCD_METRICS_ADDR    -> metrics.addr
//	SCHCD_LOG_LEVEL       -> log.level
//	SCHCD_TUNNEL_ADDR     -> tunnel.addr
//	SCHCD_SCHC_DIRECTION  -> schc.direction
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// SCHCD_API_ADDR -> api.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms SCHCD_API_ADDR -> api.addr.
// Strips the SCHCD_ prefix, lowercases, and replaces the first _ with .
// so multi-word keys like rules_file survive.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"api.addr":            defaults.API.Addr,
		"metrics.addr":        defaults.Metrics.Addr,
		"metrics.path":        defaults.Metrics.Path,
		"log.level":           defaults.Log.Level,
		"log.format":          defaults.Log.Format,
		"log.file":            defaults.Log.File,
		"log.max_size_mb":     defaults.Log.MaxSizeMB,
		"log.max_backups":     defaults.Log.MaxBackups,
		"log.max_age_days":    defaults.Log.MaxAgeDays,
		"tunnel.addr":         defaults.Tunnel.Addr,
		"tunnel.max_datagram": defaults.Tunnel.MaxDatagram,
		"schc.rules_file":     defaults.SCHC.RulesFile,
		"schc.direction":      defaults.SCHC.Direction,
		"schc.tx_pool":        defaults.SCHC.TxPool,
		"schc.rx_pool":        defaults.SCHC.RxPool,
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
	// ErrEmptyAPIAddr indicates the control API listen address is empty.
	ErrEmptyAPIAddr = errors.New("api.addr must not be empty")

	// ErrEmptyTunnelAddr indicates the tunnel listen address is empty.
	ErrEmptyTunnelAddr = errors.New("tunnel.addr must not be empty")

	// ErrInvalidMaxDatagram indicates tunnel.max_datagram is not positive.
	ErrInvalidMaxDatagram = errors.New("tunnel.max_datagram must be > 0")

	// ErrEmptyRulesFile indicates no rule set file is configured.
	ErrEmptyRulesFile = errors.New("schc.rules_file must not be empty")

	// ErrInvalidDirection indicates schc.direction is neither up nor down.
	ErrInvalidDirection = errors.New(`schc.direction must be "up" or "down"`)

	// ErrInvalidPoolSize indicates a connection pool bound is not positive.
	ErrInvalidPoolSize = errors.New("schc pool sizes must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.API.Addr == "" {
		return ErrEmptyAPIAddr
	}
	if cfg.Tunnel.Addr == "" {
		return ErrEmptyTunnelAddr
	}
	if cfg.Tunnel.MaxDatagram <= 0 {
		return ErrInvalidMaxDatagram
	}
	if cfg.SCHC.RulesFile == "" {
		return ErrEmptyRulesFile
	}
	switch strings.ToLower(cfg.SCHC.Direction) {
	case "up", "down":
	default:
		return fmt.Errorf("%q: %w", cfg.SCHC.Direction, ErrInvalidDirection)
	}
	if cfg.SCHC.TxPool <= 0 || cfg.SCHC.RxPool <= 0 {
		return ErrInvalidPoolSize
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
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
