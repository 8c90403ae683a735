// Package config manages the reference daemon's configuration using
// koanf/v2.
//
// Supports YAML files, environment variables, and layered defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete netlibd configuration.
type Config struct {
	Metrics   MetricsConfig    `koanf:"metrics"`
	Log       LogConfig        `koanf:"log"`
	Poller    PollerConfig     `koanf:"poller"`
	Buffers   BufferConfig     `koanf:"buffers"`
	Listeners []ListenerConfig `koanf:"listeners"`
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
}

// PollerConfig holds the default poller sizing.
type PollerConfig struct {
	// Capacity is the number of sockets the poller's backend pre-sizes its
	// readiness buffer for. Clamped to [8, 65535] by Validate.
	Capacity int `koanf:"capacity"`
	// Timeout is how long a single Poll() call waits for readiness before
	// reporting a Timeout event.
	Timeout time.Duration `koanf:"timeout"`
}

// BufferConfig holds the default buffer sizes for socket streams.
type BufferConfig struct {
	// StreamIn is the default SocketStream in-buffer size, in bytes.
	StreamIn int `koanf:"stream_in"`
	// StreamOut is the default SocketStream out-buffer size, in bytes.
	StreamOut int `koanf:"stream_out"`
}

// ListenerConfig describes a declarative listener from the configuration
// file. Each entry creates a registered socket on daemon startup.
type ListenerConfig struct {
	// Name identifies the listener in logs and metrics labels.
	Name string `koanf:"name"`

	// Protocol is the listener type: "tcp" or "udp".
	Protocol string `koanf:"protocol"`

	// Bind is the local address to bind, e.g. "0.0.0.0:9000" or ":9000".
	Bind string `koanf:"bind"`

	// Backlog is the TCP accept backlog. Ignored for UDP.
	Backlog int `koanf:"backlog"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults; the
// stream buffer sizes match internal/sockstream's compile-time defaults.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Poller: PollerConfig{
			Capacity: 128,
			Timeout:  time.Second,
		},
		Buffers: BufferConfig{
			StreamIn:  8192,
			StreamOut: 8192,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for netlibd configuration.
// Variables are named NETLIB_<section>_<key>, e.g., NETLIB_POLLER_CAPACITY.
const envPrefix = "NETLIB_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (NETLIB_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	NETLIB_METRICS_ADDR      -> metrics.addr
//	NETLIB_METRICS_PATH      -> metrics.path
//	NETLIB_LOG_LEVEL         -> log.level
//	NETLIB_LOG_FORMAT        -> log.format
//	NETLIB_POLLER_CAPACITY   -> poller.capacity
//	NETLIB_POLLER_TIMEOUT    -> poller.timeout
//	NETLIB_BUFFERS_STREAM_IN -> buffers.stream_in
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// NETLIB_POLLER_CAPACITY -> poller.capacity (strip prefix, lowercase, first _ -> .).
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

// envKeyMapper transforms NETLIB_POLLER_CAPACITY -> poller.capacity.
// Strips the NETLIB_ prefix, lowercases, and replaces the first _ (the
// section separator) with ., so NETLIB_BUFFERS_STREAM_IN -> buffers.stream_in.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":       defaults.Metrics.Addr,
		"metrics.path":       defaults.Metrics.Path,
		"log.level":          defaults.Log.Level,
		"log.format":         defaults.Log.Format,
		"poller.capacity":    defaults.Poller.Capacity,
		"poller.timeout":     defaults.Poller.Timeout.String(),
		"buffers.stream_in":  defaults.Buffers.StreamIn,
		"buffers.stream_out": defaults.Buffers.StreamOut,
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

// minPollerCapacity and maxPollerCapacity bound PollerConfig.Capacity.
const (
	minPollerCapacity = 8
	maxPollerCapacity = 65535
)

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrInvalidBufferSize indicates a configured buffer size is not positive.
	ErrInvalidBufferSize = errors.New("buffers.stream_in and buffers.stream_out must be > 0")

	// ErrEmptyListenerName indicates a listener entry has no name.
	ErrEmptyListenerName = errors.New("listener name must not be empty")

	// ErrInvalidListenerProtocol indicates a listener has an unrecognized protocol.
	ErrInvalidListenerProtocol = errors.New("listener protocol must be tcp or udp")

	// ErrDuplicateListenerName indicates two listeners share the same name.
	ErrDuplicateListenerName = errors.New("duplicate listener name")
)

// Validate checks the configuration for logical errors. Poller.Capacity is
// clamped into range rather than rejected, matching the spec's compile-time
// clamp of [8, 65535].
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	switch {
	case cfg.Poller.Capacity < minPollerCapacity:
		cfg.Poller.Capacity = minPollerCapacity
	case cfg.Poller.Capacity > maxPollerCapacity:
		cfg.Poller.Capacity = maxPollerCapacity
	}

	if cfg.Buffers.StreamIn <= 0 || cfg.Buffers.StreamOut <= 0 {
		return ErrInvalidBufferSize
	}

	if err := validateListeners(cfg.Listeners); err != nil {
		return err
	}

	return nil
}

// ValidListenerProtocols lists the recognized listener protocol strings.
var ValidListenerProtocols = map[string]bool{
	"tcp": true,
	"udp": true,
}

// validateListeners checks each declarative listener entry for correctness.
func validateListeners(listeners []ListenerConfig) error {
	seen := make(map[string]struct{}, len(listeners))

	for i, lc := range listeners {
		if lc.Name == "" {
			return fmt.Errorf("listeners[%d]: %w", i, ErrEmptyListenerName)
		}

		if !ValidListenerProtocols[lc.Protocol] {
			return fmt.Errorf("listeners[%d] protocol %q: %w", i, lc.Protocol, ErrInvalidListenerProtocol)
		}

		key := lc.Name
		if _, dup := seen[key]; dup {
			return fmt.Errorf("listeners[%d] name %q: %w", i, key, ErrDuplicateListenerName)
		}
		seen[key] = struct{}{}
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
