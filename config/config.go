// Package config centralises configuration loading for livebus hosts.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment the bus operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const defaultConfigPath = "config/livebus.yaml"

// BusConfig captures the process-wide bus configuration tree.
type BusConfig struct {
	Environment Environment                `yaml:"environment" json:"environment"`
	Defaults    DefaultsConfig             `yaml:"defaults" json:"defaults"`
	Channels    map[string]ChannelOverride `yaml:"channels" json:"channels"`
	Logging     LoggingConfig              `yaml:"logging" json:"logging"`
	Dispatcher  DispatcherConfig           `yaml:"dispatcher" json:"dispatcher"`
	Telemetry   TelemetryConfig            `yaml:"telemetry" json:"telemetry"`
}

// DefaultsConfig holds the global fallbacks used when a key has no override.
type DefaultsConfig struct {
	AlwaysActive bool `yaml:"alwaysActive" json:"alwaysActive"`
	AutoClear    bool `yaml:"autoClear" json:"autoClear"`
}

// ChannelOverride declares per-key overrides; nil fields fall back to DefaultsConfig.
type ChannelOverride struct {
	AlwaysActive *bool `yaml:"alwaysActive,omitempty" json:"alwaysActive,omitempty"`
	AutoClear    *bool `yaml:"autoClear,omitempty" json:"autoClear,omitempty"`
}

// LoggingConfig controls the bus log sink.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Level   string `yaml:"level" json:"level"`
	Format  string `yaml:"format" json:"format"`
}

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	Name            string `yaml:"name" json:"name"`
	ShutdownTimeout string `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	Metrics         bool   `yaml:"metrics" json:"metrics"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName" json:"serviceName"`
	EnableMetrics bool   `yaml:"enableMetrics" json:"enableMetrics"`
}

// Default returns the default bus configuration.
func Default() BusConfig {
	return BusConfig{
		Environment: EnvDev,
		Defaults:    DefaultsConfig{AlwaysActive: false, AutoClear: false},
		Channels:    make(map[string]ChannelOverride),
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
			Format:  "text",
		},
		Dispatcher: DispatcherConfig{
			Name:            "livebus",
			ShutdownTimeout: "5s",
			Metrics:         false,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "livebus",
			EnableMetrics: true,
		},
	}
}

// Clone returns a deep copy of the configuration.
func (c BusConfig) Clone() BusConfig {
	cloned := c
	cloned.Channels = make(map[string]ChannelOverride, len(c.Channels))
	for key, override := range c.Channels {
		cloned.Channels[key] = override.clone()
	}
	return cloned
}

func (o ChannelOverride) clone() ChannelOverride {
	var out ChannelOverride
	if o.AlwaysActive != nil {
		v := *o.AlwaysActive
		out.AlwaysActive = &v
	}
	if o.AutoClear != nil {
		v := *o.AutoClear
		out.AutoClear = &v
	}
	return out
}

// ShutdownTimeoutDuration parses the dispatcher shutdown timeout.
func (d DispatcherConfig) ShutdownTimeoutDuration() time.Duration {
	parsed, err := time.ParseDuration(strings.TrimSpace(d.ShutdownTimeout))
	if err != nil || parsed <= 0 {
		return 5 * time.Second
	}
	return parsed
}

// Normalise trims whitespace and fills derived defaults.
func (c *BusConfig) Normalise() {
	if c == nil {
		return
	}
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Dispatcher.Name = strings.TrimSpace(c.Dispatcher.Name)
	if c.Dispatcher.Name == "" {
		c.Dispatcher.Name = "livebus"
	}
	c.Dispatcher.ShutdownTimeout = strings.TrimSpace(c.Dispatcher.ShutdownTimeout)
	if c.Dispatcher.ShutdownTimeout == "" {
		c.Dispatcher.ShutdownTimeout = "5s"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Channels == nil {
		c.Channels = make(map[string]ChannelOverride)
	}
}

// Validate performs semantic validation on the configuration.
func (c BusConfig) Validate(ctx context.Context) error {
	_ = ctx
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment %q must be one of dev, staging, prod", c.Environment)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q unsupported", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q unsupported", c.Logging.Format)
	}
	timeout, err := time.ParseDuration(c.Dispatcher.ShutdownTimeout)
	if err != nil {
		return fmt.Errorf("dispatcher.shutdownTimeout: %w", err)
	}
	if timeout <= 0 {
		return fmt.Errorf("dispatcher.shutdownTimeout must be > 0")
	}
	for key := range c.Channels {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("channels: key must not be blank")
		}
	}
	return nil
}

// ApplyEnv overrides configuration values from LIVEBUS_* environment variables.
func ApplyEnv(cfg *BusConfig) error {
	if cfg == nil {
		return nil
	}
	if env := strings.TrimSpace(os.Getenv("LIVEBUS_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if raw := strings.TrimSpace(os.Getenv("LIVEBUS_ALWAYS_ACTIVE")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("LIVEBUS_ALWAYS_ACTIVE: %w", err)
		}
		cfg.Defaults.AlwaysActive = v
	}
	if raw := strings.TrimSpace(os.Getenv("LIVEBUS_AUTO_CLEAR")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("LIVEBUS_AUTO_CLEAR: %w", err)
		}
		cfg.Defaults.AutoClear = v
	}
	if level := strings.TrimSpace(os.Getenv("LIVEBUS_LOG_LEVEL")); level != "" {
		cfg.Logging.Level = level
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Telemetry.OTLPEndpoint = endpoint
	}
	return nil
}

// Load reads a YAML or JSON configuration document from disk, applies environment
// overrides and validates the result.
func Load(ctx context.Context, path string) (BusConfig, error) {
	path = resolvePath(path)
	file, err := os.Open(filepath.Clean(path)) // #nosec G304 -- configuration paths are controlled by operators.
	if err != nil {
		return BusConfig{}, fmt.Errorf("open bus config: %w", err)
	}
	defer func() { _ = file.Close() }()
	return decode(ctx, file, filepath.Ext(path))
}

// LoadOrDefault behaves like Load but falls back to defaults when the file does not exist.
// The boolean result reports whether the configuration came from disk.
func LoadOrDefault(ctx context.Context, path string) (BusConfig, bool, error) {
	cfg, err := Load(ctx, path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return BusConfig{}, false, err
	}
	cfg = Default()
	if err := ApplyEnv(&cfg); err != nil {
		return BusConfig{}, false, err
	}
	cfg.Normalise()
	if err := cfg.Validate(ctx); err != nil {
		return BusConfig{}, false, err
	}
	return cfg, false, nil
}

func decode(ctx context.Context, reader io.Reader, ext string) (BusConfig, error) {
	raw, err := io.ReadAll(reader)
	if err != nil {
		return BusConfig{}, fmt.Errorf("read bus config: %w", err)
	}
	cfg := Default()
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return BusConfig{}, fmt.Errorf("unmarshal bus config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return BusConfig{}, fmt.Errorf("unmarshal bus config: %w", err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return BusConfig{}, err
	}
	cfg.Normalise()
	if err := cfg.Validate(ctx); err != nil {
		return BusConfig{}, err
	}
	return cfg, nil
}

func resolvePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("LIVEBUS_CONFIG"))
	}
	if path == "" {
		path = defaultConfigPath
	}
	return path
}
