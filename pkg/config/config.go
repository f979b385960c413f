// Package config loads the margin service configuration from YAML with
// environment overrides. Defaults are usable without any config file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	margerr "github.com/odvcencio/margin/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBind           = "127.0.0.1:4499"
	DefaultRemoteTimeout  = 10 * time.Second
	DefaultDebounce       = 800 * time.Millisecond
	DefaultViewportMargin = 8
	DefaultStreamHeartbeat = 15 * time.Second
	DefaultLogLevel       = "info"
	DefaultNATSURL        = "" // empty selects the in-memory bus
)

// Config represents the complete margin configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Remote    RemoteConfig    `yaml:"remote"`
	Sync      SyncConfig      `yaml:"sync"`
	Storage   StorageConfig   `yaml:"storage"`
	Bus       BusConfig       `yaml:"bus"`
	Log       LogConfig       `yaml:"log"`
	Selection SelectionConfig `yaml:"selection"`
}

// ServerConfig controls the annotation service HTTP listener
type ServerConfig struct {
	Bind            string        `yaml:"bind"`
	StreamHeartbeat time.Duration `yaml:"stream_heartbeat"`
}

// RemoteConfig points the client at a remote annotation service
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig controls debounced persistence
type SyncConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// StorageConfig locates the sqlite database backing persistence and the
// offline cache
type StorageConfig struct {
	Path string `yaml:"path"`
}

// BusConfig selects the pub/sub transport. An empty NATS URL selects the
// in-memory bus.
type BusConfig struct {
	NATSURL string `yaml:"nats_url"`
}

// LogConfig controls the structured event logger
type LogConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// SelectionConfig tunes floating-UI geometry
type SelectionConfig struct {
	ViewportMargin int `yaml:"viewport_margin"`
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:            DefaultBind,
			StreamHeartbeat: DefaultStreamHeartbeat,
		},
		Remote: RemoteConfig{
			Timeout: DefaultRemoteTimeout,
		},
		Sync: SyncConfig{
			Debounce: DefaultDebounce,
		},
		Storage: StorageConfig{
			Path: defaultStoragePath(),
		},
		Bus: BusConfig{
			NATSURL: DefaultNATSURL,
		},
		Log: LogConfig{
			Dir:   defaultLogDir(),
			Level: DefaultLogLevel,
		},
		Selection: SelectionConfig{
			ViewportMargin: DefaultViewportMargin,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then environment overrides. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadAndMerge(cfg, path); err != nil {
			if !os.IsNotExist(err) {
				return nil, margerr.Wrap(err, margerr.ErrCodeConfigLoad, "load config file")
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAndMerge loads a YAML file and merges non-zero fields into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override)
	return nil
}

// mergeConfigs merges override into base, field by field.
func mergeConfigs(base, override *Config) {
	if override == nil {
		return
	}

	if override.Server.Bind != "" {
		base.Server.Bind = override.Server.Bind
	}
	if override.Server.StreamHeartbeat != 0 {
		base.Server.StreamHeartbeat = override.Server.StreamHeartbeat
	}
	if override.Remote.BaseURL != "" {
		base.Remote.BaseURL = override.Remote.BaseURL
	}
	if override.Remote.Timeout != 0 {
		base.Remote.Timeout = override.Remote.Timeout
	}
	if override.Sync.Debounce != 0 {
		base.Sync.Debounce = override.Sync.Debounce
	}
	if override.Storage.Path != "" {
		base.Storage.Path = override.Storage.Path
	}
	if override.Bus.NATSURL != "" {
		base.Bus.NATSURL = override.Bus.NATSURL
	}
	if override.Log.Dir != "" {
		base.Log.Dir = override.Log.Dir
	}
	if override.Log.Level != "" {
		base.Log.Level = override.Log.Level
	}
	if override.Selection.ViewportMargin != 0 {
		base.Selection.ViewportMargin = override.Selection.ViewportMargin
	}
}

// applyEnvOverrides applies MARGIN_* environment variables on top of the
// merged configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MARGIN_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("MARGIN_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("MARGIN_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MARGIN_NATS_URL"); v != "" {
		cfg.Bus.NATSURL = v
	}
	if v := os.Getenv("MARGIN_LOG_DIR"); v != "" {
		cfg.Log.Dir = v
	}
	if v := os.Getenv("MARGIN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MARGIN_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Sync.Debounce = time.Duration(ms) * time.Millisecond
		}
	}
}

// Validate checks the configuration for values that cannot work at runtime
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return margerr.New(margerr.ErrCodeConfigInvalid,
			fmt.Sprintf("invalid bind address %q", c.Server.Bind))
	}
	if c.Sync.Debounce <= 0 {
		return margerr.New(margerr.ErrCodeConfigInvalid, "sync debounce must be positive")
	}
	if c.Selection.ViewportMargin < 0 {
		return margerr.New(margerr.ErrCodeConfigInvalid, "viewport margin cannot be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return margerr.New(margerr.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	return nil
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "margin.db"
	}
	return home + "/.margin/margin.db"
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "logs"
	}
	return home + "/.margin/logs"
}
