package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"braindrive/internal/common/fsutil"
)

// Duration wraps time.Duration so it can be written as "90s" or "5m" in
// any of the supported config formats.
type Duration struct{ time.Duration }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// CleanupConfig tunes the background janitor.
type CleanupConfig struct {
	Interval           Duration `json:"interval" yaml:"interval" toml:"interval"`
	ManagerIdleTimeout Duration `json:"manager_idle_timeout" yaml:"manager_idle_timeout" toml:"manager_idle_timeout"`
	TempRetention      Duration `json:"temp_retention" yaml:"temp_retention" toml:"temp_retention"`
	Disabled           bool     `json:"disabled" yaml:"disabled" toml:"disabled"`
}

// ModelInstallConfig tunes the background model download registry.
type ModelInstallConfig struct {
	MaxConcurrent  int      `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`
	Retention      Duration `json:"retention" yaml:"retention" toml:"retention"`
	HistorySize    int      `json:"history_size" yaml:"history_size" toml:"history_size"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
}

// DownloadConfig tunes plugin and service archive downloads.
type DownloadConfig struct {
	Timeout  Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	MaxBytes int64    `json:"max_bytes" yaml:"max_bytes" toml:"max_bytes"`
	// Retries <0 disables retrying; 0 means the default.
	Retries int `json:"retries" yaml:"retries" toml:"retries"`
}

// CORSConfig is opt-in; when disabled no CORS middleware is installed.
type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr              string             `json:"addr" yaml:"addr" toml:"addr"`
	PluginsDir        string             `json:"plugins_dir" yaml:"plugins_dir" toml:"plugins_dir"`
	DatabasePath      string             `json:"database_path" yaml:"database_path" toml:"database_path"`
	EnvFile           string             `json:"env_file" yaml:"env_file" toml:"env_file"`
	LogLevel          string             `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat         string             `json:"log_format" yaml:"log_format" toml:"log_format"`
	MaxBodyBytes      int64              `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	EvictionInterval  Duration           `json:"eviction_interval" yaml:"eviction_interval" toml:"eviction_interval"`
	AutoStartServices bool               `json:"auto_start_services" yaml:"auto_start_services" toml:"auto_start_services"`
	Cleanup           CleanupConfig      `json:"cleanup" yaml:"cleanup" toml:"cleanup"`
	ModelInstall      ModelInstallConfig `json:"model_install" yaml:"model_install" toml:"model_install"`
	Download          DownloadConfig     `json:"download" yaml:"download" toml:"download"`
	CORS              CORSConfig         `json:"cors" yaml:"cors" toml:"cors"`
}

// Defaults applied when the corresponding Config fields are unset.
const (
	DefaultAddr                = ":8005"
	DefaultPluginsDir          = "~/.braindrive/plugins"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultMaxBodyBytes        = 1 << 20
	DefaultEvictionInterval    = 5 * time.Minute
	DefaultCleanupInterval     = time.Hour
	DefaultManagerIdleTimeout  = 30 * time.Minute
	DefaultTempRetention       = 24 * time.Hour
	DefaultModelMaxConcurrent  = 2
	DefaultModelRetention      = 30 * time.Minute
	DefaultModelHistorySize    = 200
	DefaultModelRequestTimeout = 6 * time.Hour
	DefaultDownloadTimeout     = 10 * time.Minute
	DefaultDownloadMaxBytes    = 500 << 20
	DefaultDownloadRetries     = 3
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BRAINDRIVE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("BRAINDRIVE_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("BRAINDRIVE_PLUGINS_DIR"); v != "" {
		c.PluginsDir = v
	}
	if v := os.Getenv("BRAINDRIVE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BRAINDRIVE_ENV_FILE"); v != "" {
		c.EnvFile = v
	}
}

// ApplyDefaults fills unset fields and resolves paths. PluginsDir is expanded
// and made absolute; DatabasePath and EnvFile default to locations derived from it.
func (c *Config) ApplyDefaults() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.PluginsDir == "" {
		c.PluginsDir = DefaultPluginsDir
	}
	dir, err := fsutil.ExpandHome(c.PluginsDir)
	if err != nil {
		return err
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return fmt.Errorf("abs path: %w", err)
	}
	c.PluginsDir = dir
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(filepath.Dir(dir), "braindrive.db")
	}
	if c.EnvFile == "" {
		c.EnvFile = filepath.Join(filepath.Dir(dir), ".env")
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.EvictionInterval.Duration <= 0 {
		c.EvictionInterval.Duration = DefaultEvictionInterval
	}
	if c.Cleanup.Interval.Duration <= 0 {
		c.Cleanup.Interval.Duration = DefaultCleanupInterval
	}
	if c.Cleanup.ManagerIdleTimeout.Duration <= 0 {
		c.Cleanup.ManagerIdleTimeout.Duration = DefaultManagerIdleTimeout
	}
	if c.Cleanup.TempRetention.Duration <= 0 {
		c.Cleanup.TempRetention.Duration = DefaultTempRetention
	}
	if c.ModelInstall.MaxConcurrent <= 0 {
		c.ModelInstall.MaxConcurrent = DefaultModelMaxConcurrent
	}
	if c.ModelInstall.Retention.Duration <= 0 {
		c.ModelInstall.Retention.Duration = DefaultModelRetention
	}
	if c.ModelInstall.HistorySize <= 0 {
		c.ModelInstall.HistorySize = DefaultModelHistorySize
	}
	if c.ModelInstall.RequestTimeout.Duration <= 0 {
		c.ModelInstall.RequestTimeout.Duration = DefaultModelRequestTimeout
	}
	if c.Download.Timeout.Duration <= 0 {
		c.Download.Timeout.Duration = DefaultDownloadTimeout
	}
	if c.Download.MaxBytes <= 0 {
		c.Download.MaxBytes = DefaultDownloadMaxBytes
	}
	switch {
	case c.Download.Retries == 0:
		c.Download.Retries = DefaultDownloadRetries
	case c.Download.Retries < 0:
		c.Download.Retries = 0
	}
	return nil
}
