// Package config handles configuration loading from YAML or TOML files, CLI flags, and environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Key source names accepted by CaptureConfig.Source.
const (
	SourceEvdev = "evdev"
	SourceStdin = "stdin"
	SourceNone  = "none"
)

// Config is the root configuration structure.
//
// Runtime preferences the user edits while the daemon runs (excluded apps,
// merge interval, auto start) live in the database settings table instead.
type Config struct {
	Capture     CaptureConfig     `yaml:"capture" toml:"capture"`
	Persistence PersistenceConfig `yaml:"persistence" toml:"persistence"`
	API         APIConfig         `yaml:"api" toml:"api"`
	Retention   RetentionConfig   `yaml:"retention" toml:"retention"`
	Redaction   RedactionConfig   `yaml:"redaction" toml:"redaction"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
}

// CaptureConfig configures key capture and session flushing.
type CaptureConfig struct {
	Source        string `yaml:"source" toml:"source"`                   // evdev, stdin, none
	Device        string `yaml:"device" toml:"device"`                   // evdev device path, autodetected if empty
	FlushPeriodMs int    `yaml:"flush_period_ms" toml:"flush_period_ms"` // idle check tick
	WindowCacheMs int    `yaml:"window_cache_ms" toml:"window_cache_ms"` // 0 queries the window on every press
}

// PersistenceConfig configures SQLite persistence.
type PersistenceConfig struct {
	DBPath string `yaml:"db_path" toml:"db_path"`
}

// APIConfig configures the local HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Listen  string `yaml:"listen" toml:"listen"` // e.g., "localhost:9191"
}

// RetentionConfig configures automatic record pruning.
type RetentionConfig struct {
	RecordsTTLDays       int `yaml:"records_ttl_days" toml:"records_ttl_days"` // 0 keeps records forever
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes" toml:"sweep_interval_minutes"`
}

// RedactionConfig configures scrubbing of session content before it is stored.
type RedactionConfig struct {
	RedactSecrets bool     `yaml:"redact_secrets" toml:"redact_secrets"`
	Patterns      []string `yaml:"patterns" toml:"patterns"` // extra regular expressions
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	Token string `yaml:"token" toml:"token"` // Bearer token for API access
}

// DefaultConfig returns a Config with defaults.
func DefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			Source:        defaultSource(),
			FlushPeriodMs: 100,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "localhost:9191",
		},
		Retention: RetentionConfig{
			RecordsTTLDays:       0,
			SweepIntervalMinutes: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultSource() string {
	if runtime.GOOS == "linux" {
		return SourceEvdev
	}
	return SourceStdin
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "arkinput"), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", "arkinput"), nil
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "arkinput"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "arkinput"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "arkinput.db"), nil
}

// Load loads configuration from path, applying environment overrides.
// A missing file yields defaults, and the generated auth token is written back.
func Load(path string) (*Config, error) {
	var err error
	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.Persistence.DBPath == "" {
		cfg.Persistence.DBPath, err = DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("getting default db path: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if cfg.Auth.Token == "" {
		cfg.Auth.Token, err = generateToken()
		if err != nil {
			return nil, fmt.Errorf("generating auth token: %w", err)
		}
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile parses path by extension. A missing file is not an error.
func readFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	}
	return cfg, nil
}

// Save writes the config to path with owner-only permissions.
// The encoding follows the file extension.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(c)
		data = []byte(sb.String())
	default:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the config for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Capture.Source {
	case SourceEvdev, SourceStdin, SourceNone:
	default:
		errs = append(errs, fmt.Errorf("capture.source: unknown source %q", c.Capture.Source))
	}
	if c.Capture.FlushPeriodMs <= 0 {
		errs = append(errs, errors.New("capture.flush_period_ms must be positive"))
	}
	if c.Capture.WindowCacheMs < 0 {
		errs = append(errs, errors.New("capture.window_cache_ms must not be negative"))
	}
	if c.Retention.RecordsTTLDays < 0 {
		errs = append(errs, errors.New("retention.records_ttl_days must not be negative"))
	}
	if c.Retention.SweepIntervalMinutes <= 0 {
		errs = append(errs, errors.New("retention.sweep_interval_minutes must be positive"))
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required when the API is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ARKINPUT_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("ARKINPUT_DB_PATH"); v != "" {
		c.Persistence.DBPath = v
	}
	if v := os.Getenv("ARKINPUT_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("ARKINPUT_SOURCE"); v != "" {
		c.Capture.Source = v
	}
	if v := os.Getenv("ARKINPUT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// generateToken generates a cryptographically random auth token.
func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "arkinput_" + hex.EncodeToString(bytes), nil
}
