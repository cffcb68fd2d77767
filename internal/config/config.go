// Package config loads the guard configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentsh/loadguard/internal/blacklist"
	"github.com/agentsh/loadguard/internal/trampoline"
)

// Environment variables read by the guard.
const (
	EnvConfig    = "LOADGUARD_CONFIG"
	EnvBlacklist = "LOADGUARD_BLACKLIST"
	EnvMatch     = "LOADGUARD_MATCH"
	EnvLogLevel  = "LOADGUARD_LOG_LEVEL"
	EnvHelper    = "LOADGUARD_HELPER_PROCESS"
)

type Config struct {
	Blacklist      []string      `yaml:"blacklist"`
	BlacklistFiles []string      `yaml:"blacklist_files"`
	Match          string        `yaml:"match"`
	Modules        []string      `yaml:"modules"`
	Watch          WatchConfig   `yaml:"watch"`
	Control        ControlConfig `yaml:"control"`
	Logging        LoggingConfig `yaml:"logging"`

	path string
}

type WatchConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Debounce string `yaml:"debounce"`
}

type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		cfg.path = abs
	} else {
		cfg.path = path
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds the configuration used when the guard is loaded into a
// process: the file named by LOADGUARD_CONFIG if set, defaults otherwise,
// with environment overrides applied either way.
func FromEnv() (*Config, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		return Load(path)
	}
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Match == "" {
		cfg.Match = "exact"
	}
	if len(cfg.Modules) == 0 {
		cfg.Modules = append([]string(nil), trampoline.DefaultModules...)
	}
	if cfg.Watch.Debounce == "" {
		cfg.Watch.Debounce = "200ms"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvBlacklist); v != "" {
		cfg.Blacklist = append(cfg.Blacklist, blacklist.SplitList(v)...)
	}
	if v := os.Getenv(EnvMatch); v != "" {
		cfg.Match = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
}

func validateConfig(cfg *Config) error {
	if _, err := blacklist.ParseMatchMode(cfg.Match); err != nil {
		return fmt.Errorf("invalid match: %w", err)
	}
	for _, m := range cfg.Modules {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("modules: empty module name")
		}
	}
	if d, err := time.ParseDuration(cfg.Watch.Debounce); err != nil || d < 0 {
		return fmt.Errorf("invalid watch.debounce %q", cfg.Watch.Debounce)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	if cfg.Watch.Enabled && cfg.path == "" {
		return fmt.Errorf("watch.enabled requires a config file")
	}
	return nil
}

// Path returns the absolute path the config was loaded from, or "".
func (c *Config) Path() string {
	return c.path
}

// MatchMode returns the parsed match mode.
func (c *Config) MatchMode() blacklist.MatchMode {
	m, _ := blacklist.ParseMatchMode(c.Match)
	return m
}

// DebounceDuration returns the parsed watch debounce.
func (c *Config) DebounceDuration() time.Duration {
	d, _ := time.ParseDuration(c.Watch.Debounce)
	return d
}

// ListFiles returns the blacklist files with relative paths resolved
// against the config file's directory.
func (c *Config) ListFiles() []string {
	out := make([]string, 0, len(c.BlacklistFiles))
	for _, f := range c.BlacklistFiles {
		if !filepath.IsAbs(f) && c.path != "" {
			f = filepath.Join(filepath.Dir(c.path), f)
		}
		out = append(out, f)
	}
	return out
}

// Policy returns the inline blacklist followed by the contents of every
// blacklist file.
func (c *Config) Policy() ([]string, error) {
	out := append([]string(nil), c.Blacklist...)
	for _, f := range c.ListFiles() {
		list, err := blacklist.ReadListFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, list...)
	}
	return out, nil
}
