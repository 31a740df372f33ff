package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/appdriver/internal/logger"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by the backend setting.
const (
	BackendATSPI   = "atspi"
	BackendX11     = "x11"
	BackendFixture = "fixture"
)

// Config represents the application configuration
type Config struct {
	Backend     string `json:"backend" yaml:"backend" mapstructure:"backend"`
	TimeoutMS   int    `json:"timeout_ms" yaml:"timeout_ms" mapstructure:"timeout_ms"`
	LogLevel    string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty   bool   `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	FixturePath string `json:"fixture_path" yaml:"fixture_path" mapstructure:"fixture_path"`
	MetricsFile string `json:"metrics_file" yaml:"metrics_file" mapstructure:"metrics_file"`
}

// Timeout returns the search timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Validate checks every field that has a closed set of values.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendATSPI, BackendX11, BackendFixture:
	default:
		return fmt.Errorf("invalid backend: %q (use: atspi, x11, fixture)", c.Backend)
	}
	if c.TimeoutMS < 0 {
		return fmt.Errorf("invalid timeout_ms: %d (must not be negative)", c.TimeoutMS)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %q (use: debug, info, warn, error)", c.LogLevel)
	}
	if c.Backend == BackendFixture && c.FixturePath == "" {
		return fmt.Errorf("the fixture backend needs fixture_path")
	}
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Defaults returns the configuration written to a fresh config file.
func Defaults() *Config {
	return &Config{
		Backend:   BackendATSPI,
		TimeoutMS: 500,
		LogLevel:  "info",
	}
}

// field binds one config key to its accessors.
type field struct {
	get func(*Config) string
	set func(*Config, string) error
}

var fields = map[string]field{
	"backend": {
		get: func(c *Config) string { return c.Backend },
		set: func(c *Config, v string) error { c.Backend = v; return nil },
	},
	"timeout_ms": {
		get: func(c *Config) string { return strconv.Itoa(c.TimeoutMS) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid number: %s", v)
			}
			c.TimeoutMS = n
			return nil
		},
	},
	"log_level": {
		get: func(c *Config) string { return c.LogLevel },
		set: func(c *Config, v string) error { c.LogLevel = strings.ToLower(v); return nil },
	},
	"log_pretty": {
		get: func(c *Config) string { return strconv.FormatBool(c.LogPretty) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid boolean: %s (use: true or false)", v)
			}
			c.LogPretty = b
			return nil
		},
	},
	"fixture_path": {
		get: func(c *Config) string { return c.FixturePath },
		set: func(c *Config, v string) error { c.FixturePath = v; return nil },
	},
	"metrics_file": {
		get: func(c *Config) string { return c.MetricsFile },
		set: func(c *Config, v string) error { c.MetricsFile = v; return nil },
	},
}

// Keys lists the configuration keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/appdriver/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "appdriver", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when configFile is empty.
// A missing file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	configPath := configFile
	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	m := &Manager{configPath: configPath}

	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Str("backend", m.config.Backend).
		Msg("Config loaded")

	return m, nil
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	// Keys missing from the file keep their defaults.
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Value returns the string form of one configuration key.
func (m *Manager) Value(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("configuration key not found: %s", key)
	}
	return f.get(m.Get()), nil
}

// Set parses value into key, validates the result and saves it.
func (m *Manager) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	cfg := m.Get()
	if err := f.set(cfg, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.Update(cfg)
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Update replaces the entire configuration and saves it
func (m *Manager) Update(cfg *Config) error {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
