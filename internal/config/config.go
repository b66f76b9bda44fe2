// ABOUTME: Configuration loading and parsing for toolhost
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Defaults applied to fields left unset in the configuration file.
const (
	DefaultDriver             = "sqlite"
	DefaultCallTimeout        = 30 * time.Second
	DefaultTestTimeout        = 60 * time.Second
	DefaultConnectTimeout     = 30 * time.Second
	DefaultServerCallTimeout  = 60 * time.Second
	DefaultMaxParallel        = 4
	DefaultMaxNamesPerSession = 1000
)

// Config represents the complete toolhost configuration
type Config struct {
	Database DatabaseConfig    `yaml:"database" toml:"database"`
	Logging  LoggingConfig     `yaml:"logging" toml:"logging"`
	Modules  ModulesConfig     `yaml:"modules" toml:"modules"`
	Tests    TestsConfig       `yaml:"tests" toml:"tests"`
	Servers  ServersConfig     `yaml:"servers" toml:"servers"`
	Aliases  map[string]string `yaml:"aliases" toml:"aliases"`
	Usage    UsageConfig       `yaml:"usage" toml:"usage"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ModulesConfig selects the module groups to load and how their functions run
type ModulesConfig struct {
	Groups   []string `yaml:"groups" toml:"groups"`
	CacheDir string   `yaml:"cache_dir" toml:"cache_dir"`
	MaxSteps uint64   `yaml:"max_steps" toml:"max_steps"`

	CallTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	CallTimeoutRaw string `yaml:"call_timeout" toml:"call_timeout"`
}

// TestsConfig holds test runner configuration
type TestsConfig struct {
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// ServersConfig holds external tool server configuration
type ServersConfig struct {
	MaxParallel     int            `yaml:"max_parallel" toml:"max_parallel"`
	AllowedCommands []string       `yaml:"allowed_commands" toml:"allowed_commands"`
	WorkDir         string         `yaml:"work_dir" toml:"work_dir"`
	Entries         []ServerConfig `yaml:"entries" toml:"entries"`

	ConnectTimeout time.Duration `yaml:"-" toml:"-"`
	CallTimeout    time.Duration `yaml:"-" toml:"-"`

	ConnectTimeoutRaw string `yaml:"connect_timeout" toml:"connect_timeout"`
	CallTimeoutRaw    string `yaml:"call_timeout" toml:"call_timeout"`
}

// ServerConfig describes one external tool server
type ServerConfig struct {
	Name        string            `yaml:"name" toml:"name"`
	Command     string            `yaml:"command" toml:"command"`
	Args        []string          `yaml:"args" toml:"args"`
	Env         map[string]string `yaml:"env" toml:"env"`
	Enabled     *bool             `yaml:"enabled" toml:"enabled"`
	AllowListed bool              `yaml:"allow_listed" toml:"allow_listed"` // bypasses allowed_commands
	Description string            `yaml:"description" toml:"description"`
}

// IsEnabled reports whether the server should be started. Entries are
// enabled unless explicitly disabled.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// UsageConfig holds usage tracking configuration
type UsageConfig struct {
	MaxNamesPerSession int `yaml:"max_names_per_session" toml:"max_names_per_session"`
}

// Default returns a configuration with every default applied, for running
// without a configuration file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	// homedir only fails when the home directory can't be found; the
	// unexpanded path then surfaces when the database is opened.
	_ = expandPaths(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := expandPaths(&cfg); err != nil {
		return nil, fmt.Errorf("expanding paths: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the configuration path: TOOLHOST_CONFIG if set,
// otherwise config.yaml under the XDG config directory.
func DefaultPath() (string, error) {
	if p := os.Getenv("TOOLHOST_CONFIG"); p != "" {
		return homedir.Expand(p)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "toolhost", "config.yaml"), nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".config", "toolhost", "config.yaml"), nil
}

// defaultDatabasePath returns the database path used when none is configured.
func defaultDatabasePath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "toolhost", "toolhost.db")
	}
	return filepath.Join("~", ".local", "share", "toolhost", "toolhost.db")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Database.Path == "" {
		c.Database.Path = defaultDatabasePath()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Modules.CallTimeout == 0 {
		c.Modules.CallTimeout = DefaultCallTimeout
	}
	if c.Tests.Timeout == 0 {
		c.Tests.Timeout = DefaultTestTimeout
	}
	if c.Servers.ConnectTimeout == 0 {
		c.Servers.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Servers.CallTimeout == 0 {
		c.Servers.CallTimeout = DefaultServerCallTimeout
	}
	if c.Servers.MaxParallel == 0 {
		c.Servers.MaxParallel = DefaultMaxParallel
	}
	if c.Usage.MaxNamesPerSession == 0 {
		c.Usage.MaxNamesPerSession = DefaultMaxNamesPerSession
	}
}

// expandPaths resolves a leading ~ in filesystem paths.
func expandPaths(cfg *Config) error {
	var err error
	if cfg.Database.Path, err = homedir.Expand(cfg.Database.Path); err != nil {
		return fmt.Errorf("database.path: %w", err)
	}
	if cfg.Modules.CacheDir, err = homedir.Expand(cfg.Modules.CacheDir); err != nil {
		return fmt.Errorf("modules.cache_dir: %w", err)
	}
	if cfg.Servers.WorkDir, err = homedir.Expand(cfg.Servers.WorkDir); err != nil {
		return fmt.Errorf("servers.work_dir: %w", err)
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	for _, group := range c.Modules.Groups {
		if group == "" {
			return fmt.Errorf("modules.groups contains an empty group name")
		}
	}

	if c.Servers.MaxParallel < 0 {
		return fmt.Errorf("servers.max_parallel must not be negative")
	}
	seen := make(map[string]bool, len(c.Servers.Entries))
	for i, entry := range c.Servers.Entries {
		if entry.Name == "" {
			return fmt.Errorf("servers.entries[%d].name is required", i)
		}
		if entry.Command == "" {
			return fmt.Errorf("servers.entries[%d].command is required", i)
		}
		if seen[entry.Name] {
			return fmt.Errorf("servers.entries: duplicate server name %q", entry.Name)
		}
		seen[entry.Name] = true
	}

	for alias, target := range c.Aliases {
		if alias == "" || target == "" {
			return fmt.Errorf("aliases: empty alias or target")
		}
		if alias == target {
			return fmt.Errorf("aliases: %q maps to itself", alias)
		}
	}

	if c.Usage.MaxNamesPerSession < 0 {
		return fmt.Errorf("usage.max_names_per_session must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Modules.CallTimeoutRaw != "" {
		cfg.Modules.CallTimeout, err = time.ParseDuration(cfg.Modules.CallTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing modules.call_timeout %q: %w", cfg.Modules.CallTimeoutRaw, err)
		}
	}

	if cfg.Tests.TimeoutRaw != "" {
		cfg.Tests.Timeout, err = time.ParseDuration(cfg.Tests.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing tests.timeout %q: %w", cfg.Tests.TimeoutRaw, err)
		}
	}

	if cfg.Servers.ConnectTimeoutRaw != "" {
		cfg.Servers.ConnectTimeout, err = time.ParseDuration(cfg.Servers.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing servers.connect_timeout %q: %w", cfg.Servers.ConnectTimeoutRaw, err)
		}
	}

	if cfg.Servers.CallTimeoutRaw != "" {
		cfg.Servers.CallTimeout, err = time.ParseDuration(cfg.Servers.CallTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing servers.call_timeout %q: %w", cfg.Servers.CallTimeoutRaw, err)
		}
	}

	return nil
}
