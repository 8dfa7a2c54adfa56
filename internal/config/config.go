package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the complete objgraph configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" toml:"store"`
	Model   ModelConfig   `yaml:"model" toml:"model"`
	Workers WorkersConfig `yaml:"workers" toml:"workers"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// StoreConfig locates and configures the backing store file.
type StoreConfig struct {
	// Dir holds the store file. Empty means DefaultStoreDir().
	Dir string `yaml:"dir" toml:"dir"`

	// Name is the store file name without extension. Empty means the
	// model name.
	Name string `yaml:"name" toml:"name"`

	// Driver is "sqlite3" (cgo) or "sqlite" (pure Go).
	Driver string `yaml:"driver" toml:"driver"`

	// Seed is a template store copied into place when no store exists.
	Seed string `yaml:"seed" toml:"seed"`

	Migrate bool `yaml:"migrate" toml:"migrate"`

	BusyTimeout    time.Duration `yaml:"-" toml:"-"`
	BusyTimeoutRaw string        `yaml:"busy_timeout" toml:"busy_timeout"`
}

// ModelConfig locates the CUE model file.
type ModelConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// WorkersConfig sizes the background worker pool.
type WorkersConfig struct {
	Count int `yaml:"count" toml:"count"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:      "sqlite3",
			BusyTimeout: 5 * time.Second,
		},
		Workers: WorkersConfig{Count: 4},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file and returns it merged over Default().
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, and relative
// paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that configuration values are usable.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "sqlite3", "sqlite":
	default:
		return fmt.Errorf("store.driver must be sqlite3 or sqlite, got %q", c.Store.Driver)
	}

	if c.Store.BusyTimeout < 0 {
		return fmt.Errorf("store.busy_timeout must not be negative")
	}

	if strings.ContainsAny(c.Store.Name, `/\`) {
		return fmt.Errorf("store.name must be a file name, got %q", c.Store.Name)
	}

	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must not be negative")
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// ParseLevel maps a level name onto slog levels. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Store.BusyTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Store.BusyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing busy_timeout %q: %w", cfg.Store.BusyTimeoutRaw, err)
		}
		cfg.Store.BusyTimeout = d
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Store.Dir = resolve(c.Store.Dir)
	c.Store.Seed = resolve(c.Store.Seed)
	c.Model.Path = resolve(c.Model.Path)
}

var (
	defaultDirMu sync.RWMutex
	defaultDir   string
)

// DefaultStoreDir returns the process-wide default directory for store
// files: the value set by SetDefaultStoreDir, or "objgraph" under the
// user's config directory, or under the temp dir when that is unknown.
func DefaultStoreDir() string {
	defaultDirMu.RLock()
	dir := defaultDir
	defaultDirMu.RUnlock()
	if dir != "" {
		return dir
	}

	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "objgraph")
}

// SetDefaultStoreDir overrides DefaultStoreDir for the whole process.
// An empty dir restores the built-in default.
func SetDefaultStoreDir(dir string) {
	defaultDirMu.Lock()
	defer defaultDirMu.Unlock()
	defaultDir = dir
}
