package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment variables override values read from the file.

const (
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultStoreDSN          = "memory://"
	defaultMaxConns          = 10
	defaultMaxAttempts       = 3
	defaultCollection        = "/calendars/inbox"
	defaultLanguage          = ""
	maxAttemptsUpperBound    = 10
	defaultInternalDomainTLD = "localhost"
)

// LogConfig controls the global logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level" env:"CALSCHED_LOG_LEVEL"`
	// Format is "text" or "json".
	Format string `yaml:"format" json:"format" env:"CALSCHED_LOG_FORMAT"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	// DSN picks the backend by scheme:
	//   - "memory://" (default): in-process, lost on exit
	//   - "postgres://..." / "postgresql://...": PostgreSQL
	DSN string `yaml:"dsn" json:"dsn" env:"CALSCHED_STORE_DSN"`
	// MaxConns bounds the PostgreSQL pool. Ignored by the memory backend.
	MaxConns int32 `yaml:"max_conns" json:"max_conns" env:"CALSCHED_STORE_MAX_CONNS"`
}

// SchedulingConfig holds the knobs of the scheduling resolver.
type SchedulingConfig struct {
	// InternalDomains lists mail domains whose addresses belong to principals
	// of this deployment. Everything else is external.
	InternalDomains []string `yaml:"internal_domains" json:"internal_domains" env:"CALSCHED_INTERNAL_DOMAINS" env-separator:","`
	// MaxAttempts bounds how many times a classification is retried after
	// losing a compare-and-swap race on the stored version.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" env:"CALSCHED_MAX_ATTEMPTS"`
	// DefaultCollection is the collection stamped when a message names none.
	DefaultCollection string `yaml:"default_collection" json:"default_collection" env:"CALSCHED_DEFAULT_COLLECTION"`
}

// LabelsConfig controls shared property label resolution.
type LabelsConfig struct {
	// DefaultLanguage is used when a caller does not request one. Empty
	// means the default-language sentinel.
	DefaultLanguage string `yaml:"default_language" json:"default_language" env:"CALSCHED_DEFAULT_LANGUAGE"`
}

// Config is the top-level application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" json:"log"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Scheduling SchedulingConfig `yaml:"scheduling" json:"scheduling"`
	Labels     LabelsConfig     `yaml:"labels" json:"labels"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Store: StoreConfig{
			DSN:      defaultStoreDSN,
			MaxConns: defaultMaxConns,
		},
		Scheduling: SchedulingConfig{
			InternalDomains:   []string{defaultInternalDomainTLD},
			MaxAttempts:       defaultMaxAttempts,
			DefaultCollection: defaultCollection,
		},
		Labels: LabelsConfig{
			DefaultLanguage: defaultLanguage,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		c.Log.Level = defaultLogLevel
	}
	switch strings.ToLower(c.Log.Format) {
	case "json":
		c.Log.Format = "json"
	default:
		c.Log.Format = defaultLogFormat
	}

	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	if c.Store.DSN == "" {
		c.Store.DSN = defaultStoreDSN
	}
	if c.Store.MaxConns <= 0 {
		c.Store.MaxConns = defaultMaxConns
	}

	if c.Scheduling.MaxAttempts <= 0 {
		c.Scheduling.MaxAttempts = defaultMaxAttempts
	}
	if c.Scheduling.MaxAttempts > maxAttemptsUpperBound {
		c.Scheduling.MaxAttempts = maxAttemptsUpperBound
	}
	if c.Scheduling.DefaultCollection == "" {
		c.Scheduling.DefaultCollection = defaultCollection
	}
	domains := make([]string, 0, len(c.Scheduling.InternalDomains))
	for _, d := range c.Scheduling.InternalDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains = append(domains, d)
		}
	}
	c.Scheduling.InternalDomains = domains
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config (with environment overrides applied)
//   - If the file exists:
//   - read YAML and environment into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			if err := cleanenv.ReadEnv(cfg); err != nil {
				return nil, fmt.Errorf("config: read env: %w", err)
			}
			cfg.Normalize()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsched-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
