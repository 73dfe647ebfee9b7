// Package config provides configuration for the healthdb importer, summary
// builder and report server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the healthdb configuration.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// DBDir is the directory holding the logical database files
	DBDir string `json:"db_dir" yaml:"db_dir"`

	// Timezone is the IANA location timestamps are stored and bucketed in
	Timezone string `json:"timezone" yaml:"timezone"`

	// Retry configuration for transient storage errors
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Import configuration
	Import ImportConfig `json:"import" yaml:"import"`

	// Storage configuration for the raw-file archive
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// HTTP configuration for the report server
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`
}

// RetryConfig bounds retries of transient storage errors.
type RetryConfig struct {
	// Attempts is the total number of attempts per operation
	Attempts int `json:"attempts" yaml:"attempts"`

	// BaseDelay is multiplied by the attempt number between attempts
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
}

// ImportConfig holds importer configuration.
type ImportConfig struct {
	// FitDir holds decoded device message files
	FitDir string `json:"fit_dir" yaml:"fit_dir"`

	// JSONDir holds JSON activity summaries
	JSONDir string `json:"json_dir" yaml:"json_dir"`

	// JournalPath is the import intent journal
	JournalPath string `json:"journal_path" yaml:"journal_path"`

	// Archive uploads each successfully imported raw file to storage
	Archive bool `json:"archive" yaml:"archive"`
}

// StorageConfig holds archive storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// HTTPConfig holds report server configuration.
type HTTPConfig struct {
	// Addr is the listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Development switches to the console encoder
	Development bool `json:"development" yaml:"development"`
}

// DefaultConfig returns the default configuration for local use.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "./data/healthdb",
		Timezone: "Local",
		Retry: RetryConfig{
			Attempts:  5,
			BaseDelay: 250 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			Addr:         ":8090",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/healthdb"
	}
	if c.DBDir == "" {
		c.DBDir = filepath.Join(c.DataDir, "db")
	}
	if c.Import.FitDir == "" {
		c.Import.FitDir = filepath.Join(c.DataDir, "fit")
	}
	if c.Import.JSONDir == "" {
		c.Import.JSONDir = filepath.Join(c.DataDir, "json")
	}
	if c.Import.JournalPath == "" {
		c.Import.JournalPath = filepath.Join(c.DataDir, "import.journal")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("retry.base_delay must not be negative")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn or error)", c.Log.Level)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the HEALTHDB_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("HEALTHDB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HEALTHDB_DB_DIR"); v != "" {
		cfg.DBDir = v
	}
	if v := os.Getenv("HEALTHDB_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}

	// Retry configuration
	if v := os.Getenv("HEALTHDB_RETRY_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Retry.Attempts)
	}
	if v := os.Getenv("HEALTHDB_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.BaseDelay = d
		}
	}

	// Import configuration
	if v := os.Getenv("HEALTHDB_FIT_DIR"); v != "" {
		cfg.Import.FitDir = v
	}
	if v := os.Getenv("HEALTHDB_JSON_DIR"); v != "" {
		cfg.Import.JSONDir = v
	}
	if v := os.Getenv("HEALTHDB_JOURNAL_PATH"); v != "" {
		cfg.Import.JournalPath = v
	}
	if v := os.Getenv("HEALTHDB_ARCHIVE"); v != "" {
		cfg.Import.Archive = v == "true" || v == "1"
	}

	// HTTP configuration
	if v := os.Getenv("HEALTHDB_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Log configuration
	if v := os.Getenv("HEALTHDB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	// Storage configuration
	if v := os.Getenv("HEALTHDB_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("HEALTHDB_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("HEALTHDB_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("HEALTHDB_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("HEALTHDB_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.DBDir,
		filepath.Dir(c.Import.JournalPath),
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
