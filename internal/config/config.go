package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the process configuration. Runtime preferences that the
// user changes while the program runs (library roots, transcode toggles) live
// in the database settings table instead; this file holds what is needed
// before the database is open.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Artwork   ArtworkConfig   `toml:"artwork"`
	Scanner   ScannerConfig   `toml:"scanner"`
	Transcode TranscodeConfig `toml:"transcode"`
	Logging   LoggingConfig   `toml:"logging"`
}

// DatabaseConfig contains cache-store configuration.
type DatabaseConfig struct {
	Path           string `toml:"path"`
	MaxConnections int    `toml:"max_connections"`
}

// ArtworkConfig contains the on-disk artwork cache configuration.
type ArtworkConfig struct {
	CacheDir string `toml:"cache_dir"`
}

// ScannerConfig contains library scanning configuration.
type ScannerConfig struct {
	WatchForChanges bool `toml:"watch_for_changes"`
	ScanOnStartup   bool `toml:"scan_on_startup"`
	Workers         int  `toml:"workers"`
}

// TranscodeConfig contains the transcode collaborator configuration.
type TranscodeConfig struct {
	FFmpegPath     string `toml:"ffmpeg_path"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:           "./podsync.db",
			MaxConnections: 5,
		},
		Artwork: ArtworkConfig{
			CacheDir: "./artwork_cache",
		},
		Scanner: ScannerConfig{
			WatchForChanges: true,
			ScanOnStartup:   true,
			Workers:         2,
		},
		Transcode: TranscodeConfig{
			FFmpegPath:     "ffmpeg",
			TimeoutSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating the file with
// defaults when it does not exist yet.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves the configuration to a TOML file.
func (c *Config) SaveToFile(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# Podsync Configuration
# Process-level settings. Library paths and sync preferences are managed
# at runtime and stored in the database.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database max connections must be at least 1")
	}

	if c.Artwork.CacheDir == "" {
		return fmt.Errorf("artwork cache directory cannot be empty")
	}

	if c.Scanner.Workers < 1 {
		return fmt.Errorf("scanner workers must be at least 1")
	}

	if c.Transcode.TimeoutSeconds < 1 {
		return fmt.Errorf("transcode timeout must be at least 1 second")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
