/*
Package config handles loading, saving and validating the node
configuration.

Configuration is stored as YAML, by default at <data>/config.yaml.
All knobs have working defaults; a node started with an empty file
joins as a balanced-profile peer on a random port.
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	// DataDir holds the identity, databases, index and logs.
	DataDir string `yaml:"data_dir" validate:"required"`

	// BindAddr is the UDP host:port the overlay transport listens on.
	// Port 0 picks a free port.
	BindAddr string `yaml:"bind_addr"`

	// Bootstrap lists seed endpoints ("host:port") for a first join. A
	// node with a warm peer store may leave it empty.
	Bootstrap []string `yaml:"bootstrap"`

	// Seeds lists URLs the crawler queues at startup. Each must pass
	// canonicalization; failures are logged and skipped.
	Seeds []string `yaml:"seeds" validate:"dive,url"`

	// Profile selects the resource envelope: minimal, balanced,
	// contributor or dedicated.
	Profile string `yaml:"profile" validate:"oneof=minimal balanced contributor dedicated"`

	// Tokenizer selects the full-text analyzer. Only enumerated values
	// are accepted; anything else is a startup error.
	Tokenizer string `yaml:"tokenizer" validate:"oneof=unicode61 porter ascii trigram"`

	// PowDifficulty is the identity proof-of-work bar in leading zero
	// bits. Lower values are for private test meshes only.
	PowDifficulty int `yaml:"pow_difficulty" validate:"min=1,max=64"`

	// CrawlWorkers bounds the crawler pool. 0 defers to the profile.
	CrawlWorkers int `yaml:"crawl_workers" validate:"min=0,max=64"`

	// LogLevel is a zap level string (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogConsole mirrors logs to stderr in addition to the log file.
	LogConsole bool `yaml:"log_console"`

	// OffPeak is the local-time window in which LLM work earns the
	// off-peak multiplier.
	OffPeak OffPeakWindow `yaml:"off_peak"`

	// Limits bounds inbound query admission and bandwidth.
	Limits Limits `yaml:"limits"`
}

// OffPeakWindow is [Start, End) in local hours; End may wrap midnight.
type OffPeakWindow struct {
	StartHour int `yaml:"start_hour" validate:"min=0,max=23"`
	EndHour   int `yaml:"end_hour" validate:"min=0,max=23"`
}

// Limits bounds what the node accepts from the network.
type Limits struct {
	QueriesPerMinute   int   `yaml:"queries_per_minute" validate:"min=0"`
	MaxConcurrent      int64 `yaml:"max_concurrent" validate:"min=0"`
	UploadBitsPerSec   int64 `yaml:"upload_bps" validate:"min=0"`
	DownloadBitsPerSec int64 `yaml:"download_bps" validate:"min=0"`
}

// Default returns the configuration a fresh node starts with.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:       dataDir,
		BindAddr:      "0.0.0.0:0",
		Profile:       "balanced",
		Tokenizer:     "unicode61",
		PowDifficulty: 20,
		LogLevel:      "info",
		OffPeak:       OffPeakWindow{StartHour: 1, EndHour: 6},
	}
}

// DefaultPath returns <dataDir>/config.yaml.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// LoadFrom reads and validates the configuration at path. Missing fields
// fall back to defaults; invalid values fail hard.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: path}
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default(filepath.Dir(path))
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &InvalidError{Path: path, Message: fmt.Sprintf("YAML parse error: %v", err)}
	}
	if err := Validate(cfg); err != nil {
		return nil, &InvalidError{Path: path, Message: err.Error()}
	}
	return cfg, nil
}

// Validate checks the enumerations and ranges. The tokenizer whitelist
// in particular must reject any value outside the known set before it
// reaches the index layer.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("field %s: failed %q validation (value %v)", e.Field(), e.Tag(), e.Value())
		}
		return err
	}
	return nil
}

// Save writes the configuration to path, creating parent directories.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
