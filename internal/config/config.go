package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the shadowscope configuration
type Config struct {
	Source    string          `yaml:"source"`
	Ontology  string          `yaml:"ontology"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Correlate CorrelateConfig `yaml:"correlate"`
	Leads     LeadsConfig     `yaml:"leads"`
	Ingest    IngestConfig    `yaml:"ingest"`
	API       APIConfig       `yaml:"api"`
}

// ScoringConfig selects the scoring formula and its v2 knobs
type ScoringConfig struct {
	Version   string  `yaml:"version"`
	TopN      int     `yaml:"top_n"`
	RestScale float64 `yaml:"rest_scale"`
}

// CorrelateConfig holds default rebuild parameters
type CorrelateConfig struct {
	WindowDays          int `yaml:"window_days"`
	MinEvents           int `yaml:"min_events"`
	MaxEvents           int `yaml:"max_events"`
	MaxKeywordsPerEvent int `yaml:"max_keywords_per_event"`
}

// LeadsConfig holds default snapshot parameters
type LeadsConfig struct {
	MinScore  int `yaml:"min_score"`
	Limit     int `yaml:"limit"`
	ScanLimit int `yaml:"scan_limit"`
}

// IngestConfig holds connector defaults
type IngestConfig struct {
	Days  int `yaml:"days"`
	Limit int `yaml:"limit"`
	Pages int `yaml:"pages"`
}

// APIConfig holds the read-only API listen address
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("SHADOWSCOPE_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "shadowscope"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("SHADOWSCOPE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "ShadowScope"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "shadowscope"), nil
	}

	return filepath.Join(home, ".local", "share", "shadowscope"), nil
}

// GetRawDir returns the directory for raw connector snapshots
func GetRawDir() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "raw"), nil
}

// GetExportDir returns the directory for CSV/JSONL exports
func GetExportDir() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "exports"), nil
}

// Default returns the built-in defaults applied when no config file exists
func Default() *Config {
	return &Config{
		Source: "USAspending",
		Scoring: ScoringConfig{
			Version:   "v1",
			TopN:      6,
			RestScale: 0.5,
		},
		Correlate: CorrelateConfig{
			WindowDays:          30,
			MinEvents:           2,
			MaxEvents:           200,
			MaxKeywordsPerEvent: 8,
		},
		Leads: LeadsConfig{
			MinScore:  1,
			Limit:     200,
			ScanLimit: 5000,
		},
		Ingest: IngestConfig{
			Days:  7,
			Limit: 100,
			Pages: 1,
		},
		API: APIConfig{
			Addr: "127.0.0.1:8000",
		},
	}
}

// Load loads config from the config file
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
