// Package config loads engine configuration from layered JSON files:
// defaults, then a global per-user file, then a per-project file, highest
// precedence last.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: $XDG_CONFIG_HOME/stepforge/config.json
// Project: .stepforge/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath := filepath.Join(xdg.ConfigHome, "stepforge", "config.json")
	projectPath := filepath.Join(".stepforge", "config.json")
	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base
// config. Missing files are silently skipped; malformed JSON is an error.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.DatabasePath != "" {
		base.DatabasePath = loaded.DatabasePath
	}
	if loaded.Workers != 0 {
		base.Workers = loaded.Workers
	}
	if loaded.Staunch {
		base.Staunch = true
	}
	if loaded.Lint {
		base.Lint = true
	}
	if loaded.CacheDir != "" {
		base.CacheDir = loaded.CacheDir
	}
	if loaded.RemoteCache != "" {
		base.RemoteCache = loaded.RemoteCache
	}
	if loaded.Verbosity != 0 {
		base.Verbosity = loaded.Verbosity
	}
	if loaded.LiveReport != "" {
		base.LiveReport = loaded.LiveReport
	}
	if loaded.ProfileReport != "" {
		base.ProfileReport = loaded.ProfileReport
	}
	return nil
}
