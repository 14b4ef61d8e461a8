package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// DefaultConfig returns the built-in defaults. Data and cache locations
// follow the XDG base directory layout.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: filepath.Join(xdg.DataHome, "stepforge", "stepforge.db"),
		CacheDir:     filepath.Join(xdg.CacheHome, "stepforge", "shared"),
		Workers:      0, // auto-detect
	}
}
