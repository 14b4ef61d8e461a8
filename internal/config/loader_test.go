package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, name string, cfg *Config) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		global  *Config
		project *Config
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "no config files returns defaults",
			check: func(t *testing.T, cfg *Config) {
				def := DefaultConfig()
				if cfg.DatabasePath != def.DatabasePath {
					t.Errorf("expected default database path, got %q", cfg.DatabasePath)
				}
				if cfg.Workers != 0 {
					t.Errorf("expected auto-detected workers, got %d", cfg.Workers)
				}
			},
		},
		{
			name:   "global only overrides defaults",
			global: &Config{DatabasePath: "/srv/deps.db", Workers: 8},
			check: func(t *testing.T, cfg *Config) {
				if cfg.DatabasePath != "/srv/deps.db" {
					t.Errorf("expected global database path, got %q", cfg.DatabasePath)
				}
				if cfg.Workers != 8 {
					t.Errorf("expected 8 workers, got %d", cfg.Workers)
				}
			},
		},
		{
			name:    "project overrides global",
			global:  &Config{DatabasePath: "/srv/deps.db", Verbosity: 1},
			project: &Config{DatabasePath: "./.build/deps.db"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.DatabasePath != "./.build/deps.db" {
					t.Errorf("expected project database path, got %q", cfg.DatabasePath)
				}
				// Fields the project file leaves unset survive from global.
				if cfg.Verbosity != 1 {
					t.Errorf("expected global verbosity to survive, got %d", cfg.Verbosity)
				}
			},
		},
		{
			name:    "booleans accumulate",
			global:  &Config{Staunch: true},
			project: &Config{Lint: true},
			check: func(t *testing.T, cfg *Config) {
				if !cfg.Staunch || !cfg.Lint {
					t.Errorf("expected staunch and lint both set, got %+v", cfg)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			var globalPath, projectPath string
			if tc.global != nil {
				globalPath = writeConfig(t, dir, "global.json", tc.global)
			} else {
				globalPath = filepath.Join(dir, "absent-global.json")
			}
			if tc.project != nil {
				projectPath = writeConfig(t, dir, "project.json", tc.project)
			} else {
				projectPath = filepath.Join(dir, "absent-project.json")
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tc.check(t, cfg)
		})
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if _, err := Load(path, ""); err == nil {
		t.Error("expected malformed global config to fail")
	}
	if _, err := Load("", path); err == nil {
		t.Error("expected malformed project config to fail")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := &Config{
		DatabasePath: "/srv/deps.db",
		Workers:      4,
		Staunch:      true,
		CacheDir:     "/srv/cache",
	}
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.DatabasePath != cfg.DatabasePath {
		t.Errorf("database path lost: %q", loaded.DatabasePath)
	}
	if loaded.Workers != cfg.Workers {
		t.Errorf("workers lost: %d", loaded.Workers)
	}
	if !loaded.Staunch {
		t.Error("staunch flag lost")
	}
	if loaded.CacheDir != cfg.CacheDir {
		t.Errorf("cache dir lost: %q", loaded.CacheDir)
	}
}
