package config

// Config is the top-level engine configuration recognized by the run driver.
type Config struct {
	// DatabasePath is the dependency database file.
	DatabasePath string `json:"database_path,omitempty"`

	// Workers is the worker pool size; 0 auto-detects from the CPU count.
	Workers int `json:"workers,omitempty"`

	// Staunch keeps independent branches building after a failure instead
	// of aborting on the first error.
	Staunch bool `json:"staunch,omitempty"`

	// Lint enables the post-build consistency pass. Off by default: it
	// materially slows builds.
	Lint bool `json:"lint,omitempty"`

	// CacheDir is the local shared-cache directory; empty disables the
	// cache bridge entirely.
	CacheDir string `json:"cache_dir,omitempty"`

	// RemoteCache names the remote cache endpoint; empty disables the
	// remote tier. The transport behind it is supplied by the embedder.
	RemoteCache string `json:"remote_cache,omitempty"`

	// Verbosity: 0 silent on success, 1 per-task summary lines, 2 full
	// diagnostics.
	Verbosity int `json:"verbosity,omitempty"`

	// LiveReport and ProfileReport, when set, are written after each run.
	LiveReport    string `json:"live_report,omitempty"`
	ProfileReport string `json:"profile_report,omitempty"`
}
