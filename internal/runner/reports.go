package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stepforge/stepforge/internal/database"
	"github.com/stepforge/stepforge/internal/registry"
)

// ProfileEntry is one task's row in the profile report.
type ProfileEntry struct {
	Key      string `json:"key"`
	Built    uint64 `json:"built"`
	Changed  uint64 `json:"changed"`
	TookNS   int64  `json:"took_ns"`
	DepCount int    `json:"dep_count"`
	Trace    string `json:"trace,omitempty"`
}

// LiveKeys returns every key with a usable result, dependencies first.
func (h *Handle) LiveKeys() ([]registry.Key, error) {
	live, err := h.db.Live()
	if err != nil {
		return nil, err
	}
	keys := make([]registry.Key, len(live))
	for i, lk := range live {
		keys[i] = lk.Key
	}
	return keys, nil
}

// Profile returns per-task build statistics, dependencies first.
func (h *Handle) Profile() ([]ProfileEntry, error) {
	live, err := h.db.Live()
	if err != nil {
		return nil, err
	}
	return profileEntries(live), nil
}

func profileEntries(live []database.LiveKey) []ProfileEntry {
	entries := make([]ProfileEntry, len(live))
	for i, lk := range live {
		entries[i] = ProfileEntry{
			Key:      lk.Key.String(),
			Built:    uint64(lk.Result.Built),
			Changed:  uint64(lk.Result.Changed),
			TookNS:   int64(lk.Result.Took),
			DepCount: len(lk.Result.Flat()),
			Trace:    lk.Result.Trace,
		}
	}
	return entries
}

// writeReports writes the live-keys and profile report files named in the
// configuration. Unset paths are skipped.
func (h *Handle) writeReports() error {
	if h.cfg.LiveReport == "" && h.cfg.ProfileReport == "" {
		return nil
	}

	live, err := h.db.Live()
	if err != nil {
		return err
	}

	if h.cfg.LiveReport != "" {
		var sb strings.Builder
		for _, lk := range live {
			sb.WriteString(lk.Key.String())
			sb.WriteByte('\n')
		}
		if err := writeFile(h.cfg.LiveReport, []byte(sb.String())); err != nil {
			return fmt.Errorf("live report: %w", err)
		}
	}

	if h.cfg.ProfileReport != "" {
		data, err := json.MarshalIndent(profileEntries(live), "", "  ")
		if err != nil {
			return fmt.Errorf("profile report: %w", err)
		}
		if err := writeFile(h.cfg.ProfileReport, append(data, '\n')); err != nil {
			return fmt.Errorf("profile report: %w", err)
		}
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
