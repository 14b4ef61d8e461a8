package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stepforge/stepforge/internal/database"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List every live key, dependencies first",
	RunE:  runKeys,
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Dump per-task build statistics as JSON",
	RunE:  runProfile,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Fold the journal into the snapshot",
	RunE:  runCompact,
}

// openDB opens the configured database for introspection. No registry is
// attached, so records are kept regardless of task type versions.
func openDB(ctx context.Context) (*database.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return database.Open(ctx, database.Options{
		Path:   cfg.DatabasePath,
		Logger: buildLogger(cfg.Verbosity),
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runKeys(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.CloseNow()

	live, err := db.Live()
	if err != nil {
		return err
	}
	for _, lk := range live {
		fmt.Fprintln(cmd.OutOrStdout(), lk.Key.String())
	}
	return nil
}

func runProfile(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.CloseNow()

	live, err := db.Live()
	if err != nil {
		return err
	}

	type entry struct {
		Key      string        `json:"key"`
		Built    uint64        `json:"built"`
		Changed  uint64        `json:"changed"`
		Took     time.Duration `json:"took_ns"`
		DepCount int           `json:"dep_count"`
		Trace    string        `json:"trace,omitempty"`
	}
	entries := make([]entry, len(live))
	for i, lk := range live {
		entries[i] = entry{
			Key:      lk.Key.String(),
			Built:    uint64(lk.Result.Built),
			Changed:  uint64(lk.Result.Changed),
			Took:     lk.Result.Took,
			DepCount: len(lk.Result.Flat()),
			Trace:    lk.Result.Trace,
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func runCompact(_ *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	return db.Close(ctx)
}
