// Package cli implements the stepforge inspection commands: read-only
// introspection of an existing dependency database plus journal compaction.
// The rule-authoring surface lives in the embedding program, not here.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stepforge/stepforge/internal/config"
)

var rootCmd = &cobra.Command{
	Use:          "stepforge",
	Short:        "stepforge — incremental build engine database tools",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/stepforge/main.go.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "dependency database path (default: from config)")
	rootCmd.PersistentFlags().Int("verbosity", 0, "0 quiet, 1 per-task lines, 2 full diagnostics")
	bindFlag("database_path", rootCmd.PersistentFlags(), "db")
	bindFlag("verbosity", rootCmd.PersistentFlags(), "verbosity")

	viper.SetEnvPrefix("STEPFORGE")
	viper.AutomaticEnv()

	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(compactCmd)
}

// loadConfig layers the JSON config files under the CLI flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, err
	}
	if db := viper.GetString("database_path"); db != "" {
		cfg.DatabasePath = db
	}
	if v := viper.GetInt("verbosity"); v != 0 {
		cfg.Verbosity = v
	}
	return cfg, nil
}

func buildLogger(verbosity int) *slog.Logger {
	lvl := slog.LevelWarn
	switch {
	case verbosity >= 2:
		lvl = slog.LevelDebug
	case verbosity == 1:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q -> %q: %v", flagName, viperKey, err))
	}
}
