package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	schemaPath string
	configPath string
	rulesDir   string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Kestrel host-based detection engine",
	Long: `Kestrel compiles EQL rules into single-event and sequence
detection backends, matches them against a stream of host events, and
can replay or verify a captured event log against that rule set.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&schemaPath, "schema", "", "path to the event/field schema YAML file (required)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the engine config YAML file (defaults to built-in config.Default())")
	rootCmd.PersistentFlags().StringVar(&rulesDir, "rules", "", "directory of .eql rule files, one rule per file (required)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level: debug, info, warn, error")

	rootCmd.AddCommand(loadCmd, statsCmd, replayCmd, verifyCmd)
}

// newLogger builds the console-writer zerolog.Logger that the load and
// replay subcommands hand to the engine they build (which passes it on
// to its state store), per SPEC_FULL.md §10's logging section.
func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
