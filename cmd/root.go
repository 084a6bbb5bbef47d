package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fakeyudi/agentconsole/internal/config"
	"github.com/fakeyudi/agentconsole/internal/snapshot"
)

// cfg holds the merged configuration, populated in PersistentPreRunE.
var cfg config.Config

// logger is built from cfg and --debug in PersistentPreRunE.
var logger = zap.NewNop()

var debug bool

var rootCmd = &cobra.Command{
	Use:           "agentconsole",
	Short:         "Reconcile agent transcripts and replay runtime events",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.LogLevel, debug)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// newLogger builds a production zap logger at level. debug forces the debug
// level regardless of configuration.
func newLogger(level string, debug bool) (*zap.Logger, error) {
	atom := zap.NewAtomicLevel()
	if err := atom.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	if debug {
		atom.SetLevel(zapcore.DebugLevel)
	}
	zc := zap.NewProductionConfig()
	zc.Level = atom
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// Execute runs the root command. Exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// GetConfig returns the merged configuration for use by subcommands.
func GetConfig() config.Config {
	return cfg
}

// snapshotStore opens the snapshot store in the configured format.
func snapshotStore() (snapshot.Store, error) {
	format, err := snapshot.ParseFormat(cfg.SnapshotFormat)
	if err != nil {
		return nil, err
	}
	return snapshot.NewStore(format)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}
