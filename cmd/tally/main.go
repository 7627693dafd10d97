// Command tally runs the counting engine: a daemon with an admin HTTP
// surface, one-shot rebuilds and counts, and an interactive console for
// poking at a local store.
package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/spf13/cobra"

	"github.com/medprepa/tally"
	"github.com/medprepa/tally/config"
	"github.com/medprepa/tally/utils"
)

var version = "dev"

// Shared flags; empty values defer to the config file.
var (
	flagConfig   string
	flagData     string
	flagLogLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tally",
		Short: "derived-count index engine",
		Long: `tally keeps every counter of an education platform as a derived
aggregate index over a key-ordered store. Counts are scanned, never
cached; live writes keep the index current and checkpointed repair
runs rebuild it when it drifts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("tally {{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "",
		"config file (default "+config.DefaultPath+" when present)")
	cmd.PersistentFlags().StringVar(&flagData, "data", "",
		"pebble directory, overrides data.dir")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"debug, info, warn or error, overrides server.log_level")
	cmd.AddCommand(newServeCmd(), newRebuildCmd(), newCountCmd(), newReplCmd())
	return cmd
}

// loadConfig layers the command line over the config file over the
// defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagData != "" {
		cfg.Data.Dir = flagData
	}
	if flagLogLevel != "" {
		cfg.Server.LogLevel = flagLogLevel
	}
	return cfg, cfg.Validate()
}

func engineOptions(cfg *config.Config) tally.Options {
	opts := tally.Options{
		Logger:            utils.NewDefaultLogger(cfg.Server.Level()),
		QuestionCacheSize: cfg.Data.QuestionCache,
		RunRetention:      cfg.Rebuild.Retention,
	}
	if cfg.Data.NoSync {
		opts.WriteOptions = pebble.NoSync
	}
	opts.Rebuild.StepBudget = cfg.Rebuild.Budget()
	opts.Rebuild.StepRate = cfg.Rebuild.StepRate
	opts.Rebuild.BatchScan = cfg.Rebuild.BatchScan
	opts.Rebuild.BatchLookup = cfg.Rebuild.BatchLookup
	return opts
}
