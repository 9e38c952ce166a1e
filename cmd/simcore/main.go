package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nvandessel/simcore/internal/config"
)

// Set by goreleaser ldflags.
var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "simcore",
		Short: "simcore - simulation lifecycle host",
		Long: `simcore hosts simulation runs: it resolves map, vehicle and sensor
bundles, builds the scene, supervises test-case processes and reports
lifecycle status to connected orchestration clients.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for agent consumption)")
	rootCmd.PersistentFlags().String("root", "", "Data directory (overrides data.dir)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(),
		newBundleCmd(),
		newFetchCmd(),
		newRunCmd(),
		newHistoryCmd(),
	)
	return rootCmd
}

// loadConfig loads and validates the configuration, applying --root.
func loadConfig(cmd *cobra.Command) (*config.SimcoreConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if root, _ := cmd.Flags().GetString("root"); root != "" {
		cfg.Data.Dir = root
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
