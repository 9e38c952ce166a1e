package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect simcore configuration",
		Long: `View and check simcore configuration.

Configuration is read from ~/.simcore/config.yaml, then SIMCORE_* environment
variables override individual settings.

Examples:
  simcore config show              # Show the effective configuration
  simcore config show --json       # Same, as JSON
  simcore config validate          # Exit non-zero if the configuration is invalid`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			// Redact the asset token before printing.
			redacted := *cfg
			redacted.Assets.Token = cfg.Assets.RedactedToken()

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(redacted)
			}
			data, err := yaml.Marshal(&redacted)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			dataDir, _ := cfg.DataDir()
			cacheDir, _ := cfg.CacheDir()
			fmt.Fprintf(out, "# data dir:  %s\n# cache dir: %s\n", dataDir, cacheDir)
			_, err = out.Write(data)
			return err
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if _, err := loadConfig(cmd); err != nil {
				if jsonOut {
					json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"valid": false, "error": err.Error()})
				}
				return err
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"valid": true})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
			return nil
		},
	}
}
