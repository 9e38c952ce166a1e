package main

import (
	"encoding/json"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/nvandessel/simcore/internal/bundle"
)

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <category> <guid>",
		Short: "Download an asset bundle into the local cache",
		Long: `Download an asset bundle into the local cache and validate it.

Assets already in the cache are not downloaded again.

Examples:
  simcore fetch environment 5d3e1c2a-...   # Download a map
  simcore fetch vehicle 9a1f...  --json    # Print the cached path as JSON`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			category, err := bundle.ParseCategory(args[0])
			if err != nil {
				return err
			}

			h, err := openHost(cmd)
			if err != nil {
				return err
			}
			defer h.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), stopSignals...)
			defer stop()

			errOut := cmd.ErrOrStderr()
			task := h.downloads.GetAsset(ctx, category, args[1], "", func(label string, fraction float64) {
				if !jsonOut {
					fmt.Fprintf(errOut, "\r%s %3.0f%%", label, fraction*100)
				}
			})
			path, err := task.Wait(ctx)
			if !jsonOut {
				fmt.Fprintln(errOut)
			}
			if err != nil {
				h.downloads.StopAssetDownload(args[1])
				return err
			}

			platform, err := bundle.ParsePlatform(h.cfg.Host.Platform)
			if err != nil {
				return err
			}
			b, err := bundle.Open(path, category, bundle.Options{Platform: platform, PluginDir: h.pluginDir()})
			if err != nil {
				return fmt.Errorf("downloaded bundle is not usable: %w", err)
			}
			b.Close()

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"category": string(category),
					"guid":     args[1],
					"name":     b.Manifest.AssetName,
					"path":     path,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) cached at %s\n", category, args[1], b.Manifest.AssetName, path)
			return nil
		},
	}
}
