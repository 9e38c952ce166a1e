package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nvandessel/simcore/internal/bundle"
	"github.com/nvandessel/simcore/internal/scene/headless"
)

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Inspect and build asset bundles",
	}
	cmd.AddCommand(
		newBundleInspectCmd(),
		newBundlePackCmd(),
	)
	return cmd
}

// bundleInfo is the inspect output.
type bundleInfo struct {
	Path      string          `json:"path"`
	Category  bundle.Category `json:"category"`
	Platform  bundle.Platform `json:"platform"`
	Manifest  bundle.Manifest `json:"manifest"`
	Scenes    []string        `json:"scenes"`
	Textures  bool            `json:"textures"`
	Plugin    bool            `json:"plugin"`
	Loadable  bool            `json:"loadable"`
	LayoutErr string          `json:"layout_error,omitempty"`
}

func newBundleInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Validate a bundle and print its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			categoryName, _ := cmd.Flags().GetString("category")
			platformName, _ := cmd.Flags().GetString("platform")

			category, err := bundle.ParseCategory(categoryName)
			if err != nil {
				return err
			}
			platform, err := bundle.ParsePlatform(platformName)
			if err != nil {
				return err
			}

			b, err := bundle.Open(args[0], category, bundle.Options{Platform: platform})
			if err != nil {
				return err
			}
			defer b.Close()

			info := bundleInfo{
				Path:     args[0],
				Category: category,
				Platform: platform,
				Manifest: b.Manifest,
				Textures: b.Textures != nil,
				Plugin:   b.Plugin != nil,
			}
			main, err := b.ReadMain()
			if err != nil {
				return fmt.Errorf("reading main payload: %w", err)
			}
			desc, err := headless.ParseDescriptor(main)
			if err != nil {
				return err
			}
			info.Scenes = desc.Scenes
			roots := desc.Scenes
			if category != bundle.Environment && len(desc.Assets) > 0 {
				roots = desc.Assets
			}
			if err := bundle.VerifyLayout(roots); err != nil {
				info.LayoutErr = err.Error()
			} else {
				info.Loadable = true
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(info)
			}
			fmt.Fprintf(out, "Bundle:    %s\n", info.Path)
			fmt.Fprintf(out, "GUID:      %s\n", info.Manifest.AssetGUID)
			fmt.Fprintf(out, "Name:      %s\n", info.Manifest.AssetName)
			fmt.Fprintf(out, "Category:  %s (format %d)\n", info.Category, info.Manifest.BundleFormat)
			fmt.Fprintf(out, "Platform:  %s\n", info.Platform)
			fmt.Fprintf(out, "Scenes:    %v\n", info.Scenes)
			fmt.Fprintf(out, "Textures:  %v\n", info.Textures)
			if info.Plugin {
				fmt.Fprintf(out, "Plugin:    %s\n", info.Manifest.FMUName)
			}
			if info.Loadable {
				fmt.Fprintln(out, "Layout:    ok")
			} else {
				fmt.Fprintf(out, "Layout:    %s\n", info.LayoutErr)
			}
			return nil
		},
	}
	cmd.Flags().String("category", string(bundle.Vehicle), "Bundle category: environment, vehicle or sensor")
	cmd.Flags().String("platform", "", "Platform payload to check (default: current platform)")
	return cmd
}

func newBundlePackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "Build a bundle from a source directory",
		Long: `Build a bundle archive from a source directory containing:

  main.yaml            main payload for every platform
  main_<platform>.yaml platform-specific main payload (overrides main.yaml)
  textures.bin         optional texture payload
  plugin_linux.so      optional native plugin (requires --fmu)
  plugin_windows.dll   optional native plugin (requires --fmu)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			categoryName, _ := cmd.Flags().GetString("category")
			guid, _ := cmd.Flags().GetString("guid")
			name, _ := cmd.Flags().GetString("name")
			fmu, _ := cmd.Flags().GetString("fmu")
			output, _ := cmd.Flags().GetString("output")

			category, err := bundle.ParseCategory(categoryName)
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Join(".", guid+".zip")
			}

			m := bundle.Manifest{AssetGUID: guid, AssetName: name, FMUName: fmu}
			if err := bundle.PackDir(args[0], output, category, m); err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"path": output, "guid": guid, "category": string(category),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Packed %s bundle %s to %s\n", category, guid, output)
			return nil
		},
	}
	cmd.Flags().String("category", string(bundle.Vehicle), "Bundle category: environment, vehicle or sensor")
	cmd.Flags().String("guid", "", "Asset GUID (required)")
	cmd.Flags().String("name", "", "Asset display name")
	cmd.Flags().String("fmu", "", "Native plugin name")
	cmd.Flags().StringP("output", "o", "", "Output path (default: ./<guid>.zip)")
	cmd.MarkFlagRequired("guid")
	return cmd
}
