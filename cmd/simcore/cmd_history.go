package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvandessel/simcore/internal/report"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded simulation runs",
		Long: `List recorded simulation runs, most recently updated first.

Examples:
  simcore history                 # Last 20 runs
  simcore history --limit 0       # All runs
  simcore history report <id>     # Show the analysis report of a run
  simcore history prune --keep 50 # Keep only the 50 newest reports`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			limit, _ := cmd.Flags().GetInt("limit")

			h, err := openHost(cmd)
			if err != nil {
				return err
			}
			defer h.Close()

			records, err := h.store.ListSimulations(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"simulations": records,
					"count":       len(records),
				})
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No simulations recorded.")
				return nil
			}
			for _, r := range records {
				line := fmt.Sprintf("%s  %-8s  %s", r.UpdatedAt.Local().Format(time.DateTime), r.Status, r.ID)
				if r.Name != "" {
					line += "  " + r.Name
				}
				if r.MapName != "" {
					line += " @ " + r.MapName
				}
				fmt.Fprintln(out, line)
				if r.Message != "" {
					fmt.Fprintf(out, "    %s\n", r.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list (0 for all)")

	cmd.AddCommand(newHistoryReportCmd(), newHistoryPruneCmd())
	return cmd
}

func reportsDir(dataDir string) string {
	return filepath.Join(dataDir, "reports")
}

func newHistoryReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <simulation-id>",
		Short: "Show the analysis report of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dataDir, err := cfg.DataDir()
			if err != nil {
				return err
			}

			path := filepath.Join(reportsDir(dataDir), args[0]+report.Extension)
			r, err := report.Read(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("no report for simulation %s", args[0])
				}
				return err
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(r)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Simulation: %s\n", r.SimulationID)
			if r.Name != "" {
				fmt.Fprintf(out, "Name:       %s\n", r.Name)
			}
			fmt.Fprintf(out, "Status:     %s\n", r.Status)
			if r.TestReportID != "" {
				fmt.Fprintf(out, "Test report: %s\n", r.TestReportID)
			}
			fmt.Fprintf(out, "Events:     %d\n", len(r.Events))
			if errs := r.Errors(); len(errs) > 0 {
				fmt.Fprintln(out, "Errors:")
				for _, e := range errs {
					fmt.Fprintf(out, "  %s  %s\n", e.At.Local().Format(time.DateTime), e.Message)
				}
			}
			return nil
		},
	}
}

func newHistoryPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old analysis reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			keep, _ := cmd.Flags().GetInt("keep")
			if keep <= 0 {
				return fmt.Errorf("--keep must be positive")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dataDir, err := cfg.DataDir()
			if err != nil {
				return err
			}

			removed, err := report.Prune(reportsDir(dataDir), keep)
			if err != nil {
				return err
			}
			if jsonOut {
				if removed == nil {
					removed = []string{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"removed": removed,
					"count":   len(removed),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d report(s)\n", len(removed))
			return nil
		},
	}
	cmd.Flags().Int("keep", 50, "Number of newest reports to keep")
	return cmd
}
