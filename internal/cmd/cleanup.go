package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobrunner/internal/observability"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned job containers and volumes",
	Long: `Remove every container and volume carrying the management label.

Run this only when no jobs are in flight: it does not distinguish orphans left
by a crashed runner from live jobs.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Bool("dry-run", false, "List what would be removed")
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	client := newDockerClient(cfg)
	out := cmd.OutOrStdout()

	if dryRun {
		found, err := client.ListManaged(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range found.Containers {
			_, _ = fmt.Fprintf(out, "container=%s\n", c)
		}
		for _, v := range found.Volumes {
			_, _ = fmt.Fprintf(out, "volume=%s\n", v)
		}
		_, _ = fmt.Fprintf(out, "would_remove=%d\n", len(found.Containers)+len(found.Volumes))
		return nil
	}

	removed, err := client.RemoveManaged(cmd.Context())
	if removed != nil {
		observability.CLILogger.Info("Removed managed resources",
			zap.Int("containers", len(removed.Containers)),
			zap.Int("volumes", len(removed.Volumes)))
		_, _ = fmt.Fprintf(out, "removed_containers=%d\nremoved_volumes=%d\n",
			len(removed.Containers), len(removed.Volumes))
	}
	return err
}
