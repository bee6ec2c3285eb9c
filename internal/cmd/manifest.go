package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobrunner/internal/config"
	"github.com/3leaps/jobrunner/internal/observability"
	"github.com/3leaps/jobrunner/pkg/jobdef"
	"github.com/3leaps/jobrunner/pkg/jobregistry"
	"github.com/3leaps/jobrunner/pkg/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect and repair workspace output manifests",
	Long: `Inspect and repair the per-workspace output manifest.

Repair commands back up the manifest next to itself before changing it:
backfill uses manifest.json<job_id>.bu, reconcile-actions a fresh UUID suffix.

The current action set comes from project.yaml at the head of --branch in the
workspace repository, or from --actions when given.`,
}

var manifestShowCmd = &cobra.Command{
	Use:   "show <workspace>",
	Short: "Show the outputs recorded for a workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runManifestShow,
}

var manifestBackfillCmd = &cobra.Command{
	Use:   "backfill <workspace> <job_id>...",
	Short: "Add the outputs of historical jobs to a workspace manifest",
	Long: `Add outputs recorded in historical job metadata that the manifest does not
yet contain. Existing entries are never changed, so backfill can be repeated.

Row and column counts are recomputed from CSV files in the high-privacy
workspace, or from the exclusion message of excluded outputs.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runManifestBackfill,
}

var manifestReconcileCmd = &cobra.Command{
	Use:   "reconcile-actions <workspace>",
	Short: "Recompute out_of_date_action against the current actions",
	Args:  cobra.ExactArgs(1),
	RunE:  runManifestReconcile,
}

func init() {
	rootCmd.AddCommand(manifestCmd)
	manifestCmd.AddCommand(manifestShowCmd)
	manifestCmd.AddCommand(manifestBackfillCmd)
	manifestCmd.AddCommand(manifestReconcileCmd)

	manifestShowCmd.Flags().Bool("json", false, "Output as JSON")
	for _, c := range []*cobra.Command{manifestBackfillCmd, manifestReconcileCmd} {
		c.Flags().StringSlice("actions", nil, "Current action names (skips reading project.yaml)")
		c.Flags().String("branch", "main", "Branch whose project.yaml defines the current actions")
		c.Flags().String("repo", "", "Repository URL (default: the manifest's repo)")
	}
}

func runManifestShow(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	m, err := manifestStore(cfg).Read(highPrivacyWorkspace(cfg, args[0]))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, m)
	}
	printManifest(out, m)
	return nil
}

func printManifest(out io.Writer, m *manifest.Manifest) {
	_, _ = fmt.Fprintf(out, "workspace=%s\n", m.Workspace)
	if m.Repo != "" {
		_, _ = fmt.Fprintf(out, "repo=%s\n", m.Repo)
	}
	counts := manifest.TierCounts(m)
	for _, tier := range sortedKeys(counts) {
		_, _ = fmt.Fprintf(out, "outputs[%s]=%d\n", tier, counts[tier])
	}
	stale := 0
	for _, rec := range m.Outputs {
		if rec.OutOfDate() {
			stale++
		}
	}
	_, _ = fmt.Fprintf(out, "out_of_date=%d\n", stale)
	if len(m.Outputs) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "PATH\tTIER\tACTION\tJOB ID\tROWS\tCOLS\tEXCLUDED\tSTATUS")
	for _, p := range m.Paths() {
		rec := m.Outputs[p]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			p,
			rec.PrivacyTier,
			orDash(rec.Action),
			shortJobID(rec.JobID),
			formatCount(rec.RowCount),
			formatCount(rec.ColCount),
			rec.Excluded,
			recordStatus(rec),
		)
	}
}

func formatCount(n *int) string {
	if n == nil {
		return "-"
	}
	return humanize.Comma(int64(*n))
}

func recordStatus(rec *manifest.OutputRecord) string {
	switch {
	case rec.OutOfDateAction && rec.OutOfDateOutput:
		return "stale-action,stale-output"
	case rec.OutOfDateAction:
		return "stale-action"
	case rec.OutOfDateOutput:
		return "stale-output"
	default:
		return "current"
	}
}

// currentActions returns the explicit --actions list, or the action names in
// project.yaml at the head of branch.
func currentActions(ctx context.Context, cfg *config.Config, cmd *cobra.Command, repo string) (manifest.ActionSet, error) {
	explicit, _ := cmd.Flags().GetStringSlice("actions")
	if len(explicit) > 0 {
		names := make([]string, 0, len(explicit))
		for _, n := range explicit {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		return manifest.NewActionSet(names...), nil
	}

	if r, _ := cmd.Flags().GetString("repo"); strings.TrimSpace(r) != "" {
		repo = strings.TrimSpace(r)
	}
	if repo == "" {
		return nil, fmt.Errorf("repository unknown; pass --repo or --actions")
	}
	branch, _ := cmd.Flags().GetString("branch")

	git := newGit(cfg)
	commit, err := git.ResolveCommit(ctx, repo, branch)
	if err != nil {
		return nil, fmt.Errorf("resolve %s@%s: %w", repo, branch, err)
	}
	names, err := git.CurrentActionNames(ctx, jobdef.ActionStub{
		Study: jobdef.Study{RepoURL: repo, Commit: commit, Branch: branch},
	})
	if err != nil {
		return nil, err
	}
	observability.CLILogger.Debug("Resolved current actions",
		zap.String("repo", repo), zap.String("branch", branch),
		zap.String("commit", commit), zap.Int("actions", len(names)))
	return manifest.ActionSet(names), nil
}

func runManifestBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	workspace := args[0]
	wsDir := highPrivacyWorkspace(cfg, workspace)
	store := manifestStore(cfg)
	jobs := jobStore(cfg)

	metas := make([]*jobregistry.JobMetadata, 0, len(args)-1)
	for _, arg := range args[1:] {
		id, err := resolveJobID(jobs, arg)
		if err != nil {
			return err
		}
		meta, err := jobs.Get(id)
		if err != nil {
			return err
		}
		metas = append(metas, meta)
	}

	m, err := store.Read(wsDir)
	if err != nil {
		return err
	}
	repo := m.Repo
	if repo == "" {
		repo = metas[0].Repo
	}
	actions, err := currentActions(ctx, cfg, cmd, repo)
	if err != nil {
		return err
	}

	counter := manifest.WorkspaceCounter(wsDir)
	out := cmd.OutOrStdout()
	for _, meta := range metas {
		var added []string
		_, err := store.Reconcile(wsDir, meta.JobID, func(m *manifest.Manifest) error {
			if err := manifest.CheckWorkspace(m, meta); err != nil {
				return err
			}
			added = manifest.Backfill(m, meta, actions, counter)
			return nil
		})
		if err != nil {
			return fmt.Errorf("backfill %s: %w", meta.JobID, err)
		}
		observability.CLILogger.Info("Backfilled job outputs",
			zap.String("job_id", meta.JobID),
			zap.String("workspace", workspace),
			zap.Int("added", len(added)))
		_, _ = fmt.Fprintf(out, "job_id=%s added=%d\n", meta.JobID, len(added))
		for _, p := range added {
			_, _ = fmt.Fprintf(out, "  %s\n", p)
		}
	}
	return nil
}

func runManifestReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	workspace := args[0]
	wsDir := highPrivacyWorkspace(cfg, workspace)
	store := manifestStore(cfg)

	m, err := store.Read(wsDir)
	if err != nil {
		return err
	}
	actions, err := currentActions(ctx, cfg, cmd, m.Repo)
	if err != nil {
		return err
	}

	var changed []string
	suffix := uuid.NewString()
	if _, err := store.Reconcile(wsDir, suffix, func(m *manifest.Manifest) error {
		changed = manifest.ReconcileActions(m, actions)
		return nil
	}); err != nil {
		return err
	}

	observability.CLILogger.Info("Reconciled manifest actions",
		zap.String("workspace", workspace),
		zap.String("backup_suffix", suffix),
		zap.Int("changed", len(changed)))
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "workspace=%s changed=%d\n", workspace, len(changed))
	for _, p := range changed {
		_, _ = fmt.Fprintf(out, "  %s\n", p)
	}
	return nil
}
