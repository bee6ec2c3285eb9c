package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/jobrunner/pkg/executor"
	"github.com/3leaps/jobrunner/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect finished job records",
	Long: `Inspect the metadata, metrics and logs recorded for finalized jobs.

Job ids may be abbreviated to any unique prefix, matching the short ids shown
by 'jobs list'.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List finished jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show metadata for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show captured container logs for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsLogsCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("workspace", "", "Only jobs in this workspace")
	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = all)")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	workspace, _ := cmd.Flags().GetString("workspace")
	workspace = strings.TrimSpace(workspace)

	jobs, err := jobStore(cfg).List()
	if err != nil {
		return err
	}
	if workspace != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Workspace() == workspace {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}
	if jsonOutput {
		return writeJSON(out, jobs)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tWORKSPACE\tACTION\tSTATE\tEXIT\tSTARTED\tDURATION\tOUTPUTS")
	for i := range jobs {
		j := &jobs[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%d\n",
			shortJobID(j.JobID),
			orDash(j.Workspace()),
			orDash(j.Action()),
			jobStateLabel(j),
			j.ExitCode,
			formatTime(j.StartedAt()),
			formatDuration(j.StartedAt(), j.FinishedAt()),
			len(j.Outputs),
		)
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store := jobStore(cfg)
	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}
	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, rec)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	if rec.RequestID != "" {
		_, _ = fmt.Fprintf(out, "job_request_id=%s\n", rec.RequestID)
	}
	_, _ = fmt.Fprintf(out, "state=%s\n", jobStateLabel(rec))
	_, _ = fmt.Fprintf(out, "workspace=%s\n", rec.Workspace())
	_, _ = fmt.Fprintf(out, "action=%s\n", rec.Action())
	if rec.Repo != "" {
		_, _ = fmt.Fprintf(out, "repo=%s\n", rec.Repo)
	}
	_, _ = fmt.Fprintf(out, "commit=%s\n", rec.Commit)
	_, _ = fmt.Fprintf(out, "user=%s\n", rec.User)
	_, _ = fmt.Fprintf(out, "image=%s\n", rec.ContainerMetadata.Config.Image)
	_, _ = fmt.Fprintf(out, "exit_code=%d\n", rec.ExitCode)
	_, _ = fmt.Fprintf(out, "oom_killed=%t\n", rec.OOMKilled)
	_, _ = fmt.Fprintf(out, "cancelled=%t\n", rec.Cancelled)
	if t := rec.StartedAt(); !t.IsZero() {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", formatTime(t))
	}
	if t := rec.FinishedAt(); !t.IsZero() {
		_, _ = fmt.Fprintf(out, "finished_at=%s\n", formatTime(t))
	}
	_, _ = fmt.Fprintf(out, "cpu_peak=%.1f\ncpu_mean=%.1f\n", rec.JobMetrics.CPUPeak, rec.JobMetrics.CPUMean)
	_, _ = fmt.Fprintf(out, "mem_mb_peak=%.1f\nmem_mb_mean=%.1f\n", rec.JobMetrics.MemMBPeak, rec.JobMetrics.MemMBMean)
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	for _, p := range sortedKeys(rec.Outputs) {
		_, _ = fmt.Fprintf(out, "output=%s tier=%s\n", p, rec.Outputs[p])
	}
	for _, p := range sortedKeys(rec.Level4ExcludedFiles) {
		_, _ = fmt.Fprintf(out, "excluded=%s reason=%q\n", p, rec.Level4ExcludedFiles[p])
	}
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}

	store := jobStore(cfg)
	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}
	return printLogTail(cmd.OutOrStdout(), store.LogPath(resolvedID), tailN)
}

func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if store.Exists(input) {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job_id", len(matches))
	}
	return matches[0], nil
}

func jobStateLabel(j *jobregistry.JobMetadata) string {
	switch {
	case j.Cancelled && j.State != string(executor.StateError):
		return "CANCELLED"
	case j.State == "":
		return "-"
	default:
		return j.State
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatDuration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return "-"
	}
	return end.Sub(start).Round(time.Second).String()
}

func printLogTail(w io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no logs recorded: %s", path)
		}
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
