package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobrunner/internal/observability"
	"github.com/3leaps/jobrunner/pkg/executor"
	"github.com/3leaps/jobrunner/pkg/jobdef"
	"github.com/3leaps/jobrunner/pkg/jobregistry"
)

var runCmd = &cobra.Command{
	Use:   "run <job-file>",
	Short: "Prepare, execute and finalize a job",
	Long: `Run a job described by a YAML or JSON job definition.

The job is prepared (inputs staged into a fresh volume), started in an isolated
container, polled until it exits and then finalized: logs, metrics and outputs
are collected and the workspace manifest is updated.

An interrupt requests cancellation; the container is killed and the job is
finalized with cancelled=true.

With --detach the command returns once the container is started; use
'jobrunner status' and 'jobrunner finalize' with the same job file later.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-file>",
	Short: "Show the lifecycle state of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize <job-file>",
	Short: "Finalize an exited job",
	Args:  cobra.ExactArgs(1),
	RunE:  runFinalize,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Request cancellation of a running job",
	Long: `Record a cancellation request for a job. The process polling the job kills
its container on the next status check and finalizes it as cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(finalizeCmd)
	rootCmd.AddCommand(cancelCmd)

	runCmd.Flags().String("id", "", "Job id (default: the definition's id, or a new UUID)")
	runCmd.Flags().Bool("detach", false, "Return after the container starts")
	runCmd.Flags().Bool("json", false, "Print the job metadata as JSON")
	finalizeCmd.Flags().Bool("json", false, "Print the job metadata as JSON")
}

// loadJob reads a job definition and fills the ids a submission may omit.
func loadJob(path, id string) (*jobdef.JobDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, exitError(foundry.ExitFileNotFound, "job definition not found", err)
		}
		return nil, exitError(foundry.ExitFileReadError, "read job definition", err)
	}
	job, err := jobdef.Decode(data, path)
	if err != nil {
		return nil, err
	}
	if id = strings.TrimSpace(id); id != "" {
		job.ID = id
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.RequestID == "" {
		job.RequestID = job.ID
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	idFlag, _ := cmd.Flags().GetString("id")
	detach, _ := cmd.Flags().GetBool("detach")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	job, err := loadJob(args[0], idFlag)
	if err != nil {
		return err
	}
	log := observability.CLILogger.With(zap.String("job_id", job.ID),
		zap.String("workspace", job.Workspace), zap.String("action", job.Action))

	ctx := cmd.Context()
	exec := newExecutor(cfg)

	log.Info("Preparing job")
	if err := exec.Prepare(ctx, job); err != nil {
		return err
	}
	log.Info("Starting job")
	if err := exec.Execute(ctx, job); err != nil {
		return err
	}
	if detach {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s\nstate=%s\n", job.ID, executor.StateExecuting)
		return nil
	}

	if err := waitForExit(ctx, exec, job, cfg.PollInterval); err != nil {
		return err
	}

	meta, err := exec.Finalize(context.WithoutCancel(ctx), job)
	if meta != nil {
		if perr := printJobResult(cmd.OutOrStdout(), meta, jsonOutput); perr != nil && err == nil {
			err = perr
		}
	}
	if err == nil && ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, "job cancelled", ctx.Err())
	}
	return err
}

// waitForExit polls until the job's container has exited or the job failed.
// Cancelling ctx requests job cancellation and keeps polling until the kill
// lands.
func waitForExit(ctx context.Context, exec *executor.Executor, job *jobdef.JobDefinition, interval time.Duration) error {
	pollCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		st, err := exec.GetStatus(pollCtx, job)
		if err != nil {
			return err
		}
		switch st {
		case executor.StateExecuted:
			return nil
		case executor.StateError:
			// Finalize records and cleans up a job that lost its container.
			observability.CLILogger.Warn("Job failed while running", zap.String("job_id", job.ID))
			return nil
		}

		select {
		case <-done:
			observability.CLILogger.Warn("Interrupted; cancelling job", zap.String("job_id", job.ID))
			if err := exec.Cancel(job.ID); err != nil {
				return err
			}
			done = nil
		case <-ticker.C:
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	job, err := jobdef.Load(args[0])
	if err != nil {
		return err
	}

	st, err := newExecutor(cfg).GetStatus(cmd.Context(), job)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s\nstate=%s\n", job.ID, st)
	return nil
}

func runFinalize(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	job, err := jobdef.Load(args[0])
	if err != nil {
		return err
	}

	meta, err := newExecutor(cfg).Finalize(cmd.Context(), job)
	if meta != nil {
		if perr := printJobResult(cmd.OutOrStdout(), meta, jsonOutput); perr != nil && err == nil {
			err = perr
		}
	}
	var terr *executor.TransitionError
	if errors.As(err, &terr) && terr.From == executor.StateExecuting {
		return fmt.Errorf("job %s is still running", job.ID)
	}
	return err
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}

	store := jobStore(cfg)
	if store.Exists(jobID) {
		rec, err := store.Get(jobID)
		if err == nil && rec.State != "" {
			return fmt.Errorf("job already finished (state=%s)", rec.State)
		}
	}
	if err := newExecutor(cfg).Cancel(jobID); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s\ncancel_requested=true\n", jobID)
	return nil
}

func printJobResult(w io.Writer, meta *jobregistry.JobMetadata, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, meta)
	}
	_, _ = fmt.Fprintf(w, "job_id=%s\n", meta.JobID)
	_, _ = fmt.Fprintf(w, "state=%s\n", meta.State)
	_, _ = fmt.Fprintf(w, "exit_code=%d\n", meta.ExitCode)
	if meta.OOMKilled {
		_, _ = fmt.Fprintln(w, "oom_killed=true")
	}
	if meta.Cancelled {
		_, _ = fmt.Fprintln(w, "cancelled=true")
	}
	_, _ = fmt.Fprintf(w, "outputs=%d\n", len(meta.Outputs))
	_, _ = fmt.Fprintf(w, "excluded=%d\n", len(meta.Level4ExcludedFiles))
	if meta.Error != "" {
		_, _ = fmt.Fprintf(w, "error=%s\n", meta.Error)
	}
	return nil
}
