package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/3leaps/jobrunner/internal/config"
	"github.com/3leaps/jobrunner/internal/observability"
	"github.com/3leaps/jobrunner/pkg/docker"
	"github.com/3leaps/jobrunner/pkg/executor"
	"github.com/3leaps/jobrunner/pkg/jobregistry"
	"github.com/3leaps/jobrunner/pkg/manifest"
	"github.com/3leaps/jobrunner/pkg/proc"
	"github.com/3leaps/jobrunner/pkg/project"
)

// newRunner builds the subprocess runner every external tool call goes
// through. Tests replace it.
var newRunner = func(cfg *config.Config) proc.Runner {
	return proc.NewExecRunner(cfg.Runtime.CallsPerSecond)
}

func currentConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return cfg, nil
}

func newDockerClient(cfg *config.Config) *docker.Client {
	return docker.NewClient(newRunner(cfg), cfg.DockerOptions(), observability.CLILogger.Named("docker"))
}

func newGit(cfg *config.Config) *project.Git {
	return project.NewGit(newRunner(cfg), cfg.Checkouts.CloneRoot)
}

func newExecutor(cfg *config.Config) *executor.Executor {
	opts := []executor.Option{executor.WithLogger(observability.CLILogger.Named("executor"))}
	if cfg.Checkouts.Enabled {
		opts = append(opts, executor.WithCheckouts(newGit(cfg)))
	}
	return executor.New(cfg.ExecutorConfig(), newDockerClient(cfg), opts...)
}

func jobStore(cfg *config.Config) *jobregistry.Store {
	return jobregistry.NewStore(cfg.Logs.JobLogDir)
}

func manifestStore(cfg *config.Config) *manifest.Store {
	return manifest.NewStore(cfg.Manifest)
}

func highPrivacyWorkspace(cfg *config.Config, workspace string) string {
	return filepath.Join(cfg.Workspaces.HighPrivacyDir, "workspaces", workspace)
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}
