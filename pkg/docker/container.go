package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/3leaps/jobrunner/pkg/proc"
)

// RunSpec describes a job container.
type RunSpec struct {
	Name   string
	Image  string
	Args   []string
	Volume string

	// Env values are only passed through the runtime client's environment;
	// the command line carries the keys.
	Env map[string]string

	// NetworkArgs come from netpolicy.
	NetworkArgs []string

	// CPUs and Memory are passed as --cpus and --memory when set.
	CPUs   string
	Memory string

	Labels map[string]string
}

// ContainerState mirrors the State section of container inspection.
type ContainerState struct {
	Status     string `json:"Status"`
	Running    bool   `json:"Running"`
	ExitCode   int    `json:"ExitCode"`
	OOMKilled  bool   `json:"OOMKilled"`
	StartedAt  string `json:"StartedAt"`
	FinishedAt string `json:"FinishedAt"`
}

// ContainerConfig mirrors the Config section of container inspection.
type ContainerConfig struct {
	Image  string            `json:"Image"`
	Labels map[string]string `json:"Labels"`
}

// ContainerInfo is the subset of container inspection output the executor
// uses. It is also persisted as job metadata.
type ContainerInfo struct {
	ID     string          `json:"Id"`
	Name   string          `json:"Name"`
	Args   []string        `json:"Args"`
	State  ContainerState  `json:"State"`
	Config ContainerConfig `json:"Config"`
}

// CreateArgs builds the argument list for creating a job container.
func (c *Client) CreateArgs(spec RunSpec) []string {
	args := []string{"container", "create", "--init", "--name", spec.Name}
	args = append(args, c.labelArgs(spec.Labels)...)
	if spec.Volume != "" {
		args = append(args, "--volume", spec.Volume+":"+WorkspaceMount, "--workdir", WorkspaceMount)
	}
	args = append(args, spec.NetworkArgs...)
	if spec.CPUs != "" {
		args = append(args, "--cpus", spec.CPUs)
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "--env", k)
	}
	args = append(args, spec.Image)
	return append(args, spec.Args...)
}

// Run creates and starts a container detached. It returns once the runtime
// has started it.
func (c *Client) Run(ctx context.Context, spec RunSpec) error {
	if _, err := c.run(ctx, c.CreateArgs(spec), proc.Options{Env: spec.Env}); err != nil {
		return fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	if _, err := c.run(ctx, []string{"container", "start", spec.Name}, proc.Options{}); err != nil {
		return fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	c.log.Debug("Started container", zap.String("container", spec.Name), zap.String("image", spec.Image))
	return nil
}

// Inspect returns the container's runtime state, or ErrNotFound.
func (c *Client) Inspect(ctx context.Context, name string) (*ContainerInfo, error) {
	res, err := c.run(ctx, []string{"container", "inspect", "--format", "{{json .}}", name}, proc.Options{})
	if err != nil {
		if isMissing(err) {
			return nil, fmt.Errorf("inspect %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("inspect %s: %w", name, err)
	}
	var info ContainerInfo
	if err := json.Unmarshal(res.Stdout, &info); err != nil {
		return nil, fmt.Errorf("parse inspect output for %s: %w", name, err)
	}
	return &info, nil
}

// Kill forcefully stops a container. A container that already exited or no
// longer exists is treated as killed.
func (c *Client) Kill(ctx context.Context, name string) error {
	_, err := c.run(ctx, []string{"container", "kill", name}, proc.Options{})
	if err := ignoreMessages(err, "is not running", "no such container"); err != nil {
		return fmt.Errorf("kill %s: %w", name, err)
	}
	return nil
}

// RemoveContainer force-removes a container. A missing container is not an
// error.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	_, err := c.run(ctx, []string{"container", "rm", "--force", name}, proc.Options{})
	if err := ignoreMessages(err, "no such container"); err != nil {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// WriteLogs writes the container's timestamped log output to dest. maxLines
// caps the capture to the last lines of output; zero or less captures all.
func (c *Client) WriteLogs(ctx context.Context, name, dest string, maxLines int) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	tail := "all"
	if maxLines > 0 {
		tail = strconv.Itoa(maxLines)
	}
	args := []string{"container", "logs", "--timestamps", "--tail", tail, name}
	if _, err := c.run(ctx, args, proc.Options{Stdout: f, Stderr: f}); err != nil {
		return fmt.Errorf("write logs for %s: %w", name, err)
	}
	return f.Close()
}
