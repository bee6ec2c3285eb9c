// Package docker drives the container runtime through its command-line
// client.
//
// Every call goes through a proc.Runner, so each one is bounded by a timeout
// and failures are classified into typed errors. Every resource this package
// creates carries the management label, which lets a sweep enumerate and
// remove orphans without any in-process state.
package docker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobrunner/pkg/proc"
)

// Defaults for Options.
const (
	DefaultBinary          = "docker"
	DefaultManagementLabel = "job-runner"
	DefaultManagerImage    = "busybox"
)

// WorkspaceMount is where a job's volume is mounted inside its containers.
const WorkspaceMount = "/workspace"

// ErrNotFound indicates the container or volume does not exist.
var ErrNotFound = errors.New("no such container or volume")

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Options configures a Client.
type Options struct {
	// Binary is the runtime CLI. Default: "docker".
	Binary string

	// Timeout bounds each call. Zero means proc.DefaultTimeout.
	Timeout time.Duration

	// ManagementLabel tags every created resource. Default: "job-runner".
	ManagementLabel string

	// ManagerImage backs the helper container used to copy files in and out
	// of volumes. Default: "busybox".
	ManagerImage string
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = DefaultBinary
	}
	if o.ManagementLabel == "" {
		o.ManagementLabel = DefaultManagementLabel
	}
	if o.ManagerImage == "" {
		o.ManagerImage = DefaultManagerImage
	}
	return o
}

// Client runs container runtime commands.
type Client struct {
	runner proc.Runner
	opts   Options
	log    *zap.Logger
}

// NewClient creates a client. A nil logger disables logging.
func NewClient(runner proc.Runner, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{runner: runner, opts: opts.withDefaults(), log: logger}
}

// ManagementLabel returns the label applied to all created resources.
func (c *Client) ManagementLabel() string {
	return c.opts.ManagementLabel
}

// ContainerName is the deterministic container name for a job.
func ContainerName(jobID string) string {
	return "os-job-" + jobID
}

// VolumeName is the deterministic volume name for a job.
func VolumeName(jobID string) string {
	return "os-volume-" + jobID
}

// ManagerName is the helper container that mounts a volume for copying.
func ManagerName(volume string) string {
	return volume + "-manager"
}

func (c *Client) run(ctx context.Context, args []string, opts proc.Options) (*proc.Result, error) {
	full := make([]string, 0, len(args)+1)
	full = append(full, c.opts.Binary)
	full = append(full, args...)
	if opts.Timeout == 0 {
		opts.Timeout = c.opts.Timeout
	}
	opts.Check = true
	return c.runner.Run(ctx, full, opts)
}

// labelArgs renders the management label plus extra labels as repeated
// --label flags, sorted for stable argument lists.
func (c *Client) labelArgs(labels map[string]string) []string {
	args := []string{"--label", c.opts.ManagementLabel}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+labels[k])
	}
	return args
}

// ignoreMessages returns nil when err is a command failure whose output
// contains one of msgs.
func ignoreMessages(err error, msgs ...string) error {
	if err == nil {
		return nil
	}
	ce, ok := proc.AsCommandError(err)
	if !ok {
		return err
	}
	for _, m := range msgs {
		if ce.Contains(m) {
			return nil
		}
	}
	return err
}

func isMissing(err error) bool {
	ce, ok := proc.AsCommandError(err)
	if !ok {
		return false
	}
	return ce.Contains("no such container") || ce.Contains("no such volume") || ce.Contains("no such object")
}

func splitLines(b []byte) []string {
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
