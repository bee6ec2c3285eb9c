// Package proc runs external commands with bounded call times.
//
// Every invocation of the container runtime CLI (and git) goes through a
// Runner. Commands are always executed directly from an argument list, never
// through a shell, and secret values are only ever supplied through the child
// process environment so they never appear in a process listing.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds any single runtime call. Some runtime clients can hang
// indefinitely on some operating systems; a bounded call turns that into a
// typed error instead of a frozen control loop.
const DefaultTimeout = 5 * time.Minute

// waitDelay caps how long Run waits for output pipes after the process is
// killed.
const waitDelay = 2 * time.Second

// Options configures a single command invocation.
type Options struct {
	// Timeout bounds the call. Zero means DefaultTimeout.
	Timeout time.Duration

	// Env is added to the parent environment of the child process.
	Env map[string]string

	// Stdin is connected to the child's standard input when set.
	Stdin io.Reader

	// Stdout, when set, receives the child's standard output instead of the
	// Result buffer.
	Stdout io.Writer

	// Stderr, when set, receives the child's standard error instead of the
	// Result buffer. Passing the same writer as Stdout keeps both streams
	// interleaved in order.
	Stderr io.Writer

	// Dir is the working directory of the child.
	Dir string

	// Check converts a non-zero exit into a typed error (see Classify).
	Check bool
}

// Result holds the outcome of a finished command.
type Result struct {
	Args     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, args []string, opts Options) (*Result, error)
}

// ExecRunner runs commands as local child processes.
type ExecRunner struct {
	// Limiter, when set, throttles invocations.
	Limiter *rate.Limiter
}

// NewExecRunner creates a runner. A positive callsPerSecond enables
// throttling of invocations.
func NewExecRunner(callsPerSecond float64) *ExecRunner {
	r := &ExecRunner{}
	if callsPerSecond > 0 {
		burst := int(callsPerSecond)
		if burst < 1 {
			burst = 1
		}
		r.Limiter = rate.NewLimiter(rate.Limit(callsPerSecond), burst)
	}
	return r
}

// Run executes args[0] with the remaining arguments.
func (r *ExecRunner) Run(ctx context.Context, args []string, opts Options) (*Result, error) {
	if len(args) == 0 {
		return nil, errors.New("no command given")
	}
	if r != nil && r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.WaitDelay = waitDelay
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	var stdout, stderr bytes.Buffer
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	} else {
		cmd.Stderr = &stderr
	}

	runErr := cmd.Run()
	res := &Result{
		Args:   args,
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, &TimeoutError{Args: args, Timeout: timeout}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return res, fmt.Errorf("run %s: %w", args[0], runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	if opts.Check && res.ExitCode != 0 {
		return res, Classify(args, res.ExitCode, res.Stdout, res.Stderr)
	}
	return res, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
