package proc

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for runtime command failures.
var (
	// ErrTimeout indicates a command exceeded its call timeout.
	ErrTimeout = errors.New("runtime command timed out")

	// ErrDiskSpace indicates the container daemon ran out of host storage.
	ErrDiskSpace = errors.New("host out of disk space")

	// ErrCommandFailed indicates a command exited non-zero.
	ErrCommandFailed = errors.New("command failed")
)

// diskSpaceSignature is the daemon response that identifies host disk exhaustion.
// Matched case-insensitively against both output streams.
const diskSpaceSignature = "error response from daemon: no space left on device"

// TimeoutError is returned when a command does not finish within its timeout.
//
// Timeouts are surfaced rather than retried: a runtime client that hangs once
// tends to hang again until the host is fixed.
type TimeoutError struct {
	Args    []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", commandLine(e.Args), e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// DiskSpaceError is returned when a command fails because the host has no
// storage left.
type DiskSpaceError struct {
	Args   []string
	Output string
}

func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf("%s: %s: %s", commandLine(e.Args), ErrDiskSpace, e.Output)
}

func (e *DiskSpaceError) Is(target error) bool {
	return target == ErrDiskSpace
}

// CommandError is the generic non-zero exit failure. It carries the captured
// output so callers can inspect known daemon responses.
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(string(e.Stderr))
	if msg == "" {
		msg = strings.TrimSpace(string(e.Stdout))
	}
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", commandLine(e.Args), e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", commandLine(e.Args), e.ExitCode, msg)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// Contains reports whether either output stream contains s, ignoring case.
func (e *CommandError) Contains(s string) bool {
	needle := bytes.ToLower([]byte(s))
	return bytes.Contains(bytes.ToLower(e.Stderr), needle) ||
		bytes.Contains(bytes.ToLower(e.Stdout), needle)
}

// Classify maps a non-zero exit into a typed error.
//
// Disk exhaustion is only recognised on exit code 1 with the daemon signature
// present in stdout or stderr.
func Classify(args []string, exitCode int, stdout, stderr []byte) error {
	if exitCode == 1 {
		for _, stream := range [][]byte{stderr, stdout} {
			if bytes.Contains(bytes.ToLower(stream), []byte(diskSpaceSignature)) {
				return &DiskSpaceError{Args: args, Output: strings.TrimSpace(string(stream))}
			}
		}
	}
	return &CommandError{Args: args, ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
}

// IsTimeout returns true if the error is a runtime call timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsDiskSpace returns true if the error indicates host disk exhaustion.
func IsDiskSpace(err error) bool {
	return errors.Is(err, ErrDiskSpace)
}

// AsCommandError extracts a *CommandError from err.
func AsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func commandLine(args []string) string {
	if len(args) == 0 {
		return "<empty command>"
	}
	if len(args) > 3 {
		return strings.Join(args[:3], " ") + " ..."
	}
	return strings.Join(args, " ")
}
