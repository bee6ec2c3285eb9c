package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/jobrunner/pkg/executor"
	"github.com/3leaps/jobrunner/pkg/jobdef"
	"github.com/3leaps/jobrunner/pkg/manifest"
	"github.com/3leaps/jobrunner/pkg/netpolicy"
	"github.com/3leaps/jobrunner/pkg/outputs"
	"github.com/3leaps/jobrunner/pkg/proc"
)

// codedError carries the process exit code chosen by a command.
type codedError struct {
	code    int
	message string
	err     error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *codedError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	return &codedError{code: code, message: message, err: err}
}

// exitCode picks the process exit code for an error returned by a command.
// An explicit exitError wins; otherwise the error kind decides.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}

	var mismatch *manifest.WorkspaceMismatchError
	switch {
	case errors.Is(err, context.Canceled):
		return foundry.ExitSignalInt
	case errors.Is(err, proc.ErrDiskSpace):
		return foundry.ExitFileWriteError
	case errors.Is(err, proc.ErrTimeout):
		return foundry.ExitExternalServiceUnavailable
	case errors.Is(err, executor.ErrPrepare), errors.Is(err, manifest.ErrManifestNotFound):
		return foundry.ExitFileNotFound
	case errors.Is(err, manifest.ErrValidationFailed):
		return foundry.ExitFileReadError
	case errors.Is(err, outputs.ErrDisallowedExtension),
		errors.Is(err, jobdef.ErrInvalidDefinition),
		errors.Is(err, executor.ErrInvalidTransition),
		errors.Is(err, netpolicy.ErrNoHost),
		errors.As(err, &mismatch):
		return foundry.ExitInvalidArgument
	case errors.Is(err, executor.ErrContainerNotFound), errors.Is(err, proc.ErrCommandFailed):
		return foundry.ExitExternalServiceUnavailable
	default:
		return 1
	}
}
