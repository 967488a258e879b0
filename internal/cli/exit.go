package cli

import (
	"errors"
	"fmt"

	"artifactledger/internal/experiment"
	"artifactledger/internal/projection"
	"artifactledger/internal/store"
)

const (
	ExitSuccess           = 0
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
	ExitNotFound          = 5
)

// CLIResult is the outcome of one invocation.
type CLIResult struct {
	ExitCode int
}

// InvocationError carries an explicit exit code.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ConfigError wraps a failure to load or validate artifactd.yaml.
type ConfigError struct {
	Cause error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	return "config: " + e.Cause.Error()
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ExitCode maps an error to a semantic process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.ExitCode
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}
	if errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, experiment.ErrNotFound) ||
		errors.Is(err, projection.ErrProjectionNotFound) {
		return ExitNotFound
	}
	if errors.Is(err, experiment.ErrArtifactTombstoned) {
		return ExitInvalidInvocation
	}
	var pubErr *store.PublishError
	if errors.As(err, &pubErr) && pubErr.Code == store.CodeInvalidRequest {
		return ExitInvalidInvocation
	}
	var buildErr *projection.BuildError
	if errors.As(err, &buildErr) && buildErr.Code == projection.CodeInvalidRequest {
		return ExitInvalidInvocation
	}
	return ExitInternalError
}
