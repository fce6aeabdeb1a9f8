package claude

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBusy is returned when an execution is requested while another one
	// still owns the tracked process.
	ErrBusy = errors.New("claude: a command is already running")

	// ErrKilled is returned by an execution whose process was terminated
	// through KillActiveProcess or context cancellation.
	ErrKilled = errors.New("claude: process killed")

	// ErrEmptyCommand is returned when the command text tokenizes to nothing
	// and no default flags apply.
	ErrEmptyCommand = errors.New("claude: empty command")
)

// SpawnError reports that the operating system could not create the
// process (binary missing, not executable, bad working directory).
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProcessExitError reports a non-zero exit of the external tool.
type ProcessExitError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessExitError) Error() string {
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("process exited with code %d", e.ExitCode)
}

// NotAuthenticatedError reports that the tool rejected a request because
// the user is not logged in. It is recoverable through the login flow named
// in Remediation.
type NotAuthenticatedError struct {
	Stderr      string
	Remediation string
}

func (e *NotAuthenticatedError) Error() string {
	if e.Remediation != "" {
		return "not authenticated: " + e.Remediation
	}
	return "not authenticated"
}

// IsNotAuthenticated reports whether err is or wraps a NotAuthenticatedError.
func IsNotAuthenticated(err error) bool {
	var target *NotAuthenticatedError
	return errors.As(err, &target)
}

// IsSpawnError reports whether err is or wraps a SpawnError.
func IsSpawnError(err error) bool {
	var target *SpawnError
	return errors.As(err, &target)
}

// ExitCode extracts the exit code from a ProcessExitError, or -1.
func ExitCode(err error) int {
	var exitErr *ProcessExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	return -1
}
