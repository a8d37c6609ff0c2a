package cli

import (
	"errors"
	"fmt"
)

// ExitError carries a process exit code out of a Cobra RunE function.
//
// Commands return it instead of calling os.Exit so tests can assert on the
// code. [RunWithConfig] extracts it with [IsExitError] and [Execute] exits.
//
// Codes: 0 success or a benign no-op (lost race, replayed artifact), 1 stage
// or command failure, 2 invalid pipeline transition.
type ExitError struct {
	Code int
}

// Error returns "exit status N", matching os/exec.
func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewExitError creates an [ExitError] with the given exit code.
func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

// IsExitError reports whether err is an [ExitError] and returns its code.
func IsExitError(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
