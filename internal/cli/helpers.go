package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/lherron/beehive/internal/mover"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitUsage    = 2
	ExitAlready  = 3
	ExitMismatch = 4
)

// codeError carries the process exit code for an error.
type codeError struct {
	code int
	err  error
}

func (e *codeError) Error() string {
	return e.err.Error()
}

func (e *codeError) Unwrap() error {
	return e.err
}

// exitError returns an error that will cause the CLI to exit with the given code
func exitError(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codeError{code: code, err: err}
}

// runError picks the exit code for an engine failure.
func runError(err error) error {
	switch {
	case mover.IsAlreadyProcessedSource(err):
		return exitError(ExitAlready, err)
	case mover.IsVerificationMismatch(err):
		return exitError(ExitMismatch, err)
	}
	return exitError(ExitFailure, err)
}

// ExitCode returns the process exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ce *codeError
	if errors.As(err, &ce) {
		return ce.code
	}
	return ExitFailure
}

// PrintError writes err for the user, followed by the failed statement when
// the engine kept one.
func PrintError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	var me *mover.MigrationError
	if errors.As(err, &me) && me.Statement != "" {
		fmt.Fprintf(w, "Statement: %s\n", me.Statement)
	}
}
