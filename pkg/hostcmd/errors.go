package hostcmd

import (
	"errors"
	"fmt"
	"strings"
)

// RunError carries the exit code and stderr of a failed tool invocation so
// the operator sees what the tool actually complained about.
type RunError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit code of err when it is a RunError, -1 otherwise.
func ExitCode(err error) int {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.ExitCode
	}
	return -1
}
