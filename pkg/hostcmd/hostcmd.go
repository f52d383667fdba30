// Package hostcmd runs the external disk utilities (losetup, e2fsck,
// resize2fs, parted, ...) and captures their output for parsing.
package hostcmd

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// Runner executes a host command and returns its trimmed stdout.
// All tool invocations go through this interface so tests can inject
// canned output and failures.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	RunInput(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.RunInput(ctx, "", name, args...)
}

func (r *ExecRunner) RunInput(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	if err != nil {
		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		return out, &RunError{
			Args:     append([]string{name}, args...),
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}

	return out, nil
}
