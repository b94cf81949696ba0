package exec

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct {
	shell string
}

// NewRunner creates a runner using sh.
func NewRunner() *ExecRunner {
	return &ExecRunner{shell: "sh"}
}

// RunShell executes cmd.Script through "sh -c".
func (r *ExecRunner) RunShell(ctx context.Context, cmd Command) (Result, error) {
	c := exec.CommandContext(ctx, r.shell, "-c", cmd.Script)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)
