// Package exec runs shell commands on behalf of workflow steps.
package exec

import (
	"context"
)

// Command is a shell script to run.
type Command struct {
	Script string
	// Dir is the working directory; empty means the current directory.
	Dir string
	// Env is appended to the process environment.
	Env []string
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner runs shell commands.
type CommandRunner interface {
	// RunShell executes cmd.Script through "sh -c". A non-zero exit is
	// reported in Result.ExitCode, not as an error; errors mean the
	// command could not be run or ctx ended.
	RunShell(ctx context.Context, cmd Command) (Result, error)
}
