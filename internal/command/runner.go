// Package command provides the execution primitive shared by every client
// that shells out to an external tool (git, docker, tmux, screen). A Runner
// takes a command plus a timeout and returns stdout, stderr, and the exit
// code, either by spawning a local process or by routing over an SSH channel
// to a fixed VM, so callers stay transport-agnostic.
package command

import (
	"context"
	"time"
)

const DefaultTimeout = 30 * time.Second

// Spec describes one external command invocation.
type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Stdin   []byte
	Timeout time.Duration
}

// Output carries the observed result of a completed command. ExitCode is -1
// when the process never ran.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes a command to completion. A non-zero exit code is reported
// through Output, not through the error; the error is reserved for failures
// to run the command at all (spawn errors, timeouts, cancelled contexts).
type Runner interface {
	Run(ctx context.Context, spec Spec) (Output, error)
}
