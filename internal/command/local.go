package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// Local runs commands as child processes of the orchestrator.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Run(ctx context.Context, spec Spec) (Output, error) {
	if spec.Name == "" {
		return Output{ExitCode: -1}, errors.New("command name is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Name, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if len(spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: 0,
	}
	if err == nil {
		return output, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		output.ExitCode = exitErr.ExitCode()
		if runCtx.Err() != nil {
			return output, runCtx.Err()
		}
		return output, nil
	}
	output.ExitCode = -1
	if runCtx.Err() != nil {
		return output, runCtx.Err()
	}
	return output, err
}
