package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SSHTarget identifies the fixed VM remote commands run on.
type SSHTarget struct {
	Host string
	User string
	Port int
}

// SSH routes commands over an ssh channel to a fixed VM. It composes on top
// of another Runner (normally Local) so the transport stays mockable.
type SSH struct {
	target SSHTarget
	runner Runner
}

func NewSSH(target SSHTarget, runner Runner) *SSH {
	if runner == nil {
		runner = NewLocal()
	}
	return &SSH{
		target: target,
		runner: runner,
	}
}

func (s *SSH) Run(ctx context.Context, spec Spec) (Output, error) {
	if s == nil || strings.TrimSpace(s.target.Host) == "" {
		return Output{ExitCode: -1}, errors.New("ssh target host is required")
	}
	if spec.Name == "" {
		return Output{ExitCode: -1}, errors.New("command name is required")
	}

	destination := s.target.Host
	if strings.TrimSpace(s.target.User) != "" {
		destination = s.target.User + "@" + s.target.Host
	}

	args := []string{"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"}
	if s.target.Port > 0 {
		args = append(args, "-p", fmt.Sprintf("%d", s.target.Port))
	}
	args = append(args, destination, "--")

	remote := make([]string, 0, len(spec.Args)+1)
	remote = append(remote, quoteArg(spec.Name))
	for _, arg := range spec.Args {
		remote = append(remote, quoteArg(arg))
	}
	if spec.Dir != "" {
		args = append(args, "cd "+quoteArg(spec.Dir)+" && "+strings.Join(remote, " "))
	} else {
		args = append(args, strings.Join(remote, " "))
	}

	return s.runner.Run(ctx, Spec{
		Name:    "ssh",
		Args:    args,
		Stdin:   spec.Stdin,
		Timeout: spec.Timeout,
	})
}

// quoteArg single-quotes an argument for the remote shell.
func quoteArg(arg string) string {
	if arg == "" {
		return "''"
	}
	if !strings.ContainsAny(arg, " \t\n'\"\\$`&|;<>(){}*?#~") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}
