// Package tmux wraps the tmux CLI behind typed argv builders so the
// multiplexer dependency stays explicit and mockable.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"vibedeck/internal/command"
)

// Client executes tmux commands through a command.Runner.
type Client struct {
	runner command.Runner
}

func NewClient(runner command.Runner) *Client {
	if runner == nil {
		runner = command.NewLocal()
	}
	return &Client{runner: runner}
}

// AttachArgv returns the argv that attaches to the named session, creating
// it when missing. `new-session -A` makes the attach idempotent.
func AttachArgv(name string) []string {
	return []string{"tmux", "new-session", "-A", "-s", name}
}

// CreateSession creates a detached session and optionally runs a command.
func (c *Client) CreateSession(ctx context.Context, name string, argv []string) error {
	args := []string{"new-session", "-d", "-s", name}
	if len(argv) > 0 {
		args = append(args, "--")
		args = append(args, argv...)
	}
	return c.run(ctx, args, nil)
}

// HasSession reports whether the named session exists. A non-zero exit code
// means "no such session", not a failure.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	if c == nil || c.runner == nil {
		return false, errors.New("tmux runner unavailable")
	}
	output, err := c.runner.Run(ctx, command.Spec{
		Name: "tmux",
		Args: []string{"has-session", "-t", name},
	})
	if err != nil {
		return false, fmt.Errorf("tmux has-session failed: %w", err)
	}
	return output.ExitCode == 0, nil
}

// ListSessions returns the session names matching the given prefix.
func (c *Client) ListSessions(ctx context.Context, prefix string) ([]string, error) {
	if c == nil || c.runner == nil {
		return nil, errors.New("tmux runner unavailable")
	}
	output, err := c.runner.Run(ctx, command.Spec{
		Name: "tmux",
		Args: []string{"list-sessions", "-F", "#{session_name}"},
	})
	if err != nil {
		return nil, fmt.Errorf("tmux list-sessions failed: %w", err)
	}
	if output.ExitCode != 0 {
		// No server running means no sessions.
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(output.Stdout)), "\n") {
		name := strings.TrimRight(line, "\r")
		if name == "" {
			continue
		}
		if prefix == "" || strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// SendKeys sends keystrokes to a target session.
func (c *Client) SendKeys(ctx context.Context, target string, keys ...string) error {
	args := append([]string{"send-keys", "-t", target}, keys...)
	return c.run(ctx, args, nil)
}

// SendText types literal text into a target session via the paste buffer so
// shell-special characters survive intact.
func (c *Client) SendText(ctx context.Context, target string, text string) error {
	if text == "" {
		return nil
	}
	if err := c.run(ctx, []string{"load-buffer", "-"}, []byte(text)); err != nil {
		return err
	}
	return c.run(ctx, []string{"paste-buffer", "-t", target}, nil)
}

// KillSession terminates a session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	return c.run(ctx, []string{"kill-session", "-t", name}, nil)
}

// ResizeWindow resizes the active window of a session.
func (c *Client) ResizeWindow(ctx context.Context, target string, cols, rows uint16) error {
	args := []string{"resize-window", "-t", target}
	if cols > 0 {
		args = append(args, "-x", fmt.Sprintf("%d", cols))
	}
	if rows > 0 {
		args = append(args, "-y", fmt.Sprintf("%d", rows))
	}
	return c.run(ctx, args, nil)
}

// CapturePane captures the target session's visible pane contents.
func (c *Client) CapturePane(ctx context.Context, target string) ([]byte, error) {
	if c == nil || c.runner == nil {
		return nil, errors.New("tmux runner unavailable")
	}
	output, err := c.runner.Run(ctx, command.Spec{
		Name: "tmux",
		Args: []string{"capture-pane", "-p", "-t", target},
	})
	if err != nil {
		return nil, fmt.Errorf("tmux capture-pane failed: %w", err)
	}
	if output.ExitCode != 0 {
		return nil, commandFailure("capture-pane", output)
	}
	return output.Stdout, nil
}

func (c *Client) run(ctx context.Context, args []string, input []byte) error {
	if c == nil || c.runner == nil {
		return errors.New("tmux runner unavailable")
	}
	output, err := c.runner.Run(ctx, command.Spec{
		Name:  "tmux",
		Args:  args,
		Stdin: input,
	})
	if err != nil {
		return fmt.Errorf("tmux %s failed: %w", args[0], err)
	}
	if output.ExitCode != 0 {
		return commandFailure(args[0], output)
	}
	return nil
}

func commandFailure(verb string, output command.Output) error {
	detail := bytes.TrimSpace(output.Stderr)
	if len(detail) == 0 {
		detail = bytes.TrimSpace(output.Stdout)
	}
	if len(detail) > 0 {
		return fmt.Errorf("tmux %s failed: %s", verb, detail)
	}
	return fmt.Errorf("tmux %s exited %d", verb, output.ExitCode)
}
