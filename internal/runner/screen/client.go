// Package screen wraps GNU screen behind the same typed-argv shape as the
// tmux client for deployments that prefer it.
package screen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"vibedeck/internal/command"
)

// Client executes screen commands through a command.Runner.
type Client struct {
	runner command.Runner
}

func NewClient(runner command.Runner) *Client {
	if runner == nil {
		runner = command.NewLocal()
	}
	return &Client{runner: runner}
}

// AttachArgv returns the argv for a multi-display attach to the named
// session. -x allows attaching even while another display is connected,
// which keeps reattachment idempotent.
func AttachArgv(name string) []string {
	return []string{"screen", "-x", name}
}

// CreateSession starts a detached session running the given command.
func (c *Client) CreateSession(ctx context.Context, name string, argv []string) error {
	args := []string{"-dmS", name}
	args = append(args, argv...)
	return c.run(ctx, args, nil)
}

// HasSession reports whether a session with the given name exists by
// parsing `screen -ls` output. screen exits non-zero even on success, so
// only the listing is inspected.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	if c == nil || c.runner == nil {
		return false, errors.New("screen runner unavailable")
	}
	output, err := c.runner.Run(ctx, command.Spec{
		Name: "screen",
		Args: []string{"-ls"},
	})
	if err != nil {
		return false, fmt.Errorf("screen -ls failed: %w", err)
	}
	return listingContains(output.Stdout, name), nil
}

// ListSessions returns session names matching a prefix.
func (c *Client) ListSessions(ctx context.Context, prefix string) ([]string, error) {
	if c == nil || c.runner == nil {
		return nil, errors.New("screen runner unavailable")
	}
	output, err := c.runner.Run(ctx, command.Spec{
		Name: "screen",
		Args: []string{"-ls"},
	})
	if err != nil {
		return nil, fmt.Errorf("screen -ls failed: %w", err)
	}
	var names []string
	for _, name := range parseListing(output.Stdout) {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// SendText stuffs literal text into the session's input.
func (c *Client) SendText(ctx context.Context, name, text string) error {
	if text == "" {
		return nil
	}
	return c.run(ctx, []string{"-S", name, "-X", "stuff", text}, nil)
}

// KillSession quits the named session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	return c.run(ctx, []string{"-S", name, "-X", "quit"}, nil)
}

func (c *Client) run(ctx context.Context, args []string, input []byte) error {
	if c == nil || c.runner == nil {
		return errors.New("screen runner unavailable")
	}
	output, err := c.runner.Run(ctx, command.Spec{
		Name:  "screen",
		Args:  args,
		Stdin: input,
	})
	if err != nil {
		return fmt.Errorf("screen %s failed: %w", strings.Join(args, " "), err)
	}
	if output.ExitCode != 0 {
		detail := bytes.TrimSpace(output.Stderr)
		if len(detail) == 0 {
			detail = bytes.TrimSpace(output.Stdout)
		}
		if len(detail) > 0 {
			return fmt.Errorf("screen %s failed: %s", args[0], detail)
		}
		return fmt.Errorf("screen %s exited %d", args[0], output.ExitCode)
	}
	return nil
}

// parseListing extracts session names from `screen -ls` output. Lines look
// like "\t12345.vibe-agent-1\t(Detached)".
func parseListing(listing []byte) []string {
	var names []string
	for _, line := range strings.Split(string(listing), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !strings.Contains(trimmed, ".") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) == 0 {
			continue
		}
		entry := fields[0]
		dot := strings.Index(entry, ".")
		if dot < 0 || dot == len(entry)-1 {
			continue
		}
		pid := entry[:dot]
		if !isDigits(pid) {
			continue
		}
		names = append(names, entry[dot+1:])
	}
	return names
}

func listingContains(listing []byte, name string) bool {
	for _, existing := range parseListing(listing) {
		if existing == name {
			return true
		}
	}
	return false
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
