// Package docker wraps the docker CLI behind typed argv builders. Commands
// route through a command.Runner so the docker dependency stays explicit,
// transport-agnostic (local shell or SSH), and mockable.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"vibedeck/internal/command"
)

// ManagedLabel marks containers owned by this orchestrator so reconciliation
// and cleanup can find them.
const ManagedLabel = "vibedeck.managed"

type Client struct {
	runner command.Runner
}

func NewClient(runner command.Runner) *Client {
	if runner == nil {
		runner = command.NewLocal()
	}
	return &Client{runner: runner}
}

// RunOptions describes a keep-alive container for an agent session.
type RunOptions struct {
	Name      string
	Image     string
	Workdir   string
	Mounts    map[string]string
	Env       map[string]string
	Labels    map[string]string
	KeepAlive []string
}

// State is the subset of `docker inspect` this orchestrator cares about.
type State struct {
	Running  bool
	ExitCode int
}

// Container is one row of `docker ps`.
type Container struct {
	ID    string
	Name  string
	State string
}

// RunKeepAlive starts a detached container that idles until killed and
// returns its ID.
func (c *Client) RunKeepAlive(ctx context.Context, opts RunOptions) (string, error) {
	if c == nil || c.runner == nil {
		return "", errors.New("docker runner unavailable")
	}
	if strings.TrimSpace(opts.Image) == "" {
		return "", errors.New("container image is required")
	}

	args := []string{"run", "-d", "--label", ManagedLabel + "=true"}
	if strings.TrimSpace(opts.Name) != "" {
		args = append(args, "--name", opts.Name)
	}
	for key, value := range opts.Labels {
		args = append(args, "--label", key+"="+value)
	}
	for host, container := range opts.Mounts {
		args = append(args, "-v", host+":"+container)
	}
	for key, value := range opts.Env {
		args = append(args, "-e", key+"="+value)
	}
	if strings.TrimSpace(opts.Workdir) != "" {
		args = append(args, "-w", opts.Workdir)
	}
	args = append(args, opts.Image)
	keepAlive := opts.KeepAlive
	if len(keepAlive) == 0 {
		keepAlive = []string{"sleep", "infinity"}
	}
	args = append(args, keepAlive...)

	output, err := c.runner.Run(ctx, command.Spec{Name: "docker", Args: args})
	if err != nil {
		return "", fmt.Errorf("docker run failed: %w", err)
	}
	if output.ExitCode != 0 {
		return "", commandFailure("run", output)
	}
	id := strings.TrimSpace(string(output.Stdout))
	if id == "" {
		return "", errors.New("docker run returned no container id")
	}
	return id, nil
}

// Inspect returns the container's running state. A missing container is an
// error.
func (c *Client) Inspect(ctx context.Context, containerID string) (State, error) {
	if c == nil || c.runner == nil {
		return State{}, errors.New("docker runner unavailable")
	}
	output, err := c.runner.Run(ctx, command.Spec{
		Name: "docker",
		Args: []string{"inspect", "-f", "{{.State.Running}} {{.State.ExitCode}}", containerID},
	})
	if err != nil {
		return State{}, fmt.Errorf("docker inspect failed: %w", err)
	}
	if output.ExitCode != 0 {
		return State{}, commandFailure("inspect", output)
	}
	fields := strings.Fields(strings.TrimSpace(string(output.Stdout)))
	if len(fields) != 2 {
		return State{}, fmt.Errorf("unexpected docker inspect output: %q", output.Stdout)
	}
	exitCode, err := strconv.Atoi(fields[1])
	if err != nil {
		return State{}, fmt.Errorf("unexpected docker inspect exit code: %q", fields[1])
	}
	return State{
		Running:  fields[0] == "true",
		ExitCode: exitCode,
	}, nil
}

// HasShell reports whether the expected shell binary exists inside a running
// container.
func (c *Client) HasShell(ctx context.Context, containerID, shell string) (bool, error) {
	if c == nil || c.runner == nil {
		return false, errors.New("docker runner unavailable")
	}
	if strings.TrimSpace(shell) == "" {
		shell = "sh"
	}
	output, err := c.runner.Run(ctx, command.Spec{
		Name: "docker",
		Args: []string{"exec", containerID, "sh", "-c", "command -v " + shell},
	})
	if err != nil {
		return false, fmt.Errorf("docker exec failed: %w", err)
	}
	return output.ExitCode == 0, nil
}

// ExecArgv returns the argv for an interactive shell inside the container,
// run under the PTY layer.
func ExecArgv(containerID, shell string) []string {
	if strings.TrimSpace(shell) == "" {
		shell = "sh"
	}
	return []string{"docker", "exec", "-it", containerID, shell}
}

// Kill force-stops a container. Killing an already-stopped container is not
// an error.
func (c *Client) Kill(ctx context.Context, containerID string) error {
	output, err := c.run(ctx, "kill", containerID)
	if err != nil {
		return err
	}
	if output.ExitCode != 0 && !isNotRunning(output) {
		return commandFailure("kill", output)
	}
	return nil
}

// Remove deletes a container, forcing if still running.
func (c *Client) Remove(ctx context.Context, containerID string) error {
	output, err := c.run(ctx, "rm", "-f", containerID)
	if err != nil {
		return err
	}
	if output.ExitCode != 0 && !isNotFound(output) {
		return commandFailure("rm", output)
	}
	return nil
}

// ListManaged lists containers carrying the orchestrator's label, including
// stopped ones.
func (c *Client) ListManaged(ctx context.Context) ([]Container, error) {
	if c == nil || c.runner == nil {
		return nil, errors.New("docker runner unavailable")
	}
	output, err := c.runner.Run(ctx, command.Spec{
		Name: "docker",
		Args: []string{"ps", "-a", "--filter", "label=" + ManagedLabel + "=true", "--format", "{{.ID}}\t{{.Names}}\t{{.State}}"},
	})
	if err != nil {
		return nil, fmt.Errorf("docker ps failed: %w", err)
	}
	if output.ExitCode != 0 {
		return nil, commandFailure("ps", output)
	}
	var containers []Container
	for _, line := range strings.Split(strings.TrimSpace(string(output.Stdout)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		containers = append(containers, Container{
			ID:    strings.TrimSpace(fields[0]),
			Name:  strings.TrimSpace(fields[1]),
			State: strings.TrimSpace(fields[2]),
		})
	}
	return containers, nil
}

func (c *Client) run(ctx context.Context, args ...string) (command.Output, error) {
	if c == nil || c.runner == nil {
		return command.Output{}, errors.New("docker runner unavailable")
	}
	output, err := c.runner.Run(ctx, command.Spec{Name: "docker", Args: args})
	if err != nil {
		return output, fmt.Errorf("docker %s failed: %w", args[0], err)
	}
	return output, nil
}

func isNotRunning(output command.Output) bool {
	return bytes.Contains(bytes.ToLower(output.Stderr), []byte("is not running"))
}

func isNotFound(output command.Output) bool {
	return bytes.Contains(bytes.ToLower(output.Stderr), []byte("no such container"))
}

func commandFailure(verb string, output command.Output) error {
	detail := bytes.TrimSpace(output.Stderr)
	if len(detail) == 0 {
		detail = bytes.TrimSpace(output.Stdout)
	}
	if len(detail) > 0 {
		return fmt.Errorf("docker %s failed: %s", verb, detail)
	}
	return fmt.Errorf("docker %s exited %d", verb, output.ExitCode)
}
