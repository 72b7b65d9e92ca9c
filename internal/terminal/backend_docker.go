package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vibedeck/internal/runner/docker"
)

const (
	defaultReadyRetries  = 15
	defaultReadyInterval = time.Second
	containerWorkdir     = "/workspace"
)

// AgentLabel carries the owning agent id on managed containers.
const AgentLabel = "vibedeck.agent"

// DockerClient is the container surface the docker backend needs.
type DockerClient interface {
	RunKeepAlive(ctx context.Context, opts docker.RunOptions) (string, error)
	Inspect(ctx context.Context, containerID string) (docker.State, error)
	HasShell(ctx context.Context, containerID, shell string) (bool, error)
	Kill(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
}

// dockerBackend runs each session inside a long-lived keep-alive container
// and execs an interactive shell into it through the PTY layer.
type dockerBackend struct {
	client        DockerClient
	image         string
	shell         string
	factory       PtyFactory
	namePrefix    string
	bufferLines   int
	clock         Clock
	taskDelay     time.Duration
	readyRetries  int
	readyInterval time.Duration
}

func (b *dockerBackend) Name() string {
	return "docker"
}

func (b *dockerBackend) Spawn(ctx context.Context, req SpawnRequest, cb Callbacks) (*Session, error) {
	opts := docker.RunOptions{
		Name:  fmt.Sprintf("%s%s-%s", b.namePrefix, req.AgentID, uuid.NewString()[:8]),
		Image: b.image,
		Labels: map[string]string{
			AgentLabel: req.AgentID,
		},
	}
	if req.WorkspaceRepo != "" {
		opts.Mounts = map[string]string{req.WorkspaceRepo: containerWorkdir}
		opts.Workdir = containerWorkdir
	}

	containerID, err := b.client.RunKeepAlive(ctx, opts)
	if err != nil {
		return nil, &SpawnError{Backend: b.Name(), AgentID: req.AgentID, Err: err}
	}

	if err := b.awaitReady(ctx, containerID); err != nil {
		_ = b.client.Kill(context.Background(), containerID)
		_ = b.client.Remove(context.Background(), containerID)
		return nil, &SpawnError{Backend: b.Name(), AgentID: req.AgentID, Err: err}
	}

	pty, cmd, err := b.factory.Start(StartSpec{
		Argv: docker.ExecArgv(containerID, b.shell),
	})
	if err != nil {
		_ = b.client.Kill(context.Background(), containerID)
		_ = b.client.Remove(context.Background(), containerID)
		return nil, &SpawnError{Backend: b.Name(), AgentID: req.AgentID, Err: err}
	}

	session := newSession(sessionConfig{
		request:     req,
		id:          sessionID(req.AgentID),
		pty:         pty,
		cmd:         cmd,
		bufferLines: b.bufferLines,
		createdAt:   b.clock.Now(),
		callbacks:   cb,
		containerID: containerID,
		terminate: func(ctx context.Context) error {
			killErr := b.client.Kill(ctx, containerID)
			removeErr := b.client.Remove(ctx, containerID)
			return errors.Join(killErr, removeErr)
		},
	})

	if req.Task != "" {
		go typeTask(session, req.Task, b.taskDelay)
	}
	return session, nil
}

// awaitReady polls until the container is running and its shell is present,
// with bounded retries.
func (b *dockerBackend) awaitReady(ctx context.Context, containerID string) error {
	retries := b.readyRetries
	if retries <= 0 {
		retries = defaultReadyRetries
	}
	interval := b.readyInterval
	if interval <= 0 {
		interval = defaultReadyInterval
	}

	for attempt := 0; attempt < retries; attempt++ {
		state, err := b.client.Inspect(ctx, containerID)
		if err == nil && state.Running {
			hasShell, shellErr := b.client.HasShell(ctx, containerID, b.shell)
			if shellErr == nil && hasShell {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("container %s not ready after %d attempts", containerID, retries)
}

func (b *dockerBackend) Alive(ctx context.Context, s *Session) bool {
	if s == nil || s.ContainerID == "" {
		return false
	}
	state, err := b.client.Inspect(ctx, s.ContainerID)
	if err != nil {
		return false
	}
	return state.Running
}
