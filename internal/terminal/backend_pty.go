package terminal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vibedeck/internal/process"
)

const defaultTaskDelay = 3 * time.Second

// ptyBackend runs a raw shell under a pseudo-terminal, wired directly to the
// caller. Sessions do not survive orchestrator restarts.
type ptyBackend struct {
	shell       string
	factory     PtyFactory
	bufferLines int
	clock       Clock
	taskDelay   time.Duration
}

func (b *ptyBackend) Name() string {
	return "pty"
}

func (b *ptyBackend) Spawn(ctx context.Context, req SpawnRequest, cb Callbacks) (*Session, error) {
	pty, cmd, err := b.factory.Start(StartSpec{
		Argv: []string{b.shell},
		Dir:  req.WorkspaceRepo,
	})
	if err != nil {
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
	})

	if req.Task != "" {
		go typeTask(session, req.Task, b.taskDelay)
	}
	return session, nil
}

func (b *ptyBackend) Alive(ctx context.Context, s *Session) bool {
	if s == nil || s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	return process.Alive(s.cmd.Process.Pid)
}

// typeTask writes the initial task into the shell after a settle delay so
// the shell prompt is up before input arrives.
func typeTask(session *Session, task string, delay time.Duration) {
	if delay <= 0 {
		delay = defaultTaskDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-session.ctx.Done():
		return
	}
	_ = session.Write([]byte(task + "\n"))
}

func sessionID(agentID string) string {
	return fmt.Sprintf("%s-%s", agentID, uuid.NewString()[:8])
}
