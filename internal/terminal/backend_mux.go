package terminal

import (
	"context"
	"time"
)

// muxBackend runs sessions inside a named tmux or screen session so output
// survives orchestrator restarts. Spawning for an agent whose multiplexer
// session already exists reattaches instead of creating a duplicate.
type muxBackend struct {
	kind        string
	mux         MuxClient
	shell       string
	factory     PtyFactory
	prefix      string
	bufferLines int
	clock       Clock
	taskDelay   time.Duration
}

func (b *muxBackend) Name() string {
	return b.kind
}

func (b *muxBackend) Spawn(ctx context.Context, req SpawnRequest, cb Callbacks) (*Session, error) {
	muxName := b.prefix + req.AgentID

	existed, err := b.mux.HasSession(ctx, muxName)
	if err != nil {
		return nil, &SpawnError{Backend: b.Name(), AgentID: req.AgentID, Err: err}
	}

	// screen cannot attach-or-create in one step; make sure the detached
	// session exists before attaching. tmux new-session -A handles both.
	if !existed && b.kind == string(IsolationScreen) {
		if err := b.mux.CreateSession(ctx, muxName, []string{b.shell}); err != nil {
			return nil, &SpawnError{Backend: b.Name(), AgentID: req.AgentID, Err: err}
		}
	}

	pty, cmd, err := b.factory.Start(StartSpec{
		Argv: b.mux.AttachArgv(muxName),
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
		muxName:     muxName,
		terminate: func(ctx context.Context) error {
			return b.mux.KillSession(ctx, muxName)
		},
	})

	// The task is typed only on first creation; a reattach must not replay
	// it into the existing shell.
	if !existed && req.Task != "" {
		go b.typeTaskIntoMux(session, muxName, req.Task)
	}
	return session, nil
}

func (b *muxBackend) Alive(ctx context.Context, s *Session) bool {
	if s == nil || s.MuxName == "" {
		return false
	}
	exists, err := b.mux.HasSession(ctx, s.MuxName)
	if err != nil {
		return false
	}
	return exists
}

func (b *muxBackend) typeTaskIntoMux(session *Session, muxName, task string) {
	delay := b.taskDelay
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
	_ = b.mux.SendText(context.Background(), muxName, task+"\n")
}
