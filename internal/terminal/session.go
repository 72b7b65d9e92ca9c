package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Callbacks receive a session's stream events. OnExit or OnError fires at
// most once and terminates the stream for the agent.
type Callbacks struct {
	OnData  func(agentID string, chunk []byte)
	OnExit  func(agentID string, code int, signal string)
	OnError func(agentID string, message string)
}

// Session is one agent's terminal-backed compute unit. Its process handle is
// owned exclusively by the backend that created it; callers interact through
// the manager.
type Session struct {
	ID          string
	AgentID     string
	UserID      string
	TeamID      string
	Location    Location
	Isolation   Isolation
	ContainerID string
	MuxName     string
	CreatedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	input  chan []byte
	output chan []byte

	pty       Pty
	cmd       *exec.Cmd
	bcast     *Broadcaster
	callbacks Callbacks
	// terminate tears down backend resources beyond the PTY process, e.g.
	// the tmux session or docker container.
	terminate func(context.Context) error

	closing  sync.Once
	exiting  sync.Once
	closeErr error
	state    uint32
}

type sessionConfig struct {
	request     SpawnRequest
	id          string
	pty         Pty
	cmd         *exec.Cmd
	bufferLines int
	createdAt   time.Time
	callbacks   Callbacks
	containerID string
	muxName     string
	terminate   func(context.Context) error
}

func newSession(cfg sessionConfig) *Session {
	// readLoop -> output, writeLoop -> PTY, broadcastLoop -> subscribers
	// and callbacks. Close cancels the context and closes input so all
	// loops drain and exit.
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:          cfg.id,
		AgentID:     cfg.request.AgentID,
		UserID:      cfg.request.UserID,
		TeamID:      cfg.request.TeamID,
		Location:    cfg.request.Location,
		Isolation:   cfg.request.Isolation,
		ContainerID: cfg.containerID,
		MuxName:     cfg.muxName,
		CreatedAt:   cfg.createdAt,
		ctx:         ctx,
		cancel:      cancel,
		input:       make(chan []byte, 64),
		output:      make(chan []byte, 64),
		pty:         cfg.pty,
		cmd:         cfg.cmd,
		bcast:       NewBroadcaster(cfg.bufferLines),
		callbacks:   cfg.callbacks,
		terminate:   cfg.terminate,
		state:       uint32(statusIndex(StatusStarting)),
	}
}

// Start launches the session's IO loops. The manager emits terminal-ready
// before calling Start so ready always precedes data.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
	go s.broadcastLoop()
	if s.cmd != nil {
		go s.watchExit()
	}
	s.setStatus(StatusRunning)
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		AgentID:     s.AgentID,
		UserID:      s.UserID,
		TeamID:      s.TeamID,
		Location:    s.Location,
		Isolation:   s.Isolation,
		Status:      s.Status(),
		ContainerID: s.ContainerID,
		MuxName:     s.MuxName,
		CreatedAt:   s.CreatedAt,
	}
}

func (s *Session) Subscribe() (<-chan []byte, func()) {
	return s.bcast.Subscribe()
}

func (s *Session) Write(data []byte) (err error) {
	if len(data) == 0 {
		return nil
	}
	if s == nil {
		return ErrSessionClosed
	}
	switch s.Status() {
	case StatusStopped, StatusError:
		return ErrSessionClosed
	}

	defer func() {
		if recover() != nil {
			err = ErrSessionClosed
		}
	}()

	select {
	case s.input <- data:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

func (s *Session) Resize(cols, rows uint16) error {
	if s == nil || s.pty == nil {
		return ErrSessionClosed
	}
	if err := s.pty.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

func (s *Session) OutputLines() []string {
	return s.bcast.OutputLines()
}

func (s *Session) Status() SessionStatus {
	return statusFromIndex(int(atomic.LoadUint32(&s.state)))
}

func (s *Session) Ready() bool {
	return s.Status() == StatusRunning
}

// Close releases the PTY and signals the underlying process. Backend
// resources (mux session, container) are released by Terminate.
func (s *Session) Close() error {
	s.closing.Do(func() {
		if s.Status() == StatusRunning || s.Status() == StatusStarting {
			s.setStatus(StatusStopped)
		}
		if s.cancel != nil {
			s.cancel()
		}
		close(s.input)
		s.closeErr = s.closeResources()
	})
	return s.closeErr
}

// Terminate closes the session and tears down backend resources.
func (s *Session) Terminate(ctx context.Context) error {
	closeErr := s.Close()
	if s.terminate == nil {
		return closeErr
	}
	return errors.Join(closeErr, s.terminate(ctx))
}

func (s *Session) MarkError() {
	s.setStatus(StatusError)
}

func (s *Session) setStatus(status SessionStatus) {
	atomic.StoreUint32(&s.state, uint32(statusIndex(status)))
}

func (s *Session) closeResources() error {
	var errs []error
	if s.pty != nil {
		if err := s.pty.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close pty: %w", err))
		}
	}
	if s.cmd != nil && s.cmd.Process != nil {
		// watchExit reaps the process; only the signal is sent here.
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill process: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) readLoop() {
	defer close(s.output)

	buf := make([]byte, 4096)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.output <- chunk:
			case <-s.ctx.Done():
				return
			}
		}
		if err != nil {
			_ = s.Close()
			return
		}
	}
}

func (s *Session) writeLoop() {
	for data := range s.input {
		if _, err := s.pty.Write(data); err != nil {
			s.emitError(fmt.Sprintf("write to terminal failed: %v", err))
			_ = s.Close()
			return
		}
	}
}

func (s *Session) broadcastLoop() {
	for chunk := range s.output {
		s.bcast.Broadcast(chunk)
		if s.callbacks.OnData != nil {
			s.callbacks.OnData(s.AgentID, chunk)
		}
	}
	s.bcast.Close()
}

func (s *Session) watchExit() {
	err := s.cmd.Wait()
	code, signal := exitStatus(s.cmd.ProcessState)
	if err != nil && s.cmd.ProcessState == nil {
		s.emitError(fmt.Sprintf("terminal process failed: %v", err))
		return
	}
	_ = s.Close()
	s.exiting.Do(func() {
		if s.callbacks.OnExit != nil {
			s.callbacks.OnExit(s.AgentID, code, signal)
		}
	})
}

func (s *Session) emitError(message string) {
	s.setStatus(StatusError)
	s.exiting.Do(func() {
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(s.AgentID, message)
		}
	})
}

func statusIndex(status SessionStatus) int {
	switch status {
	case StatusStarting:
		return 0
	case StatusRunning:
		return 1
	case StatusStopped:
		return 2
	case StatusError:
		return 3
	default:
		return 0
	}
}

func statusFromIndex(index int) SessionStatus {
	switch index {
	case 0:
		return StatusStarting
	case 1:
		return StatusRunning
	case 2:
		return StatusStopped
	default:
		return StatusError
	}
}
