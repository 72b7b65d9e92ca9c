package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"vibedeck/internal/event"
	"vibedeck/internal/logging"
	"vibedeck/internal/metrics"
	"vibedeck/internal/store"
)

const (
	defaultBufferLines = 1000
	defaultMuxPrefix   = "vibedeck-"
	defaultDockerImage = "ubuntu:22.04"
)

// ManagerOptions configures a Manager. Backends for tmux, screen and docker
// are registered only when their clients are provided; requests routed to an
// unregistered pair fail with BackendDisabledError.
type ManagerOptions struct {
	Shell       string
	PtyFactory  PtyFactory
	Tmux        MuxClient
	Screen      MuxClient
	Docker      DockerClient
	DockerImage string
	MuxPrefix   string

	Store    *store.Store
	Logger   *logging.Logger
	Bus      *event.Bus[event.TerminalEvent]
	Registry *metrics.Registry

	Clock           Clock
	BufferLines     int
	TaskDelay       time.Duration
	CleanupInterval time.Duration
}

// Manager owns the lifetime of all terminal sessions: one live session per
// agent, routed to a backend by the request's (location, isolation) pair.
type Manager struct {
	backends map[backendKey]Backend
	store    *store.Store
	logger   *logging.Logger
	bus      *event.Bus[event.TerminalEvent]
	registry *metrics.Registry
	clock    Clock

	cleanupInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(opts ManagerOptions) *Manager {
	shell := opts.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}
	factory := opts.PtyFactory
	if factory == nil {
		factory = DefaultPtyFactory()
	}
	bufferLines := opts.BufferLines
	if bufferLines <= 0 {
		bufferLines = defaultBufferLines
	}
	prefix := opts.MuxPrefix
	if prefix == "" {
		prefix = defaultMuxPrefix
	}
	image := opts.DockerImage
	if image == "" {
		image = defaultDockerImage
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	registry := opts.Registry
	if registry == nil {
		registry = metrics.Default
	}

	backends := map[backendKey]Backend{
		{LocationLocal, IsolationNone}: &ptyBackend{
			shell:       shell,
			factory:     factory,
			bufferLines: bufferLines,
			clock:       clock,
			taskDelay:   opts.TaskDelay,
		},
	}
	if opts.Tmux != nil {
		backends[backendKey{LocationLocal, IsolationTmux}] = &muxBackend{
			kind:        string(IsolationTmux),
			mux:         opts.Tmux,
			shell:       shell,
			factory:     factory,
			prefix:      prefix,
			bufferLines: bufferLines,
			clock:       clock,
			taskDelay:   opts.TaskDelay,
		}
	}
	if opts.Screen != nil {
		backends[backendKey{LocationLocal, IsolationScreen}] = &muxBackend{
			kind:        string(IsolationScreen),
			mux:         opts.Screen,
			shell:       shell,
			factory:     factory,
			prefix:      prefix,
			bufferLines: bufferLines,
			clock:       clock,
			taskDelay:   opts.TaskDelay,
		}
	}
	if opts.Docker != nil {
		backends[backendKey{LocationLocal, IsolationDocker}] = &dockerBackend{
			client:      opts.Docker,
			image:       image,
			shell:       shell,
			factory:     factory,
			namePrefix:  prefix,
			bufferLines: bufferLines,
			clock:       clock,
			taskDelay:   opts.TaskDelay,
		}
	}
	for _, isolation := range []Isolation{IsolationNone, IsolationTmux, IsolationScreen, IsolationDocker} {
		backends[backendKey{LocationRemote, isolation}] = &remoteBackend{isolation: isolation}
	}

	manager := &Manager{
		backends:        backends,
		store:           opts.Store,
		logger:          opts.Logger,
		bus:             opts.Bus,
		registry:        registry,
		clock:           clock,
		cleanupInterval: opts.CleanupInterval,
		sessions:        make(map[string]*Session),
	}
	registry.RegisterGauge("vibedeck_sessions_active", func() int64 {
		return int64(manager.Count())
	})
	return manager
}

// Spawn provisions a terminal session for an agent. If the agent already has
// a live session it is returned unchanged; for tmux and screen this is what
// makes a second spawn reattach rather than duplicate.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (SessionInfo, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return SessionInfo{}, ErrAgentRequired
	}
	if req.Location == "" {
		req.Location = LocationLocal
	}
	if req.Isolation == "" {
		req.Isolation = IsolationNone
	}

	backend, err := dispatch(m.backends, req.Location, req.Isolation)
	if err != nil {
		return SessionInfo{}, err
	}

	if existing, ok := m.lookup(req.AgentID); ok {
		if existing.Status() != StatusStopped && existing.Status() != StatusError && backend.Alive(ctx, existing) {
			m.logf("session already live, reusing", map[string]string{"agent": req.AgentID, "session": existing.ID})
			return existing.Info(), nil
		}
		m.remove(req.AgentID, existing)
	}

	session, err := backend.Spawn(ctx, req, m.callbacks())
	if err != nil {
		var disabled *BackendDisabledError
		if errors.As(err, &disabled) {
			// Disabled backends are an expected condition, not a spawn
			// failure.
			return SessionInfo{}, err
		}
		m.registry.IncSessionFailed()
		m.errorf("spawn failed", map[string]string{
			"agent":   req.AgentID,
			"backend": backend.Name(),
			"error":   err.Error(),
		})
		return SessionInfo{}, err
	}

	m.mu.Lock()
	m.sessions[req.AgentID] = session
	m.mu.Unlock()

	m.persist(session, req.Task, store.StatusStarting)

	// Ready is published before the IO loops start so subscribers never see
	// terminal-data ahead of terminal-ready for the same agent.
	m.publishReady(session)
	session.Start()

	m.persist(session, req.Task, store.StatusRunning)
	m.registry.IncSessionSpawned()
	m.logf("session started", map[string]string{
		"agent":   req.AgentID,
		"session": session.ID,
		"backend": backend.Name(),
	})
	return session.Info(), nil
}

// SendInput writes raw bytes into an agent's terminal.
func (m *Manager) SendInput(agentID string, data []byte) error {
	session, ok := m.lookup(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, agentID)
	}
	return session.Write(data)
}

// Resize adjusts an agent's terminal dimensions.
func (m *Manager) Resize(agentID string, cols, rows uint16) error {
	session, ok := m.lookup(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, agentID)
	}
	return session.Resize(cols, rows)
}

// Kill tears down an agent's session and its backend resources. Killing an
// agent with no session is a no-op.
func (m *Manager) Kill(ctx context.Context, agentID string) error {
	session, ok := m.lookup(agentID)
	if !ok {
		return nil
	}
	err := session.Terminate(ctx)
	m.remove(agentID, session)
	m.markStopped(session)
	m.registry.IncSessionStopped()
	m.logf("session killed", map[string]string{"agent": agentID, "session": session.ID})
	return err
}

func (m *Manager) Get(agentID string) (SessionInfo, error) {
	session, ok := m.lookup(agentID)
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, agentID)
	}
	return session.Info(), nil
}

// IsReady reports whether an agent's session is running and accepting input.
func (m *Manager) IsReady(agentID string) bool {
	session, ok := m.lookup(agentID)
	return ok && session.Ready()
}

// OutputLines returns the retained scrollback for an agent's session.
func (m *Manager) OutputLines(agentID string) ([]string, error) {
	session, ok := m.lookup(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, agentID)
	}
	return session.OutputLines(), nil
}

// Subscribe attaches to an agent's raw output stream.
func (m *Manager) Subscribe(agentID string) (<-chan []byte, func(), error) {
	session, ok := m.lookup(agentID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, agentID)
	}
	ch, cancel := session.Subscribe()
	return ch, cancel, nil
}

func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, session := range m.sessions {
		infos = append(infos, session.Info())
	}
	m.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].AgentID < infos[j].AgentID })
	return infos
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Cleanup sweeps tracked sessions whose backing process, multiplexer session
// or container has vanished, releasing their in-memory state.
func (m *Manager) Cleanup(ctx context.Context) int {
	type tracked struct {
		agentID string
		session *Session
	}
	m.mu.RLock()
	snapshot := make([]tracked, 0, len(m.sessions))
	for agentID, session := range m.sessions {
		snapshot = append(snapshot, tracked{agentID: agentID, session: session})
	}
	m.mu.RUnlock()

	removed := 0
	for _, entry := range snapshot {
		session := entry.session
		status := session.Status()
		dead := status == StatusStopped || status == StatusError
		if !dead {
			backend, err := dispatch(m.backends, session.Location, session.Isolation)
			dead = err != nil || !backend.Alive(ctx, session)
		}
		if !dead {
			continue
		}
		_ = session.Close()
		m.remove(entry.agentID, session)
		m.markStopped(session)
		removed++
		m.logf("session reaped", map[string]string{"agent": entry.agentID, "session": session.ID})
	}
	return removed
}

// Shutdown terminates every tracked session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for agentID, session := range sessions {
		if err := session.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate %s: %w", agentID, err))
		}
		m.markStopped(session)
	}
	return errors.Join(errs...)
}

func (m *Manager) callbacks() Callbacks {
	return Callbacks{
		OnData: func(agentID string, chunk []byte) {
			if m.bus == nil {
				return
			}
			session, _ := m.lookup(agentID)
			e := event.NewTerminalEvent(event.TerminalData, agentID, sessionIDOf(session))
			e.Data = chunk
			m.bus.Publish(e)
		},
		OnExit: func(agentID string, code int, signal string) {
			session, ok := m.lookup(agentID)
			if ok {
				m.remove(agentID, session)
				m.markStopped(session)
			}
			m.registry.IncSessionStopped()
			if m.bus != nil {
				e := event.NewTerminalEvent(event.TerminalExit, agentID, sessionIDOf(session))
				e.ExitCode = code
				e.Signal = signal
				m.bus.Publish(e)
			}
			m.logf("session exited", map[string]string{"agent": agentID})
		},
		OnError: func(agentID string, message string) {
			session, ok := m.lookup(agentID)
			if ok {
				session.MarkError()
				m.markErrored(session)
			}
			if m.bus != nil {
				e := event.NewTerminalEvent(event.TerminalError, agentID, sessionIDOf(session))
				e.Message = message
				m.bus.Publish(e)
			}
			m.errorf("session error", map[string]string{"agent": agentID, "error": message})
		},
	}
}

func (m *Manager) publishReady(session *Session) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(event.NewTerminalEvent(event.TerminalReady, session.AgentID, session.ID))
}

func (m *Manager) lookup(agentID string) (*Session, bool) {
	m.mu.RLock()
	session, ok := m.sessions[agentID]
	m.mu.RUnlock()
	return session, ok
}

// remove drops the agent's entry only if it still points at this session, so
// a concurrent respawn is never evicted.
func (m *Manager) remove(agentID string, session *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[agentID]; ok && current == session {
		delete(m.sessions, agentID)
	}
	m.mu.Unlock()
}

func (m *Manager) persist(session *Session, task, status string) {
	if m.store == nil {
		return
	}
	record := &store.SessionRecord{
		ID:          session.ID,
		AgentID:     session.AgentID,
		UserID:      session.UserID,
		TeamID:      session.TeamID,
		Location:    string(session.Location),
		Isolation:   string(session.Isolation),
		Status:      status,
		PID:         sessionPid(session),
		ContainerID: session.ContainerID,
		MuxName:     session.MuxName,
		Task:        task,
		CreatedAt:   session.CreatedAt,
	}
	if err := m.store.SaveSession(record); err != nil {
		m.errorf("persist session failed", map[string]string{
			"session": session.ID,
			"error":   err.Error(),
		})
	}
}

func (m *Manager) markStopped(session *Session) {
	if m.store == nil || session == nil {
		return
	}
	if err := m.store.MarkSessionStopped(session.ID); err != nil {
		m.errorf("mark session stopped failed", map[string]string{
			"session": session.ID,
			"error":   err.Error(),
		})
	}
}

func (m *Manager) markErrored(session *Session) {
	if m.store == nil || session == nil {
		return
	}
	record, err := m.store.GetSession(session.ID)
	if err != nil {
		return
	}
	record.Status = store.StatusError
	_ = m.store.SaveSession(record)
}

func (m *Manager) logf(message string, fields map[string]string) {
	if m.logger != nil {
		m.logger.Info(message, fields)
	}
}

func (m *Manager) errorf(message string, fields map[string]string) {
	if m.logger != nil {
		m.logger.Error(message, fields)
	}
}

func sessionIDOf(session *Session) string {
	if session == nil {
		return ""
	}
	return session.ID
}

func sessionPid(session *Session) int {
	if session == nil || session.cmd == nil || session.cmd.Process == nil {
		return 0
	}
	return session.cmd.Process.Pid
}
