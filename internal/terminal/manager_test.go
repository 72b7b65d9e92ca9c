package terminal

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"vibedeck/internal/event"
	"vibedeck/internal/runner/docker"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakePty struct {
	mu        sync.Mutex
	out       chan []byte
	writes    [][]byte
	resizes   [][2]uint16
	done      chan struct{}
	closeOnce sync.Once
}

func newFakePty() *fakePty {
	return &fakePty{
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (p *fakePty) Read(buf []byte) (int, error) {
	select {
	case chunk := <-p.out:
		return copy(buf, chunk), nil
	case <-p.done:
		return 0, io.EOF
	}
}

func (p *fakePty) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	p.writes = append(p.writes, copied)
	return len(data), nil
}

func (p *fakePty) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *fakePty) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]uint16{cols, rows})
	return nil
}

func (p *fakePty) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var builder strings.Builder
	for _, chunk := range p.writes {
		builder.Write(chunk)
	}
	return builder.String()
}

// recordingFactory hands out fresh fake PTYs and records start specs. The
// returned *exec.Cmd is nil, so sessions have no process to reap.
type recordingFactory struct {
	mu    sync.Mutex
	specs []StartSpec
	ptys  []*fakePty
	err   error
}

func (f *recordingFactory) Start(spec StartSpec) (Pty, *exec.Cmd, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	pty := newFakePty()
	f.specs = append(f.specs, spec)
	f.ptys = append(f.ptys, pty)
	return pty, nil, nil
}

func (f *recordingFactory) lastPty() *fakePty {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ptys) == 0 {
		return nil
	}
	return f.ptys[len(f.ptys)-1]
}

func (f *recordingFactory) all() []*fakePty {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePty(nil), f.ptys...)
}

type fakeMux struct {
	mu       sync.Mutex
	existing map[string]bool
	created  []string
	killed   []string
	sent     map[string][]string
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		existing: make(map[string]bool),
		sent:     make(map[string][]string),
	}
}

func (m *fakeMux) HasSession(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existing[name], nil
}

func (m *fakeMux) CreateSession(ctx context.Context, name string, argv []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, name)
	m.existing[name] = true
	return nil
}

func (m *fakeMux) AttachArgv(name string) []string {
	// Attach-or-create, so attaching marks the session as existing.
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existing[name] = true
	return []string{"mux", "attach", name}
}

func (m *fakeMux) SendText(ctx context.Context, name, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[name] = append(m.sent[name], text)
	return nil
}

func (m *fakeMux) KillSession(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, name)
	delete(m.existing, name)
	return nil
}

func (m *fakeMux) ListSessions(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.existing {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

type fakeDocker struct {
	mu           sync.Mutex
	runErr       error
	inspectAfter int
	inspectCalls int
	shellMissing bool
	containers   map[string]docker.RunOptions
	killed       []string
	removed      []string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: make(map[string]docker.RunOptions)}
}

func (d *fakeDocker) RunKeepAlive(ctx context.Context, opts docker.RunOptions) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runErr != nil {
		return "", d.runErr
	}
	id := "container-" + opts.Name
	d.containers[id] = opts
	return id, nil
}

func (d *fakeDocker) Inspect(ctx context.Context, containerID string) (docker.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.containers[containerID]; !ok {
		return docker.State{}, errors.New("no such container")
	}
	d.inspectCalls++
	return docker.State{Running: d.inspectCalls > d.inspectAfter}, nil
}

func (d *fakeDocker) HasShell(ctx context.Context, containerID, shell string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.shellMissing, nil
}

func (d *fakeDocker) Kill(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killed = append(d.killed, containerID)
	return nil
}

func (d *fakeDocker) Remove(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, containerID)
	delete(d.containers, containerID)
	return nil
}

func newTestManager(t *testing.T, mutate func(*ManagerOptions)) (*Manager, *recordingFactory, *fakeMux, *fakeDocker, *event.Bus[event.TerminalEvent]) {
	t.Helper()
	factory := &recordingFactory{}
	mux := newFakeMux()
	dockerClient := newFakeDocker()
	bus := event.NewBus[event.TerminalEvent](context.Background(), event.BusOptions{Name: "terminal-test"})
	t.Cleanup(bus.Close)

	opts := ManagerOptions{
		Shell:      "/bin/sh",
		PtyFactory: factory,
		Tmux:       mux,
		Screen:     newFakeMux(),
		Docker:     dockerClient,
		MuxPrefix:  "test-",
		Bus:        bus,
		Clock:      &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
		TaskDelay:  time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewManager(opts), factory, mux, dockerClient, bus
}

func TestSpawnRequiresAgent(t *testing.T) {
	manager, _, _, _, _ := newTestManager(t, nil)
	if _, err := manager.Spawn(context.Background(), SpawnRequest{}); !errors.Is(err, ErrAgentRequired) {
		t.Fatalf("expected ErrAgentRequired, got %v", err)
	}
}

func TestDispatchIsDeterministic(t *testing.T) {
	manager, _, _, _, _ := newTestManager(t, nil)

	tests := []struct {
		location  Location
		isolation Isolation
		want      string
	}{
		{LocationLocal, IsolationNone, "pty"},
		{LocationLocal, IsolationTmux, "tmux"},
		{LocationLocal, IsolationScreen, "screen"},
		{LocationLocal, IsolationDocker, "docker"},
		{LocationRemote, IsolationNone, "remote-none"},
		{LocationRemote, IsolationDocker, "remote-docker"},
	}
	for _, test := range tests {
		for range 3 {
			backend, err := dispatch(manager.backends, test.location, test.isolation)
			if err != nil {
				t.Fatalf("dispatch(%s/%s): %v", test.location, test.isolation, err)
			}
			if backend.Name() != test.want {
				t.Fatalf("dispatch(%s/%s) = %s, want %s", test.location, test.isolation, backend.Name(), test.want)
			}
		}
	}

	if _, err := dispatch(manager.backends, Location("orbital"), IsolationNone); err == nil {
		t.Fatal("expected error for unknown location")
	}
}

func TestRemoteBackendsAreDisabled(t *testing.T) {
	manager, _, _, _, _ := newTestManager(t, nil)

	for _, isolation := range []Isolation{IsolationNone, IsolationTmux, IsolationScreen, IsolationDocker} {
		_, err := manager.Spawn(context.Background(), SpawnRequest{
			AgentID:   "agent-remote",
			Location:  LocationRemote,
			Isolation: isolation,
		})
		var disabled *BackendDisabledError
		if !errors.As(err, &disabled) {
			t.Fatalf("remote/%s: expected BackendDisabledError, got %v", isolation, err)
		}
		if disabled.Location != LocationRemote {
			t.Fatalf("remote/%s: error location = %s", isolation, disabled.Location)
		}
	}
}

func TestSpawnEmitsReadyBeforeData(t *testing.T) {
	manager, factory, _, _, bus := newTestManager(t, nil)

	events, cancel := bus.Subscribe()
	defer cancel()

	info, err := manager.Spawn(context.Background(), SpawnRequest{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if info.Status != StatusRunning {
		t.Fatalf("status = %s, want %s", info.Status, StatusRunning)
	}

	factory.lastPty().out <- []byte("hello\n")

	first := waitEvent(t, events)
	if first.EventType != event.TerminalReady {
		t.Fatalf("first event = %s, want %s", first.EventType, event.TerminalReady)
	}
	if first.AgentID != "agent-1" || first.SessionID != info.ID {
		t.Fatalf("ready event for %s/%s, want agent-1/%s", first.AgentID, first.SessionID, info.ID)
	}

	second := waitEvent(t, events)
	if second.EventType != event.TerminalData {
		t.Fatalf("second event = %s, want %s", second.EventType, event.TerminalData)
	}
	if string(second.Data) != "hello\n" {
		t.Fatalf("data = %q", second.Data)
	}
}

func TestSpawnReusesLiveTmuxSession(t *testing.T) {
	manager, factory, mux, _, _ := newTestManager(t, nil)

	request := SpawnRequest{
		AgentID:   "agent-2",
		Isolation: IsolationTmux,
		Task:      "fix the tests",
	}
	first, err := manager.Spawn(context.Background(), request)
	if err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	second, err := manager.Spawn(context.Background(), request)
	if err != nil {
		t.Fatalf("second spawn: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second spawn created new session %s, want reuse of %s", second.ID, first.ID)
	}
	if got := len(factory.all()); got != 1 {
		t.Fatalf("factory started %d ptys, want 1", got)
	}
	if first.MuxName != "test-agent-2" {
		t.Fatalf("mux name = %s", first.MuxName)
	}

	// The task is typed once, on creation only.
	deadline := time.After(time.Second)
	for {
		mux.mu.Lock()
		sent := len(mux.sent["test-agent-2"])
		mux.mu.Unlock()
		if sent == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task typed %d times, want 1", sent)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTmuxTaskNotRetypedOnReattach(t *testing.T) {
	manager, _, mux, _, _ := newTestManager(t, nil)

	// The mux session already exists from a previous orchestrator run.
	mux.existing["test-agent-3"] = true

	_, err := manager.Spawn(context.Background(), SpawnRequest{
		AgentID:   "agent-3",
		Isolation: IsolationTmux,
		Task:      "resume the migration",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	mux.mu.Lock()
	sent := len(mux.sent["test-agent-3"])
	mux.mu.Unlock()
	if sent != 0 {
		t.Fatalf("task typed %d times into existing session, want 0", sent)
	}
}

func TestScreenSpawnPreCreatesSession(t *testing.T) {
	var screenMuxClient *fakeMux
	manager, _, _, _, _ := newTestManager(t, func(opts *ManagerOptions) {
		screenMuxClient = newFakeMux()
		opts.Screen = screenMuxClient
	})

	_, err := manager.Spawn(context.Background(), SpawnRequest{
		AgentID:   "agent-4",
		Isolation: IsolationScreen,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	screenMuxClient.mu.Lock()
	defer screenMuxClient.mu.Unlock()
	if len(screenMuxClient.created) != 1 || screenMuxClient.created[0] != "test-agent-4" {
		t.Fatalf("created = %v, want [test-agent-4]", screenMuxClient.created)
	}
}

func TestDockerSpawnBuildsLabelledContainer(t *testing.T) {
	manager, _, _, dockerClient, _ := newTestManager(t, nil)

	info, err := manager.Spawn(context.Background(), SpawnRequest{
		AgentID:       "agent-5",
		Isolation:     IsolationDocker,
		WorkspaceRepo: "/srv/repos/agent-5",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if info.ContainerID == "" {
		t.Fatal("expected container id on session info")
	}

	dockerClient.mu.Lock()
	opts, ok := dockerClient.containers[info.ContainerID]
	dockerClient.mu.Unlock()
	if !ok {
		t.Fatalf("container %s not tracked", info.ContainerID)
	}
	if opts.Labels[AgentLabel] != "agent-5" {
		t.Fatalf("agent label = %q", opts.Labels[AgentLabel])
	}
	if opts.Mounts["/srv/repos/agent-5"] != containerWorkdir {
		t.Fatalf("mounts = %v", opts.Mounts)
	}
}

func TestDockerSpawnFailureCleansUpContainer(t *testing.T) {
	factory := &recordingFactory{err: errors.New("pty unavailable")}
	manager, _, _, dockerClient, _ := newTestManager(t, func(opts *ManagerOptions) {
		opts.PtyFactory = factory
	})

	_, err := manager.Spawn(context.Background(), SpawnRequest{
		AgentID:   "agent-6",
		Isolation: IsolationDocker,
	})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}

	dockerClient.mu.Lock()
	defer dockerClient.mu.Unlock()
	if len(dockerClient.killed) != 1 || len(dockerClient.removed) != 1 {
		t.Fatalf("killed=%v removed=%v, want one each", dockerClient.killed, dockerClient.removed)
	}
}

func TestDockerAwaitReadyGivesUp(t *testing.T) {
	dockerClient := newFakeDocker()
	dockerClient.inspectAfter = 100

	backend := &dockerBackend{
		client:        dockerClient,
		image:         "ubuntu:22.04",
		shell:         "/bin/sh",
		factory:       &recordingFactory{},
		namePrefix:    "test-",
		clock:         &fakeClock{now: time.Now()},
		readyRetries:  2,
		readyInterval: time.Millisecond,
	}

	_, err := backend.Spawn(context.Background(), SpawnRequest{AgentID: "agent-7"}, Callbacks{})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	dockerClient.mu.Lock()
	defer dockerClient.mu.Unlock()
	if len(dockerClient.killed) != 1 {
		t.Fatalf("container not killed after readiness failure")
	}
}

func TestKillUnknownAgentIsNoop(t *testing.T) {
	manager, _, _, _, _ := newTestManager(t, nil)
	if err := manager.Kill(context.Background(), "ghost"); err != nil {
		t.Fatalf("kill of unknown agent: %v", err)
	}
}

func TestKillTearsDownMuxSession(t *testing.T) {
	manager, _, mux, _, _ := newTestManager(t, nil)

	_, err := manager.Spawn(context.Background(), SpawnRequest{
		AgentID:   "agent-8",
		Isolation: IsolationTmux,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := manager.Kill(context.Background(), "agent-8"); err != nil {
		t.Fatalf("kill: %v", err)
	}

	mux.mu.Lock()
	killed := append([]string(nil), mux.killed...)
	mux.mu.Unlock()
	if len(killed) != 1 || killed[0] != "test-agent-8" {
		t.Fatalf("killed = %v, want [test-agent-8]", killed)
	}
	if _, err := manager.Get("agent-8"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session still tracked after kill: %v", err)
	}
}

func TestSendInputReachesPty(t *testing.T) {
	manager, factory, _, _, _ := newTestManager(t, nil)

	_, err := manager.Spawn(context.Background(), SpawnRequest{AgentID: "agent-9"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := manager.SendInput("agent-9", []byte("ls -la\n")); err != nil {
		t.Fatalf("send input: %v", err)
	}

	pty := factory.lastPty()
	deadline := time.After(time.Second)
	for pty.written() != "ls -la\n" {
		select {
		case <-deadline:
			t.Fatalf("pty saw %q, want %q", pty.written(), "ls -la\n")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := manager.SendInput("ghost", []byte("x")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCleanupReapsDeadSessions(t *testing.T) {
	manager, factory, _, _, _ := newTestManager(t, nil)

	_, err := manager.Spawn(context.Background(), SpawnRequest{AgentID: "agent-10"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if manager.Count() != 1 {
		t.Fatalf("count = %d, want 1", manager.Count())
	}

	// A bare PTY session without a live process reads as dead.
	_ = factory.lastPty().Close()
	waitStatus(t, manager, "agent-10", StatusStopped)

	if removed := manager.Cleanup(context.Background()); removed != 1 {
		t.Fatalf("cleanup removed %d, want 1", removed)
	}
	if manager.Count() != 0 {
		t.Fatalf("count after cleanup = %d, want 0", manager.Count())
	}
}

func waitEvent(t *testing.T, events <-chan event.TerminalEvent) event.TerminalEvent {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return event.TerminalEvent{}
	}
}

func waitStatus(t *testing.T, manager *Manager, agentID string, want SessionStatus) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		info, err := manager.Get(agentID)
		if err == nil && info.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session %s never reached %s", agentID, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
