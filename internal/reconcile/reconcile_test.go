package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibedeck/internal/ports"
	"vibedeck/internal/runner/docker"
	"vibedeck/internal/store"
)

type stubContainers struct {
	running map[string]bool
	err     error
}

func (s *stubContainers) Inspect(ctx context.Context, containerID string) (docker.State, error) {
	if s.err != nil {
		return docker.State{}, s.err
	}
	running, ok := s.running[containerID]
	if !ok {
		return docker.State{}, errors.New("no such container")
	}
	return docker.State{Running: running}, nil
}

type stubMux struct {
	sessions map[string]bool
	err      error
}

func (s *stubMux) HasSession(ctx context.Context, name string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.sessions[name], nil
}

type adoptRecorder struct {
	adopted []store.PreviewRecord
}

func (a *adoptRecorder) Adopt(record store.PreviewRecord) {
	a.adopted = append(a.adopted, record)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "reconcile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunClearsDeadAndKeepsLive(t *testing.T) {
	db := openStore(t)

	require.NoError(t, db.SaveSession(&store.SessionRecord{
		ID: "s-live-tmux", AgentID: "a1", Isolation: "tmux",
		MuxName: "vibedeck-a1", Status: store.StatusRunning,
	}))
	require.NoError(t, db.SaveSession(&store.SessionRecord{
		ID: "s-dead-tmux", AgentID: "a2", Isolation: "tmux",
		MuxName: "vibedeck-a2", Status: store.StatusRunning,
	}))
	require.NoError(t, db.SaveSession(&store.SessionRecord{
		ID: "s-live-docker", AgentID: "a3", Isolation: "docker",
		ContainerID: "c-up", Status: store.StatusStarting,
	}))
	require.NoError(t, db.SaveSession(&store.SessionRecord{
		ID: "s-dead-pid", AgentID: "a4", Isolation: "none",
		PID: 11111, Status: store.StatusRunning,
	}))
	// Orphaned shell still answering signals, but its PTY died with the
	// previous orchestrator process.
	require.NoError(t, db.SaveSession(&store.SessionRecord{
		ID: "s-orphan-pty", AgentID: "a5", Isolation: "none",
		PID: 22222, Status: store.StatusRunning,
	}))

	require.NoError(t, db.SavePreview(&store.PreviewRecord{
		TeamID: "team-a", Branch: "main", Port: 4005, PID: 22222,
		Status: store.StatusRunning, DeployedAt: time.Now(),
	}))
	require.NoError(t, db.SavePreview(&store.PreviewRecord{
		TeamID: "team-a", Branch: "old", Port: 4006, PID: 33333,
		Status: store.StatusRunning,
	}))

	allocator := ports.NewAllocator(4000, 4099)
	adopter := &adoptRecorder{}
	reconciler := New(Options{
		Store:     db,
		Docker:    &stubContainers{running: map[string]bool{"c-up": true}},
		Tmux:      &stubMux{sessions: map[string]bool{"vibedeck-a1": true}},
		Screen:    &stubMux{},
		Allocator: allocator,
		Previews:  adopter,
		Alive: func(pid int) bool {
			return pid == 22222
		},
	})

	summary, err := reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SessionsAlive)
	assert.Equal(t, 3, summary.SessionsStopped)
	assert.Equal(t, 1, summary.PreviewsAdopted)
	assert.Equal(t, 1, summary.PreviewsStopped)

	// Dead records were forced to stopped.
	dead, err := db.GetSession("s-dead-tmux")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, dead.Status)
	orphan, err := db.GetSession("s-orphan-pty")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, orphan.Status)
	stale, err := db.GetPreview("team-a", "old")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, stale.Status)

	// The live preview got its recorded port back; the dead one's port is
	// allocatable again.
	assert.True(t, allocator.Leased(4005))
	assert.False(t, allocator.Leased(4006))
	require.Len(t, adopter.adopted, 1)
	assert.Equal(t, "main", adopter.adopted[0].Branch)

	live, err := db.GetSession("s-live-tmux")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, live.Status)
}

func TestProbeFailuresCountAsDead(t *testing.T) {
	db := openStore(t)

	require.NoError(t, db.SaveSession(&store.SessionRecord{
		ID: "s-docker", AgentID: "a1", Isolation: "docker",
		ContainerID: "c-gone", Status: store.StatusRunning,
	}))
	require.NoError(t, db.SaveSession(&store.SessionRecord{
		ID: "s-tmux", AgentID: "a2", Isolation: "tmux",
		MuxName: "vibedeck-a2", Status: store.StatusRunning,
	}))

	reconciler := New(Options{
		Store:  db,
		Docker: &stubContainers{err: errors.New("docker daemon unreachable")},
		Tmux:   &stubMux{err: errors.New("tmux not installed")},
		Alive:  func(pid int) bool { return false },
	})

	summary, err := reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.SessionsAlive)
	assert.Equal(t, 2, summary.SessionsStopped)
}

func TestUnclaimablePortMeansStopped(t *testing.T) {
	db := openStore(t)

	// Port outside the managed range cannot be reclaimed.
	require.NoError(t, db.SavePreview(&store.PreviewRecord{
		TeamID: "team-a", Branch: "main", Port: 99, PID: 22222,
		Status: store.StatusRunning,
	}))

	adopter := &adoptRecorder{}
	reconciler := New(Options{
		Store:     db,
		Allocator: ports.NewAllocator(4000, 4099),
		Previews:  adopter,
		Alive:     func(pid int) bool { return true },
	})

	summary, err := reconciler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PreviewsStopped)
	assert.Empty(t, adopter.adopted)
}
