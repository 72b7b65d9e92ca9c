package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	record := &SessionRecord{
		ID:        "agent-1 1",
		AgentID:   "agent-1",
		TeamID:    "t1",
		Location:  "local",
		Isolation: "tmux",
		Status:    StatusRunning,
		PID:       4242,
		MuxName:   "vibe-agent-1",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveSession(record))

	got, err := s.GetSession("agent-1 1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 4242, got.PID)
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActiveSessionsFiltersStatus(t *testing.T) {
	s := openTestStore(t)
	for id, status := range map[string]string{
		"a": StatusStarting,
		"b": StatusRunning,
		"c": StatusStopped,
		"d": StatusError,
	} {
		require.NoError(t, s.SaveSession(&SessionRecord{ID: id, AgentID: id, Status: status}))
	}

	active, err := s.ActiveSessions()
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestMarkSessionStopped(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSession(&SessionRecord{ID: "a", Status: StatusRunning}))
	require.NoError(t, s.MarkSessionStopped("a"))

	got, err := s.GetSession("a")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)

	// Unknown ids are a no-op.
	require.NoError(t, s.MarkSessionStopped("missing"))
}

func TestPreviewCompositeKey(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SavePreview(&PreviewRecord{
		TeamID: "t1", Branch: "main", Port: 4001, Status: StatusRunning,
		ProjectType: "nextjs", CommitHash: "01234567",
	}))
	require.NoError(t, s.SavePreview(&PreviewRecord{
		TeamID: "t1", Branch: "staging", Port: 4002, Status: StatusStarting,
	}))
	require.NoError(t, s.SavePreview(&PreviewRecord{
		TeamID: "t2", Branch: "main", Port: 4003, Status: StatusStopped,
	}))

	got, err := s.GetPreview("t1", "main")
	require.NoError(t, err)
	assert.Equal(t, 4001, got.Port)
	assert.Equal(t, "nextjs", got.ProjectType)

	active, err := s.ActivePreviews()
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestPreviewUpdateInPlace(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SavePreview(&PreviewRecord{TeamID: "t1", Branch: "main", Port: 4001, Status: StatusStarting}))
	require.NoError(t, s.SavePreview(&PreviewRecord{TeamID: "t1", Branch: "main", Port: 4001, Status: StatusRunning}))

	got, err := s.GetPreview("t1", "main")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	active, err := s.ActivePreviews()
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestDeletePreview(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SavePreview(&PreviewRecord{TeamID: "t1", Branch: "main", Status: StatusRunning}))
	require.NoError(t, s.DeletePreview("t1", "main"))

	_, err := s.GetPreview("t1", "main")
	assert.ErrorIs(t, err, ErrNotFound)
}
