package terminal

import "time"

// Location selects where a session's process runs.
type Location string

const (
	LocationLocal  Location = "local"
	LocationRemote Location = "remote"
)

// Isolation selects the containment strategy for a session.
type Isolation string

const (
	IsolationNone   Isolation = "none"
	IsolationTmux   Isolation = "tmux"
	IsolationScreen Isolation = "screen"
	IsolationDocker Isolation = "docker"
)

type SessionStatus string

const (
	StatusStarting SessionStatus = "starting"
	StatusRunning  SessionStatus = "running"
	StatusStopped  SessionStatus = "stopped"
	StatusError    SessionStatus = "error"
)

// SpawnRequest describes one terminal session to provision.
type SpawnRequest struct {
	AgentID       string
	UserID        string
	TeamID        string
	Task          string
	Location      Location
	Isolation     Isolation
	WorkspaceRepo string
}

// SessionInfo is the read-only view handed to callers.
type SessionInfo struct {
	ID          string        `json:"id"`
	AgentID     string        `json:"agent_id"`
	UserID      string        `json:"user_id,omitempty"`
	TeamID      string        `json:"team_id,omitempty"`
	Location    Location      `json:"location"`
	Isolation   Isolation     `json:"isolation"`
	Status      SessionStatus `json:"status"`
	ContainerID string        `json:"container_id,omitempty"`
	MuxName     string        `json:"mux_name,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Clock is injected into the manager so tests control time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}
