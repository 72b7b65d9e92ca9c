package terminal

import (
	"errors"
	"fmt"
)

var ErrSessionNotFound = errors.New("terminal session not found")
var ErrSessionClosed = errors.New("terminal session closed")
var ErrAgentRequired = errors.New("agent id is required")

// SpawnError means a backend could not create its process or container. The
// attempt is fatal; the session is marked error.
type SpawnError struct {
	Backend string
	AgentID string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn failed on %s backend for agent %s: %v", e.Backend, e.AgentID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// BackendDisabledError marks a (location, isolation) pair with no enabled
// backend. Remote backends always fail with this in the current deployment;
// callers treat it as an expected condition, not a bug.
type BackendDisabledError struct {
	Location  Location
	Isolation Isolation
	Reason    string
}

func (e *BackendDisabledError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("backend %s/%s disabled: %s", e.Location, e.Isolation, e.Reason)
	}
	return fmt.Sprintf("backend %s/%s disabled", e.Location, e.Isolation)
}
