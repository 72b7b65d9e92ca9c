package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// Terminal event types.
const (
	TerminalReady = "terminal-ready"
	TerminalData  = "terminal-data"
	TerminalExit  = "terminal-exit"
	TerminalError = "terminal-error"
)

// TerminalEvent captures one agent session's lifecycle and output stream.
// Ready precedes any Data for the same agent; Exit or Error terminates the
// stream for that agent.
type TerminalEvent struct {
	EventType  string
	AgentID    string
	SessionID  string
	Data       []byte
	ExitCode   int
	Signal     string
	Message    string
	OccurredAt time.Time
}

func NewTerminalEvent(eventType, agentID, sessionID string) TerminalEvent {
	return TerminalEvent{
		EventType:  eventType,
		AgentID:    agentID,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e TerminalEvent) Type() string {
	return e.EventType
}

func (e TerminalEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// Preview event types.
const (
	PreviewStatusChange = "status-change"
	PreviewLog          = "log"
)

// PreviewEvent captures a deployment status transition or a captured log line
// for one (team, branch) key.
type PreviewEvent struct {
	EventType  string
	TeamID     string
	Branch     string
	Status     string
	Line       string
	OccurredAt time.Time
}

func NewPreviewEvent(eventType, teamID, branch string) PreviewEvent {
	return PreviewEvent{
		EventType:  eventType,
		TeamID:     teamID,
		Branch:     branch,
		OccurredAt: time.Now().UTC(),
	}
}

func (e PreviewEvent) Type() string {
	return e.EventType
}

func (e PreviewEvent) Timestamp() time.Time {
	return e.OccurredAt
}
