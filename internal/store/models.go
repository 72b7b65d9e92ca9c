package store

import "time"

// Statuses shared by session and preview records.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// SessionRecord is the persisted mirror of a terminal session. It is the
// source of truth across restarts; in-memory session state is rebuilt from
// these rows during reconciliation.
type SessionRecord struct {
	ID          string `gorm:"primaryKey"`
	AgentID     string `gorm:"index"`
	UserID      string
	TeamID      string `gorm:"index"`
	Location    string
	Isolation   string
	Status      string `gorm:"index"`
	PID         int
	ContainerID string
	MuxName     string
	Task        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PreviewRecord is the persisted mirror of a preview deployment, keyed by
// (team, branch).
type PreviewRecord struct {
	TeamID        string `gorm:"primaryKey"`
	Branch        string `gorm:"primaryKey"`
	Repo          string
	Port          int
	Status        string `gorm:"index"`
	ProjectType   string
	PID           int
	ContainerID   string
	CommitHash    string
	CommitMessage string
	CommitAuthor  string
	CommitDate    time.Time
	DeployedAt    time.Time
	BuildDuration time.Duration
	BuildStatus   string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
