package preview

import "time"

type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

type BuildStatus string

const (
	BuildBuilding BuildStatus = "building"
	BuildSuccess  BuildStatus = "success"
	BuildFailed   BuildStatus = "failed"
)

type ProjectType string

const (
	ProjectReact  ProjectType = "react"
	ProjectNextJS ProjectType = "nextjs"
	ProjectVue    ProjectType = "vue"
	ProjectNode   ProjectType = "node"
	ProjectPython ProjectType = "python"
	ProjectStatic ProjectType = "static"
)

// Meta is the commit and build metadata shown alongside a deployment.
type Meta struct {
	CommitHash    string        `json:"commit_hash,omitempty"`
	CommitMessage string        `json:"commit_message,omitempty"`
	CommitAuthor  string        `json:"commit_author,omitempty"`
	CommitDate    time.Time     `json:"commit_date,omitzero"`
	DeployedAt    time.Time     `json:"deployed_at,omitzero"`
	BuildDuration time.Duration `json:"build_duration,omitempty"`
	BuildStatus   BuildStatus   `json:"build_status,omitempty"`
}

// Deployment is the read-only view of one (team, branch) deployment.
type Deployment struct {
	TeamID      string      `json:"team_id"`
	Branch      string      `json:"branch"`
	Repo        string      `json:"repo,omitempty"`
	Port        int         `json:"port,omitempty"`
	Status      Status      `json:"status"`
	Message     string      `json:"message,omitempty"`
	ProjectType ProjectType `json:"project_type,omitempty"`
	PID         int         `json:"pid,omitempty"`
	Meta        Meta        `json:"meta"`
}

// Clock is injected so tests control timestamps and durations.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}
