// Package preview runs one live deployment per (team, branch): clone or
// update the branch, detect the project type, install dependencies, start
// the dev server on a leased port, and health-check it before declaring it
// running.
package preview

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"vibedeck/internal/buffer"
	"vibedeck/internal/command"
	"vibedeck/internal/event"
	"vibedeck/internal/gitws"
	"vibedeck/internal/logging"
	"vibedeck/internal/metrics"
	"vibedeck/internal/ports"
	"vibedeck/internal/process"
	"vibedeck/internal/store"
)

const (
	defaultLogLines       = 100
	defaultInstallTimeout = 5 * time.Minute
	defaultTTL            = 24 * time.Hour
	defaultSweepInterval  = time.Hour
)

// GitClient is the git surface the service needs; gitws.Client satisfies it.
type GitClient interface {
	BranchExists(ctx context.Context, repo, branch string) (bool, error)
	CloneOrUpdate(ctx context.Context, repo, branch, dir string) error
	HeadCommit(ctx context.Context, dir string) (gitws.Commit, error)
}

type Options struct {
	Git       GitClient
	Runner    command.Runner
	Launcher  Launcher
	Allocator *ports.Allocator
	Store     *store.Store
	Logger    *logging.Logger
	Bus       *event.Bus[event.PreviewEvent]
	Registry  *metrics.Registry
	Processes *process.Registry
	Clock     Clock

	WorkspaceRoot  string
	Health         HealthWaiter
	InstallTimeout time.Duration
	TTL            time.Duration
	SweepInterval  time.Duration

	// Detect overrides project-type detection; tests use it.
	Detect func(dir string) ProjectType
}

type deployKey struct {
	teamID string
	branch string
}

type deployment struct {
	mu sync.Mutex

	teamID string
	branch string
	repo   string
	dir    string
	port   int
	// portReleased marks the lease as already returned; errored entries keep
	// their recorded port for display while no longer owning it.
	portReleased bool

	status      Status
	message     string
	projectType ProjectType
	meta        Meta
	pid         int

	logs   *buffer.Ring[string]
	handle Handle
	ctx    context.Context
	cancel context.CancelFunc

	startedAt time.Time
}

// Service owns all preview deployments. At most one deployment is active
// per (team, branch); creating a new one fully stops its predecessor before
// leasing a port.
type Service struct {
	git       GitClient
	runner    command.Runner
	launcher  Launcher
	allocator *ports.Allocator
	store     *store.Store
	logger    *logging.Logger
	bus       *event.Bus[event.PreviewEvent]
	registry  *metrics.Registry
	processes *process.Registry
	clock     Clock

	workspaceRoot  string
	health         HealthWaiter
	installTimeout time.Duration
	ttl            time.Duration
	sweepInterval  time.Duration
	detect         func(dir string) ProjectType

	mu          sync.Mutex
	deployments map[deployKey]*deployment
	keyLocks    map[deployKey]*sync.Mutex
}

func NewService(opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	registry := opts.Registry
	if registry == nil {
		registry = metrics.Default
	}
	processes := opts.Processes
	if processes == nil {
		processes = process.NewRegistry()
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = NewLauncher(processes)
	}
	runner := opts.Runner
	if runner == nil {
		runner = command.NewLocal()
	}
	installTimeout := opts.InstallTimeout
	if installTimeout <= 0 {
		installTimeout = defaultInstallTimeout
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	workspaceRoot := opts.WorkspaceRoot
	if workspaceRoot == "" {
		workspaceRoot = filepath.Join("data", "workspaces")
	}
	health := opts.Health
	if health == nil {
		health = HealthCheck{}
	}

	service := &Service{
		git:            opts.Git,
		runner:         runner,
		launcher:       launcher,
		allocator:      opts.Allocator,
		store:          opts.Store,
		logger:         opts.Logger,
		bus:            opts.Bus,
		registry:       registry,
		processes:      processes,
		clock:          clock,
		workspaceRoot:  workspaceRoot,
		health:         health,
		installTimeout: installTimeout,
		ttl:            ttl,
		sweepInterval:  sweepInterval,
		deployments:    make(map[deployKey]*deployment),
		keyLocks:       make(map[deployKey]*sync.Mutex),
	}
	service.detect = opts.Detect
	if service.detect == nil {
		service.detect = service.detectWorkspace
	}
	registry.RegisterGauge("vibedeck_previews_active", func() int64 {
		return int64(service.Count())
	})
	return service
}

// CreatePreview deploys a branch for a team. The branch is verified against
// the remote before any port is leased; a missing branch costs nothing. Any
// previous deployment for the key is stopped first, then a fresh port is
// leased, a starting record persisted, and the build pipeline continues in
// the background.
func (s *Service) CreatePreview(ctx context.Context, teamID, branch, repo string) (Deployment, error) {
	if strings.TrimSpace(teamID) == "" || strings.TrimSpace(branch) == "" {
		return Deployment{}, errors.New("team id and branch are required")
	}
	if strings.TrimSpace(repo) == "" {
		return Deployment{}, errors.New("repository is required")
	}

	exists, err := s.git.BranchExists(ctx, repo, branch)
	if err != nil {
		return Deployment{}, fmt.Errorf("check branch %s: %w", branch, err)
	}
	if !exists {
		return Deployment{}, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}

	key := deployKey{teamID: teamID, branch: branch}
	unlock := s.lockKey(key)
	defer unlock()

	if previous := s.current(key); previous != nil {
		s.stopDeployment(ctx, key, previous)
	}

	port, err := s.allocator.Allocate(ports.PurposePreview)
	if err != nil {
		return Deployment{}, err
	}

	deployCtx, cancel := context.WithCancel(context.Background())
	entry := &deployment{
		teamID:    teamID,
		branch:    branch,
		repo:      repo,
		dir:       filepath.Join(s.workspaceRoot, teamID, sanitizeBranch(branch)),
		port:      port,
		status:    StatusStarting,
		meta:      Meta{BuildStatus: BuildBuilding},
		logs:      buffer.NewRing[string](defaultLogLines),
		ctx:       deployCtx,
		cancel:    cancel,
		startedAt: s.clock.Now(),
	}

	s.mu.Lock()
	s.deployments[key] = entry
	s.mu.Unlock()

	s.persist(entry)
	s.publishStatus(entry)
	s.registry.IncDeploymentCreated()
	s.logf("preview starting", map[string]string{
		"team":   teamID,
		"branch": branch,
		"port":   strconv.Itoa(port),
	})

	go s.deploy(entry)
	return s.snapshot(entry), nil
}

// StopPreview tears down a deployment: process group killed, port released,
// entry dropped. Stopping an unknown key is a no-op.
func (s *Service) StopPreview(ctx context.Context, teamID, branch string) error {
	key := deployKey{teamID: teamID, branch: branch}
	unlock := s.lockKey(key)
	defer unlock()

	entry := s.current(key)
	if entry == nil {
		return nil
	}
	s.stopDeployment(ctx, key, entry)
	s.registry.IncDeploymentStopped()
	s.logf("preview stopped", map[string]string{"team": teamID, "branch": branch})
	return nil
}

// Status returns the deployment view for a key, falling back to the
// persisted record when nothing is in memory.
func (s *Service) Status(teamID, branch string) (Deployment, bool) {
	key := deployKey{teamID: teamID, branch: branch}
	if entry := s.current(key); entry != nil {
		return s.snapshot(entry), true
	}
	if s.store == nil {
		return Deployment{}, false
	}
	record, err := s.store.GetPreview(teamID, branch)
	if err != nil {
		return Deployment{}, false
	}
	return recordView(record), true
}

// Logs returns the retained output for a key, most recent last.
func (s *Service) Logs(teamID, branch string) ([]string, bool) {
	entry := s.current(deployKey{teamID: teamID, branch: branch})
	if entry == nil {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.logs.List(), true
}

func (s *Service) List() []Deployment {
	s.mu.Lock()
	entries := make([]*deployment, 0, len(s.deployments))
	for _, entry := range s.deployments {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	views := make([]Deployment, 0, len(entries))
	for _, entry := range entries {
		views = append(views, s.snapshot(entry))
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].TeamID != views[j].TeamID {
			return views[i].TeamID < views[j].TeamID
		}
		return views[i].Branch < views[j].Branch
	})
	return views
}

func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deployments)
}

// Adopt rehydrates a deployment found alive during reconciliation. The
// caller has already re-leased its port.
func (s *Service) Adopt(record store.PreviewRecord) {
	ctx, cancel := context.WithCancel(context.Background())
	entry := &deployment{
		teamID: record.TeamID,
		branch: record.Branch,
		repo:   record.Repo,
		dir:    filepath.Join(s.workspaceRoot, record.TeamID, sanitizeBranch(record.Branch)),
		port:   record.Port,
		status: StatusRunning,
		pid:    record.PID,
		meta: Meta{
			CommitHash:    record.CommitHash,
			CommitMessage: record.CommitMessage,
			CommitAuthor:  record.CommitAuthor,
			CommitDate:    record.CommitDate,
			DeployedAt:    record.DeployedAt,
			BuildDuration: record.BuildDuration,
			BuildStatus:   BuildStatus(record.BuildStatus),
		},
		logs:      buffer.NewRing[string](defaultLogLines),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: record.DeployedAt,
	}

	s.mu.Lock()
	s.deployments[deployKey{teamID: record.TeamID, branch: record.Branch}] = entry
	s.mu.Unlock()
	s.logf("preview adopted", map[string]string{
		"team":   record.TeamID,
		"branch": record.Branch,
		"port":   strconv.Itoa(record.Port),
	})
}

// Shutdown stops every deployment.
func (s *Service) Shutdown(ctx context.Context) {
	for _, view := range s.List() {
		_ = s.StopPreview(ctx, view.TeamID, view.Branch)
	}
}

// deploy runs the build pipeline for one deployment: clone, detect, install,
// start, health-check. It runs outside any lock; a superseding create or an
// explicit stop cancels its context.
func (s *Service) deploy(entry *deployment) {
	ctx := entry.ctx
	buildStart := s.clock.Now()

	s.appendLog(entry, fmt.Sprintf("Cloning %s@%s", entry.repo, entry.branch))
	if err := s.git.CloneOrUpdate(ctx, entry.repo, entry.branch, entry.dir); err != nil {
		s.failDeployment(entry, err)
		return
	}

	if commit, err := s.git.HeadCommit(ctx, entry.dir); err == nil {
		entry.mu.Lock()
		entry.meta.CommitHash = commit.ShortHash
		entry.meta.CommitMessage = commit.Subject
		entry.meta.CommitAuthor = commit.Author
		entry.meta.CommitDate = commit.Date
		entry.mu.Unlock()
	} else {
		s.logf("commit metadata unavailable", map[string]string{
			"team":   entry.teamID,
			"branch": entry.branch,
			"error":  err.Error(),
		})
	}

	projectType := s.detect(entry.dir)
	entry.mu.Lock()
	entry.projectType = projectType
	entry.mu.Unlock()
	s.appendLog(entry, fmt.Sprintf("Detected %s project", projectType))

	if install := installCommand(projectType); len(install) > 0 {
		s.appendLog(entry, "Installing dependencies: "+strings.Join(install, " "))
		output, err := s.runner.Run(ctx, command.Spec{
			Name:    install[0],
			Args:    install[1:],
			Dir:     entry.dir,
			Timeout: s.installTimeout,
		})
		for _, line := range tailLines(output.Stderr, 20) {
			s.appendLog(entry, line)
		}
		if err != nil {
			s.failDeployment(entry, fmt.Errorf("install dependencies: %w", err))
			return
		}
		if output.ExitCode != 0 {
			s.failDeployment(entry, fmt.Errorf("%s exited %d", strings.Join(install, " "), output.ExitCode))
			return
		}
	}

	argv, env := startCommand(projectType, entry.dir, entry.port)
	s.appendLog(entry, "Starting: "+strings.Join(argv, " "))
	handle, err := s.launcher.Launch(LaunchSpec{
		Name: fmt.Sprintf("preview-%s-%s", entry.teamID, sanitizeBranch(entry.branch)),
		Argv: argv,
		Dir:  entry.dir,
		Env:  env,
	}, func(line string) {
		s.appendLog(entry, line)
	})
	if err != nil {
		s.failDeployment(entry, err)
		return
	}

	entry.mu.Lock()
	entry.handle = handle
	entry.pid = handle.PID()
	entry.mu.Unlock()
	go s.watchExit(entry, handle)

	if err := s.health.Wait(ctx, entry.port); err != nil {
		if ctx.Err() != nil {
			return
		}
		var timeout *HealthCheckTimeoutError
		if errors.As(err, &timeout) {
			// The process stays up for diagnostics; only the port lease is
			// returned to the pool.
			s.releasePort(entry)
			s.transition(entry, StatusError, err.Error(), BuildFailed)
			s.registry.IncDeploymentFailed()
			return
		}
		s.failDeployment(entry, err)
		return
	}

	entry.mu.Lock()
	entry.status = StatusRunning
	entry.message = ""
	entry.meta.BuildStatus = BuildSuccess
	entry.meta.BuildDuration = s.clock.Now().Sub(buildStart)
	entry.meta.DeployedAt = s.clock.Now()
	entry.mu.Unlock()

	s.persist(entry)
	s.publishStatus(entry)
	s.logf("preview running", map[string]string{
		"team":   entry.teamID,
		"branch": entry.branch,
		"port":   strconv.Itoa(entry.port),
		"type":   string(projectType),
	})
}

// watchExit flags a deployment whose dev server dies underneath it.
func (s *Service) watchExit(entry *deployment, handle Handle) {
	<-handle.Done()
	if entry.ctx.Err() != nil {
		return
	}
	entry.mu.Lock()
	active := entry.status == StatusStarting || entry.status == StatusRunning
	entry.mu.Unlock()
	if !active {
		return
	}
	s.releasePort(entry)
	s.transition(entry, StatusError, synthesizeError(nil, s.logLines(entry), "process exited unexpectedly"), BuildFailed)
	s.registry.IncDeploymentFailed()
}

func (s *Service) failDeployment(entry *deployment, err error) {
	if entry.ctx.Err() != nil {
		return
	}
	entry.mu.Lock()
	handle := entry.handle
	entry.mu.Unlock()
	if handle != nil {
		_ = handle.Stop(context.Background())
	}
	s.releasePort(entry)
	s.transition(entry, StatusError, synthesizeError(err, s.logLines(entry), ""), BuildFailed)
	s.registry.IncDeploymentFailed()
	s.errorf("preview failed", map[string]string{
		"team":   entry.teamID,
		"branch": entry.branch,
		"error":  err.Error(),
	})
}

// stopDeployment tears one entry down. Callers hold the key lock.
func (s *Service) stopDeployment(ctx context.Context, key deployKey, entry *deployment) {
	entry.cancel()
	entry.mu.Lock()
	handle := entry.handle
	pid := entry.pid
	entry.status = StatusStopped
	entry.mu.Unlock()

	if handle != nil {
		_ = handle.Stop(ctx)
	} else if pid > 0 {
		// Rehydrated deployments have no handle; fall back to a direct
		// group kill.
		_ = s.processes.Stop(ctx, pid)
	}
	s.releasePort(entry)

	s.mu.Lock()
	if current, ok := s.deployments[key]; ok && current == entry {
		delete(s.deployments, key)
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.MarkPreviewStopped(entry.teamID, entry.branch); err != nil {
			s.errorf("persist preview stop failed", map[string]string{
				"team":   entry.teamID,
				"branch": entry.branch,
				"error":  err.Error(),
			})
		}
	}
	s.publishStatus(entry)
}

// detectWorkspace runs detection and logs anything odd it noticed, like a
// manifest that failed to parse.
func (s *Service) detectWorkspace(dir string) ProjectType {
	projectType, note := detectProject(dir)
	if note != "" && s.logger != nil {
		s.logger.Debug("project detection", map[string]string{
			"dir":  dir,
			"note": note,
		})
	}
	return projectType
}

// releasePort returns the entry's lease to the pool at most once. After the
// pool re-issues the port to another deployment, a stale entry must never
// free it again.
func (s *Service) releasePort(entry *deployment) {
	entry.mu.Lock()
	port := entry.port
	released := entry.portReleased
	entry.portReleased = true
	entry.mu.Unlock()
	if released || port <= 0 {
		return
	}
	s.allocator.Release(port)
}

func (s *Service) transition(entry *deployment, status Status, message string, buildStatus BuildStatus) {
	entry.mu.Lock()
	entry.status = status
	entry.message = message
	if buildStatus != "" {
		entry.meta.BuildStatus = buildStatus
	}
	entry.mu.Unlock()
	s.persist(entry)
	s.publishStatus(entry)
}

func (s *Service) appendLog(entry *deployment, line string) {
	entry.mu.Lock()
	entry.logs.Add(line)
	entry.mu.Unlock()
	if s.bus != nil {
		e := event.NewPreviewEvent(event.PreviewLog, entry.teamID, entry.branch)
		e.Line = line
		s.bus.Publish(e)
	}
}

func (s *Service) logLines(entry *deployment) []string {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.logs.List()
}

func (s *Service) publishStatus(entry *deployment) {
	if s.bus == nil {
		return
	}
	entry.mu.Lock()
	status := entry.status
	entry.mu.Unlock()
	e := event.NewPreviewEvent(event.PreviewStatusChange, entry.teamID, entry.branch)
	e.Status = string(status)
	s.bus.Publish(e)
}

func (s *Service) persist(entry *deployment) {
	if s.store == nil {
		return
	}
	entry.mu.Lock()
	record := &store.PreviewRecord{
		TeamID:        entry.teamID,
		Branch:        entry.branch,
		Repo:          entry.repo,
		Port:          entry.port,
		Status:        string(entry.status),
		ProjectType:   string(entry.projectType),
		PID:           entry.pid,
		CommitHash:    entry.meta.CommitHash,
		CommitMessage: entry.meta.CommitMessage,
		CommitAuthor:  entry.meta.CommitAuthor,
		CommitDate:    entry.meta.CommitDate,
		DeployedAt:    entry.meta.DeployedAt,
		BuildDuration: entry.meta.BuildDuration,
		BuildStatus:   string(entry.meta.BuildStatus),
		ErrorMessage:  entry.message,
		CreatedAt:     entry.startedAt,
	}
	entry.mu.Unlock()
	if err := s.store.SavePreview(record); err != nil {
		s.errorf("persist preview failed", map[string]string{
			"team":   record.TeamID,
			"branch": record.Branch,
			"error":  err.Error(),
		})
	}
}

func (s *Service) snapshot(entry *deployment) Deployment {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	view := Deployment{
		TeamID:      entry.teamID,
		Branch:      entry.branch,
		Repo:        entry.repo,
		Port:        entry.port,
		Status:      entry.status,
		Message:     entry.message,
		ProjectType: entry.projectType,
		PID:         entry.pid,
		Meta:        entry.meta,
	}
	if view.Message == "" {
		view.Message = synthesizeMessage(view)
	}
	return view
}

func (s *Service) current(key deployKey) *deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deployments[key]
}

// lockKey serializes operations per (team, branch) so creates for different
// keys never block each other.
func (s *Service) lockKey(key deployKey) func() {
	s.mu.Lock()
	lock, ok := s.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLocks[key] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (s *Service) logf(message string, fields map[string]string) {
	if s.logger != nil {
		s.logger.Info(message, fields)
	}
}

func (s *Service) errorf(message string, fields map[string]string) {
	if s.logger != nil {
		s.logger.Error(message, fields)
	}
}

func recordView(record *store.PreviewRecord) Deployment {
	view := Deployment{
		TeamID:      record.TeamID,
		Branch:      record.Branch,
		Repo:        record.Repo,
		Port:        record.Port,
		Status:      Status(record.Status),
		Message:     record.ErrorMessage,
		ProjectType: ProjectType(record.ProjectType),
		PID:         record.PID,
		Meta: Meta{
			CommitHash:    record.CommitHash,
			CommitMessage: record.CommitMessage,
			CommitAuthor:  record.CommitAuthor,
			CommitDate:    record.CommitDate,
			DeployedAt:    record.DeployedAt,
			BuildDuration: record.BuildDuration,
			BuildStatus:   BuildStatus(record.BuildStatus),
		},
	}
	if view.Message == "" {
		view.Message = synthesizeMessage(view)
	}
	return view
}

func synthesizeMessage(view Deployment) string {
	switch view.Status {
	case StatusStarting:
		return fmt.Sprintf("Deploying %s", view.Branch)
	case StatusRunning:
		return fmt.Sprintf("Serving %s on port %d", view.Branch, view.Port)
	case StatusStopped:
		return "Deployment stopped"
	case StatusError:
		return "Deployment failed"
	default:
		return ""
	}
}

// synthesizeError prefers the last captured log line that names an error,
// since build tools bury the useful message above a generic exit line.
func synthesizeError(err error, logs []string, fallback string) string {
	for i := len(logs) - 1; i >= 0; i-- {
		lowered := strings.ToLower(logs[i])
		if strings.Contains(lowered, "error") || strings.Contains(lowered, "failed") {
			return strings.TrimSpace(logs[i])
		}
	}
	if err != nil {
		return err.Error()
	}
	return fallback
}

func sanitizeBranch(branch string) string {
	replacer := strings.NewReplacer("/", "-", "\\", "-", " ", "-", ":", "-")
	return replacer.Replace(branch)
}

func tailLines(data []byte, n int) []string {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}
