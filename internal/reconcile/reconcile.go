// Package reconcile aligns persisted state with what is actually alive after
// an orchestrator restart. Sessions and previews recorded as active are
// probed against the real world (docker inspect, tmux/screen has-session,
// PID checks); live ones are rehydrated, dead ones forced to stopped.
package reconcile

import (
	"context"
	"fmt"
	"strconv"

	"vibedeck/internal/logging"
	"vibedeck/internal/ports"
	"vibedeck/internal/process"
	"vibedeck/internal/runner/docker"
	"vibedeck/internal/store"
)

// ContainerProber checks container liveness; the docker client satisfies it.
type ContainerProber interface {
	Inspect(ctx context.Context, containerID string) (docker.State, error)
}

// MuxProber checks multiplexer session liveness; tmux and screen clients
// satisfy it.
type MuxProber interface {
	HasSession(ctx context.Context, name string) (bool, error)
}

// PreviewAdopter rehydrates a live preview deployment; the preview service
// satisfies it.
type PreviewAdopter interface {
	Adopt(record store.PreviewRecord)
}

type Options struct {
	Store     *store.Store
	Docker    ContainerProber
	Tmux      MuxProber
	Screen    MuxProber
	Allocator *ports.Allocator
	Previews  PreviewAdopter
	Logger    *logging.Logger

	// Alive overrides the PID liveness probe; tests use it.
	Alive func(pid int) bool
}

// Summary counts what one reconciliation pass found.
type Summary struct {
	SessionsAlive   int
	SessionsStopped int
	PreviewsAdopted int
	PreviewsStopped int
}

type Reconciler struct {
	store     *store.Store
	docker    ContainerProber
	tmux      MuxProber
	screen    MuxProber
	allocator *ports.Allocator
	previews  PreviewAdopter
	logger    *logging.Logger
	alive     func(pid int) bool
}

func New(opts Options) *Reconciler {
	alive := opts.Alive
	if alive == nil {
		alive = process.Alive
	}
	return &Reconciler{
		store:     opts.Store,
		docker:    opts.Docker,
		tmux:      opts.Tmux,
		screen:    opts.Screen,
		allocator: opts.Allocator,
		previews:  opts.Previews,
		logger:    opts.Logger,
		alive:     alive,
	}
}

// Run executes one reconciliation pass. Probe failures count the target as
// dead; they never abort the pass.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	if r.store == nil {
		return summary, nil
	}

	sessions, err := r.store.ActiveSessions()
	if err != nil {
		return summary, fmt.Errorf("load active sessions: %w", err)
	}
	for _, record := range sessions {
		if r.sessionAlive(ctx, record) {
			// Mux and docker sessions survive restarts on their own; the
			// next spawn for the agent reattaches. Nothing to rebuild here.
			summary.SessionsAlive++
			continue
		}
		if err := r.store.MarkSessionStopped(record.ID); err != nil {
			r.errorf("mark session stopped failed", map[string]string{
				"session": record.ID,
				"error":   err.Error(),
			})
			continue
		}
		summary.SessionsStopped++
		r.logf("stale session cleared", map[string]string{
			"session":   record.ID,
			"agent":     record.AgentID,
			"isolation": record.Isolation,
		})
	}

	previews, err := r.store.ActivePreviews()
	if err != nil {
		return summary, fmt.Errorf("load active previews: %w", err)
	}
	for _, record := range previews {
		if r.previewAlive(record) && r.claimPort(record) {
			if r.previews != nil {
				r.previews.Adopt(record)
			}
			summary.PreviewsAdopted++
			continue
		}
		if r.allocator != nil {
			r.allocator.Release(record.Port)
		}
		if err := r.store.MarkPreviewStopped(record.TeamID, record.Branch); err != nil {
			r.errorf("mark preview stopped failed", map[string]string{
				"team":   record.TeamID,
				"branch": record.Branch,
				"error":  err.Error(),
			})
			continue
		}
		summary.PreviewsStopped++
		r.logf("stale preview cleared", map[string]string{
			"team":   record.TeamID,
			"branch": record.Branch,
			"port":   strconv.Itoa(record.Port),
		})
	}
	return summary, nil
}

func (r *Reconciler) sessionAlive(ctx context.Context, record store.SessionRecord) bool {
	switch record.Isolation {
	case "docker":
		if r.docker == nil || record.ContainerID == "" {
			return false
		}
		state, err := r.docker.Inspect(ctx, record.ContainerID)
		return err == nil && state.Running
	case "tmux":
		return r.muxAlive(ctx, r.tmux, record.MuxName)
	case "screen":
		return r.muxAlive(ctx, r.screen, record.MuxName)
	default:
		// A bare PTY session dies with the orchestrator: its fd is gone, so
		// even an orphaned shell that still answers signal 0 is unreachable.
		return false
	}
}

func (r *Reconciler) muxAlive(ctx context.Context, prober MuxProber, name string) bool {
	if prober == nil || name == "" {
		return false
	}
	exists, err := prober.HasSession(ctx, name)
	return err == nil && exists
}

func (r *Reconciler) previewAlive(record store.PreviewRecord) bool {
	return record.PID > 0 && r.alive(record.PID)
}

func (r *Reconciler) claimPort(record store.PreviewRecord) bool {
	if r.allocator == nil {
		return true
	}
	if err := r.allocator.Claim(record.Port, ports.PurposePreview); err != nil {
		r.errorf("reclaim port failed", map[string]string{
			"team":   record.TeamID,
			"branch": record.Branch,
			"port":   strconv.Itoa(record.Port),
			"error":  err.Error(),
		})
		return false
	}
	return true
}

func (r *Reconciler) logf(message string, fields map[string]string) {
	if r.logger != nil {
		r.logger.Info(message, fields)
	}
}

func (r *Reconciler) errorf(message string, fields map[string]string) {
	if r.logger != nil {
		r.logger.Error(message, fields)
	}
}
