package terminal

import (
	"context"

	"vibedeck/internal/runner/screen"
	"vibedeck/internal/runner/tmux"
)

// Backend is one execution strategy for terminal sessions. Exactly one
// backend serves each supported (location, isolation) pair.
type Backend interface {
	Name() string
	// Spawn provisions the session but does not start its IO loops; the
	// manager starts them after emitting terminal-ready.
	Spawn(ctx context.Context, req SpawnRequest, cb Callbacks) (*Session, error)
	// Alive reports whether the session's underlying process, multiplexer
	// session, or container still exists.
	Alive(ctx context.Context, s *Session) bool
}

type backendKey struct {
	location  Location
	isolation Isolation
}

// dispatch selects the backend for a (location, isolation) pair. The mapping
// is pure: the same pair always selects the same backend.
func dispatch(backends map[backendKey]Backend, location Location, isolation Isolation) (Backend, error) {
	if backend, ok := backends[backendKey{location: location, isolation: isolation}]; ok {
		return backend, nil
	}
	return nil, &BackendDisabledError{
		Location:  location,
		Isolation: isolation,
		Reason:    "no backend registered for this combination",
	}
}

// MuxClient is the multiplexer surface the mux backend needs; tmux and
// screen clients both satisfy it through the adapters below.
type MuxClient interface {
	HasSession(ctx context.Context, name string) (bool, error)
	CreateSession(ctx context.Context, name string, argv []string) error
	AttachArgv(name string) []string
	SendText(ctx context.Context, name, text string) error
	KillSession(ctx context.Context, name string) error
	ListSessions(ctx context.Context, prefix string) ([]string, error)
}

type tmuxMux struct {
	*tmux.Client
}

func (tmuxMux) AttachArgv(name string) []string {
	return tmux.AttachArgv(name)
}

// NewTmuxMux adapts a tmux client to the MuxClient contract.
func NewTmuxMux(client *tmux.Client) MuxClient {
	return tmuxMux{Client: client}
}

type screenMux struct {
	*screen.Client
}

func (screenMux) AttachArgv(name string) []string {
	return screen.AttachArgv(name)
}

// NewScreenMux adapts a screen client to the MuxClient contract.
func NewScreenMux(client *screen.Client) MuxClient {
	return screenMux{Client: client}
}
