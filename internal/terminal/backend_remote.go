package terminal

import "context"

// remoteBackend routes sessions to a fixed VM over SSH. It is explicitly
// disabled in the current deployment: every operation fails with
// BackendDisabledError, which callers treat as an expected condition.
type remoteBackend struct {
	isolation Isolation
}

func (b *remoteBackend) Name() string {
	return "remote-" + string(b.isolation)
}

func (b *remoteBackend) disabled() error {
	return &BackendDisabledError{
		Location:  LocationRemote,
		Isolation: b.isolation,
		Reason:    "remote VM execution is not enabled in this deployment",
	}
}

func (b *remoteBackend) Spawn(ctx context.Context, req SpawnRequest, cb Callbacks) (*Session, error) {
	return nil, b.disabled()
}

func (b *remoteBackend) Alive(ctx context.Context, s *Session) bool {
	return false
}
