package terminal

import "os/exec"

type Pty interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Resize(cols, rows uint16) error
}

// StartSpec describes the process a PTY wraps.
type StartSpec struct {
	Argv []string
	Dir  string
	Env  []string
}

type PtyFactory interface {
	Start(spec StartSpec) (Pty, *exec.Cmd, error)
}

type defaultPtyFactory struct{}

func (defaultPtyFactory) Start(spec StartSpec) (Pty, *exec.Cmd, error) {
	return startPty(spec)
}

func DefaultPtyFactory() PtyFactory {
	return defaultPtyFactory{}
}
