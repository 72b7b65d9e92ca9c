package preview

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"vibedeck/internal/process"
)

// LaunchSpec describes one long-running dev-server process.
type LaunchSpec struct {
	Name string
	Argv []string
	Dir  string
	Env  []string
}

// Handle supervises a launched process.
type Handle interface {
	PID() int
	// Done closes once the process has exited and been reaped.
	Done() <-chan error
	Stop(ctx context.Context) error
}

// Launcher starts dev-server processes, streaming their combined output line
// by line into onLine.
type Launcher interface {
	Launch(spec LaunchSpec, onLine func(string)) (Handle, error)
}

type execLauncher struct {
	registry *process.Registry
}

// NewLauncher returns a Launcher backed by os/exec. Each process gets its
// own group so Stop can take down the whole npm/node tree.
func NewLauncher(registry *process.Registry) Launcher {
	if registry == nil {
		registry = process.NewRegistry()
	}
	return &execLauncher{registry: registry}
}

func (l *execLauncher) Launch(spec LaunchSpec, onLine func(string)) (Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("launch argv is empty")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	handle := &execHandle{
		registry: l.registry,
		pid:      cmd.Process.Pid,
		done:     make(chan error, 1),
	}

	var scanners sync.WaitGroup
	for _, pipe := range []io.Reader{stdout, stderr} {
		scanners.Add(1)
		go func(reader io.Reader) {
			defer scanners.Done()
			scanner := bufio.NewScanner(reader)
			scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
			for scanner.Scan() {
				if onLine != nil {
					onLine(scanner.Text())
				}
			}
		}(pipe)
	}

	waitErr := make(chan error, 1)
	go func() {
		scanners.Wait()
		err := cmd.Wait()
		waitErr <- err
		handle.done <- err
		close(handle.done)
	}()

	l.registry.RegisterWithWait(handle.pid, process.GroupID(handle.pid), spec.Name, func(ctx context.Context) error {
		select {
		case err := <-waitErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return handle, nil
}

type execHandle struct {
	registry *process.Registry
	pid      int
	done     chan error
	stopOnce sync.Once
	stopErr  error
}

func (h *execHandle) PID() int {
	return h.pid
}

func (h *execHandle) Done() <-chan error {
	return h.done
}

func (h *execHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		err := h.registry.Stop(ctx, h.pid)
		if errors.Is(err, process.ErrProcessNotFound) {
			err = nil
		}
		h.stopErr = err
	})
	return h.stopErr
}
