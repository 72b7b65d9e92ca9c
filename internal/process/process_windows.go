//go:build windows

package process

import (
	"context"
	"os"
)

func GroupID(pid int) int {
	return 0
}

func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	defer proc.Release()
	return true
}

func stopProcess(ctx context.Context, pid, pgid int, wait func(context.Context) error) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessNotFound
	}
	defer proc.Release()
	if err := proc.Kill(); err != nil {
		return err
	}
	if wait != nil {
		return wait(ctx)
	}
	return nil
}
