//go:build windows

package terminal

import (
	"errors"
	"os"
	"os/exec"
)

func startPty(spec StartSpec) (Pty, *exec.Cmd, error) {
	return nil, nil, errors.New("pty sessions are not supported on windows")
}

func exitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	return state.ExitCode(), ""
}
