//go:build windows

package preview

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
