//go:build windows

package runner

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

// Windows has no SIGTERM; both steps kill the process
func terminateProcess(cmd *exec.Cmd) {
	killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
