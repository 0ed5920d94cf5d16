//go:build windows

package procgroup

import "os/exec"

func configure(cmd *exec.Cmd) {
	// Windows has no POSIX process groups; each child is killed directly.
}

func kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
