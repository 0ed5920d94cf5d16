//go:build !windows

package procgroup

import (
	"os/exec"
	"syscall"
)

func configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// kill sends SIGKILL to the negative PGID, reaching every process in the
// group, including grandchildren the direct child forked and left behind.
func kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	// Best-effort: the direct child might not share its own pgid with
	// itself yet if it execve'd before Setpgid took effect on some
	// platforms, so also kill the PID directly.
	_ = cmd.Process.Kill()
}
