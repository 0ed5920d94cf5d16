// Package procgroup isolates the cross-platform parts of OS process
// supervision: putting a child in its own process group at spawn time so a
// forced kill can reach grandchildren too, and sending the
// strongest-available termination signal. Split along unix/windows build
// tags the same way the session-management layer it is grounded on does.
package procgroup

import "os/exec"

// Configure prepares cmd so that Kill below can terminate the whole
// process tree rooted at it, not just the direct child. Must be called
// before cmd.Start.
func Configure(cmd *exec.Cmd) {
	configure(cmd)
}

// Kill forcibly destroys the process (and, on unix, its process group).
// Safe to call on a process that has already exited.
func Kill(cmd *exec.Cmd) {
	kill(cmd)
}
