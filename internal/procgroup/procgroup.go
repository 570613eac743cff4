// Package procgroup places a spawned subprocess in its own process group
// and reaps the whole group with a graceful-then-forceful signal pair.
// Used by the Subprocess Inference Bridge (SPEC_FULL.md C7/C11) so a
// child inference process that forks its own children (a common pattern
// in Python ML frameworks) can be fully terminated on cancellation.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

var (
	ErrProcessNotFound = errors.New("procgroup: process not found")
	ErrKillFailed       = errors.New("procgroup: kill operation failed")
)

// Set configures cmd to start as the leader of a new process group.
// Must be called before cmd.Start(); KillGroup only works on commands
// spawned this way.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates an entire process group tree rooted at pid:
// SIGTERM, wait up to grace, then SIGKILL, wait up to timeout.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}
