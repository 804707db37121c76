// SPDX-License-Identifier: MIT

// Package procgroup spawns child processes in their own process group
// and tears the whole group down with TERM, a grace period, then KILL.
// Transcoder pipelines fork helpers; killing only the leader leaks them.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

var ErrKillFailed = errors.New("kill operation failed")

// Set configures the command to start in a new process group. Required
// for KillGroup to reap the whole tree.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates a process group: TERM, wait up to grace, KILL,
// wait up to timeout. The process must have been spawned via Set.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}
