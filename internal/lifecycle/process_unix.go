//go:build !windows

package lifecycle

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

// setProcGroup configures the command to run in its own process group so it
// can be severed from the caller and killed as a unit later.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killOrphanGroup terminates a process group left behind by a prior relay
// instance: SIGTERM first, a brief grace period, then SIGKILL if it
// survives.
func killOrphanGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(500 * time.Millisecond)
	if syscall.Kill(pid, 0) == nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		if proc, err := os.FindProcess(pid); err == nil {
			_, _ = proc.Wait()
		}
	}
}
