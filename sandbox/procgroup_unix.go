//go:build unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const processGroupWaitDelay = 2 * time.Second

// setupProcessGroup runs cmd in its own session and makes context cancellation
// SIGKILL the whole group. Callers still reap leftovers with killProcessGroup
// once the child has exited normally.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		return killProcessGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = processGroupWaitDelay
}

// killProcessGroup SIGKILLs every process in the group led by pid. An empty
// group reports os.ErrProcessDone.
func killProcessGroup(pid int) error {
	// kill(-1) and kill(0) would hit far more than the child.
	if pid <= 1 {
		return os.ErrProcessDone
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}
