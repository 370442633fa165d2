//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
	"time"
)

func setupProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 2 * time.Second
}

// killProcessGroup is a no-op: without sessions there is no group to reap.
func killProcessGroup(int) error {
	return os.ErrProcessDone
}
