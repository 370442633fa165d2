//go:build !unix

package sandbox

import (
	"os"
	"syscall"
)

func peakMemoryMB(_ *os.ProcessState) float64 {
	return 0
}

func terminationSignal(_ *os.ProcessState) (syscall.Signal, bool) {
	return 0, false
}

func describeSignal(sig syscall.Signal) string {
	return "terminated by signal: " + sig.String()
}

func isLimitSignal(_ syscall.Signal) bool {
	return false
}
