//go:build unix

package sandbox

import (
	"os"
	"runtime"
	"syscall"
)

// peakMemoryMB returns the child's maximum resident set size.
func peakMemoryMB(state *os.ProcessState) float64 {
	if state == nil {
		return 0
	}
	usage, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	// ru_maxrss is bytes on darwin and kilobytes elsewhere
	if runtime.GOOS == "darwin" {
		return float64(usage.Maxrss) / BytesPerMB
	}
	return float64(usage.Maxrss) / BytesPerKB
}

// terminationSignal returns the signal that ended the child, if any.
func terminationSignal(state *os.ProcessState) (syscall.Signal, bool) {
	if state == nil {
		return 0, false
	}
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return 0, false
	}
	return status.Signal(), true
}

func describeSignal(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGXCPU:
		return "CPU time limit exceeded"
	case syscall.SIGXFSZ:
		return "file size limit exceeded"
	case syscall.SIGSEGV:
		return "terminated by signal: segmentation fault (possibly memory limit exceeded)"
	default:
		return "terminated by signal: " + sig.String()
	}
}

// isLimitSignal reports whether sig is how the kernel enforces an rlimit.
func isLimitSignal(sig syscall.Signal) bool {
	return sig == syscall.SIGXCPU || sig == syscall.SIGXFSZ
}
