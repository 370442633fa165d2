package monitor

import (
	"fmt"
	"os"
	"syscall"
)

// UsageProbe reads the resource usage of a process. Usage returns raw counters;
// CPUPercent is derived by the tracker from successive CPU times. Errors mean
// "no data this tick": the process is gone or access was denied.
type UsageProbe interface {
	Usage(pid int) (ResourceUsage, error)
	Alive(pid int) bool
}

// DefaultProbe returns the strongest probe available on this platform
func DefaultProbe() UsageProbe {
	return platformProbe()
}

// unavailableProbe never has usage data but can still tell whether a pid
// exists.
type unavailableProbe struct {
	err error
}

func (p unavailableProbe) Usage(pid int) (ResourceUsage, error) {
	return ResourceUsage{}, fmt.Errorf("%w: pid %d: %w", ErrNoData, pid, p.err)
}

func (unavailableProbe) Alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
