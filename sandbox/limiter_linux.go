//go:build linux

package sandbox

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

func platformLimiter() ResourceLimiter {
	return PrlimitLimiter{}
}

// PrlimitLimiter sets rlimits on the child with prlimit(2)
type PrlimitLimiter struct{}

func (PrlimitLimiter) Name() string { return "prlimit" }

type rlimitEntry struct {
	resource int
	name     string
	value    uint64
}

// Apply sets address-space, CPU-time and open-file ceilings and disables core
// dumps. Zero-valued limits are skipped. RLIMIT_NPROC is not set: it counts
// every process of the real uid, not just the child's tree.
func (PrlimitLimiter) Apply(pid int, limits ResourceLimits) error {
	if pid <= 1 {
		return fmt.Errorf("invalid pid %d", pid)
	}

	entries := []rlimitEntry{{resource: unix.RLIMIT_CORE, name: "core", value: 0}}

	if limits.MaxMemoryMB > 0 {
		entries = append(entries, rlimitEntry{unix.RLIMIT_AS, "as", uint64(limits.MaxMemoryMB) * BytesPerMB})
	}
	if limits.MaxCPUTime > 0 {
		secs := uint64(math.Ceil(limits.MaxCPUTime.Seconds()))
		entries = append(entries, rlimitEntry{unix.RLIMIT_CPU, "cpu", secs})
	}
	if limits.MaxOpenFiles > 0 {
		entries = append(entries, rlimitEntry{unix.RLIMIT_NOFILE, "nofile", uint64(limits.MaxOpenFiles)})
	}

	for _, e := range entries {
		rlim := unix.Rlimit{Cur: e.value, Max: e.value}
		if err := unix.Prlimit(pid, e.resource, &rlim, nil); err != nil {
			return fmt.Errorf("prlimit %s on pid %d: %w", e.name, pid, err)
		}
	}
	return nil
}
