//go:build linux

package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

const bytesPerMB = 1024 * 1024

func platformProbe() UsageProbe {
	probe, err := NewProcfsProbe(procfs.DefaultMountPoint)
	if err != nil {
		return unavailableProbe{err: err}
	}
	return probe
}

// ProcfsProbe reads /proc/<pid> through procfs
type ProcfsProbe struct {
	fs         procfs.FS
	memTotalKB uint64
}

// NewProcfsProbe opens the proc filesystem mounted at mountPoint
func NewProcfsProbe(mountPoint string) (*ProcfsProbe, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}

	p := &ProcfsProbe{fs: fs}
	if meminfo, err := fs.Meminfo(); err == nil && meminfo.MemTotal != nil {
		p.memTotalKB = *meminfo.MemTotal
	}
	return p, nil
}

// Usage snapshots stat, io and fd counters. The io and fd files need ptrace
// access to the process; when they are denied those fields stay zero.
func (p *ProcfsProbe) Usage(pid int) (ResourceUsage, error) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("%w: pid %d: %w", ErrNoData, pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("%w: pid %d stat: %w", ErrNoData, pid, err)
	}
	if exited(stat.State) {
		return ResourceUsage{}, fmt.Errorf("%w: pid %d has exited", ErrNoData, pid)
	}

	rss := float64(stat.ResidentMemory())
	u := ResourceUsage{
		Timestamp: time.Now(),
		CPUTime:   time.Duration(stat.CPUTime() * float64(time.Second)),
		MemoryMB:  rss / bytesPerMB,
		Threads:   stat.NumThreads,
	}
	if p.memTotalKB > 0 {
		u.MemoryPercent = rss / float64(p.memTotalKB*1024) * 100
	}

	if io, err := proc.IO(); err == nil {
		u.ReadBytes = io.ReadBytes
		u.WriteBytes = io.WriteBytes
		u.ReadOps = io.SyscR
		u.WriteOps = io.SyscW
	}
	if targets, err := proc.FileDescriptorTargets(); err == nil {
		u.OpenFiles = len(targets)
		for _, target := range targets {
			if strings.HasPrefix(target, "socket:") {
				u.NetworkConnections++
			}
		}
	}
	return u, nil
}

// Alive reports whether pid exists and is not a zombie
func (p *ProcfsProbe) Alive(pid int) bool {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return false
	}
	stat, err := proc.Stat()
	if err != nil {
		return false
	}
	return !exited(stat.State)
}

// exited treats zombies and dead tasks as gone.
func exited(state string) bool {
	return state == "Z" || state == "X"
}
