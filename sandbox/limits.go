package sandbox

import (
	"fmt"
	"slices"
	"time"

	"github.com/isdmx/codejail/config"
)

// ResourceLimits bounds one executor. It is treated as immutable: constructors
// take a Clone so callers cannot change an executor's policy after the fact.
type ResourceLimits struct {
	MaxCPUTime            time.Duration
	MaxWallTime           time.Duration
	MaxMemoryMB           int
	MaxOpenFiles          int
	MaxProcesses          int
	// MaxThreads has no rlimit; the monitor raises a max_threads alert above it.
	MaxThreads            int
	MaxNetworkConnections int
	MaxOutputBytes        int

	AllowedPaths    []string
	BlockedPaths    []string
	AllowedDomains  []string
	BlockedDomains  []string
	AllowedSyscalls []string
	BlockedSyscalls []string

	UseContainer bool
}

// DefaultResourceLimits returns conservative ceilings suitable for short snippets
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxCPUTime:            10 * time.Second,
		MaxWallTime:           30 * time.Second,
		MaxMemoryMB:           512,
		MaxOpenFiles:          64,
		MaxProcesses:          16,
		MaxThreads:            32,
		MaxNetworkConnections: 0,
		MaxOutputBytes:        BytesPerMB,
		BlockedPaths:          []string{"/etc", "/root", "/boot", "/proc", "/sys"},
		BlockedDomains:        []string{"169.254.169.254", "metadata.google.internal"},
		BlockedSyscalls: []string{
			"ptrace", "mount", "umount2", "reboot", "kexec_load", "init_module",
			"delete_module", "setns", "unshare", "pivot_root", "chroot", "swapon", "swapoff",
		},
	}
}

// LimitsFromConfig builds limits from the sandbox section of the configuration
func LimitsFromConfig(cfg *config.Config) ResourceLimits {
	sc := cfg.Sandbox
	return ResourceLimits{
		MaxCPUTime:            time.Duration(sc.CPUTimeSec) * time.Second,
		MaxWallTime:           cfg.GetTimeout(),
		MaxMemoryMB:           sc.MemoryMB,
		MaxOpenFiles:          sc.MaxOpenFiles,
		MaxProcesses:          sc.MaxProcesses,
		MaxThreads:            sc.MaxThreads,
		MaxNetworkConnections: sc.MaxNetworkConnections,
		MaxOutputBytes:        sc.MaxOutputKB * BytesPerKB,
		AllowedPaths:          slices.Clone(sc.AllowedPaths),
		BlockedPaths:          slices.Clone(sc.BlockedPaths),
		AllowedDomains:        slices.Clone(sc.AllowedDomains),
		BlockedDomains:        slices.Clone(sc.BlockedDomains),
		AllowedSyscalls:       slices.Clone(sc.AllowedSyscalls),
		BlockedSyscalls:       slices.Clone(sc.BlockedSyscalls),
		UseContainer:          cfg.UsesContainer(),
	}
}

// Validate checks that every ceiling is usable
func (l ResourceLimits) Validate() error {
	if l.MaxWallTime <= 0 {
		return fmt.Errorf("%w: max wall time must be positive, got: %s", ErrInvalidLimits, l.MaxWallTime)
	}
	if l.MaxCPUTime < 0 {
		return fmt.Errorf("%w: max cpu time must not be negative, got: %s", ErrInvalidLimits, l.MaxCPUTime)
	}
	if l.MaxMemoryMB <= 0 {
		return fmt.Errorf("%w: max memory must be positive, got: %d", ErrInvalidLimits, l.MaxMemoryMB)
	}
	if l.MaxOutputBytes <= 0 {
		return fmt.Errorf("%w: max output must be positive, got: %d", ErrInvalidLimits, l.MaxOutputBytes)
	}
	for name, v := range map[string]int{
		"max open files":          l.MaxOpenFiles,
		"max processes":           l.MaxProcesses,
		"max threads":             l.MaxThreads,
		"max network connections": l.MaxNetworkConnections,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s must not be negative, got: %d", ErrInvalidLimits, name, v)
		}
	}
	return nil
}

// Clone returns a deep copy
func (l ResourceLimits) Clone() ResourceLimits {
	c := l
	c.AllowedPaths = slices.Clone(l.AllowedPaths)
	c.BlockedPaths = slices.Clone(l.BlockedPaths)
	c.AllowedDomains = slices.Clone(l.AllowedDomains)
	c.BlockedDomains = slices.Clone(l.BlockedDomains)
	c.AllowedSyscalls = slices.Clone(l.AllowedSyscalls)
	c.BlockedSyscalls = slices.Clone(l.BlockedSyscalls)
	return c
}
