package sandbox

import "fmt"

// ResourceLimiter applies ceilings to an already started child process. The
// parent is never constrained. Implementations return ErrUnsupported when the
// platform lacks the facility; callers treat that as best-effort.
type ResourceLimiter interface {
	Name() string
	Apply(pid int, limits ResourceLimits) error
}

// DefaultLimiter returns the strongest limiter available on this platform
func DefaultLimiter() ResourceLimiter {
	return platformLimiter()
}

// NopLimiter applies nothing
type NopLimiter struct{}

func (NopLimiter) Name() string { return "none" }

func (NopLimiter) Apply(pid int, _ ResourceLimits) error {
	return fmt.Errorf("%w: resource limits for pid %d", ErrUnsupported, pid)
}
