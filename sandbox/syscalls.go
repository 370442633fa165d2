package sandbox

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/elastic/go-seccomp-bpf/arch"
	"go.uber.org/zap"
	"golang.org/x/net/bpf"
)

// SystemCallInterceptor expresses the syscall policy of an execution. It only
// classifies names; installing a filter is left to the hosting environment,
// which can take the rendered Policy or the assembled BPF program.
type SystemCallInterceptor struct {
	logger  *zap.Logger
	allowed map[string]struct{}
	blocked map[string]struct{}
	info    *arch.Info

	mu       sync.Mutex
	observed []string
	seen     map[string]struct{}
}

// NewSystemCallInterceptor creates an interceptor. An empty allow-list permits
// every name that is not blocked.
func NewSystemCallInterceptor(logger *zap.Logger, allowed, blocked []string) *SystemCallInterceptor {
	s := &SystemCallInterceptor{
		logger:  logger,
		allowed: toSet(allowed),
		blocked: toSet(blocked),
		seen:    make(map[string]struct{}),
	}

	info, err := arch.GetInfo("")
	if err != nil {
		logger.Debug("syscall table unavailable for this architecture", zap.Error(err))
	} else {
		s.info = info
	}
	return s
}

// ValidateSyscall reports whether name is permitted and records it as observed
func (s *SystemCallInterceptor) ValidateSyscall(name string) bool {
	s.mu.Lock()
	if _, ok := s.seen[name]; !ok {
		s.seen[name] = struct{}{}
		s.observed = append(s.observed, name)
	}
	s.mu.Unlock()

	if _, ok := s.blocked[name]; ok {
		s.logger.Debug("syscall blocked", zap.String("syscall", name))
		return false
	}
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[name]; !ok {
			s.logger.Debug("syscall not in allow-list", zap.String("syscall", name))
			return false
		}
	}
	return true
}

// GetMonitoredSyscalls returns the sorted block-list for audit
func (s *SystemCallInterceptor) GetMonitoredSyscalls() []string {
	return sortedKeys(s.blocked)
}

// ObservedSyscalls returns the distinct names validated since the last reset, in
// first-seen order
func (s *SystemCallInterceptor) ObservedSyscalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.observed)
}

// ResetObserved clears the observed list at the start of an execution
func (s *SystemCallInterceptor) ResetObserved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed = nil
	s.seen = make(map[string]struct{})
}

// Policy renders the allow/block lists as a seccomp policy. Blocked names fail
// with EPERM. With an allow-list, everything else fails too.
func (s *SystemCallInterceptor) Policy() seccomp.Policy {
	policy := seccomp.Policy{DefaultAction: seccomp.ActionAllow}

	if len(s.allowed) > 0 {
		policy.DefaultAction = seccomp.ActionErrno
		allowed := make([]string, 0, len(s.allowed))
		for _, name := range sortedKeys(s.allowed) {
			if _, blocked := s.blocked[name]; blocked {
				continue
			}
			allowed = append(allowed, name)
		}
		if names := s.known(allowed); len(names) > 0 {
			policy.Syscalls = append(policy.Syscalls, seccomp.SyscallGroup{
				Action: seccomp.ActionAllow,
				Names:  names,
			})
		}
		return policy
	}

	if names := s.known(sortedKeys(s.blocked)); len(names) > 0 {
		policy.Syscalls = append(policy.Syscalls, seccomp.SyscallGroup{
			Action: seccomp.ActionErrno,
			Names:  names,
		})
	}
	return policy
}

// Assemble compiles Policy into a BPF program for the host architecture
func (s *SystemCallInterceptor) Assemble() ([]bpf.Instruction, error) {
	policy := s.Policy()
	insts, err := policy.Assemble()
	if err != nil {
		return nil, fmt.Errorf("failed to assemble seccomp policy: %w", err)
	}
	return insts, nil
}

// known drops names missing from the architecture's syscall table.
func (s *SystemCallInterceptor) known(names []string) []string {
	if s.info == nil {
		return names
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := s.info.SyscallNames[name]; !ok {
			s.logger.Warn("unknown syscall skipped in policy",
				zap.String("syscall", name),
				zap.String("arch", s.info.Name))
			continue
		}
		out = append(out, name)
	}
	return out
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
