package sandbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/codejail/config"
)

// SandboxManager is a registry of independent executors keyed by execution id
type SandboxManager struct {
	logger *zap.Logger
	limits ResourceLimits
	opts   []ExecutorOption

	mu        sync.Mutex
	executors map[string]*SecureCodeExecutor
}

// NewSandboxManager creates a manager whose executors share limits and opts
func NewSandboxManager(logger *zap.Logger, limits ResourceLimits, opts ...ExecutorOption) *SandboxManager {
	return &SandboxManager{
		logger:    logger,
		limits:    limits.Clone(),
		opts:      opts,
		executors: make(map[string]*SecureCodeExecutor),
	}
}

// NewManagerFromConfig builds limits, language and container settings from the
// configuration. Extra opts are applied after the configured ones.
func NewManagerFromConfig(logger *zap.Logger, cfg *config.Config, opts ...ExecutorOption) (*SandboxManager, error) {
	limits := LimitsFromConfig(cfg)
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	language, err := LanguageFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	base := []ExecutorOption{WithLanguage(language)}
	if cfg.UsesContainer() {
		runner := NewContainerRunner(logger.Named("container"), cfg.Sandbox.Backend, language,
			WithScratchSize(cfg.Container.ScratchSizeMB))
		if !runner.Available() {
			return nil, fmt.Errorf("%w: %s", ErrRuntimeUnavailable, cfg.Sandbox.Backend)
		}
		base = append(base, WithContainerRunner(runner))
	}

	logger.Info("sandbox manager configured",
		zap.String("backend", cfg.Sandbox.Backend),
		zap.String("language", language.Name),
		zap.Duration("timeout", limits.MaxWallTime),
		zap.Int("memory_mb", limits.MaxMemoryMB))

	return NewSandboxManager(logger, limits, append(base, opts...)...), nil
}

// CreateExecutor registers a new executor. An empty id is replaced with a
// generated one; an id that is already registered is rejected.
func (m *SandboxManager) CreateExecutor(id string, opts ...ExecutorOption) (*SecureCodeExecutor, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	_, exists := m.executors[id]
	m.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrExecutionExists, id)
	}

	executor, err := NewSecureCodeExecutor(m.logger.Named("executor"), id, m.limits, append(append([]ExecutorOption{}, m.opts...), opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executors[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrExecutionExists, id)
	}
	m.executors[id] = executor

	m.logger.Debug("executor created", zap.String("execution_id", id))
	return executor, nil
}

// Executor returns the executor registered under id
func (m *SandboxManager) Executor(id string) (*SecureCodeExecutor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	executor, ok := m.executors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return executor, nil
}

// TerminateExecution cleans up the executor's environment and removes it
func (m *SandboxManager) TerminateExecution(id string) error {
	m.mu.Lock()
	executor, ok := m.executors[id]
	delete(m.executors, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err := executor.Cleanup(); err != nil {
		return fmt.Errorf("failed to clean up execution %s: %w", id, err)
	}

	m.logger.Debug("executor terminated", zap.String("execution_id", id))
	return nil
}

// ListExecutions returns the registered ids in sorted order
func (m *SandboxManager) ListExecutions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.executors))
	for id := range m.executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CleanupAll cleans up and removes every executor. All executors are removed
// even when some cleanups fail; the failures are combined.
func (m *SandboxManager) CleanupAll() error {
	m.mu.Lock()
	executors := m.executors
	m.executors = make(map[string]*SecureCodeExecutor)
	m.mu.Unlock()

	var err error
	for id, executor := range executors {
		if cleanupErr := executor.Cleanup(); cleanupErr != nil {
			err = multierr.Append(err, fmt.Errorf("execution %s: %w", id, cleanupErr))
		}
	}

	m.logger.Info("all executors cleaned up", zap.Int("count", len(executors)))
	return err
}
