package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProcessObserver is told about every native child the executor spawns. The
// monitor implements it to track executions without the caller knowing pids.
type ProcessObserver interface {
	ProcessStarted(executionID string, pid int)
	ProcessExited(executionID string, pid int)
}

// ExecuteRequest is one unit of work for an executor
type ExecuteRequest struct {
	Code string
	// Timeout overrides the wall-clock limit when positive
	Timeout time.Duration
	// Workdir is an optional tar.gz archive extracted into the isolated directory
	Workdir []byte
}

// SecureCodeExecutor runs code strings one at a time inside a fresh isolated
// environment, either as a native child process or through a ContainerRunner.
type SecureCodeExecutor struct {
	logger    *zap.Logger
	id        string
	limits    ResourceLimits
	language  Language
	files     *FileAccessController
	network   *NetworkController
	syscalls  *SystemCallInterceptor
	container *ContainerRunner
	limiter   ResourceLimiter
	fs        FileSystem
	observer  ProcessObserver

	// run serializes executions
	run sync.Mutex

	mu      sync.Mutex
	history []executionRecord
}

// ExecutorOption defines a functional option for SecureCodeExecutor
type ExecutorOption func(*SecureCodeExecutor)

// WithLanguage sets the language used to run code
func WithLanguage(language Language) ExecutorOption {
	return func(e *SecureCodeExecutor) {
		e.language = language
	}
}

// WithContainerRunner sets the runner used when limits request container mode
func WithContainerRunner(runner *ContainerRunner) ExecutorOption {
	return func(e *SecureCodeExecutor) {
		e.container = runner
	}
}

// WithLimiter sets the ResourceLimiter applied to native children
func WithLimiter(limiter ResourceLimiter) ExecutorOption {
	return func(e *SecureCodeExecutor) {
		e.limiter = limiter
	}
}

// WithFileSystem sets the FileSystem used for environments and code files
func WithFileSystem(fs FileSystem) ExecutorOption {
	return func(e *SecureCodeExecutor) {
		e.fs = fs
	}
}

// WithProcessObserver sets the observer notified of native child processes
func WithProcessObserver(observer ProcessObserver) ExecutorOption {
	return func(e *SecureCodeExecutor) {
		e.observer = observer
	}
}

// NewSecureCodeExecutor validates limits and builds an executor. Requesting
// container mode without an available runtime is an error.
func NewSecureCodeExecutor(logger *zap.Logger, id string, limits ResourceLimits, opts ...ExecutorOption) (*SecureCodeExecutor, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	e := &SecureCodeExecutor{
		logger:   logger.With(zap.String("execution_id", id)),
		id:       id,
		limits:   limits.Clone(),
		language: DefaultLanguage(),
		limiter:  DefaultLimiter(),
		fs:       &RealFileSystem{},
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.limits.UseContainer {
		if e.container == nil {
			e.container = NewContainerRunner(logger.Named("container"), BackendDocker, e.language)
		}
		if !e.container.Available() {
			return nil, fmt.Errorf("%w: %s", ErrRuntimeUnavailable, e.container.Runtime())
		}
	}

	e.files = NewFileAccessController(e.logger, e.limits.AllowedPaths, e.limits.BlockedPaths, WithFileAccessFileSystem(e.fs))
	e.network = NewNetworkController(e.logger, e.limits.MaxNetworkConnections, e.limits.AllowedDomains, e.limits.BlockedDomains)
	e.syscalls = NewSystemCallInterceptor(e.logger, e.limits.AllowedSyscalls, e.limits.BlockedSyscalls)

	return e, nil
}

// ID returns the execution id
func (e *SecureCodeExecutor) ID() string {
	return e.id
}

// Limits returns a copy of the executor's limits
func (e *SecureCodeExecutor) Limits() ResourceLimits {
	return e.limits.Clone()
}

// Language returns the language code is run with
func (e *SecureCodeExecutor) Language() Language {
	return e.language
}

// FileAccess returns the file access controller of this executor
func (e *SecureCodeExecutor) FileAccess() *FileAccessController {
	return e.files
}

// Network returns the network controller of this executor
func (e *SecureCodeExecutor) Network() *NetworkController {
	return e.network
}

// Syscalls returns the syscall interceptor of this executor
func (e *SecureCodeExecutor) Syscalls() *SystemCallInterceptor {
	return e.syscalls
}

// ExecuteCode runs code with the given timeout, or the configured wall-clock
// limit when timeout is zero
func (e *SecureCodeExecutor) ExecuteCode(ctx context.Context, code string, timeout time.Duration) (ExecutionResult, error) {
	return e.Execute(ctx, ExecuteRequest{Code: code, Timeout: timeout})
}

// Execute runs one request. Whatever the code does, the outcome is reported in
// the result; the error is reserved for a misconfigured executor. The isolated
// environment is removed on every path.
func (e *SecureCodeExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error) {
	e.run.Lock()
	defer e.run.Unlock()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.limits.MaxWallTime
	}

	e.network.ResetCount()
	e.syscalls.ResetObserved()

	result, err := e.execute(ctx, req, timeout)
	if cleanupErr := e.files.Cleanup(); cleanupErr != nil {
		e.logger.Error("failed to clean up isolated environment", zap.Error(cleanupErr))
	}
	if err != nil {
		return ExecutionResult{}, err
	}
	result = result.withAccounting(e.files.AccessCount(), e.network.TotalConnections(), e.syscalls.ObservedSyscalls())

	e.record(req.Code, result)

	e.logger.Info("execution finished",
		zap.String("backend", result.Backend),
		zap.Bool("success", result.Success),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.ExecutionTime))
	return result, nil
}

func (e *SecureCodeExecutor) execute(ctx context.Context, req ExecuteRequest, timeout time.Duration) (ExecutionResult, error) {
	backend := BackendNative
	if e.limits.UseContainer {
		backend = e.container.Runtime()
	}

	root, err := e.files.CreateIsolatedEnvironment()
	if err != nil {
		return failedResult(backend, "", fmt.Sprintf("failed to create isolated environment: %v", err), 0), nil
	}

	if len(req.Workdir) > 0 {
		if seedErr := e.files.SeedEnvironment(req.Workdir); seedErr != nil {
			return failedResult(backend, root, fmt.Sprintf("failed to extract workdir: %v", seedErr), 0), nil
		}
	}

	if e.limits.UseContainer {
		return e.container.RunInContainer(ctx, req.Code, e.limits, timeout, root)
	}
	return e.runNative(ctx, req.Code, root, timeout), nil
}

// runNative runs code as a child of this process in its own session. Limits
// are applied to the child pid right after it starts.
//
//nolint:funlen // single flow from spawn to result mapping
func (e *SecureCodeExecutor) runNative(ctx context.Context, code, root string, timeout time.Duration) ExecutionResult {
	codePath := filepath.Join(root, e.language.Filename)
	if !e.files.CheckFileAccess(codePath, AccessWrite) {
		return failedResult(BackendNative, root, "file access denied: "+codePath, 0)
	}
	if err := e.fs.WriteFile(codePath, []byte(code), FilePermission); err != nil {
		return failedResult(BackendNative, root, fmt.Sprintf("failed to write code file: %v", err), 0)
	}
	defer func() {
		if err := e.fs.Remove(codePath); err != nil {
			e.logger.Error("failed to remove code file", zap.String("path", codePath), zap.Error(err))
		}
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(slices.Clone(e.language.Command), codePath)
	cmd := exec.CommandContext(ctxWithTimeout, argv[0], argv[1:]...) //nolint:gosec // running user code is intended functionality
	cmd.Dir = root
	cmd.Env = e.language.environ(root)
	setupProcessGroup(cmd)

	stdout := &limitWriter{buf: &bytes.Buffer{}, limit: e.limits.MaxOutputBytes}
	stderr := &limitWriter{buf: &bytes.Buffer{}, limit: e.limits.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return failedResult(BackendNative, root, fmt.Sprintf("failed to start process: %v", err), time.Since(start))
	}
	pid := cmd.Process.Pid

	if err := e.limiter.Apply(pid, e.limits); err != nil {
		if errors.Is(err, ErrUnsupported) {
			e.logger.Debug("resource limits skipped", zap.String("limiter", e.limiter.Name()), zap.Error(err))
		} else {
			e.logger.Warn("failed to apply resource limits", zap.String("limiter", e.limiter.Name()), zap.Error(err))
		}
	}

	if e.observer != nil {
		e.observer.ProcessStarted(e.id, pid)
	}
	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	// background children share the session and would outlive the run
	if err := killProcessGroup(pid); err != nil && !errors.Is(err, os.ErrProcessDone) {
		e.logger.Warn("failed to kill process group", zap.Int("pid", pid), zap.Error(err))
	}
	if e.observer != nil {
		e.observer.ProcessExited(e.id, pid)
	}

	state := cmd.ProcessState
	res := ExecutionResult{
		Output:        stdout.buf.String(),
		Truncated:     stdout.truncated,
		ExitCode:      -1,
		ExecutionTime: elapsed,
		MemoryUsageMB: peakMemoryMB(state),
		Timestamp:     time.Now(),
		SandboxPath:   root,
		Backend:       BackendNative,
	}
	if state != nil {
		res.ExitCode = state.ExitCode()
		res.CPUTime = state.UserTime() + state.SystemTime()
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctxWithTimeout.Err(), context.DeadlineExceeded):
		res.Error = timeoutMessage
		res.TimedOut = true
	case ctx.Err() != nil:
		res.Error = fmt.Sprintf("execution cancelled: %v", ctx.Err())
	case state != nil && state.Success() && (waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay)):
		res.Success = true
	default:
		if sig, ok := terminationSignal(state); ok {
			res.Error = describeSignal(sig)
			res.LimitExceeded = isLimitSignal(sig)
		} else if errors.As(waitErr, &exitErr) {
			res.Error = exitError(stderr.buf.String(), res.ExitCode)
		} else {
			res.Error = fmt.Sprintf("execution failed: %v", waitErr)
		}
	}

	if !res.Success {
		e.logger.Debug("native execution failed",
			zap.Int("pid", pid),
			zap.String("error", res.Error),
			zap.Duration("elapsed", elapsed))
	}
	return res
}

func (e *SecureCodeExecutor) record(code string, result ExecutionResult) {
	sum := sha256.Sum256([]byte(code))
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, executionRecord{codeHash: hex.EncodeToString(sum[:]), result: result})
}

// GetExecutionStats aggregates every execution of this executor
func (e *SecureCodeExecutor) GetExecutionStats() ExecutionStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return computeStats(e.history)
}

// Cleanup removes any isolated environment left behind. It is safe to call
// repeatedly.
func (e *SecureCodeExecutor) Cleanup() error {
	return e.files.Cleanup()
}
