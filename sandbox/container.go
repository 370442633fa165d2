package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultScratchSizeMB is the size of the writable /tmp mount inside the container
const DefaultScratchSizeMB = 64

// containerCodeDir is where the isolated directory is mounted read-only
const containerCodeDir = "/sandbox"

// runtimeProbes caches one availability answer per runtime name for the
// lifetime of the process.
var (
	runtimeProbesMu sync.Mutex
	runtimeProbes   = map[string]bool{}
)

// RuntimeProbe reports whether a container runtime can be used
type RuntimeProbe func(ctx context.Context, runtime string) bool

// probeRuntime looks the binary up on PATH and asks it for its version.
func probeRuntime(ctx context.Context, runtime string) bool {
	path, err := exec.LookPath(runtime)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, path, "version").Run() == nil //nolint:gosec // runtime name comes from config
}

func cachedProbe(ctx context.Context, runtime string) bool {
	runtimeProbesMu.Lock()
	defer runtimeProbesMu.Unlock()
	if available, ok := runtimeProbes[runtime]; ok {
		return available
	}
	available := probeRuntime(ctx, runtime)
	runtimeProbes[runtime] = available
	return available
}

// ContainerRunner executes code through an external container runtime with the
// network disabled and a read-only root filesystem.
type ContainerRunner struct {
	logger        *zap.Logger
	runtime       string
	language      Language
	scratchSizeMB int
	available     bool
	cmdRunner     CommandRunner
	fs            FileSystem
}

// ContainerRunnerOption defines a functional option for ContainerRunner
type ContainerRunnerOption func(*containerRunnerOptions)

type containerRunnerOptions struct {
	probe         RuntimeProbe
	cmdRunner     CommandRunner
	fs            FileSystem
	scratchSizeMB int
}

// WithContainerProbe replaces the process-wide cached probe
func WithContainerProbe(probe RuntimeProbe) ContainerRunnerOption {
	return func(o *containerRunnerOptions) {
		o.probe = probe
	}
}

// WithContainerCommandRunner sets the CommandRunner used to invoke the runtime
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerRunnerOption {
	return func(o *containerRunnerOptions) {
		o.cmdRunner = cmdRunner
	}
}

// WithContainerFileSystem sets the FileSystem used for the code file
func WithContainerFileSystem(fs FileSystem) ContainerRunnerOption {
	return func(o *containerRunnerOptions) {
		o.fs = fs
	}
}

// WithScratchSize sets the size of the writable scratch mount
func WithScratchSize(sizeMB int) ContainerRunnerOption {
	return func(o *containerRunnerOptions) {
		o.scratchSizeMB = sizeMB
	}
}

// NewContainerRunner probes runtime ("docker" or "podman") once and caches the
// answer; Available never changes afterwards.
func NewContainerRunner(logger *zap.Logger, runtime string, language Language, opts ...ContainerRunnerOption) *ContainerRunner {
	o := containerRunnerOptions{
		probe:         cachedProbe,
		cmdRunner:     &RealCommandRunner{},
		fs:            &RealFileSystem{},
		scratchSizeMB: DefaultScratchSizeMB,
	}
	for _, opt := range opts {
		opt(&o)
	}
	// size=0 would make the tmpfs unbounded
	if o.scratchSizeMB <= 0 {
		o.scratchSizeMB = DefaultScratchSizeMB
	}

	r := &ContainerRunner{
		logger:        logger,
		runtime:       runtime,
		language:      language,
		scratchSizeMB: o.scratchSizeMB,
		cmdRunner:     o.cmdRunner,
		fs:            o.fs,
	}
	r.available = o.probe(context.Background(), runtime)
	logger.Debug("container runtime probed", zap.String("runtime", runtime), zap.Bool("available", r.available))
	return r
}

// Available reports whether the runtime was found at construction
func (r *ContainerRunner) Available() bool {
	return r.available
}

// Runtime returns the runtime binary name
func (r *ContainerRunner) Runtime() string {
	return r.runtime
}

// RunInContainer runs code in a fresh container. When workdir is empty a
// throwaway directory is created for the code file. The code file is always
// removed. Failures of the code itself are reported in the result; the error
// is reserved for an unavailable runtime.
//
//nolint:funlen // linear sequence of setup, run, and result mapping
func (r *ContainerRunner) RunInContainer(ctx context.Context, code string, limits ResourceLimits, timeout time.Duration, workdir string) (ExecutionResult, error) {
	if !r.available {
		return ExecutionResult{}, fmt.Errorf("%w: %s not found", ErrRuntimeUnavailable, r.runtime)
	}
	if timeout <= 0 {
		timeout = limits.MaxWallTime
	}

	if workdir == "" {
		dir, err := r.fs.MkdirTemp("", "codejail-container-*")
		if err != nil {
			return failedResult(r.runtime, "", fmt.Sprintf("failed to create temp dir: %v", err), 0), nil
		}
		defer func() {
			if rmErr := r.fs.RemoveAll(dir); rmErr != nil {
				r.logger.Error("failed to remove temp directory", zap.String("path", dir), zap.Error(rmErr))
			}
		}()
		workdir = dir
	}

	// The unprivileged container user must be able to reach the mounted code.
	if err := r.fs.Chmod(workdir, DirPermission); err != nil {
		return failedResult(r.runtime, workdir, fmt.Sprintf("failed to prepare code directory: %v", err), 0), nil
	}

	id := uuid.NewString()
	codeFile := id + "-" + r.language.Filename
	codePath := filepath.Join(workdir, codeFile)
	if err := r.fs.WriteFile(codePath, []byte(code), CodePermission); err != nil {
		return failedResult(r.runtime, workdir, fmt.Sprintf("failed to write code file: %v", err), 0), nil
	}
	defer func() {
		if rmErr := r.fs.Remove(codePath); rmErr != nil {
			r.logger.Error("failed to remove code file", zap.String("path", codePath), zap.Error(rmErr))
		}
	}()

	containerName := "codejail-" + id
	args := r.buildArgs(containerName, workdir, codeFile, limits)

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.Debug("starting container",
		zap.String("runtime", r.runtime),
		zap.String("container", containerName),
		zap.String("image", r.language.Image))

	start := time.Now()
	stdout, stderr, exitCode, truncated, err := r.cmdRunner.RunCommandLimited(ctxWithTimeout, args, limits.MaxOutputBytes)
	elapsed := time.Since(start)

	if errors.Is(ctxWithTimeout.Err(), context.DeadlineExceeded) {
		// The CLI process was killed; make sure the container follows.
		killCtx, killCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer killCancel()
		if _, _, _, killErr := r.cmdRunner.RunCommand(killCtx, []string{r.runtime, "kill", containerName}); killErr != nil {
			r.logger.Warn("failed to kill container after timeout", zap.String("container", containerName), zap.Error(killErr))
		}

		res := failedResult(r.runtime, workdir, timeoutMessage, elapsed)
		res.Output = truncate(stdout, limits.MaxOutputBytes)
		res.Truncated = truncated
		res.TimedOut = true
		return res, nil
	}

	if err != nil {
		return failedResult(r.runtime, workdir, fmt.Sprintf("failed to run container: %v", err), elapsed), nil
	}

	res := ExecutionResult{
		Success:       exitCode == 0,
		Output:        truncate(stdout, limits.MaxOutputBytes),
		ExitCode:      exitCode,
		ExecutionTime: elapsed,
		Timestamp:     time.Now(),
		SandboxPath:   workdir,
		Backend:       r.runtime,
		Truncated:     truncated,
	}
	if exitCode != 0 {
		res.Error = exitError(stderr, exitCode)
	}
	return res, nil
}

// buildArgs assembles the runtime invocation with every containment flag.
func (r *ContainerRunner) buildArgs(containerName, workdir, codeFile string, limits ResourceLimits) []string {
	memory := strconv.Itoa(limits.MaxMemoryMB) + "m"
	args := []string{
		r.runtime, "run",
		"--rm",
		"--name", containerName,
		"--network", "none",
		"--memory", memory,
		"--memory-swap", memory,
		"--cpus", "1",
		"--pids-limit", "1",
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%dm", r.scratchSizeMB),
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--user", "nobody",
		"-v", fmt.Sprintf("%s:%s:ro", workdir, containerCodeDir),
		"--workdir", "/tmp",
	}
	if limits.MaxOpenFiles > 0 {
		args = append(args, "--ulimit", fmt.Sprintf("nofile=%d:%d", limits.MaxOpenFiles, limits.MaxOpenFiles))
	}
	if limits.MaxCPUTime > 0 {
		secs := int(limits.MaxCPUTime.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d:%d", secs, secs))
	}
	for _, kv := range sortedEnv(r.language.Environment) {
		args = append(args, "-e", kv)
	}

	args = append(args, r.language.Image)
	args = append(args, r.language.Command...)
	args = append(args, containerCodeDir+"/"+codeFile)
	return args
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	out := make([]string, 0, len(keys))
	for _, k := range sortedKeys(toSet(keys)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func truncate(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

func exitError(stderr string, exitCode int) string {
	if stderr != "" {
		return stderr
	}
	return fmt.Sprintf("exit status %d", exitCode)
}
