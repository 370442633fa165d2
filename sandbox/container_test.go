package sandbox

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func probeResult(available bool) RuntimeProbe {
	return func(context.Context, string) bool { return available }
}

func TestContainerRunnerUnavailable(t *testing.T) {
	cmdRunner := &MockCommandRunner{}
	runner := NewContainerRunner(zaptest.NewLogger(t), BackendDocker, DefaultLanguage(),
		WithContainerProbe(probeResult(false)),
		WithContainerCommandRunner(cmdRunner))

	assert.False(t, runner.Available())

	_, err := runner.RunInContainer(context.Background(), "print(1)", DefaultResourceLimits(), time.Second, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuntimeUnavailable))
	assert.True(t, errors.Is(err, ErrSecurityViolation))
	assert.Empty(t, cmdRunner.Calls())
}

func TestRunInContainer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	limits := DefaultResourceLimits()
	limits.MaxMemoryMB = 256

	t.Run("Success", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{defaultResult: commandResult{stdout: "hello\n"}}
		mockFS := &MockFileSystem{}
		runner := NewContainerRunner(logger, BackendPodman, DefaultLanguage(),
			WithContainerProbe(probeResult(true)),
			WithContainerCommandRunner(cmdRunner),
			WithContainerFileSystem(mockFS),
			WithScratchSize(16))

		res, err := runner.RunInContainer(context.Background(), "print('hello')", limits, 5*time.Second, "/work")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "hello\n", res.Output)
		assert.Equal(t, BackendPodman, res.Backend)
		assert.Equal(t, "/work", res.SandboxPath)

		calls := cmdRunner.Calls()
		require.Len(t, calls, 1)
		args := calls[0]
		joined := strings.Join(args, " ")
		assert.Equal(t, []string{"podman", "run", "--rm"}, args[:3])
		assert.Contains(t, joined, "--network none")
		assert.Contains(t, joined, "--memory 256m")
		assert.Contains(t, joined, "--memory-swap 256m")
		assert.Contains(t, joined, "--cpus 1")
		assert.Contains(t, joined, "--pids-limit 1")
		assert.Contains(t, joined, "--read-only")
		assert.Contains(t, joined, "--tmpfs /tmp:rw,noexec,nosuid,size=16m")
		assert.Contains(t, joined, "--security-opt no-new-privileges")
		assert.Contains(t, joined, "--cap-drop ALL")
		assert.Contains(t, joined, "-v /work:/sandbox:ro")

		// image, interpreter, then the mounted code file
		imageIdx := slices.Index(args, "python:3.11-slim")
		require.Positive(t, imageIdx)
		assert.Equal(t, []string{"python3", "-I", "-u"}, args[imageIdx+1:imageIdx+4])
		codeArg := args[len(args)-1]
		assert.True(t, strings.HasPrefix(codeArg, "/sandbox/"))
		assert.True(t, strings.HasSuffix(codeArg, "main.py"))

		// the code file was written under the workdir and removed afterwards
		require.Len(t, mockFS.writeFileData, 1)
		for path, data := range mockFS.writeFileData {
			assert.Equal(t, "print('hello')", string(data))
			assert.Contains(t, mockFS.removed, path)
			assert.True(t, strings.HasPrefix(path, "/work/"))
		}
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{defaultResult: commandResult{stderr: "Traceback", exitCode: 1}}
		runner := NewContainerRunner(logger, BackendDocker, DefaultLanguage(),
			WithContainerProbe(probeResult(true)),
			WithContainerCommandRunner(cmdRunner),
			WithContainerFileSystem(&MockFileSystem{}))

		res, err := runner.RunInContainer(context.Background(), "raise SystemExit(1)", limits, 5*time.Second, "/work")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, 1, res.ExitCode)
		assert.Equal(t, "Traceback", res.Error)
	})

	t.Run("RuntimeFailure", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{defaultResult: commandResult{exitCode: -1, err: errors.New("exec: not found")}}
		runner := NewContainerRunner(logger, BackendDocker, DefaultLanguage(),
			WithContainerProbe(probeResult(true)),
			WithContainerCommandRunner(cmdRunner),
			WithContainerFileSystem(&MockFileSystem{}))

		res, err := runner.RunInContainer(context.Background(), "print(1)", limits, 5*time.Second, "/work")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "failed to run container")
	})

	t.Run("OutputCapped", func(t *testing.T) {
		capped := limits
		capped.MaxOutputBytes = 16
		cmdRunner := &MockCommandRunner{defaultResult: commandResult{stdout: strings.Repeat("x", 64)}}
		runner := NewContainerRunner(logger, BackendDocker, DefaultLanguage(),
			WithContainerProbe(probeResult(true)),
			WithContainerCommandRunner(cmdRunner),
			WithContainerFileSystem(&MockFileSystem{}))

		res, err := runner.RunInContainer(context.Background(), "print('x' * 64)", capped, 5*time.Second, "/work")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, strings.Repeat("x", 16), res.Output)
		assert.True(t, res.Truncated)
		assert.Equal(t, []int{16}, cmdRunner.Limits())
	})

	t.Run("Timeout", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{block: true}
		mockFS := &MockFileSystem{}
		runner := NewContainerRunner(logger, BackendDocker, DefaultLanguage(),
			WithContainerProbe(probeResult(true)),
			WithContainerCommandRunner(cmdRunner),
			WithContainerFileSystem(mockFS))

		res, err := runner.RunInContainer(context.Background(), "while True: pass", limits, 50*time.Millisecond, "")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.True(t, res.TimedOut)
		assert.Equal(t, "Execution timeout", res.Error)

		calls := cmdRunner.Calls()
		require.Len(t, calls, 2)
		assert.Equal(t, "kill", calls[1][1])
		assert.True(t, strings.HasPrefix(calls[1][2], "codejail-"))

		// a throwaway workdir was created and removed
		assert.Len(t, mockFS.removed, 1)
		assert.Len(t, mockFS.removedAll, 1)
	})
}

func TestRealCommandRunnerLimited(t *testing.T) {
	requireShell(t)
	args := []string{"sh", "-c", "yes | head -c 100000; yes 2>/dev/null | head -c 100000 >&2"}

	stdout, stderr, exitCode, truncated, err := RealCommandRunner{}.RunCommandLimited(context.Background(), args, 1024)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.Len(t, stdout, 1024)
	assert.Len(t, stderr, 1024)
	assert.True(t, truncated)

	stdout, _, _, err = RealCommandRunner{}.RunCommand(context.Background(), args)
	require.NoError(t, err)
	assert.Len(t, stdout, 100000)
}

func TestCachedProbe(t *testing.T) {
	const runtime = "codejail-no-such-runtime"
	assert.False(t, cachedProbe(context.Background(), runtime))

	runtimeProbesMu.Lock()
	cached, ok := runtimeProbes[runtime]
	runtimeProbesMu.Unlock()
	assert.True(t, ok)
	assert.False(t, cached)
}
