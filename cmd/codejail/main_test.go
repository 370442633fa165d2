package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codejail/config"
	"github.com/isdmx/codejail/monitor"
	"github.com/isdmx/codejail/sandbox"
)

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer

	opts, err := parseFlags([]string{"--config", "/etc/codejail", "-t", "3s", "--session", "job", "main.py"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "/etc/codejail", opts.configDir)
	assert.Equal(t, "3s", opts.timeout.String())
	assert.Equal(t, "job", opts.session)
	assert.Equal(t, "main.py", opts.source)

	_, err = parseFlags([]string{}, &stderr)
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "usage: codejail")

	_, err = parseFlags([]string{"a.py", "b.py"}, &stderr)
	require.Error(t, err)

	_, err = parseFlags([]string{"--timeout", "-1s", "a.py"}, &stderr)
	require.Error(t, err)

	_, err = parseFlags([]string{"--help"}, &stderr)
	require.ErrorIs(t, err, pflag.ErrHelp)
}

func TestReadSource(t *testing.T) {
	code, err := readSource("-", strings.NewReader("print(1)"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", code)

	path := filepath.Join(t.TempDir(), "main.py")
	require.NoError(t, os.WriteFile(path, []byte("print(2)"), 0o600))
	code, err = readSource(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "print(2)", code)

	_, err = readSource(filepath.Join(t.TempDir(), "missing.py"), nil)
	require.Error(t, err)
}

func TestRunnerRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("native shell execution requires a POSIX system")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}

	logger := zaptest.NewLogger(t)
	logDir := t.TempDir()
	cfg := &config.Config{
		Sandbox: config.SandboxConfig{
			Backend:     config.BackendNative,
			Language:    "shell",
			TimeoutSec:  5,
			CPUTimeSec:  2,
			MemoryMB:    256,
			MaxOutputKB: 64,
		},
		Languages: map[string]config.Language{
			"shell": {Command: "sh", Filename: "main.sh"},
		},
	}
	cfg.Monitor.LogDir = logDir

	manager, err := sandbox.NewManagerFromConfig(logger, cfg)
	require.NoError(t, err)
	mon, err := monitor.NewFromConfig(logger, cfg)
	require.NoError(t, err)
	defer mon.Close()

	newRunner := func(session string, stdout *bytes.Buffer, code string) *runner {
		return &runner{
			opts:    options{session: session, source: "-"},
			log:     logger,
			manager: manager,
			monitor: mon,
			stdin:   strings.NewReader(code),
			stdout:  stdout,
		}
	}

	t.Run("Success", func(t *testing.T) {
		var stdout bytes.Buffer
		code := newRunner("ok", &stdout, "echo hello").run(context.Background())
		assert.Equal(t, exitOK, code)

		var result sandbox.ExecutionResult
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
		assert.True(t, result.Success)
		assert.Equal(t, "hello\n", result.Output)
		assert.Empty(t, manager.ListExecutions())

		matches, err := filepath.Glob(filepath.Join(logDir, "ok_*.json"))
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})

	t.Run("Failure", func(t *testing.T) {
		var stdout bytes.Buffer
		code := newRunner("bad", &stdout, "exit 3").run(context.Background())
		assert.Equal(t, exitFailed, code)

		var result sandbox.ExecutionResult
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
		assert.False(t, result.Success)
		assert.Equal(t, 3, result.ExitCode)
	})

	t.Run("MissingWorkdir", func(t *testing.T) {
		var stdout bytes.Buffer
		r := newRunner("wd", &stdout, "true")
		r.opts.workdir = filepath.Join(t.TempDir(), "missing.tar.gz")
		assert.Equal(t, exitUsage, r.run(context.Background()))
		assert.Empty(t, stdout.String())
	})
}
