package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codejail/config"
	"github.com/isdmx/codejail/logger"
	"github.com/isdmx/codejail/monitor"
	"github.com/isdmx/codejail/sandbox"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("native shell execution requires a POSIX system")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}
}

// writeConfig writes a config.yaml running shell code natively and returns its directory
func writeConfig(t *testing.T, logDir string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
logging:
  mode: development
  level: debug
sandbox:
  backend: native
  language: shell
  timeout_sec: 5
  cpu_time_sec: 2
  memory_mb: 256
monitor:
  poll_interval: 20ms
  log_dir: %q
  thresholds:
    max_memory_mb: 1024
`, logDir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	return dir
}

// TestIntegrationConfigLoggerSandbox tests the integration between config, logger, and sandbox packages
func TestIntegrationConfigLoggerSandbox(t *testing.T) {
	logDir := t.TempDir()
	cfg, err := config.NewFromPath(writeConfig(t, logDir))
	require.NoError(t, err)
	assert.Equal(t, "shell", cfg.Sandbox.Language)
	assert.Equal(t, logDir, cfg.Monitor.LogDir)

	t.Run("Logger", func(t *testing.T) {
		log, err := logger.NewFromConfig(cfg)
		require.NoError(t, err)
		log.Info("Integration test started")
		_ = log.Sync()
	})

	t.Run("ManagerAndMonitor", func(t *testing.T) {
		manager, err := sandbox.NewManagerFromConfig(zaptest.NewLogger(t), cfg)
		require.NoError(t, err)
		mon, err := monitor.NewFromConfig(zaptest.NewLogger(t), cfg)
		require.NoError(t, err)
		defer mon.Close()

		executor, err := manager.CreateExecutor("cfg-check", sandbox.WithProcessObserver(mon))
		require.NoError(t, err)
		assert.Equal(t, "shell", executor.Language().Name)
		assert.InDelta(t, 1024.0, mon.AlertThresholds()[monitor.ThresholdMemoryMB], 1e-9)
		require.NoError(t, manager.CleanupAll())
	})
}

// TestIntegrationMonitoredExecution runs shell code through the manager while
// the monitor tracks it, then checks the persisted session log.
func TestIntegrationMonitoredExecution(t *testing.T) {
	requireShell(t)

	logDir := t.TempDir()
	cfg, err := config.NewFromPath(writeConfig(t, logDir))
	require.NoError(t, err)

	manager, err := sandbox.NewManagerFromConfig(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	mon, err := monitor.NewFromConfig(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	mon.StartMonitoring()
	defer mon.Close()

	executor, err := manager.CreateExecutor("tracked", sandbox.WithProcessObserver(mon))
	require.NoError(t, err)

	result, err := executor.ExecuteCode(context.Background(), "sleep 0.3\necho done", 0)
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "done\n", result.Output)
	require.NoError(t, manager.TerminateExecution("tracked"))

	assert.Empty(t, mon.ActiveSessions())
	matches, err := filepath.Glob(filepath.Join(logDir, "tracked_*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	doc, err := monitor.ReadSessionLog(matches[0])
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(doc.Events), 2)
	assert.Equal(t, monitor.EventStart, doc.Events[0].Type)
	assert.Equal(t, monitor.EventEnd, doc.Events[len(doc.Events)-1].Type)
	assert.Equal(t, 1, doc.Summary.EventCounts[monitor.EventEnd])
	assert.False(t, doc.Summary.Active)
	assert.GreaterOrEqual(t, doc.Summary.DurationSeconds, 0.0)
}

// TestIntegrationConcurrentExecutions runs several executors at once; every
// one gets its own session log.
func TestIntegrationConcurrentExecutions(t *testing.T) {
	requireShell(t)

	logDir := t.TempDir()
	cfg, err := config.NewFromPath(writeConfig(t, logDir))
	require.NoError(t, err)

	manager, err := sandbox.NewManagerFromConfig(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	mon, err := monitor.NewFromConfig(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	mon.StartMonitoring()
	defer mon.Close()

	const n = 3
	var wg sync.WaitGroup
	results := make([]sandbox.ExecutionResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		executor, err := manager.CreateExecutor(fmt.Sprintf("job-%d", i), sandbox.WithProcessObserver(mon))
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = executor.ExecuteCode(context.Background(), fmt.Sprintf("echo %d", i), 0)
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Success)
		assert.Equal(t, fmt.Sprintf("%d\n", i), results[i].Output)
	}
	assert.Len(t, manager.ListExecutions(), n)
	require.NoError(t, manager.CleanupAll())
	assert.Empty(t, manager.ListExecutions())

	matches, err := filepath.Glob(filepath.Join(logDir, "job-*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, n)
}
