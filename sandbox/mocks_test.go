package sandbox

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string]commandResult
	defaultResult  commandResult
	// block makes RunCommand wait for ctx to be done before returning
	block  bool
	calls  [][]string
	limits []int
}

func (m *MockCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), args...))
	block := m.block && len(args) > 1 && args[1] == "run"
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return "partial", "", -1, ctx.Err()
	}

	if result, exists := m.commandResults[strings.Join(args, " ")]; exists {
		return result.stdout, result.stderr, result.exitCode, result.err
	}
	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

// RunCommandLimited caps the canned output the way RealCommandRunner caps a live stream
func (m *MockCommandRunner) RunCommandLimited(ctx context.Context, args []string, limit int) (stdout, stderr string, exitCode int, truncated bool, err error) {
	m.mu.Lock()
	m.limits = append(m.limits, limit)
	m.mu.Unlock()

	stdout, stderr, exitCode, err = m.RunCommand(ctx, args)
	if limit > 0 {
		truncated = len(stdout) > limit
		stdout, stderr = truncate(stdout, limit), truncate(stderr, limit)
	}
	return stdout, stderr, exitCode, truncated, err
}

// Limits returns the output caps passed to RunCommandLimited
func (m *MockCommandRunner) Limits() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.limits...)
}

func (m *MockCommandRunner) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	mu              sync.Mutex
	tempDir         string
	mkdirAllCalls   []string
	writeFileData   map[string][]byte
	removed         []string
	removedAll      []string
	errorOnMkdirAll string
	removeAllErr    error
}

func (m *MockFileSystem) MkdirTemp(dir, _ string) (string, error) {
	if m.tempDir != "" {
		return m.tempDir, nil
	}
	return dir + "/mock-temp", nil
}

func (m *MockFileSystem) MkdirAll(path string, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errorOnMkdirAll != "" && path == m.errorOnMkdirAll {
		return fmt.Errorf("mock mkdir error for %s", path)
	}
	m.mkdirAllCalls = append(m.mkdirAllCalls, path)
	return nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeFileData == nil {
		m.writeFileData = make(map[string][]byte)
	}
	m.writeFileData[filename] = data
	return nil
}

func (*MockFileSystem) Chmod(_ string, _ os.FileMode) error {
	return nil
}

func (m *MockFileSystem) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, path)
	return nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeAllErr != nil {
		return m.removeAllErr
	}
	m.removedAll = append(m.removedAll, path)
	return nil
}
