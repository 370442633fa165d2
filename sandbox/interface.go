package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
	// RunCommandLimited keeps at most limit bytes of each stream while it is
	// captured and reports whether stdout was cut. A limit <= 0 keeps everything.
	RunCommandLimited(ctx context.Context, args []string, limit int) (stdout, stderr string, exitCode int, truncated bool, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (r RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	stdout, stderr, exitCode, _, err = r.RunCommandLimited(ctx, args, 0)
	return stdout, stderr, exitCode, err
}

// RunCommandLimited executes the given command, capping each output stream at limit bytes
func (RealCommandRunner) RunCommandLimited(ctx context.Context, args []string, limit int) (stdout, stderr string, exitCode int, truncated bool, err error) {
	if len(args) < 1 {
		return "", "", 0, false, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // arguments are built by this package

	stdoutBuf := &limitWriter{buf: &bytes.Buffer{}, limit: limit}
	stderrBuf := &limitWriter{buf: &bytes.Buffer{}, limit: limit}
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	err = cmd.Run()
	truncated = stdoutBuf.truncated

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return stdoutBuf.buf.String(), stderrBuf.buf.String(), -1, truncated, err
		}
	}

	return stdoutBuf.buf.String(), stderrBuf.buf.String(), exitCode, truncated, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	Chmod(name string, perm os.FileMode) error
	Remove(path string) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) Chmod(name string, perm os.FileMode) error {
	return os.Chmod(name, perm)
}

func (RealFileSystem) Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission and size constants
const (
	DirPermission  = 0755
	FilePermission = 0600
	// CodePermission lets the unprivileged container user read the mounted code
	CodePermission = 0644
	BytesPerKB     = 1024
	BytesPerMB     = 1024 * 1024
)

// limitWriter writes up to limit bytes to buf, then silently discards the rest.
// A limit <= 0 disables the cap.
type limitWriter struct {
	buf       *bytes.Buffer
	limit     int
	truncated bool
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.limit <= 0 {
		return w.buf.Write(p)
	}
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		w.truncated = w.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		// Report all bytes as consumed to avoid short write errors from io.Copy.
		w.buf.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}
