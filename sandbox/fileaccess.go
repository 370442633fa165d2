package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// AccessMode is the kind of file access being checked
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
)

func (m AccessMode) String() string {
	if m == AccessWrite {
		return "write"
	}
	return "read"
}

// FileAccessController owns the isolated directory of an execution and decides
// which paths sandboxed code may touch.
type FileAccessController struct {
	logger  *zap.Logger
	fs      FileSystem
	allowed []string
	blocked []string
	tempDir string

	mu       sync.Mutex
	root     string
	accesses int
}

// FileAccessOption defines a functional option for FileAccessController
type FileAccessOption func(*FileAccessController)

// WithFileAccessFileSystem sets the FileSystem used to create and remove the environment
func WithFileAccessFileSystem(fs FileSystem) FileAccessOption {
	return func(c *FileAccessController) {
		c.fs = fs
	}
}

// NewFileAccessController creates a controller for the given allow and block roots
func NewFileAccessController(logger *zap.Logger, allowed, blocked []string, opts ...FileAccessOption) *FileAccessController {
	c := &FileAccessController{
		logger:  logger,
		fs:      &RealFileSystem{},
		allowed: resolveAll(allowed),
		blocked: resolveAll(blocked),
		tempDir: resolvePath(os.TempDir()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateIsolatedEnvironment creates a fresh, uniquely named directory for one
// execution. A previous environment of this controller is removed first.
func (c *FileAccessController) CreateIsolatedEnvironment() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root != "" {
		if err := c.fs.RemoveAll(c.root); err != nil {
			return "", fmt.Errorf("failed to remove previous environment: %w", err)
		}
		c.root = ""
	}

	dir, err := c.fs.MkdirTemp("", "codejail-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}

	c.root = resolvePath(dir)
	c.accesses = 0
	c.logger.Debug("isolated environment created", zap.String("path", c.root))
	return c.root, nil
}

// Path returns the current isolated directory, or "" when none exists
func (c *FileAccessController) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// CheckFileAccess reports whether path may be accessed. Block-listed roots always
// win; otherwise the isolated directory, allow-listed roots and, as a last resort,
// the platform temp root are accessible.
func (c *FileAccessController) CheckFileAccess(path string, mode AccessMode) bool {
	resolved := resolvePath(path)

	c.mu.Lock()
	c.accesses++
	root := c.root
	c.mu.Unlock()

	allowed := c.decide(resolved, root)
	if !allowed {
		c.logger.Debug("file access denied",
			zap.String("path", resolved),
			zap.Stringer("mode", mode))
	}
	return allowed
}

func (c *FileAccessController) decide(path, root string) bool {
	for _, b := range c.blocked {
		if isWithin(path, b) {
			return false
		}
	}
	if root != "" && isWithin(path, root) {
		return true
	}
	for _, a := range c.allowed {
		if isWithin(path, a) {
			return true
		}
	}
	return isWithin(path, c.tempDir)
}

// AccessCount returns the number of checks made since the environment was created
func (c *FileAccessController) AccessCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accesses
}

// Cleanup removes the isolated directory. It is safe to call repeatedly.
func (c *FileAccessController) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root == "" {
		return nil
	}
	if err := c.fs.RemoveAll(c.root); err != nil {
		return fmt.Errorf("failed to remove environment %s: %w", c.root, err)
	}
	c.logger.Debug("isolated environment removed", zap.String("path", c.root))
	c.root = ""
	return nil
}

// SeedEnvironment extracts a tar.gz archive into the isolated directory
func (c *FileAccessController) SeedEnvironment(archive []byte) error {
	root := c.Path()
	if root == "" {
		return fmt.Errorf("no isolated environment to seed")
	}
	return ExtractArchive(c.fs, archive, root)
}

// isWithin reports whether path equals root or lies below it. Both must be clean
// absolute paths.
func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel))
}

// resolvePath makes path absolute and resolves symlinks. When the path does not
// exist, the longest existing parent is resolved and the remainder re-attached,
// so a not-yet-created file under a symlinked directory is still judged by where
// it would really land.
func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}

	var rest []string
	cur := abs
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

func resolveAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		out = append(out, resolvePath(p))
	}
	return out
}
