package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// DefaultLogDir is where session logs are written when none is configured
const DefaultLogDir = "./execution_logs"

const (
	logFileExt       = ".json"
	compressedExt    = ".json.gz"
	logTimeLayout    = "20060102T150405.000000000Z"
	logDirPermission = 0o755
)

// ExecutionLogger buffers session timelines in memory and writes each one to
// its own file when the session ends. The files are the only durable state.
type ExecutionLogger struct {
	logger   *zap.Logger
	dir      string
	compress bool
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string][]ExecutionEvent
}

// LoggerOption defines a functional option for ExecutionLogger
type LoggerOption func(*ExecutionLogger)

// WithCompression writes gzip-compressed session logs
func WithCompression(enabled bool) LoggerOption {
	return func(l *ExecutionLogger) {
		l.compress = enabled
	}
}

// NewExecutionLogger creates a logger writing to dir. The directory is created
// on the first EndSession.
func NewExecutionLogger(logger *zap.Logger, dir string, opts ...LoggerOption) *ExecutionLogger {
	if dir == "" {
		dir = DefaultLogDir
	}
	l := &ExecutionLogger{
		logger:   logger,
		dir:      dir,
		now:      time.Now,
		sessions: make(map[string][]ExecutionEvent),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the log directory
func (l *ExecutionLogger) Dir() string {
	return l.dir
}

// StartSession opens an empty buffer for id
func (l *ExecutionLogger) StartSession(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	l.sessions[id] = []ExecutionEvent{}
	return nil
}

// LogEvent appends ev to the buffer of id
func (l *ExecutionLogger) LogEvent(id string, ev ExecutionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	events, ok := l.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	l.sessions[id] = append(events, ev)
	return nil
}

// Events returns a copy of the buffered timeline of id
func (l *ExecutionLogger) Events(id string) ([]ExecutionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	events, ok := l.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return slices.Clone(events), nil
}

// EndSession writes the buffered timeline and summary of id to a new file and
// discards the buffer. It returns the path written.
func (l *ExecutionLogger) EndSession(id string, summary ExecutionSummary) (string, error) {
	l.mu.Lock()
	events, ok := l.sessions[id]
	delete(l.sessions, id)
	l.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	doc := SessionLog{SessionID: id, Events: events, Summary: summary}
	path, err := l.write(doc)
	if err != nil {
		return "", fmt.Errorf("failed to write session log %s: %w", id, err)
	}

	l.logger.Info("session log written",
		zap.String("session_id", id),
		zap.String("path", path),
		zap.Int("events", len(events)))
	return path, nil
}

// write goes through a temp file and a rename so readers never see a partial
// document.
func (l *ExecutionLogger) write(doc SessionLog) (string, error) {
	if err := os.MkdirAll(l.dir, logDirPermission); err != nil {
		return "", fmt.Errorf("creating log directory: %w", err)
	}

	ext := logFileExt
	if l.compress {
		ext = compressedExt
	}
	name := sanitizeSessionID(doc.SessionID) + "_" + l.now().UTC().Format(logTimeLayout) + ext
	path := filepath.Join(l.dir, name)

	tmp, err := os.CreateTemp(l.dir, ".session-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once renamed
		_ = os.Remove(tmpName)
	}()

	if err := encodeSessionLog(tmp, doc, l.compress); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("renaming session log: %w", err)
	}
	return path, nil
}

func encodeSessionLog(w io.Writer, doc SessionLog, compress bool) error {
	if !compress {
		return encodeJSON(w, doc)
	}

	gz := gzip.NewWriter(w)
	if err := encodeJSON(gz, doc); err != nil {
		_ = gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}
	return nil
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding session log: %w", err)
	}
	return nil
}

// ReadSessionLog reads a file written by EndSession, compressed or not
func ReadSessionLog(path string) (SessionLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return SessionLog{}, fmt.Errorf("opening session log: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return SessionLog{}, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var doc SessionLog
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return SessionLog{}, fmt.Errorf("decoding session log %s: %w", path, err)
	}
	return doc, nil
}

// sanitizeSessionID keeps a session id usable as a file name.
func sanitizeSessionID(id string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
	clean = strings.Trim(clean, ".")
	if clean == "" {
		return "session"
	}
	return clean
}
