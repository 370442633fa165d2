package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestExecutionLogger(t *testing.T) {
	t.Run("WritesSessionFile", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "logs")
		l := NewExecutionLogger(zaptest.NewLogger(t), dir)
		l.now = fixedClock(time.Date(2026, 3, 1, 12, 30, 0, 5, time.UTC))

		require.NoError(t, l.StartSession("job/1"))
		require.ErrorIs(t, l.StartSession("job/1"), ErrSessionExists)

		start := ExecutionEvent{Timestamp: time.Now(), Type: EventStart, Message: "start"}
		end := ExecutionEvent{Timestamp: time.Now(), Type: EventEnd, Message: "end"}
		require.NoError(t, l.LogEvent("job/1", start))
		require.NoError(t, l.LogEvent("job/1", end))

		buffered, err := l.Events("job/1")
		require.NoError(t, err)
		assert.Len(t, buffered, 2)

		path, err := l.EndSession("job/1", ExecutionSummary{SessionID: "job/1", TotalEvents: 2})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "job_1_20260301T123000.000000005Z.json"), path)

		doc, err := ReadSessionLog(path)
		require.NoError(t, err)
		assert.Equal(t, "job/1", doc.SessionID)
		require.Len(t, doc.Events, 2)
		assert.Equal(t, EventStart, doc.Events[0].Type)
		assert.Equal(t, EventEnd, doc.Events[1].Type)
		assert.Equal(t, 2, doc.Summary.TotalEvents)

		// the buffer is gone once the session ended
		_, err = l.Events("job/1")
		require.ErrorIs(t, err, ErrSessionNotFound)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("Compressed", func(t *testing.T) {
		dir := t.TempDir()
		l := NewExecutionLogger(zaptest.NewLogger(t), dir, WithCompression(true))

		require.NoError(t, l.StartSession("gz"))
		require.NoError(t, l.LogEvent("gz", ExecutionEvent{Type: EventStart, Message: "start"}))
		path, err := l.EndSession("gz", ExecutionSummary{SessionID: "gz"})
		require.NoError(t, err)
		assert.True(t, filepath.Ext(path) == ".gz")

		doc, err := ReadSessionLog(path)
		require.NoError(t, err)
		require.Len(t, doc.Events, 1)
		assert.Equal(t, "start", doc.Events[0].Message)
	})

	t.Run("UnknownSession", func(t *testing.T) {
		dir := t.TempDir()
		l := NewExecutionLogger(zaptest.NewLogger(t), dir)

		require.ErrorIs(t, l.LogEvent("nope", ExecutionEvent{}), ErrSessionNotFound)
		_, err := l.EndSession("nope", ExecutionSummary{})
		require.ErrorIs(t, err, ErrSessionNotFound)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("WriteFailureDropsBuffer", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(blocker, nil, 0o600))
		l := NewExecutionLogger(zaptest.NewLogger(t), filepath.Join(blocker, "logs"))

		require.NoError(t, l.StartSession("s"))
		_, err := l.EndSession("s", ExecutionSummary{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to write session log s")

		require.NoError(t, l.StartSession("s"))
	})

	t.Run("DefaultDir", func(t *testing.T) {
		l := NewExecutionLogger(zaptest.NewLogger(t), "")
		assert.Equal(t, DefaultLogDir, l.Dir())
	})
}

func TestReadSessionLogErrors(t *testing.T) {
	_, err := ReadSessionLog(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json.gz")
	require.NoError(t, os.WriteFile(bad, []byte("not gzip"), 0o600))
	_, err = ReadSessionLog(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gzip")
}

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc-123_x.y", "abc-123_x.y"},
		{"../../etc/passwd", "_.._etc_passwd"},
		{"a b\tc", "a_b_c"},
		{"...", "session"},
		{"", "session"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeSessionID(tt.in))
		})
	}
}
