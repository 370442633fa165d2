package monitor

import (
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHistorySize bounds the snapshot history of a tracker
const DefaultHistorySize = 600

// ExecutionTracker accumulates the event timeline and resource snapshots of one
// externally started process.
type ExecutionTracker struct {
	logger      *zap.Logger
	pid         int
	sessionID   string
	probe       UsageProbe
	historySize int
	sink        func(ExecutionEvent)
	startTime   time.Time

	mu         sync.Mutex
	events     []ExecutionEvent
	history    []ResourceUsage
	lastCPU    time.Duration
	lastSample time.Time
	endTime    time.Time
	owner      *RealTimeMonitor
}

// TrackerOption defines a functional option for ExecutionTracker
type TrackerOption func(*ExecutionTracker)

// WithProbe sets the probe used for snapshots
func WithProbe(probe UsageProbe) TrackerOption {
	return func(t *ExecutionTracker) {
		t.probe = probe
	}
}

// WithHistorySize bounds the snapshot history; the oldest snapshot is dropped first
func WithHistorySize(size int) TrackerOption {
	return func(t *ExecutionTracker) {
		t.historySize = size
	}
}

// WithEventSink forwards every tracked event, e.g. to an ExecutionLogger
func WithEventSink(sink func(ExecutionEvent)) TrackerOption {
	return func(t *ExecutionTracker) {
		t.sink = sink
	}
}

// NewExecutionTracker creates a tracker for pid
func NewExecutionTracker(logger *zap.Logger, pid int, sessionID string, opts ...TrackerOption) *ExecutionTracker {
	t := &ExecutionTracker{
		logger:      logger.With(zap.String("session_id", sessionID), zap.Int("pid", pid)),
		pid:         pid,
		sessionID:   sessionID,
		historySize: DefaultHistorySize,
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.probe == nil {
		t.probe = DefaultProbe()
	}
	if t.historySize <= 0 {
		t.historySize = DefaultHistorySize
	}
	return t
}

// PID returns the tracked process id
func (t *ExecutionTracker) PID() int { return t.pid }

// SessionID returns the session the tracker belongs to
func (t *ExecutionTracker) SessionID() string { return t.sessionID }

// StartTime returns when tracking began
func (t *ExecutionTracker) StartTime() time.Time { return t.startTime }

// TrackEvent appends an event to the timeline. Once END is recorded the
// timeline is closed: later events, including a second END, are dropped and
// reported with ok=false.
func (t *ExecutionTracker) TrackEvent(eventType EventType, message string, data map[string]any) (event ExecutionEvent, ok bool) {
	event = ExecutionEvent{
		Timestamp: time.Now(),
		Type:      eventType,
		Message:   message,
		Data:      maps.Clone(data),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.endTime.IsZero() {
		return event, false
	}
	if eventType == EventEnd {
		t.endTime = event.Timestamp
	}
	t.events = append(t.events, event)

	// Forwarded under the lock so the sink sees the timeline order.
	if t.sink != nil {
		t.sink(event)
	}
	return event, true
}

// Events returns a copy of the timeline
func (t *ExecutionTracker) Events() []ExecutionEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.events)
}

// Ended reports whether END has been recorded
func (t *ExecutionTracker) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.endTime.IsZero()
}

// Alive reports whether the session is open and the process still runs
func (t *ExecutionTracker) Alive() bool {
	if t.Ended() {
		return false
	}
	return t.probe.Alive(t.pid)
}

// GetResourceUsage takes a best-effort snapshot. CPUPercent is the CPU time
// consumed since the previous snapshot relative to the wall time elapsed; the
// first snapshot measures from the start of tracking. ok is false when the
// process has exited or cannot be read.
func (t *ExecutionTracker) GetResourceUsage() (usage ResourceUsage, ok bool) {
	usage, err := t.probe.Usage(t.pid)
	if err != nil {
		t.logger.Debug("no resource data", zap.Error(err))
		return ResourceUsage{}, false
	}
	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	since, prevCPU := t.lastSample, t.lastCPU
	if since.IsZero() {
		since, prevCPU = t.startTime, 0
	}
	if wall := usage.Timestamp.Sub(since); wall > 0 && usage.CPUTime >= prevCPU {
		usage.CPUPercent = float64(usage.CPUTime-prevCPU) / float64(wall) * 100
	}
	t.lastSample, t.lastCPU = usage.Timestamp, usage.CPUTime
	return usage, true
}

// SnapshotResourceUsage takes a snapshot and appends it to the bounded history
func (t *ExecutionTracker) SnapshotResourceUsage() (ResourceUsage, bool) {
	usage, ok := t.GetResourceUsage()
	if !ok {
		return ResourceUsage{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, usage)
	if over := len(t.history) - t.historySize; over > 0 {
		t.history = slices.Delete(t.history, 0, over)
	}
	return usage, true
}

// History returns a copy of the snapshot history, oldest first
func (t *ExecutionTracker) History() []ResourceUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.history)
}

// GetExecutionSummary computes duration, per-type event counts and aggregate
// resource statistics. An open session is measured up to now.
func (t *ExecutionTracker) GetExecutionSummary() ExecutionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.endTime
	active := end.IsZero()
	if active {
		end = time.Now()
	}
	duration := end.Sub(t.startTime).Seconds()
	if duration < 0 {
		duration = 0
	}

	counts := make(map[EventType]int)
	for _, ev := range t.events {
		counts[ev.Type]++
	}

	summary := ExecutionSummary{
		SessionID:       t.sessionID,
		PID:             t.pid,
		StartTime:       t.startTime,
		DurationSeconds: duration,
		EventCounts:     counts,
		TotalEvents:     len(t.events),
		Resources:       aggregate(t.history),
		Active:          active,
	}
	if !active {
		summary.EndTime = t.endTime
	}
	return summary
}

func aggregate(history []ResourceUsage) ResourceStats {
	stats := ResourceStats{Samples: len(history)}
	if len(history) == 0 {
		return stats
	}

	var cpuSum, memSum float64
	for _, u := range history {
		cpuSum += u.CPUPercent
		memSum += u.MemoryMB
		stats.PeakCPUPercent = max(stats.PeakCPUPercent, u.CPUPercent)
		stats.PeakMemoryMB = max(stats.PeakMemoryMB, u.MemoryMB)
		stats.PeakConnections = max(stats.PeakConnections, u.NetworkConnections)
		stats.PeakOpenFiles = max(stats.PeakOpenFiles, u.OpenFiles)
		stats.PeakThreads = max(stats.PeakThreads, u.Threads)
	}
	stats.AvgCPUPercent = cpuSum / float64(len(history))
	stats.AvgMemoryMB = memSum / float64(len(history))

	// I/O counters are cumulative; the latest snapshot carries the totals.
	last := history[len(history)-1]
	stats.ReadBytes = last.ReadBytes
	stats.WriteBytes = last.WriteBytes
	return stats
}

// claim marks the tracker as owned by m. It fails when another monitor, or m
// itself, already owns it.
func (t *ExecutionTracker) claim(m *RealTimeMonitor) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != nil {
		return false
	}
	t.owner = m
	return true
}

func (t *ExecutionTracker) release(m *RealTimeMonitor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner == m {
		t.owner = nil
	}
}
