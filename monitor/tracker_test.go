package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTrackEvent(t *testing.T) {
	var forwarded []ExecutionEvent
	tracker := NewExecutionTracker(zaptest.NewLogger(t), 42, "s1",
		WithProbe(NewMockProbe()),
		WithEventSink(func(ev ExecutionEvent) { forwarded = append(forwarded, ev) }))

	_, ok := tracker.TrackEvent(EventStart, "started", map[string]any{"pid": 42})
	require.True(t, ok)
	_, ok = tracker.TrackEvent(EventProgress, "halfway", nil)
	require.True(t, ok)
	assert.False(t, tracker.Ended())

	_, ok = tracker.TrackEvent(EventEnd, "done", nil)
	require.True(t, ok)
	assert.True(t, tracker.Ended())

	_, ok = tracker.TrackEvent(EventEnd, "done again", nil)
	assert.False(t, ok)
	_, ok = tracker.TrackEvent(EventProgress, "late", nil)
	assert.False(t, ok)

	events := tracker.Events()
	require.Len(t, events, 3)
	assert.Equal(t, []EventType{EventStart, EventProgress, EventEnd},
		[]EventType{events[0].Type, events[1].Type, events[2].Type})
	assert.Equal(t, 42, events[0].Data["pid"])
	assert.False(t, events[2].Timestamp.Before(events[0].Timestamp))
	assert.Equal(t, events, forwarded)
}

func TestTrackEventCopiesData(t *testing.T) {
	tracker := NewExecutionTracker(zaptest.NewLogger(t), 1, "s", WithProbe(NewMockProbe()))
	data := map[string]any{"k": "v"}
	tracker.TrackEvent(EventProgress, "p", data)
	data["k"] = "changed"

	assert.Equal(t, "v", tracker.Events()[0].Data["k"])
}

func TestResourceSnapshots(t *testing.T) {
	probe := NewMockProbe()
	tracker := NewExecutionTracker(zaptest.NewLogger(t), 7, "s", WithProbe(probe), WithHistorySize(3))
	start := tracker.StartTime()

	probe.Set(7, ResourceUsage{Timestamp: start.Add(time.Second), CPUTime: 500 * time.Millisecond, MemoryMB: 10})
	first, ok := tracker.SnapshotResourceUsage()
	require.True(t, ok)
	assert.InDelta(t, 50, first.CPUPercent, 0.01)

	probe.Set(7, ResourceUsage{Timestamp: start.Add(2 * time.Second), CPUTime: 1500 * time.Millisecond, MemoryMB: 30})
	second, ok := tracker.SnapshotResourceUsage()
	require.True(t, ok)
	assert.InDelta(t, 100, second.CPUPercent, 0.01)

	for i := 3; i <= 5; i++ {
		probe.Set(7, ResourceUsage{
			Timestamp:  start.Add(time.Duration(i) * time.Second),
			CPUTime:    1500 * time.Millisecond,
			MemoryMB:   float64(i * 10),
			OpenFiles:  i,
			ReadBytes:  uint64(i * 100),
			WriteBytes: uint64(i * 10),
		})
		_, ok = tracker.SnapshotResourceUsage()
		require.True(t, ok)
	}

	history := tracker.History()
	require.Len(t, history, 3)
	assert.InDelta(t, 30.0, history[0].MemoryMB, 1e-9)
	assert.InDelta(t, 50.0, history[2].MemoryMB, 1e-9)
	assert.Zero(t, history[2].CPUPercent)

	summary := tracker.GetExecutionSummary()
	assert.Equal(t, 3, summary.Resources.Samples)
	assert.InDelta(t, 50.0, summary.Resources.PeakMemoryMB, 1e-9)
	assert.InDelta(t, 40.0, summary.Resources.AvgMemoryMB, 1e-9)
	assert.Equal(t, 5, summary.Resources.PeakOpenFiles)
	assert.Equal(t, uint64(500), summary.Resources.ReadBytes)
	assert.Equal(t, uint64(50), summary.Resources.WriteBytes)
}

func TestResourceUsageNoData(t *testing.T) {
	probe := NewMockProbe()
	tracker := NewExecutionTracker(zaptest.NewLogger(t), 9, "s", WithProbe(probe))

	probe.Fail(9)
	_, ok := tracker.GetResourceUsage()
	assert.False(t, ok)
	_, ok = tracker.SnapshotResourceUsage()
	assert.False(t, ok)
	assert.Empty(t, tracker.History())
	assert.True(t, tracker.Alive())

	probe.Kill(9)
	assert.False(t, tracker.Alive())
}

func TestExecutionSummary(t *testing.T) {
	tracker := NewExecutionTracker(zaptest.NewLogger(t), 3, "sum", WithProbe(NewMockProbe()))
	tracker.TrackEvent(EventStart, "start", nil)
	tracker.TrackEvent(EventResourceWarning, "hot", nil)
	tracker.TrackEvent(EventResourceWarning, "hotter", nil)

	active := tracker.GetExecutionSummary()
	assert.True(t, active.Active)
	assert.True(t, active.EndTime.IsZero())
	assert.GreaterOrEqual(t, active.DurationSeconds, 0.0)

	tracker.TrackEvent(EventEnd, "end", nil)
	summary := tracker.GetExecutionSummary()
	assert.False(t, summary.Active)
	assert.False(t, summary.EndTime.IsZero())
	assert.Equal(t, "sum", summary.SessionID)
	assert.Equal(t, 3, summary.PID)
	assert.Equal(t, 4, summary.TotalEvents)
	assert.Equal(t, map[EventType]int{EventStart: 1, EventResourceWarning: 2, EventEnd: 1}, summary.EventCounts)
	assert.Zero(t, summary.Resources.Samples)

	// the duration of an ended session is frozen
	time.Sleep(10 * time.Millisecond)
	assert.InDelta(t, summary.DurationSeconds, tracker.GetExecutionSummary().DurationSeconds, 1e-9)
}
