package monitor

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Threshold keys understood by SetThresholds
const (
	ThresholdCPUPercent  = "max_cpu_percent"
	ThresholdMemoryMB    = "max_memory_mb"
	ThresholdConnections = "max_connections"
	ThresholdOpenFiles   = "max_open_files"
	ThresholdThreads     = "max_threads"
)

const (
	// DefaultPollInterval is how often the loop snapshots every tracker
	DefaultPollInterval = time.Second
	// DefaultAlertQueueLen is the buffer of each alert observer
	DefaultAlertQueueLen = 64
)

// DefaultThresholds returns the ceilings used when none are configured
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		ThresholdCPUPercent:  90,
		ThresholdMemoryMB:    512,
		ThresholdConnections: 10,
		ThresholdOpenFiles:   100,
		ThresholdThreads:     32,
	}
}

// Breach is one threshold exceeded by a snapshot
type Breach struct {
	Metric    string  `json:"metric" yaml:"metric"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Actual    float64 `json:"actual" yaml:"actual"`
}

// Alert is delivered to observers for every RESOURCE_WARNING
type Alert struct {
	Tracker  *ExecutionTracker
	Type     EventType
	Message  string
	Breaches []Breach
	Usage    ResourceUsage
	Time     time.Time
}

// AlertObserver receives alerts on a goroutine of its own
type AlertObserver interface {
	OnAlert(alert Alert)
}

// AlertFunc adapts a function to AlertObserver
type AlertFunc func(alert Alert)

func (f AlertFunc) OnAlert(alert Alert) { f(alert) }

type subscriber struct {
	observer AlertObserver
	queue    chan Alert
}

// RealTimeMonitor polls every registered tracker on one background goroutine
// and raises alerts when a snapshot exceeds a threshold.
type RealTimeMonitor struct {
	logger   *zap.Logger
	interval time.Duration
	queueLen int
	onExit   func(*ExecutionTracker)

	mu         sync.RWMutex
	trackers   map[*ExecutionTracker]struct{}
	thresholds map[string]float64

	subMu       sync.Mutex
	subscribers []*subscriber
	subWG       sync.WaitGroup
	closed      bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	loopWG sync.WaitGroup
}

// RealTimeOption defines a functional option for RealTimeMonitor
type RealTimeOption func(*RealTimeMonitor)

// WithAlertQueueLen sets the buffer of each observer queue
func WithAlertQueueLen(n int) RealTimeOption {
	return func(m *RealTimeMonitor) {
		m.queueLen = n
	}
}

// WithExitHook is called after a tracker whose process exited was deregistered
func WithExitHook(hook func(*ExecutionTracker)) RealTimeOption {
	return func(m *RealTimeMonitor) {
		m.onExit = hook
	}
}

// NewRealTimeMonitor creates a stopped monitor with the default thresholds
func NewRealTimeMonitor(logger *zap.Logger, pollInterval time.Duration, opts ...RealTimeOption) *RealTimeMonitor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	m := &RealTimeMonitor{
		logger:     logger,
		interval:   pollInterval,
		queueLen:   DefaultAlertQueueLen,
		trackers:   make(map[*ExecutionTracker]struct{}),
		thresholds: DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.queueLen <= 0 {
		m.queueLen = DefaultAlertQueueLen
	}
	return m
}

// Register adds a tracker to the poll set. A tracker belongs to at most one
// monitor at a time.
func (m *RealTimeMonitor) Register(t *ExecutionTracker) error {
	if !t.claim(m) {
		return fmt.Errorf("%w: session %s", ErrTrackerRegistered, t.SessionID())
	}
	m.mu.Lock()
	m.trackers[t] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Deregister removes a tracker from the poll set. Unknown trackers are ignored.
func (m *RealTimeMonitor) Deregister(t *ExecutionTracker) {
	m.mu.Lock()
	delete(m.trackers, t)
	m.mu.Unlock()
	t.release(m)
}

// Trackers returns the registered trackers ordered by session id
func (m *RealTimeMonitor) Trackers() []*ExecutionTracker {
	m.mu.RLock()
	trackers := make([]*ExecutionTracker, 0, len(m.trackers))
	for t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.mu.RUnlock()

	sort.Slice(trackers, func(i, j int) bool {
		return trackers[i].SessionID() < trackers[j].SessionID()
	})
	return trackers
}

// SetThresholds merges values into the current thresholds. Every key must be
// known and every value non-negative; on error nothing is changed.
func (m *RealTimeMonitor) SetThresholds(values map[string]float64) error {
	known := DefaultThresholds()
	for key, value := range values {
		if _, ok := known[key]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownThreshold, key)
		}
		if value < 0 {
			return fmt.Errorf("threshold %s must not be negative, got: %g", key, value)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.thresholds, values)
	return nil
}

// Thresholds returns a copy of the current thresholds
func (m *RealTimeMonitor) Thresholds() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.thresholds)
}

// AddObserver subscribes o to alerts. Each observer is served by its own
// goroutine and bounded queue; when the queue is full the alert is dropped.
func (m *RealTimeMonitor) AddObserver(o AlertObserver) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		m.logger.Warn("observer added to a closed monitor is ignored")
		return
	}

	sub := &subscriber{observer: o, queue: make(chan Alert, m.queueLen)}
	m.subscribers = append(m.subscribers, sub)
	m.subWG.Add(1)
	go m.serve(sub)
}

func (m *RealTimeMonitor) serve(sub *subscriber) {
	defer m.subWG.Done()
	for alert := range sub.queue {
		m.deliver(sub.observer, alert)
	}
}

func (m *RealTimeMonitor) deliver(o AlertObserver, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert observer panicked",
				zap.String("session_id", alert.Tracker.SessionID()),
				zap.Any("panic", r))
		}
	}()
	o.OnAlert(alert)
}

func (m *RealTimeMonitor) dispatch(alert Alert) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return
	}
	for _, sub := range m.subscribers {
		select {
		case sub.queue <- alert:
		default:
			m.logger.Warn("alert queue full, alert dropped",
				zap.String("session_id", alert.Tracker.SessionID()))
		}
	}
}

// Start launches the poll loop. Calling Start on a running monitor is a no-op.
func (m *RealTimeMonitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.loopWG.Add(1)
	go m.loop(ctx)

	m.logger.Info("real-time monitoring started", zap.Duration("interval", m.interval))
}

// Stop halts the poll loop and waits for the current tick to finish. Calling
// Stop on a stopped monitor is a no-op.
func (m *RealTimeMonitor) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.loopWG.Wait()
	m.logger.Info("real-time monitoring stopped")
}

// Running reports whether the poll loop is active
func (m *RealTimeMonitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

// Close stops the loop and shuts down every observer goroutine after its
// queue is drained.
func (m *RealTimeMonitor) Close() {
	m.Stop()

	m.subMu.Lock()
	if !m.closed {
		m.closed = true
		for _, sub := range m.subscribers {
			close(sub.queue)
		}
	}
	m.subMu.Unlock()

	m.subWG.Wait()
}

func (m *RealTimeMonitor) loop(ctx context.Context) {
	defer m.loopWG.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PollOnce()
		}
	}
}

// PollOnce runs one tick over a copy of the registered trackers
func (m *RealTimeMonitor) PollOnce() {
	thresholds := m.Thresholds()
	for _, t := range m.Trackers() {
		m.poll(t, thresholds)
	}
}

func (m *RealTimeMonitor) poll(t *ExecutionTracker, thresholds map[string]float64) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("tracker poll panicked",
				zap.String("session_id", t.SessionID()),
				zap.Any("panic", r))
		}
	}()

	if !t.Alive() {
		_, recorded := t.TrackEvent(EventEnd, "process exited", map[string]any{"pid": t.PID()})
		m.Deregister(t)
		m.logger.Debug("tracker deregistered after exit", zap.String("session_id", t.SessionID()))
		if recorded && m.onExit != nil {
			m.onExit(t)
		}
		return
	}

	usage, ok := t.SnapshotResourceUsage()
	if !ok {
		m.logger.Debug("no data this tick", zap.String("session_id", t.SessionID()))
		return
	}

	breaches := evaluate(usage, thresholds)
	if len(breaches) == 0 {
		return
	}

	message := describeBreaches(breaches)
	details := make([]map[string]any, 0, len(breaches))
	for _, b := range breaches {
		details = append(details, map[string]any{
			"metric":    b.Metric,
			"threshold": b.Threshold,
			"actual":    b.Actual,
		})
	}
	event, recorded := t.TrackEvent(EventResourceWarning, message, map[string]any{"breaches": details})
	if !recorded {
		return
	}

	m.logger.Warn("resource threshold exceeded",
		zap.String("session_id", t.SessionID()),
		zap.Int("pid", t.PID()),
		zap.String("details", message))

	m.dispatch(Alert{
		Tracker:  t,
		Type:     event.Type,
		Message:  message,
		Breaches: breaches,
		Usage:    usage,
		Time:     event.Timestamp,
	})
}

// evaluate compares a snapshot with the thresholds in a fixed metric order.
func evaluate(u ResourceUsage, thresholds map[string]float64) []Breach {
	checks := []struct {
		key    string
		actual float64
	}{
		{ThresholdCPUPercent, u.CPUPercent},
		{ThresholdMemoryMB, u.MemoryMB},
		{ThresholdConnections, float64(u.NetworkConnections)},
		{ThresholdOpenFiles, float64(u.OpenFiles)},
		{ThresholdThreads, float64(u.Threads)},
	}

	var breaches []Breach
	for _, c := range checks {
		limit, ok := thresholds[c.key]
		if !ok || c.actual <= limit {
			continue
		}
		breaches = append(breaches, Breach{Metric: c.key, Threshold: limit, Actual: c.actual})
	}
	return breaches
}

func describeBreaches(breaches []Breach) string {
	parts := make([]string, 0, len(breaches))
	for _, b := range breaches {
		parts = append(parts, fmt.Sprintf("%s %.2f > %.2f", b.Metric, b.Actual, b.Threshold))
	}
	return "resource threshold exceeded: " + strings.Join(parts, ", ")
}
