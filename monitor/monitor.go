package monitor

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/codejail/config"
)

// Export formats accepted by ExportSessionLog
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ExecutionMonitor ties trackers, the real-time monitor and the session logger
// together behind one API keyed by session id.
type ExecutionMonitor struct {
	logger      *zap.Logger
	realtime    *RealTimeMonitor
	store       *ExecutionLogger
	probe       UsageProbe
	historySize int

	mu       sync.Mutex
	sessions map[string]*ExecutionTracker
}

type options struct {
	probe        UsageProbe
	pollInterval time.Duration
	historySize  int
	logDir       string
	compress     bool
	queueLen     int
	thresholds   map[string]float64
}

// Option defines a functional option for ExecutionMonitor
type Option func(*options)

// WithUsageProbe sets the probe every tracker uses
func WithUsageProbe(probe UsageProbe) Option {
	return func(o *options) {
		o.probe = probe
	}
}

// WithPollInterval sets the interval of the background loop
func WithPollInterval(interval time.Duration) Option {
	return func(o *options) {
		o.pollInterval = interval
	}
}

// WithTrackerHistory bounds the snapshot history of each tracker
func WithTrackerHistory(size int) Option {
	return func(o *options) {
		o.historySize = size
	}
}

// WithLogDir sets the directory session logs are written to
func WithLogDir(dir string) Option {
	return func(o *options) {
		o.logDir = dir
	}
}

// WithCompressedLogs writes session logs gzip-compressed
func WithCompressedLogs(enabled bool) Option {
	return func(o *options) {
		o.compress = enabled
	}
}

// WithAlertQueue sets the buffer of each alert observer
func WithAlertQueue(n int) Option {
	return func(o *options) {
		o.queueLen = n
	}
}

// WithThresholds sets the initial alert thresholds
func WithThresholds(thresholds map[string]float64) Option {
	return func(o *options) {
		o.thresholds = thresholds
	}
}

// New creates a monitor. The background loop is not started.
func New(logger *zap.Logger, opts ...Option) (*ExecutionMonitor, error) {
	o := options{
		pollInterval: DefaultPollInterval,
		historySize:  DefaultHistorySize,
		logDir:       DefaultLogDir,
		queueLen:     DefaultAlertQueueLen,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.probe == nil {
		o.probe = DefaultProbe()
	}

	m := &ExecutionMonitor{
		logger:      logger,
		store:       NewExecutionLogger(logger.Named("sessionlog"), o.logDir, WithCompression(o.compress)),
		probe:       o.probe,
		historySize: o.historySize,
		sessions:    make(map[string]*ExecutionTracker),
	}
	m.realtime = NewRealTimeMonitor(logger.Named("realtime"), o.pollInterval,
		WithAlertQueueLen(o.queueLen),
		WithExitHook(m.processGone))

	if o.thresholds != nil {
		if err := m.realtime.SetThresholds(o.thresholds); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewFromConfig creates a monitor from the monitor section of the configuration
func NewFromConfig(logger *zap.Logger, cfg *config.Config) (*ExecutionMonitor, error) {
	mc := cfg.Monitor
	thresholds := map[string]float64{
		ThresholdCPUPercent:  mc.Thresholds.MaxCPUPercent,
		ThresholdMemoryMB:    mc.Thresholds.MaxMemoryMB,
		ThresholdConnections: mc.Thresholds.MaxConnections,
		ThresholdOpenFiles:   mc.Thresholds.MaxOpenFiles,
	}
	// the kernel has no per-process thread ceiling, so the sandbox limit is watched here
	if cfg.Sandbox.MaxThreads > 0 {
		thresholds[ThresholdThreads] = float64(cfg.Sandbox.MaxThreads)
	}
	return New(logger,
		WithPollInterval(mc.PollInterval),
		WithTrackerHistory(mc.HistorySize),
		WithLogDir(mc.LogDir),
		WithCompressedLogs(mc.CompressLogs),
		WithAlertQueue(mc.AlertQueueLen),
		WithThresholds(thresholds),
	)
}

// StartMonitoring starts the background loop; it is idempotent
func (m *ExecutionMonitor) StartMonitoring() {
	m.realtime.Start()
}

// StopMonitoring stops the background loop; it is idempotent
func (m *ExecutionMonitor) StopMonitoring() {
	m.realtime.Stop()
}

// Monitoring reports whether the background loop runs
func (m *ExecutionMonitor) Monitoring() bool {
	return m.realtime.Running()
}

// StartExecutionTracking opens a session for pid: it creates a tracker, logs
// START and registers the tracker with the loop. An empty sessionID is replaced
// with a generated one.
func (m *ExecutionMonitor) StartExecutionTracking(pid int, sessionID string) (*ExecutionTracker, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	if err := m.store.StartSession(sessionID); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	tracker := NewExecutionTracker(m.logger.Named("tracker"), pid, sessionID,
		WithProbe(m.probe),
		WithHistorySize(m.historySize),
		WithEventSink(m.sink(sessionID)))
	m.sessions[sessionID] = tracker
	m.mu.Unlock()

	tracker.TrackEvent(EventStart, "execution tracking started", map[string]any{"pid": pid})
	if err := m.realtime.Register(tracker); err != nil {
		return nil, err
	}

	m.logger.Info("execution tracking started", zap.String("session_id", sessionID), zap.Int("pid", pid))
	return tracker, nil
}

func (m *ExecutionMonitor) sink(sessionID string) func(ExecutionEvent) {
	return func(ev ExecutionEvent) {
		if err := m.store.LogEvent(sessionID, ev); err != nil {
			m.logger.Debug("event not buffered", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// StopExecutionTracking closes a session: END is logged unless the loop already
// saw the process exit, the tracker is deregistered, and the summary is
// persisted with the timeline. The session is dropped even when persisting
// fails.
func (m *ExecutionMonitor) StopExecutionTracking(sessionID string) (ExecutionSummary, error) {
	m.mu.Lock()
	tracker, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return ExecutionSummary{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	m.realtime.Deregister(tracker)
	tracker.TrackEvent(EventEnd, "execution tracking stopped", map[string]any{"pid": tracker.PID()})

	summary := tracker.GetExecutionSummary()
	if _, err := m.store.EndSession(sessionID, summary); err != nil {
		return summary, err
	}

	m.logger.Info("execution tracking stopped",
		zap.String("session_id", sessionID),
		zap.Float64("duration_seconds", summary.DurationSeconds),
		zap.Int("events", summary.TotalEvents))
	return summary, nil
}

// GetSessionSummary returns the current summary of an active session
func (m *ExecutionMonitor) GetSessionSummary(sessionID string) (ExecutionSummary, error) {
	tracker, err := m.tracker(sessionID)
	if err != nil {
		return ExecutionSummary{}, err
	}
	return tracker.GetExecutionSummary(), nil
}

// GetAllSessionsSummary returns the summaries of every active session
func (m *ExecutionMonitor) GetAllSessionsSummary() SessionsOverview {
	m.mu.Lock()
	trackers := make([]*ExecutionTracker, 0, len(m.sessions))
	for _, t := range m.sessions {
		trackers = append(trackers, t)
	}
	m.mu.Unlock()

	overview := SessionsOverview{
		Monitoring:     m.Monitoring(),
		ActiveSessions: len(trackers),
		Sessions:       make(map[string]ExecutionSummary, len(trackers)),
	}
	for _, t := range trackers {
		overview.Sessions[t.SessionID()] = t.GetExecutionSummary()
	}
	return overview
}

// ExportSessionLog writes the timeline and current summary of an active
// session to w as json or yaml
func (m *ExecutionMonitor) ExportSessionLog(sessionID string, w io.Writer, format string) error {
	tracker, err := m.tracker(sessionID)
	if err != nil {
		return err
	}

	doc := SessionLog{
		SessionID: sessionID,
		Events:    tracker.Events(),
		Summary:   tracker.GetExecutionSummary(),
	}

	switch format {
	case FormatJSON, "":
		return encodeJSON(w, doc)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding session log: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// SetAlertThresholds merges new thresholds; unknown keys are rejected
func (m *ExecutionMonitor) SetAlertThresholds(thresholds map[string]float64) error {
	return m.realtime.SetThresholds(thresholds)
}

// AlertThresholds returns the current thresholds
func (m *ExecutionMonitor) AlertThresholds() map[string]float64 {
	return m.realtime.Thresholds()
}

// AddAlertObserver subscribes o to resource alerts
func (m *ExecutionMonitor) AddAlertObserver(o AlertObserver) {
	m.realtime.AddObserver(o)
}

// ActiveSessions returns the ids of the open sessions in sorted order
func (m *ExecutionMonitor) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProcessStarted opens a session named after the execution. It lets a sandbox
// executor report its children without the caller handling pids.
func (m *ExecutionMonitor) ProcessStarted(executionID string, pid int) {
	if _, err := m.StartExecutionTracking(pid, executionID); err != nil {
		m.logger.Warn("failed to start execution tracking",
			zap.String("session_id", executionID), zap.Int("pid", pid), zap.Error(err))
	}
}

// ProcessExited closes the session opened by ProcessStarted
func (m *ExecutionMonitor) ProcessExited(executionID string, pid int) {
	if _, err := m.StopExecutionTracking(executionID); err != nil {
		m.logger.Warn("failed to stop execution tracking",
			zap.String("session_id", executionID), zap.Int("pid", pid), zap.Error(err))
	}
}

// Close stops the loop, persists every open session and shuts down the alert
// observers.
func (m *ExecutionMonitor) Close() error {
	m.StopMonitoring()

	var err error
	for _, id := range m.ActiveSessions() {
		if _, stopErr := m.StopExecutionTracking(id); stopErr != nil {
			err = multierr.Append(err, stopErr)
		}
	}

	m.realtime.Close()
	return err
}

func (m *ExecutionMonitor) tracker(sessionID string) (*ExecutionTracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracker, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return tracker, nil
}

// processGone is called by the loop after it recorded END for an exited
// process. The session stays open until StopExecutionTracking.
func (m *ExecutionMonitor) processGone(t *ExecutionTracker) {
	m.logger.Info("tracked process exited",
		zap.String("session_id", t.SessionID()),
		zap.Int("pid", t.PID()))
}
