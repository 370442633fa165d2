package monitor

import "time"

// EventType classifies an entry of a session timeline
type EventType string

const (
	EventStart           EventType = "START"
	EventProgress        EventType = "PROGRESS"
	EventError           EventType = "ERROR"
	EventEnd             EventType = "END"
	EventResourceWarning EventType = "RESOURCE_WARNING"
)

// ExecutionEvent is one entry of a session timeline
type ExecutionEvent struct {
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Type      EventType      `json:"type" yaml:"type"`
	Message   string         `json:"message" yaml:"message"`
	Data      map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// ResourceUsage is one best-effort snapshot of a process
type ResourceUsage struct {
	Timestamp          time.Time     `json:"timestamp" yaml:"timestamp"`
	CPUPercent         float64       `json:"cpu_percent" yaml:"cpu_percent"`
	CPUTime            time.Duration `json:"cpu_time" yaml:"cpu_time"`
	MemoryMB           float64       `json:"memory_mb" yaml:"memory_mb"`
	MemoryPercent      float64       `json:"memory_percent" yaml:"memory_percent"`
	ReadBytes          uint64        `json:"read_bytes" yaml:"read_bytes"`
	WriteBytes         uint64        `json:"write_bytes" yaml:"write_bytes"`
	ReadOps            uint64        `json:"read_ops" yaml:"read_ops"`
	WriteOps           uint64        `json:"write_ops" yaml:"write_ops"`
	NetworkConnections int           `json:"network_connections" yaml:"network_connections"`
	OpenFiles          int           `json:"open_files" yaml:"open_files"`
	Threads            int           `json:"threads" yaml:"threads"`
}

// ResourceStats aggregates the snapshot history of a tracker
type ResourceStats struct {
	Samples         int     `json:"samples" yaml:"samples"`
	PeakCPUPercent  float64 `json:"peak_cpu_percent" yaml:"peak_cpu_percent"`
	AvgCPUPercent   float64 `json:"avg_cpu_percent" yaml:"avg_cpu_percent"`
	PeakMemoryMB    float64 `json:"peak_memory_mb" yaml:"peak_memory_mb"`
	AvgMemoryMB     float64 `json:"avg_memory_mb" yaml:"avg_memory_mb"`
	PeakConnections int     `json:"peak_connections" yaml:"peak_connections"`
	PeakOpenFiles   int     `json:"peak_open_files" yaml:"peak_open_files"`
	PeakThreads     int     `json:"peak_threads" yaml:"peak_threads"`
	ReadBytes       uint64  `json:"read_bytes" yaml:"read_bytes"`
	WriteBytes      uint64  `json:"write_bytes" yaml:"write_bytes"`
}

// ExecutionSummary describes a session as of the moment it was computed
type ExecutionSummary struct {
	SessionID       string            `json:"session_id" yaml:"session_id"`
	PID             int               `json:"pid" yaml:"pid"`
	StartTime       time.Time         `json:"start_time" yaml:"start_time"`
	EndTime         time.Time         `json:"end_time,omitzero" yaml:"end_time,omitempty"`
	DurationSeconds float64           `json:"duration_seconds" yaml:"duration_seconds"`
	EventCounts     map[EventType]int `json:"event_counts" yaml:"event_counts"`
	TotalEvents     int               `json:"total_events" yaml:"total_events"`
	Resources       ResourceStats     `json:"resources" yaml:"resources"`
	Active          bool              `json:"active" yaml:"active"`
}

// SessionLog is the persisted document of one ended session
type SessionLog struct {
	SessionID string           `json:"session_id" yaml:"session_id"`
	Events    []ExecutionEvent `json:"events" yaml:"events"`
	Summary   ExecutionSummary `json:"summary" yaml:"summary"`
}

// SessionsOverview summarizes every active session of an ExecutionMonitor
type SessionsOverview struct {
	Monitoring     bool                        `json:"monitoring" yaml:"monitoring"`
	ActiveSessions int                         `json:"active_sessions" yaml:"active_sessions"`
	Sessions       map[string]ExecutionSummary `json:"sessions" yaml:"sessions"`
}
