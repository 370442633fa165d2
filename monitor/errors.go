package monitor

import "errors"

var (
	// ErrSessionExists indicates a session id is already being tracked.
	ErrSessionExists = errors.New("monitor: session already exists")

	// ErrSessionNotFound indicates no active session has the given id.
	ErrSessionNotFound = errors.New("monitor: session not found")

	// ErrTrackerRegistered indicates a tracker already belongs to a monitor.
	ErrTrackerRegistered = errors.New("monitor: tracker already registered")

	// ErrUnknownThreshold indicates a threshold key the monitor does not evaluate.
	ErrUnknownThreshold = errors.New("monitor: unknown threshold")

	// ErrUnsupportedFormat indicates an export format other than json or yaml.
	ErrUnsupportedFormat = errors.New("monitor: unsupported export format")

	// ErrNoData indicates the probe could not read the process this tick.
	ErrNoData = errors.New("monitor: no usage data")
)
