package sandbox

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// timeoutMessage is the Error text of a result whose wall-clock limit expired
const timeoutMessage = "Execution timeout"

// Backend names reported in ExecutionResult.Backend
const (
	BackendNative = "native"
	BackendDocker = "docker"
	BackendPodman = "podman"
)

// ExecutionResult is the outcome of one execution. It is built once when the
// execution ends and handed to the caller by value.
type ExecutionResult struct {
	Success         bool          `json:"success"`
	Output          string        `json:"output"`
	Error           string        `json:"error,omitempty"`
	ExitCode        int           `json:"exit_code"`
	TimedOut        bool          `json:"timed_out,omitempty"`
	LimitExceeded   bool          `json:"limit_exceeded,omitempty"`
	Truncated       bool          `json:"truncated,omitempty"`
	ExecutionTime   time.Duration `json:"execution_time"`
	MemoryUsageMB   float64       `json:"memory_usage_mb"`
	CPUTime         time.Duration `json:"cpu_time"`
	FileAccesses    int           `json:"file_accesses"`
	NetworkAccesses int           `json:"network_accesses"`
	Syscalls        []string      `json:"syscalls,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	SandboxPath     string        `json:"sandbox_path"`
	Backend         string        `json:"backend"`
}

// failedResult builds a result for an execution that did not run to completion.
func failedResult(backend, sandboxPath, msg string, elapsed time.Duration) ExecutionResult {
	return ExecutionResult{
		Success:       false,
		Error:         msg,
		ExitCode:      -1,
		ExecutionTime: elapsed,
		Timestamp:     time.Now(),
		SandboxPath:   sandboxPath,
		Backend:       backend,
	}
}

// Err maps a failed result onto the sandbox error taxonomy. It returns nil for a
// successful result.
func (r ExecutionResult) Err() error {
	switch {
	case r.Success:
		return nil
	case r.TimedOut:
		return fmt.Errorf("%w after %s", ErrTimeout, r.ExecutionTime)
	case r.LimitExceeded:
		return fmt.Errorf("%w: %s", ErrResourceExceeded, r.Error)
	default:
		return errors.New(r.Error)
	}
}

// withAccounting returns a copy carrying the controller counters of the execution.
func (r ExecutionResult) withAccounting(files, network int, syscalls []string) ExecutionResult {
	r.FileAccesses = files
	r.NetworkAccesses = network
	r.Syscalls = slices.Clone(syscalls)
	return r
}

// ExecutionStats aggregates the execution history of one executor
type ExecutionStats struct {
	TotalExecutions      int           `json:"total_executions"`
	SuccessfulExecutions int           `json:"successful_executions"`
	FailedExecutions     int           `json:"failed_executions"`
	SuccessRate          float64       `json:"success_rate"`
	TotalExecutionTime   time.Duration `json:"total_execution_time"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
}

type executionRecord struct {
	codeHash string
	result   ExecutionResult
}

func computeStats(history []executionRecord) ExecutionStats {
	var stats ExecutionStats
	for _, rec := range history {
		stats.TotalExecutions++
		if rec.result.Success {
			stats.SuccessfulExecutions++
		} else {
			stats.FailedExecutions++
		}
		stats.TotalExecutionTime += rec.result.ExecutionTime
	}
	if stats.TotalExecutions > 0 {
		stats.SuccessRate = float64(stats.SuccessfulExecutions) / float64(stats.TotalExecutions)
		stats.AverageExecutionTime = stats.TotalExecutionTime / time.Duration(stats.TotalExecutions)
	}
	return stats
}
