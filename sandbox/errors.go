package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the sandbox package.
var (
	// ErrTimeout indicates the wall-clock limit of an execution was exceeded.
	// It never escapes ExecuteCode; it tags the failed result instead.
	ErrTimeout = errors.New("sandbox: execution timeout")

	// ErrResourceExceeded is reserved for hard enforcement of a resource ceiling.
	ErrResourceExceeded = errors.New("sandbox: resource limit exceeded")

	// ErrSecurityViolation indicates a misconfiguration of the sandbox itself.
	ErrSecurityViolation = errors.New("sandbox: security violation")

	// ErrRuntimeUnavailable indicates container mode was requested but no runtime was found.
	ErrRuntimeUnavailable = fmt.Errorf("%w: container runtime not available", ErrSecurityViolation)

	// ErrExecutionExists indicates an executor with the same id is already registered.
	ErrExecutionExists = fmt.Errorf("%w: execution id already registered", ErrSecurityViolation)

	// ErrExecutionNotFound indicates no executor is registered under the id.
	ErrExecutionNotFound = errors.New("sandbox: execution not found")

	// ErrInvalidLimits indicates the resource limits failed validation.
	ErrInvalidLimits = errors.New("sandbox: invalid resource limits")

	// ErrUnsupported indicates the platform lacks a capability, e.g. per-process rlimits.
	ErrUnsupported = errors.New("sandbox: unsupported on this platform")
)

// SecurityViolationError carries the operation that was refused.
// It wraps ErrSecurityViolation so that errors.Is(err, ErrSecurityViolation) still works.
type SecurityViolationError struct {
	// Op is the operation that was refused.
	Op string
	// Reason explains why.
	Reason string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrSecurityViolation.Error(), e.Op, e.Reason)
}

func (e *SecurityViolationError) Unwrap() error {
	return ErrSecurityViolation
}
