// Package errors provides centralized error definitions and error handling utilities
// for planloop. It defines the coordination and protocol errors raised by the
// registry and the IPC layer, semantic error types, and classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - RegistryError: lock acquisition and registry document failures
//   - DuplicatePlanError: a live orchestrator already owns the plan
//   - IPCError: framing, transport and endpoint failures on the control socket
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewRegistryError("acquire lock", errors.ErrLockTimeout).WithPath(lockPath)
//
//	if errors.Is(err, errors.ErrDuplicatePlan) { ... }
//
//	var ipcErr *errors.IPCError
//	if errors.As(err, &ipcErr) { ... }
//
// Transient conditions (missing documents, unparsable lines) are never
// represented here: the components that hit them recover locally.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Registry-related sentinel errors
var (
	// ErrLockTimeout indicates the registry lock could not be acquired in time.
	ErrLockTimeout = New("registry lock acquisition timed out")
	// ErrDuplicatePlan indicates a live orchestrator is already running the plan.
	ErrDuplicatePlan = New("plan already has a running orchestrator")
	// ErrInstanceNotFound indicates that an instance could not be found.
	ErrInstanceNotFound = New("instance not found")
)

// IPC-related sentinel errors
var (
	// ErrMessageTooLarge indicates a frame exceeded the maximum message size.
	ErrMessageTooLarge = New("message exceeds maximum size")
	// ErrConnectionClosed indicates the peer closed the connection mid-message.
	ErrConnectionClosed = New("connection closed")
	// ErrMalformedMessage indicates a frame could not be decoded.
	ErrMalformedMessage = New("malformed message")
	// ErrEndpointUnavailable indicates nothing is listening on the socket.
	ErrEndpointUnavailable = New("endpoint unavailable")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// PlanloopError is the base interface for all planloop errors.
type PlanloopError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatPrefixed renders "kind [k=v, ...]: message: cause".
func formatPrefixed(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// RegistryError represents coordination failures in the instance registry.
//
// Example:
//
//	err := errors.NewRegistryError("acquire lock", errors.ErrLockTimeout).WithPath("/repo/.planloop/orchestrators.lock")
//	fmt.Println(err) // "registry error [path=/repo/...]: acquire lock: registry lock acquisition timed out"
type RegistryError struct {
	baseError
	Path       string
	InstanceID string
	PlanPath   string
}

// NewRegistryError creates a new RegistryError.
func NewRegistryError(message string, cause error) *RegistryError {
	return &RegistryError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  errors.Is(cause, ErrLockTimeout),
			userFacing: true,
		},
	}
}

// WithPath adds the registry document or lock path to the error context.
func (e *RegistryError) WithPath(path string) *RegistryError {
	e.Path = path
	return e
}

// WithInstanceID adds an instance ID to the error context.
func (e *RegistryError) WithInstanceID(id string) *RegistryError {
	e.InstanceID = id
	return e
}

// WithPlanPath adds the plan path to the error context.
func (e *RegistryError) WithPlanPath(path string) *RegistryError {
	e.PlanPath = path
	return e
}

// Error returns the formatted error message.
func (e *RegistryError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	if e.InstanceID != "" {
		parts = append(parts, fmt.Sprintf("instance=%s", e.InstanceID))
	}
	if e.PlanPath != "" {
		parts = append(parts, fmt.Sprintf("plan=%s", e.PlanPath))
	}
	return formatPrefixed("registry error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *RegistryError) Is(target error) bool {
	if _, ok := target.(*RegistryError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// DuplicatePlanError is returned by registration when another live,
// heartbeat-fresh orchestrator already runs the same plan.
type DuplicatePlanError struct {
	baseError
	PlanPath    string
	ExistingID  string
	ExistingPID int
}

// NewDuplicatePlanError creates a DuplicatePlanError for the given plan and holder.
func NewDuplicatePlanError(planPath, existingID string, existingPID int) *DuplicatePlanError {
	return &DuplicatePlanError{
		baseError: baseError{
			message:    "plan already has a running orchestrator",
			severity:   SeverityError,
			userFacing: true,
		},
		PlanPath:    planPath,
		ExistingID:  existingID,
		ExistingPID: existingPID,
	}
}

// Error returns the formatted error message.
func (e *DuplicatePlanError) Error() string {
	return fmt.Sprintf("duplicate plan: %s is already run by instance %s (pid %d)",
		e.PlanPath, e.ExistingID, e.ExistingPID)
}

// Is checks if this error matches the target.
func (e *DuplicatePlanError) Is(target error) bool {
	if _, ok := target.(*DuplicatePlanError); ok {
		return true
	}
	return target == ErrDuplicatePlan
}

// IPCError represents protocol and transport failures on the control socket.
//
// Example:
//
//	err := errors.NewIPCError("read response", errors.ErrConnectionClosed).
//	    WithEndpoint("/tmp/planloop/orchestrator-abc.sock").WithCommand("status")
type IPCError struct {
	baseError
	Endpoint string
	Command  string
}

// NewIPCError creates a new IPCError.
func NewIPCError(message string, cause error) *IPCError {
	return &IPCError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  errors.Is(cause, ErrEndpointUnavailable) || errors.Is(cause, ErrTimeout),
			userFacing: true,
		},
	}
}

// WithEndpoint adds the socket path to the error context.
func (e *IPCError) WithEndpoint(endpoint string) *IPCError {
	e.Endpoint = endpoint
	return e
}

// WithCommand adds the command name to the error context.
func (e *IPCError) WithCommand(command string) *IPCError {
	e.Command = command
	return e
}

// Error returns the formatted error message.
func (e *IPCError) Error() string {
	var parts []string
	if e.Endpoint != "" {
		parts = append(parts, fmt.Sprintf("endpoint=%s", e.Endpoint))
	}
	if e.Command != "" {
		parts = append(parts, fmt.Sprintf("command=%s", e.Command))
	}
	return formatPrefixed("ipc error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *IPCError) Is(target error) bool {
	if _, ok := target.(*IPCError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a missing resource.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s not found", resourceType),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceID)
	}
	return fmt.Sprintf("%s not found", e.ResourceType)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField sets the field that failed validation.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue sets the offending value.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation error")
	if e.Field != "" {
		fmt.Fprintf(&sb, " [%s]", e.Field)
	}
	sb.WriteString(": ")
	sb.WriteString(e.message)
	if e.Value != nil {
		fmt.Fprintf(&sb, " (got: %v)", e.Value)
	}
	return sb.String()
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that exceeded its deadline.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for registry lock", 5*time.Second)
//	fmt.Println(err) // "timeout error: waiting for registry lock (timeout: 5s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var plErr PlanloopError
	if As(err, &plErr) {
		return plErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var plErr PlanloopError
	if As(err, &plErr) {
		return plErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement PlanloopError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var plErr PlanloopError
	if As(err, &plErr) {
		return plErr.Severity()
	}
	return SeverityError
}

// IsCoordinationError reports whether err is a registry or duplicate-plan failure.
func IsCoordinationError(err error) bool {
	if err == nil {
		return false
	}
	var regErr *RegistryError
	var dupErr *DuplicatePlanError
	return As(err, &regErr) || As(err, &dupErr)
}

// IsProtocolError reports whether err is an IPC failure.
func IsProtocolError(err error) bool {
	if err == nil {
		return false
	}
	var ipcErr *IPCError
	return As(err, &ipcErr)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
