package pkg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	cn "github.com/flyingrobots/wesley/pkg/constant"
)

// RuntimeError is the shape shared by every typed error the core surfaces:
// a stable code from pkg/constant, a human message, and the original cause.
type RuntimeError struct {
	Code    error
	Title   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e RuntimeError) Error() string {
	if strings.TrimSpace(e.Message) != "" {
		return fmt.Sprintf("%s - %s", e.Code.Error(), e.Message)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s - %s", e.Code.Error(), e.Err.Error())
	}

	return e.Code.Error()
}

// Unwrap exposes the original cause.
func (e RuntimeError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on the stable code sentinel.
func (e RuntimeError) Is(target error) bool {
	return errors.Is(e.Code, target)
}

// NewRuntimeError builds a RuntimeError from a code sentinel and message.
func NewRuntimeError(code error, message string) RuntimeError {
	return RuntimeError{Code: code, Message: message}
}

// WrapRuntimeError builds a RuntimeError preserving the original cause.
func WrapRuntimeError(code error, message string, err error) RuntimeError {
	return RuntimeError{Code: code, Message: message, Err: err}
}

// RateLimitError rejects an admission request because the token bucket ran dry.
type RateLimitError struct {
	RuntimeError
	RetryAfterMs int64
}

// NewRateLimitError creates a RateLimitError with the suggested wait.
func NewRateLimitError(retryAfterMs int64) RateLimitError {
	return RateLimitError{
		RuntimeError: RuntimeError{
			Code:    cn.ErrRateLimitExceeded,
			Message: fmt.Sprintf("rate limit exceeded, retry in %dms", retryAfterMs),
		},
		RetryAfterMs: retryAfterMs,
	}
}

// CircuitBreakerError rejects an admission request because the breaker is open.
type CircuitBreakerError struct {
	RuntimeError
	State string
}

// NewCircuitBreakerError creates a CircuitBreakerError for the given state.
func NewCircuitBreakerError(state string) CircuitBreakerError {
	return CircuitBreakerError{
		RuntimeError: RuntimeError{
			Code:    cn.ErrCircuitBreakerOpen,
			Message: fmt.Sprintf("circuit breaker is %s, request rejected", state),
		},
		State: state,
	}
}

// PoolExhaustedError rejects an admission request because no execution slot
// can be granted or queued.
type PoolExhaustedError struct {
	RuntimeError
	QueueDepth int
}

// NewPoolExhaustedError creates a PoolExhaustedError with the observed depth.
func NewPoolExhaustedError(queueDepth int) PoolExhaustedError {
	return PoolExhaustedError{
		RuntimeError: RuntimeError{
			Code:    cn.ErrPoolExhausted,
			Message: fmt.Sprintf("connection pool exhausted, %d operations queued", queueDepth),
		},
		QueueDepth: queueDepth,
	}
}

// DeadlockError surfaces a deadlock that survived every retry attempt.
type DeadlockError struct {
	RuntimeError
	Attempts int
}

// NewDeadlockError creates a DeadlockError after retry exhaustion.
func NewDeadlockError(attempts int, err error) DeadlockError {
	return DeadlockError{
		RuntimeError: RuntimeError{
			Code:    cn.ErrDeadlock,
			Message: fmt.Sprintf("deadlock persisted after %d attempts", attempts),
			Err:     err,
		},
		Attempts: attempts,
	}
}

// SavepointError covers savepoint stack misuse: unknown names, exceeding the
// configured cap, or operating outside a transaction.
type SavepointError struct {
	RuntimeError
	Savepoint string
}

// NewSavepointError creates a SavepointError for the named savepoint.
func NewSavepointError(name, message string) SavepointError {
	return SavepointError{
		RuntimeError: RuntimeError{Code: cn.ErrSavepoint, Message: message},
		Savepoint:    name,
	}
}

// TimeoutError marks an operation cancelled by its own deadline. The session
// survives; only the statement was cancelled.
type TimeoutError struct {
	RuntimeError
	TimeoutMs int64
}

// NewTimeoutError creates a TimeoutError for the elapsed budget.
func NewTimeoutError(timeoutMs int64, err error) TimeoutError {
	return TimeoutError{
		RuntimeError: RuntimeError{
			Code:    cn.ErrOperationTimeout,
			Message: fmt.Sprintf("operation exceeded %dms timeout", timeoutMs),
			Err:     err,
		},
		TimeoutMs: timeoutMs,
	}
}

// ChecksumMismatchError is raised in strict verification mode when the
// post-run schema checksum diverges from the expected one.
type ChecksumMismatchError struct {
	RuntimeError
	Expected string
	Actual   string
}

// NewChecksumMismatchError creates a ChecksumMismatchError for the pair.
func NewChecksumMismatchError(expected, actual string) ChecksumMismatchError {
	return ChecksumMismatchError{
		RuntimeError: RuntimeError{
			Code:    cn.ErrChecksumMismatch,
			Message: fmt.Sprintf("schema checksum mismatch: expected %s, got %s", expected, actual),
		},
		Expected: expected,
		Actual:   actual,
	}
}

// SchemaComparisonError reports schema drift found by a comparison.
// Verifier.Verify does not raise it: its schema comparison phase reports
// changes without failing.
type SchemaComparisonError struct {
	RuntimeError
	Differences int
}

// NewSchemaComparisonError creates a SchemaComparisonError.
func NewSchemaComparisonError(differences int) SchemaComparisonError {
	return SchemaComparisonError{
		RuntimeError: RuntimeError{
			Code:    cn.ErrSchemaComparison,
			Message: fmt.Sprintf("schema comparison found %d unexpected differences", differences),
		},
		Differences: differences,
	}
}

// DataIntegrityError is raised in strict verification mode when row-level
// constraint checks fail.
type DataIntegrityError struct {
	RuntimeError
	Violations int
}

// NewDataIntegrityError creates a DataIntegrityError.
func NewDataIntegrityError(violations int) DataIntegrityError {
	return DataIntegrityError{
		RuntimeError: RuntimeError{
			Code:    cn.ErrDataIntegrity,
			Message: fmt.Sprintf("data integrity check found %d violations", violations),
		},
		Violations: violations,
	}
}

// ConcurrentOperationError rejects a run because a conflicting operation is
// already registered, or the single-migrator advisory guard is held elsewhere.
type ConcurrentOperationError struct {
	RuntimeError
	ConflictingID string
}

// NewConcurrentOperationError creates a ConcurrentOperationError.
func NewConcurrentOperationError(conflictingID, message string) ConcurrentOperationError {
	return ConcurrentOperationError{
		RuntimeError:  RuntimeError{Code: cn.ErrConcurrentOperationConflict, Message: message},
		ConflictingID: conflictingID,
	}
}

// ResourceLimitError rejects a run that would exceed a configured ceiling.
type ResourceLimitError struct {
	RuntimeError
	Resource string
}

// NewResourceLimitError creates a ResourceLimitError for the named resource.
func NewResourceLimitError(resource, message string) ResourceLimitError {
	return ResourceLimitError{
		RuntimeError: RuntimeError{Code: cn.ErrResourceLimitExceeded, Message: message},
		Resource:     resource,
	}
}

// PermissionError rejects a run missing a required capability.
type PermissionError struct {
	RuntimeError
	Required string
}

// NewPermissionError creates a PermissionError for the missing capability.
func NewPermissionError(required string) PermissionError {
	return PermissionError{
		RuntimeError: RuntimeError{
			Code:    cn.ErrPermissionDenied,
			Message: fmt.Sprintf("missing required permission %s", required),
		},
		Required: required,
	}
}

// DependencyValidationError rejects a run referencing objects that do not exist.
type DependencyValidationError struct {
	RuntimeError
	Missing []string
}

// NewDependencyValidationError creates a DependencyValidationError.
func NewDependencyValidationError(missing []string) DependencyValidationError {
	return DependencyValidationError{
		RuntimeError: RuntimeError{
			Code:    cn.ErrDependencyValidationFailed,
			Message: fmt.Sprintf("unresolved dependencies: %s", strings.Join(missing, ", ")),
		},
		Missing: missing,
	}
}

// PostgreSQL SQLSTATE codes the retry machinery cares about.
const (
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgLockNotAvailable     = "55P03"
	pgTooManyConnections   = "53300"
)

// IsDeadlockError reports whether err is a deadlock or serialization failure.
// Classification lives here so executor, transaction manager and CIC retry
// cannot diverge on what counts as retriable.
func IsDeadlockError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgDeadlockDetected || pgErr.Code == pgSerializationFailure {
			return true
		}
	}

	return strings.Contains(strings.ToLower(err.Error()), "deadlock")
}

// IsRetriableError reports whether err is transient: deadlock, serialization
// failure, lock timeout, or connection-slot exhaustion.
func IsRetriableError(err error) bool {
	if err == nil {
		return false
	}

	if IsDeadlockError(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailable || pgErr.Code == pgTooManyConnections
	}

	return false
}
