package constant

import "errors"

// Stable error codes surfaced by the runtime core. Callers match on these
// through errors.Is; the typed wrappers in pkg carry the human message.
var (
	ErrBackpressure               = errors.New("BACKPRESSURE")
	ErrRateLimitExceeded          = errors.New("RATE_LIMIT_EXCEEDED")
	ErrCircuitBreakerOpen         = errors.New("CIRCUIT_BREAKER_OPEN")
	ErrPoolExhausted              = errors.New("POOL_EXHAUSTED")
	ErrConcurrentSafety           = errors.New("CONCURRENT_SAFETY")
	ErrRaceCondition              = errors.New("RACE_CONDITION")
	ErrLockEscalation             = errors.New("LOCK_ESCALATION")
	ErrTransaction                = errors.New("TRANSACTION")
	ErrDeadlock                   = errors.New("DEADLOCK")
	ErrSavepoint                  = errors.New("SAVEPOINT")
	ErrSafetyValidation           = errors.New("SAFETY_VALIDATION")
	ErrConcurrentOperationConflict = errors.New("CONCURRENT_OPERATION_CONFLICT")
	ErrResourceLimitExceeded      = errors.New("RESOURCE_LIMIT_EXCEEDED")
	ErrPermissionDenied           = errors.New("PERMISSION_DENIED")
	ErrDependencyValidationFailed = errors.New("DEPENDENCY_VALIDATION_FAILED")
	ErrMigrationVerification      = errors.New("MIGRATION_VERIFICATION")
	ErrChecksumMismatch           = errors.New("CHECKSUM_MISMATCH")
	ErrSchemaComparison           = errors.New("SCHEMA_COMPARISON_ERROR")
	ErrDataIntegrity              = errors.New("DATA_INTEGRITY_ERROR")
	ErrPerformanceMonitoring      = errors.New("PERFORMANCE_MONITORING")
	ErrResourceThresholdExceeded  = errors.New("RESOURCE_THRESHOLD_EXCEEDED")
	ErrSlowQueryDetected          = errors.New("SLOW_QUERY_DETECTED")
	ErrOperationTimeout           = errors.New("OPERATION_TIMEOUT")
	ErrSessionClosed              = errors.New("SESSION_CLOSED")
	ErrTransactionActive          = errors.New("TRANSACTION_ALREADY_ACTIVE")
	ErrNoActiveTransaction        = errors.New("NO_ACTIVE_TRANSACTION")
)
