package constant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodes_AreStable(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{ErrBackpressure, "BACKPRESSURE"},
		{ErrRateLimitExceeded, "RATE_LIMIT_EXCEEDED"},
		{ErrCircuitBreakerOpen, "CIRCUIT_BREAKER_OPEN"},
		{ErrPoolExhausted, "POOL_EXHAUSTED"},
		{ErrConcurrentSafety, "CONCURRENT_SAFETY"},
		{ErrRaceCondition, "RACE_CONDITION"},
		{ErrLockEscalation, "LOCK_ESCALATION"},
		{ErrTransaction, "TRANSACTION"},
		{ErrDeadlock, "DEADLOCK"},
		{ErrSavepoint, "SAVEPOINT"},
		{ErrSafetyValidation, "SAFETY_VALIDATION"},
		{ErrConcurrentOperationConflict, "CONCURRENT_OPERATION_CONFLICT"},
		{ErrResourceLimitExceeded, "RESOURCE_LIMIT_EXCEEDED"},
		{ErrPermissionDenied, "PERMISSION_DENIED"},
		{ErrDependencyValidationFailed, "DEPENDENCY_VALIDATION_FAILED"},
		{ErrMigrationVerification, "MIGRATION_VERIFICATION"},
		{ErrChecksumMismatch, "CHECKSUM_MISMATCH"},
		{ErrSchemaComparison, "SCHEMA_COMPARISON_ERROR"},
		{ErrDataIntegrity, "DATA_INTEGRITY_ERROR"},
		{ErrPerformanceMonitoring, "PERFORMANCE_MONITORING"},
		{ErrResourceThresholdExceeded, "RESOURCE_THRESHOLD_EXCEEDED"},
		{ErrSlowQueryDetected, "SLOW_QUERY_DETECTED"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Error())
		})
	}
}

func TestErrorCodes_AreDistinct(t *testing.T) {
	all := []error{
		ErrBackpressure, ErrRateLimitExceeded, ErrCircuitBreakerOpen, ErrPoolExhausted,
		ErrConcurrentSafety, ErrRaceCondition, ErrLockEscalation,
		ErrTransaction, ErrDeadlock, ErrSavepoint,
		ErrSafetyValidation, ErrConcurrentOperationConflict, ErrResourceLimitExceeded,
		ErrPermissionDenied, ErrDependencyValidationFailed,
		ErrMigrationVerification, ErrChecksumMismatch, ErrSchemaComparison, ErrDataIntegrity,
		ErrPerformanceMonitoring, ErrResourceThresholdExceeded, ErrSlowQueryDetected,
	}

	seen := map[string]bool{}

	for _, err := range all {
		assert.False(t, seen[err.Error()], "duplicate code %s", err.Error())
		seen[err.Error()] = true
	}
}
