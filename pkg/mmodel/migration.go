// Package mmodel holds the entities shared across the runtime pipeline.
package mmodel

import (
	"time"

	cn "github.com/flyingrobots/wesley/pkg/constant"
)

// MigrationOperation is one atomic unit of schema change. The planner
// creates it, the analyzer annotates it, the executor consumes it, and the
// run history retains it as an immutable record.
type MigrationOperation struct {
	ID                  string           `json:"id"`
	SQL                 string           `json:"sql"`
	Kind                cn.OperationKind `json:"kind"`
	AffectedTables      []string         `json:"affectedTables"`
	AffectedColumns     []string         `json:"affectedColumns"`
	LockLevel           cn.LockMode      `json:"lockLevel"`
	RiskLevel           cn.RiskLevel     `json:"riskLevel"`
	EstimatedDurationMs int64            `json:"estimatedDurationMs"`
	EstimatedRows       int64            `json:"estimatedRows"`
	IsPartial           bool             `json:"isPartial"`
	IsUnique            bool             `json:"isUnique"`
	IndexMethod         string           `json:"indexMethod,omitempty"`
	Predicate           string           `json:"predicate,omitempty"`
	Priority            cn.Priority      `json:"priority"`
	TimeoutMs           int64            `json:"timeoutMs,omitempty"`
}

// ExecutionStrategy selects the scheduling for a set of operations.
type ExecutionStrategy struct {
	Kind                   cn.StrategyKind `json:"kind"`
	MaxParallelTables      int             `json:"maxParallelTables"`
	MaxRetriesPerOperation int             `json:"maxRetriesPerOperation"`
	BackoffMultiplier      float64         `json:"backoffMultiplier"`
	MaxBackoffMs           int64           `json:"maxBackoffMs"`
}

// DefaultStrategy is the conservative baseline used when the caller does not
// choose one.
func DefaultStrategy() ExecutionStrategy {
	return ExecutionStrategy{
		Kind:                   cn.StrategySequential,
		MaxParallelTables:      1,
		MaxRetriesPerOperation: 3,
		BackoffMultiplier:      2.0,
		MaxBackoffMs:           30_000,
	}
}

// OperationResult records the outcome of one executed operation.
type OperationResult struct {
	Operation    *MigrationOperation `json:"operation"`
	Status       cn.OperationStatus  `json:"status"`
	DurationMs   int64               `json:"durationMs"`
	RowsAffected int64               `json:"rowsAffected"`
	RetryCount   int                 `json:"retryCount"`
	Err          error               `json:"-"`
	ErrorMessage string              `json:"error,omitempty"`
}

// Savepoint is one named marker inside a managed transaction.
type Savepoint struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// TransactionHandle tracks one managed transaction. Exactly one may be
// active per connection; savepoints form a strict stack.
type TransactionHandle struct {
	ID             string               `json:"id"`
	IsolationLevel cn.IsolationLevel    `json:"isolationLevel"`
	Status         cn.TransactionStatus `json:"status"`
	Savepoints     []Savepoint          `json:"savepoints"`
	StartedAt      time.Time            `json:"startedAt"`
}
