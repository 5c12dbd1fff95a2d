// Package executor owns the run's database session: it serializes statements
// through it, tracks transaction and advisory-lock state, and emits one
// event per operation lifecycle transition.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flyingrobots/wesley/pkg"
	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mevent"
	"github.com/flyingrobots/wesley/pkg/mmodel"
	"github.com/flyingrobots/wesley/pkg/mpostgres"
)

// Canceller cancels the session's running statement out-of-band.
type Canceller interface {
	CancelBackend(ctx context.Context) error
	BackendPID() int
}

// OperationEvent is the payload of the SQLOperation* events.
type OperationEvent struct {
	OperationID  string `json:"operationId"`
	SQL          string `json:"sql"`
	Status       string `json:"status"`
	DurationMs   int64  `json:"durationMs,omitempty"`
	RowsAffected int64  `json:"rowsAffected,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Executor drives one PostgreSQL session. All statement traffic for a run
// goes through it; no other component issues raw SQL.
type Executor struct {
	mu sync.Mutex

	conn      mpostgres.Connection
	canceller Canceller
	bus       *mevent.Bus

	started       bool
	tx            *mmodel.TransactionHandle
	advisoryLocks map[int64]bool
}

// NewExecutor builds an Executor over an open session. canceller may be nil
// in tests; timeouts then surface without out-of-band cancellation.
func NewExecutor(conn mpostgres.Connection, canceller Canceller, bus *mevent.Bus) *Executor {
	return &Executor{
		conn:          conn,
		canceller:     canceller,
		bus:           bus,
		advisoryLocks: map[int64]bool{},
	}
}

// Start marks the session ready and announces it.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	e.started = true

	pid := 0
	if e.canceller != nil {
		pid = e.canceller.BackendPID()
	}

	e.publish(cn.EventSQLExecutorStarted, map[string]any{"backendPid": pid})

	pkg.NewLoggerFromContext(ctx).Infof("sql executor started, backend pid %d", pid)

	return nil
}

func (e *Executor) publish(eventType string, payload any) {
	if e.bus != nil {
		e.bus.Publish(eventType, payload)
	}
}

// ExecuteOperation runs one operation through started → completed|failed,
// publishing a started event and then a completed or error event; no queued
// state or event exists. It derives rows affected and times the statement
// with the monotonic clock. A timeout cancels the statement on the server but leaves the
// session alive.
func (e *Executor) ExecuteOperation(ctx context.Context, op *mmodel.MigrationOperation) (*mmodel.OperationResult, error) {
	e.mu.Lock()

	if !e.started {
		e.mu.Unlock()

		return nil, pkg.WrapRuntimeError(cn.ErrSessionClosed, "executor not started", nil)
	}

	if op.Kind == cn.KindCreateIndexConcurrent && e.tx != nil {
		e.mu.Unlock()

		return nil, pkg.NewRuntimeError(cn.ErrTransaction, "CREATE INDEX CONCURRENTLY cannot run inside a transaction")
	}

	e.mu.Unlock()

	tracer := pkg.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "executor.execute_operation")

	defer span.End()

	e.publish(cn.EventSQLOperationStarted, OperationEvent{OperationID: op.ID, SQL: op.SQL, Status: "started"})

	var (
		timeoutTimer *time.Timer
		timedOut     atomic.Bool
	)

	if op.TimeoutMs > 0 && e.canceller != nil {
		timeoutTimer = time.AfterFunc(time.Duration(op.TimeoutMs)*time.Millisecond, func() {
			timedOut.Store(true)

			// Cancel on the same backend pid; the session itself survives.
			_ = e.canceller.CancelBackend(context.Background())
		})
	}

	start := time.Now()
	rows, err := e.run(ctx, op)
	duration := time.Since(start).Milliseconds()

	if timeoutTimer != nil {
		timeoutTimer.Stop()
	}

	result := &mmodel.OperationResult{
		Operation:    op,
		Status:       cn.StatusCompleted,
		DurationMs:   duration,
		RowsAffected: rows,
	}

	if err != nil {
		span.RecordError(err)

		result.Status = cn.StatusFailed
		result.Err = err
		result.ErrorMessage = err.Error()

		if timedOut.Load() {
			timeoutErr := pkg.NewTimeoutError(op.TimeoutMs, err)
			result.Err = timeoutErr
			result.ErrorMessage = timeoutErr.Error()

			e.publish(cn.EventSQLExecutorError, OperationEvent{
				OperationID: op.ID, SQL: op.SQL, Status: "failed", DurationMs: duration, Error: timeoutErr.Error(),
			})

			return result, timeoutErr
		}

		e.publish(cn.EventSQLExecutorError, OperationEvent{
			OperationID: op.ID, SQL: op.SQL, Status: "failed", DurationMs: duration, Error: err.Error(),
		})

		return result, err
	}

	e.publish(cn.EventSQLOperationCompleted, OperationEvent{
		OperationID: op.ID, SQL: op.SQL, Status: "completed", DurationMs: duration, RowsAffected: rows,
	})

	return result, nil
}

// run issues the statement and derives the affected-row count. SELECTs are
// drained and counted; everything else reports the command tag's count.
func (e *Executor) run(ctx context.Context, op *mmodel.MigrationOperation) (int64, error) {
	if op.Kind == cn.KindSelect {
		rows, err := e.conn.QueryContext(ctx, op.SQL)
		if err != nil {
			return 0, err
		}

		defer rows.Close()

		var count int64
		for rows.Next() {
			count++
		}

		return count, rows.Err()
	}

	res, err := e.conn.ExecContext(ctx, op.SQL)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		// DDL has no row count; that is not a failure.
		return 0, nil
	}

	return affected, nil
}

// Exec issues raw SQL on the session. Reserved for the transaction manager
// and the monitors' probes; operations go through ExecuteOperation.
func (e *Executor) Exec(ctx context.Context, sql string) error {
	_, err := e.conn.ExecContext(ctx, sql)

	return err
}

// Session exposes the underlying connection for read-only probes.
//
//nolint:ireturn
func (e *Executor) Session() mpostgres.Connection {
	return e.conn
}

// StartTransaction opens a transaction, optionally at an explicit isolation
// level. A second active transaction is an error.
func (e *Executor) StartTransaction(ctx context.Context, isolation cn.IsolationLevel) (*mmodel.TransactionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tx != nil {
		return nil, pkg.NewRuntimeError(cn.ErrTransactionActive, "a transaction is already active on this session")
	}

	if _, err := e.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return nil, pkg.WrapRuntimeError(cn.ErrTransaction, "failed to begin transaction", err)
	}

	if isolation == "" {
		isolation = cn.IsolationReadCommitted
	}

	if isolation != cn.IsolationReadCommitted {
		if _, err := e.conn.ExecContext(ctx, "SET TRANSACTION ISOLATION LEVEL "+string(isolation)); err != nil {
			_, _ = e.conn.ExecContext(ctx, "ROLLBACK")

			return nil, pkg.WrapRuntimeError(cn.ErrTransaction, "failed to set isolation level", err)
		}
	}

	e.tx = &mmodel.TransactionHandle{
		ID:             uuid.New().String(),
		IsolationLevel: isolation,
		Status:         cn.TxActive,
		StartedAt:      time.Now(),
	}

	e.publish(cn.EventSQLTransactionStarted, map[string]any{
		"transactionId": e.tx.ID,
		"isolation":     string(isolation),
	})

	return cloneHandle(e.tx), nil
}

// CommitTransaction commits the active transaction.
func (e *Executor) CommitTransaction(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tx == nil {
		return pkg.NewRuntimeError(cn.ErrNoActiveTransaction, "no transaction to commit")
	}

	if _, err := e.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return pkg.WrapRuntimeError(cn.ErrTransaction, "failed to commit transaction", err)
	}

	e.tx.Status = cn.TxCommitted
	e.publish(cn.EventSQLTransactionCommitted, map[string]any{"transactionId": e.tx.ID})
	e.tx = nil

	return nil
}

// RollbackTransaction rolls back the active transaction.
func (e *Executor) RollbackTransaction(ctx context.Context, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.rollbackLocked(ctx, reason)
}

func (e *Executor) rollbackLocked(ctx context.Context, reason string) error {
	if e.tx == nil {
		return pkg.NewRuntimeError(cn.ErrNoActiveTransaction, "no transaction to roll back")
	}

	if _, err := e.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		return pkg.WrapRuntimeError(cn.ErrTransaction, "failed to roll back transaction", err)
	}

	e.tx.Status = cn.TxRolledBack
	e.publish(cn.EventSQLTransactionRolledBack, map[string]any{
		"transactionId": e.tx.ID,
		"reason":        reason,
	})
	e.tx = nil

	return nil
}

// Transaction returns a copy of the active transaction handle, or nil.
func (e *Executor) Transaction() *mmodel.TransactionHandle {
	e.mu.Lock()
	defer e.mu.Unlock()

	return cloneHandle(e.tx)
}

func cloneHandle(tx *mmodel.TransactionHandle) *mmodel.TransactionHandle {
	if tx == nil {
		return nil
	}

	out := *tx
	out.Savepoints = append([]mmodel.Savepoint(nil), tx.Savepoints...)

	return &out
}

// AcquireAdvisoryLock takes a session advisory lock, shared or exclusive.
// Failure to acquire surfaces as a concurrent-operation conflict.
func (e *Executor) AcquireAdvisoryLock(ctx context.Context, lockID int64, shared bool) error {
	query := "SELECT pg_try_advisory_lock($1)"
	if shared {
		query = "SELECT pg_try_advisory_lock_shared($1)"
	}

	var acquired bool
	if err := e.conn.QueryRowContext(ctx, query, lockID).Scan(&acquired); err != nil {
		return pkg.WrapRuntimeError(cn.ErrTransaction, "advisory lock query failed", err)
	}

	if !acquired {
		return pkg.NewConcurrentOperationError(
			fmt.Sprintf("%d", lockID),
			fmt.Sprintf("advisory lock %d is held by another session", lockID),
		)
	}

	e.mu.Lock()
	e.advisoryLocks[lockID] = shared
	e.mu.Unlock()

	e.publish(cn.EventSQLAdvisoryLockAcquired, map[string]any{"lockId": lockID, "shared": shared})

	return nil
}

// ReleaseAdvisoryLock releases a held advisory lock.
func (e *Executor) ReleaseAdvisoryLock(ctx context.Context, lockID int64) error {
	e.mu.Lock()
	shared, held := e.advisoryLocks[lockID]
	e.mu.Unlock()

	if !held {
		return nil
	}

	query := "SELECT pg_advisory_unlock($1)"
	if shared {
		query = "SELECT pg_advisory_unlock_shared($1)"
	}

	var released bool
	if err := e.conn.QueryRowContext(ctx, query, lockID).Scan(&released); err != nil {
		return pkg.WrapRuntimeError(cn.ErrTransaction, "advisory unlock query failed", err)
	}

	e.mu.Lock()
	delete(e.advisoryLocks, lockID)
	e.mu.Unlock()

	e.publish(cn.EventSQLAdvisoryLockReleased, map[string]any{"lockId": lockID})

	return nil
}

// AdvisoryLocks returns the ids of currently held advisory locks.
func (e *Executor) AdvisoryLocks() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]int64, 0, len(e.advisoryLocks))
	for id := range e.advisoryLocks {
		out = append(out, id)
	}

	return out
}

// Shutdown releases every held advisory lock and rolls back any active
// transaction. It is the last call on a session.
func (e *Executor) Shutdown(ctx context.Context) error {
	for _, id := range e.AdvisoryLocks() {
		if err := e.ReleaseAdvisoryLock(ctx, id); err != nil {
			pkg.NewLoggerFromContext(ctx).Warnf("failed to release advisory lock %d: %v", id, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tx != nil {
		if err := e.rollbackLocked(ctx, "executor shutdown"); err != nil {
			return err
		}
	}

	e.started = false

	return nil
}
