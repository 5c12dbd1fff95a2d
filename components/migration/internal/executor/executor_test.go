package executor

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mevent"
	"github.com/flyingrobots/wesley/pkg/mmodel"
)

func newMockSession(t *testing.T) (*sql.Conn, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)

	cleanup := func() {
		_ = conn.Close()
		_ = db.Close()
	}

	return conn, mock, cleanup
}

func newStartedExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock, *mevent.Bus, func()) {
	t.Helper()

	conn, mock, cleanup := newMockSession(t)
	bus := mevent.NewBus(128)
	exec := NewExecutor(conn, nil, bus)

	require.NoError(t, exec.Start(context.Background()))

	return exec, mock, bus, cleanup
}

func TestExecutor_StartEmitsEvent(t *testing.T) {
	conn, _, cleanup := newMockSession(t)
	defer cleanup()

	bus := mevent.NewBus(16)
	exec := NewExecutor(conn, nil, bus)

	require.NoError(t, exec.Start(context.Background()))
	require.NoError(t, exec.Start(context.Background()), "start is idempotent")

	assert.Len(t, bus.HistoryByType(cn.EventSQLExecutorStarted), 1)
}

func TestExecutor_ExecuteOperation_RowsAffected(t *testing.T) {
	exec, mock, bus, cleanup := newStartedExecutor(t)
	defer cleanup()

	mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 7))

	result, err := exec.ExecuteOperation(context.Background(), &mmodel.MigrationOperation{
		ID:   "op-1",
		SQL:  "UPDATE users SET age = 1",
		Kind: cn.KindUpdate,
	})

	require.NoError(t, err)
	assert.Equal(t, cn.StatusCompleted, result.Status)
	assert.Equal(t, int64(7), result.RowsAffected)
	assert.GreaterOrEqual(t, result.DurationMs, int64(0))

	assert.Len(t, bus.HistoryByType(cn.EventSQLOperationStarted), 1)
	assert.Len(t, bus.HistoryByType(cn.EventSQLOperationCompleted), 1)
}

func TestExecutor_ExecuteOperation_SelectCountsRows(t *testing.T) {
	exec, mock, _, cleanup := newStartedExecutor(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2).AddRow(3)
	mock.ExpectQuery("SELECT id FROM users").WillReturnRows(rows)

	result, err := exec.ExecuteOperation(context.Background(), &mmodel.MigrationOperation{
		ID:   "op-1",
		SQL:  "SELECT id FROM users",
		Kind: cn.KindSelect,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(3), result.RowsAffected)
}

func TestExecutor_ExecuteOperation_Failure(t *testing.T) {
	exec, mock, bus, cleanup := newStartedExecutor(t)
	defer cleanup()

	mock.ExpectExec("DROP TABLE missing").WillReturnError(errors.New(`relation "missing" does not exist`))

	result, err := exec.ExecuteOperation(context.Background(), &mmodel.MigrationOperation{
		ID:   "op-1",
		SQL:  "DROP TABLE missing",
		Kind: cn.KindDropTable,
	})

	require.Error(t, err)
	assert.Equal(t, cn.StatusFailed, result.Status)
	assert.NotEmpty(t, result.ErrorMessage)
	assert.Len(t, bus.HistoryByType(cn.EventSQLExecutorError), 1)
}

func TestExecutor_NotStarted(t *testing.T) {
	conn, _, cleanup := newMockSession(t)
	defer cleanup()

	exec := NewExecutor(conn, nil, mevent.NewBus(16))

	_, err := exec.ExecuteOperation(context.Background(), &mmodel.MigrationOperation{SQL: "SELECT 1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cn.ErrSessionClosed))
}

type fakeCanceller struct {
	mu      sync.Mutex
	cancels int
}

func (f *fakeCanceller) CancelBackend(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancels++

	return nil
}

func (f *fakeCanceller) BackendPID() int { return 12345 }

func TestExecutor_TimeoutCancelsStatement(t *testing.T) {
	conn, mock, cleanup := newMockSession(t)
	defer cleanup()

	canceller := &fakeCanceller{}
	exec := NewExecutor(conn, canceller, mevent.NewBus(64))
	require.NoError(t, exec.Start(context.Background()))

	// The statement outlives its budget and comes back as cancelled by the
	// server.
	mock.ExpectExec("UPDATE big_table").
		WillDelayFor(50 * time.Millisecond).
		WillReturnError(errors.New("ERROR: canceling statement due to user request (SQLSTATE 57014)"))

	result, err := exec.ExecuteOperation(context.Background(), &mmodel.MigrationOperation{
		ID:        "op-1",
		SQL:       "UPDATE big_table SET x = 1",
		Kind:      cn.KindUpdate,
		TimeoutMs: 5,
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, cn.ErrOperationTimeout))
	assert.Equal(t, cn.StatusFailed, result.Status)

	canceller.mu.Lock()
	assert.Equal(t, 1, canceller.cancels, "timeout cancels on the same backend, once")
	canceller.mu.Unlock()

	// The session survives: the next statement runs normally.
	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, exec.Exec(context.Background(), "SELECT 1"))
}

func TestExecutor_TransactionLifecycle(t *testing.T) {
	exec, mock, bus, cleanup := newStartedExecutor(t)
	defer cleanup()

	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))

	handle, err := exec.StartTransaction(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, cn.TxActive, handle.Status)
	assert.Equal(t, cn.IsolationReadCommitted, handle.IsolationLevel)
	assert.NotEmpty(t, handle.ID)

	require.NoError(t, exec.CommitTransaction(context.Background()))
	assert.Nil(t, exec.Transaction())

	assert.Len(t, bus.HistoryByType(cn.EventSQLTransactionStarted), 1)
	assert.Len(t, bus.HistoryByType(cn.EventSQLTransactionCommitted), 1)
}

func TestExecutor_TransactionExplicitIsolation(t *testing.T) {
	exec, mock, _, cleanup := newStartedExecutor(t)
	defer cleanup()

	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET TRANSACTION ISOLATION LEVEL SERIALIZABLE").WillReturnResult(sqlmock.NewResult(0, 0))

	handle, err := exec.StartTransaction(context.Background(), cn.IsolationSerializable)
	require.NoError(t, err)
	assert.Equal(t, cn.IsolationSerializable, handle.IsolationLevel)
}

func TestExecutor_SecondBeginFails(t *testing.T) {
	exec, mock, _, cleanup := newStartedExecutor(t)
	defer cleanup()

	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := exec.StartTransaction(context.Background(), "")
	require.NoError(t, err)

	_, err = exec.StartTransaction(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cn.ErrTransactionActive))
}

func TestExecutor_RollbackEmitsReason(t *testing.T) {
	exec, mock, bus, cleanup := newStartedExecutor(t)
	defer cleanup()

	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := exec.StartTransaction(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, exec.RollbackTransaction(context.Background(), "test failure"))

	events := bus.HistoryByType(cn.EventSQLTransactionRolledBack)
	require.Len(t, events, 1)

	payload := events[0].Payload.(map[string]any)
	assert.Equal(t, "test failure", payload["reason"])
}

func TestExecutor_CommitWithoutTransaction(t *testing.T) {
	exec, _, _, cleanup := newStartedExecutor(t)
	defer cleanup()

	err := exec.CommitTransaction(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, cn.ErrNoActiveTransaction))
}

func TestExecutor_ConcurrentIndexRejectedInTransaction(t *testing.T) {
	exec, mock, _, cleanup := newStartedExecutor(t)
	defer cleanup()

	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := exec.StartTransaction(context.Background(), "")
	require.NoError(t, err)

	_, err = exec.ExecuteOperation(context.Background(), &mmodel.MigrationOperation{
		SQL:  "CREATE INDEX CONCURRENTLY idx ON users (email)",
		Kind: cn.KindCreateIndexConcurrent,
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, cn.ErrTransaction))
}

func TestExecutor_AdvisoryLocks(t *testing.T) {
	exec, mock, bus, cleanup := newStartedExecutor(t)
	defer cleanup()

	mock.ExpectQuery("pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("pg_advisory_unlock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	require.NoError(t, exec.AcquireAdvisoryLock(context.Background(), 42, false))
	assert.Equal(t, []int64{42}, exec.AdvisoryLocks())

	require.NoError(t, exec.ReleaseAdvisoryLock(context.Background(), 42))
	assert.Empty(t, exec.AdvisoryLocks())

	assert.Len(t, bus.HistoryByType(cn.EventSQLAdvisoryLockAcquired), 1)
	assert.Len(t, bus.HistoryByType(cn.EventSQLAdvisoryLockReleased), 1)
}

func TestExecutor_AdvisoryLockHeldElsewhere(t *testing.T) {
	exec, mock, _, cleanup := newStartedExecutor(t)
	defer cleanup()

	mock.ExpectQuery("pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	err := exec.AcquireAdvisoryLock(context.Background(), 42, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cn.ErrConcurrentOperationConflict))
	assert.Empty(t, exec.AdvisoryLocks())
}

func TestExecutor_ShutdownReleasesEverything(t *testing.T) {
	exec, mock, _, cleanup := newStartedExecutor(t)
	defer cleanup()

	mock.ExpectQuery("pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("pg_advisory_unlock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, exec.AcquireAdvisoryLock(context.Background(), 7, false))

	_, err := exec.StartTransaction(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, exec.Shutdown(context.Background()))
	assert.Empty(t, exec.AdvisoryLocks())
	assert.Nil(t, exec.Transaction())
}
