package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/wesley/pkg"
	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mevent"
)

func newManager(t *testing.T, cfg ManagerConfig) (*Manager, sqlmock.Sqlmock, func()) {
	t.Helper()

	conn, mock, cleanup := newMockSession(t)
	exec := NewExecutor(conn, nil, mevent.NewBus(128))
	require.NoError(t, exec.Start(context.Background()))

	return NewManager(exec, cfg), mock, cleanup
}

func expectBegin(mock sqlmock.Sqlmock) {
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestManager_BeginCommit_LeavesNoSavepoints(t *testing.T) {
	m, mock, cleanup := newManager(t, DefaultManagerConfig())
	defer cleanup()

	expectBegin(mock)
	mock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))

	id, err := m.BeginTransaction(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, m.CommitTransaction(context.Background(), id))
	assert.Empty(t, m.Savepoints(id))

	// A committed transaction cannot be committed again.
	err = m.CommitTransaction(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cn.ErrNoActiveTransaction))
}

func TestManager_BeginRollback_LeavesNoActiveTransaction(t *testing.T) {
	m, mock, cleanup := newManager(t, DefaultManagerConfig())
	defer cleanup()

	expectBegin(mock)
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	id, err := m.BeginTransaction(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, m.RollbackTransaction(context.Background(), id, "test"))

	err = m.RollbackTransaction(context.Background(), id, "again")
	assert.True(t, errors.Is(err, cn.ErrNoActiveTransaction))
}

func TestManager_SavepointStack(t *testing.T) {
	m, mock, cleanup := newManager(t, DefaultManagerConfig())
	defer cleanup()

	expectBegin(mock)
	mock.ExpectExec(`SAVEPOINT "a"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SAVEPOINT "b"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SAVEPOINT "c"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT "a"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SAVEPOINT "d"`).WillReturnResult(sqlmock.NewResult(0, 0))

	id, err := m.BeginTransaction(context.Background(), "")
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c"} {
		_, err := m.CreateSavepoint(context.Background(), id, name)
		require.NoError(t, err)
	}

	require.Len(t, m.Savepoints(id), 3)

	// Rolling back to "a" retains it and discards "b" and "c".
	require.NoError(t, m.RollbackToSavepoint(context.Background(), id, "a"))

	stack := m.Savepoints(id)
	require.Len(t, stack, 1)
	assert.Equal(t, "a", stack[0].Name)

	// A fresh savepoint lands on top: size is size-at-a + 1.
	_, err = m.CreateSavepoint(context.Background(), id, "d")
	require.NoError(t, err)

	stack = m.Savepoints(id)
	require.Len(t, stack, 2)
	assert.Equal(t, "d", stack[1].Name)
}

func TestManager_ReleaseDestroysLaterSavepoints(t *testing.T) {
	m, mock, cleanup := newManager(t, DefaultManagerConfig())
	defer cleanup()

	expectBegin(mock)
	mock.ExpectExec(`SAVEPOINT "a"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SAVEPOINT "b"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`RELEASE SAVEPOINT "a"`).WillReturnResult(sqlmock.NewResult(0, 0))

	id, err := m.BeginTransaction(context.Background(), "")
	require.NoError(t, err)

	_, err = m.CreateSavepoint(context.Background(), id, "a")
	require.NoError(t, err)
	_, err = m.CreateSavepoint(context.Background(), id, "b")
	require.NoError(t, err)

	require.NoError(t, m.ReleaseSavepoint(context.Background(), id, "a"))
	assert.Empty(t, m.Savepoints(id))
}

func TestManager_SavepointCapZero(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxSavepoints = 0

	m, mock, cleanup := newManager(t, cfg)
	defer cleanup()

	expectBegin(mock)

	id, err := m.BeginTransaction(context.Background(), "")
	require.NoError(t, err)

	_, err = m.CreateSavepoint(context.Background(), id, "any")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cn.ErrSavepoint))
}

func TestManager_SavepointCapEnforced(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxSavepoints = 2

	m, mock, cleanup := newManager(t, cfg)
	defer cleanup()

	expectBegin(mock)
	mock.ExpectExec("SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))

	id, err := m.BeginTransaction(context.Background(), "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := m.CreateSavepoint(context.Background(), id, "")
		require.NoError(t, err)
	}

	_, err = m.CreateSavepoint(context.Background(), id, "")
	require.Error(t, err)

	var spErr pkg.SavepointError

	assert.True(t, errors.As(err, &spErr))
}

func TestManager_UnknownSavepoint(t *testing.T) {
	m, mock, cleanup := newManager(t, DefaultManagerConfig())
	defer cleanup()

	expectBegin(mock)

	id, err := m.BeginTransaction(context.Background(), "")
	require.NoError(t, err)

	err = m.RollbackToSavepoint(context.Background(), id, "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cn.ErrSavepoint))
}

func TestManager_ExecuteInTransaction_CommitOnSuccess(t *testing.T) {
	m, mock, cleanup := newManager(t, DefaultManagerConfig())
	defer cleanup()

	expectBegin(mock)
	mock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))

	ran := false

	err := m.ExecuteInTransaction(context.Background(), "", func(context.Context) error {
		ran = true

		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestManager_ExecuteInTransaction_RollbackOnFailure(t *testing.T) {
	m, mock, cleanup := newManager(t, DefaultManagerConfig())
	defer cleanup()

	expectBegin(mock)
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	boom := errors.New("boom")

	err := m.ExecuteInTransaction(context.Background(), "", func(context.Context) error {
		return boom
	})

	require.ErrorIs(t, err, boom, "the original error always propagates")
}

func TestManager_ExecuteWithSavepoint_RestoresStackOnFailure(t *testing.T) {
	m, mock, cleanup := newManager(t, DefaultManagerConfig())
	defer cleanup()

	expectBegin(mock)
	mock.ExpectExec("SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))

	id, err := m.BeginTransaction(context.Background(), "")
	require.NoError(t, err)

	boom := errors.New("boom")

	err = m.ExecuteWithSavepoint(context.Background(), id, func(context.Context) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Empty(t, m.Savepoints(id), "the stack returns to its pre-call size")
}

func TestManager_DeadlockRetry_SucceedsAfterRetries(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.InitialBackoff = 1
	cfg.MaxRetries = 3

	m, mock, cleanup := newManager(t, cfg)
	defer cleanup()

	expectBegin(mock)

	// Three savepoint attempts: two deadlocks, then success.
	for i := 0; i < 3; i++ {
		mock.ExpectExec("SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))

		if i < 2 {
			mock.ExpectExec("ROLLBACK TO SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec("RELEASE SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
		} else {
			mock.ExpectExec("RELEASE SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
		}
	}

	id, err := m.BeginTransaction(context.Background(), "")
	require.NoError(t, err)

	attempts := 0

	err = m.ExecuteWithDeadlockRetry(context.Background(), id, func(context.Context) error {
		attempts++

		if attempts <= 2 {
			return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestManager_DeadlockRetry_Exhaustion(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.InitialBackoff = 1
	cfg.MaxRetries = 2

	m, mock, cleanup := newManager(t, cfg)
	defer cleanup()

	expectBegin(mock)

	for i := 0; i < 3; i++ {
		mock.ExpectExec("SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("ROLLBACK TO SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("RELEASE SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	id, err := m.BeginTransaction(context.Background(), "")
	require.NoError(t, err)

	err = m.ExecuteWithDeadlockRetry(context.Background(), id, func(context.Context) error {
		return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, cn.ErrDeadlock))

	var dlErr pkg.DeadlockError

	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, 3, dlErr.Attempts)
}

func TestManager_DeadlockRetry_NonRetriablePropagates(t *testing.T) {
	m, mock, cleanup := newManager(t, DefaultManagerConfig())
	defer cleanup()

	expectBegin(mock)
	mock.ExpectExec("SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))

	id, err := m.BeginTransaction(context.Background(), "")
	require.NoError(t, err)

	boom := errors.New("syntax error")

	err = m.ExecuteWithDeadlockRetry(context.Background(), id, func(context.Context) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
}

func TestManager_Cleanup(t *testing.T) {
	m, mock, cleanup := newManager(t, DefaultManagerConfig())
	defer cleanup()

	expectBegin(mock)
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	id, err := m.BeginTransaction(context.Background(), "")
	require.NoError(t, err)

	m.Cleanup(context.Background())

	err = m.CommitTransaction(context.Background(), id)
	assert.True(t, errors.Is(err, cn.ErrNoActiveTransaction))
}
