package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flyingrobots/wesley/pkg"
	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mmodel"
)

// ManagerConfig tunes savepoint capacity and deadlock retry.
type ManagerConfig struct {
	MaxSavepoints     int
	MaxRetries        int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoffMs      int64
}

// DefaultManagerConfig returns the manager defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxSavepoints:     16,
		MaxRetries:        3,
		InitialBackoff:    50 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoffMs:      5_000,
	}
}

// Manager layers savepoint stacks and deadlock retry over the executor's
// transaction primitives. One transaction is active at a time; the manager
// tracks its savepoints as a strict stack.
type Manager struct {
	mu sync.Mutex

	exec *Executor
	cfg  ManagerConfig

	txs map[string]*mmodel.TransactionHandle
	seq int
}

// NewManager builds a Manager over exec.
func NewManager(exec *Executor, cfg ManagerConfig) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultManagerConfig().MaxRetries
	}

	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultManagerConfig().InitialBackoff
	}

	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultManagerConfig().BackoffMultiplier
	}

	if cfg.MaxBackoffMs <= 0 {
		cfg.MaxBackoffMs = DefaultManagerConfig().MaxBackoffMs
	}

	return &Manager{
		exec: exec,
		cfg:  cfg,
		txs:  map[string]*mmodel.TransactionHandle{},
	}
}

// BeginTransaction opens a managed transaction and returns its id.
func (m *Manager) BeginTransaction(ctx context.Context, isolation cn.IsolationLevel) (string, error) {
	handle, err := m.exec.StartTransaction(ctx, isolation)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.txs[handle.ID] = handle
	m.mu.Unlock()

	return handle.ID, nil
}

func (m *Manager) activeTx(id string) (*mmodel.TransactionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok || tx.Status != cn.TxActive {
		return nil, pkg.NewRuntimeError(cn.ErrNoActiveTransaction, fmt.Sprintf("transaction %s is not active", id))
	}

	return tx, nil
}

// CommitTransaction commits the managed transaction.
func (m *Manager) CommitTransaction(ctx context.Context, id string) error {
	tx, err := m.activeTx(id)
	if err != nil {
		return err
	}

	if err := m.exec.CommitTransaction(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	tx.Status = cn.TxCommitted
	tx.Savepoints = nil
	m.mu.Unlock()

	return nil
}

// RollbackTransaction rolls back the managed transaction.
func (m *Manager) RollbackTransaction(ctx context.Context, id, reason string) error {
	tx, err := m.activeTx(id)
	if err != nil {
		return err
	}

	if err := m.exec.RollbackTransaction(ctx, reason); err != nil {
		return err
	}

	m.mu.Lock()
	tx.Status = cn.TxRolledBack
	tx.Savepoints = nil
	m.mu.Unlock()

	return nil
}

// CreateSavepoint pushes a savepoint onto the transaction's stack. The stack
// is capped at MaxSavepoints; with a cap of zero every create fails.
func (m *Manager) CreateSavepoint(ctx context.Context, id, name string) (string, error) {
	tx, err := m.activeTx(id)
	if err != nil {
		return "", err
	}

	m.mu.Lock()

	if len(tx.Savepoints) >= m.cfg.MaxSavepoints {
		m.mu.Unlock()

		return "", pkg.NewSavepointError(name, fmt.Sprintf("savepoint limit of %d reached", m.cfg.MaxSavepoints))
	}

	if name == "" {
		m.seq++
		name = fmt.Sprintf("sp_%d", m.seq)
	}

	for _, sp := range tx.Savepoints {
		if sp.Name == name {
			m.mu.Unlock()

			return "", pkg.NewSavepointError(name, fmt.Sprintf("savepoint %s already exists", name))
		}
	}

	m.mu.Unlock()

	if err := m.exec.Exec(ctx, "SAVEPOINT "+quoteIdent(name)); err != nil {
		return "", pkg.NewSavepointError(name, fmt.Sprintf("failed to create savepoint %s: %v", name, err))
	}

	m.mu.Lock()
	tx.Savepoints = append(tx.Savepoints, mmodel.Savepoint{Name: name, CreatedAt: time.Now()})
	m.mu.Unlock()

	return name, nil
}

// RollbackToSavepoint rolls the transaction back to the named savepoint,
// retaining it and discarding every savepoint created after it.
func (m *Manager) RollbackToSavepoint(ctx context.Context, id, name string) error {
	tx, err := m.activeTx(id)
	if err != nil {
		return err
	}

	idx := savepointIndex(tx, name)
	if idx < 0 {
		return pkg.NewSavepointError(name, fmt.Sprintf("savepoint %s does not exist", name))
	}

	if err := m.exec.Exec(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(name)); err != nil {
		return pkg.NewSavepointError(name, fmt.Sprintf("failed to roll back to savepoint %s: %v", name, err))
	}

	m.mu.Lock()
	tx.Savepoints = tx.Savepoints[:idx+1]
	m.mu.Unlock()

	return nil
}

// ReleaseSavepoint releases the named savepoint. PostgreSQL also destroys
// every savepoint established after it, and so does the stack.
func (m *Manager) ReleaseSavepoint(ctx context.Context, id, name string) error {
	tx, err := m.activeTx(id)
	if err != nil {
		return err
	}

	idx := savepointIndex(tx, name)
	if idx < 0 {
		return pkg.NewSavepointError(name, fmt.Sprintf("savepoint %s does not exist", name))
	}

	if err := m.exec.Exec(ctx, "RELEASE SAVEPOINT "+quoteIdent(name)); err != nil {
		return pkg.NewSavepointError(name, fmt.Sprintf("failed to release savepoint %s: %v", name, err))
	}

	m.mu.Lock()
	tx.Savepoints = tx.Savepoints[:idx]
	m.mu.Unlock()

	return nil
}

// Savepoints returns the transaction's savepoint stack, bottom first.
func (m *Manager) Savepoints(id string) []mmodel.Savepoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil
	}

	return append([]mmodel.Savepoint(nil), tx.Savepoints...)
}

func savepointIndex(tx *mmodel.TransactionHandle, name string) int {
	for i, sp := range tx.Savepoints {
		if sp.Name == name {
			return i
		}
	}

	return -1
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// ExecuteInTransaction opens a transaction, runs fn, commits on success and
// rolls back on any error, which is always propagated.
func (m *Manager) ExecuteInTransaction(ctx context.Context, isolation cn.IsolationLevel, fn func(ctx context.Context) error) error {
	id, err := m.BeginTransaction(ctx, isolation)
	if err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if rbErr := m.RollbackTransaction(ctx, id, err.Error()); rbErr != nil {
			pkg.NewLoggerFromContext(ctx).Errorf("rollback after failure also failed: %v", rbErr)
		}

		return err
	}

	return m.CommitTransaction(ctx, id)
}

// ExecuteWithSavepoint runs fn under a fresh savepoint: released on success,
// rolled back to on failure so sibling work in the transaction survives.
func (m *Manager) ExecuteWithSavepoint(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	name, err := m.CreateSavepoint(ctx, id, "")
	if err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if rbErr := m.RollbackToSavepoint(ctx, id, name); rbErr != nil {
			return rbErr
		}

		// The savepoint itself is retained by rollback; drop it so the
		// stack returns to its pre-call size.
		if relErr := m.ReleaseSavepoint(ctx, id, name); relErr != nil {
			return relErr
		}

		return err
	}

	return m.ReleaseSavepoint(ctx, id, name)
}

// ExecuteWithDeadlockRetry runs fn inside savepoints, retrying on deadlock
// and serialization failures with exponential backoff. Exhaustion surfaces a
// DeadlockError carrying the last cause.
func (m *Manager) ExecuteWithDeadlockRetry(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialBackoff
	bo.Multiplier = m.cfg.BackoffMultiplier
	bo.MaxInterval = time.Duration(m.cfg.MaxBackoffMs) * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Reset()

	var lastErr error

	attempts := m.cfg.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		err := m.ExecuteWithSavepoint(ctx, id, fn)
		if err == nil {
			return nil
		}

		if !pkg.IsDeadlockError(err) {
			return err
		}

		lastErr = err

		if attempt == attempts-1 {
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return pkg.NewDeadlockError(attempts, lastErr)
}

// Cleanup rolls back every transaction still active. Called on shutdown.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()

	var activeIDs []string

	for id, tx := range m.txs {
		if tx.Status == cn.TxActive {
			activeIDs = append(activeIDs, id)
		}
	}

	m.mu.Unlock()

	for _, id := range activeIDs {
		if err := m.RollbackTransaction(ctx, id, "cleanup"); err != nil {
			pkg.NewLoggerFromContext(ctx).Warnf("cleanup rollback of %s failed: %v", id, err)
		}
	}
}
