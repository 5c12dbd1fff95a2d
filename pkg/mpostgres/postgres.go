// Package mpostgres owns the PostgreSQL session the runtime executes
// through: one authenticated connection, pinned for the lifetime of a run so
// savepoints, advisory locks and transaction state all land on the same
// backend.
package mpostgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/flyingrobots/wesley/pkg"
)

// Connection is the capability the executor and the monitors depend on.
// *sql.Conn satisfies it; tests substitute sqlmock-backed sessions.
type Connection interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresConnection is a hub which deals with the runtime's postgres
// session. Exactly one session is pinned per run; everything the engine
// issues goes through it. Cancellation travels out-of-band on a second,
// short-lived connection.
type PostgresConnection struct {
	ConnectionString string
	ApplicationName  string

	db         *sql.DB
	session    *sql.Conn
	backendPID int
	Connected  bool
}

// NewPostgresConnection builds a hub from a connection string, honoring the
// PGPASSWORD and PGAPPNAME environment overrides.
func NewPostgresConnection(connectionString string) *PostgresConnection {
	appName := pkg.GetenvOrDefault("PGAPPNAME", "wesley-migration")

	if password := pkg.GetenvOrDefault("PGPASSWORD", ""); password != "" {
		connectionString = fmt.Sprintf("%s password=%s", connectionString, password)
	}

	return &PostgresConnection{
		ConnectionString: connectionString,
		ApplicationName:  appName,
	}
}

// Connect opens the database, pins a single session, names it for
// observability and records its backend pid.
func (pc *PostgresConnection) Connect(ctx context.Context) error {
	db, err := sql.Open("pgx", pc.ConnectionString)
	if err != nil {
		return fmt.Errorf("failed to open connection to database: %w", err)
	}

	session, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()

		return fmt.Errorf("failed to pin session: %w", err)
	}

	if _, err := session.ExecContext(ctx, fmt.Sprintf("SET application_name = '%s'", pc.ApplicationName)); err != nil {
		_ = session.Close()
		_ = db.Close()

		return fmt.Errorf("failed to set application_name: %w", err)
	}

	if err := session.QueryRowContext(ctx, "SELECT pg_backend_pid()").Scan(&pc.backendPID); err != nil {
		_ = session.Close()
		_ = db.Close()

		return fmt.Errorf("failed to read backend pid: %w", err)
	}

	pc.db = db
	pc.session = session
	pc.Connected = true

	return nil
}

// Session returns the pinned connection.
//
//nolint:ireturn
func (pc *PostgresConnection) Session() Connection {
	return pc.session
}

// BackendPID returns the server process id of the pinned session.
func (pc *PostgresConnection) BackendPID() int {
	return pc.backendPID
}

// CancelBackend asks the server to cancel whatever the pinned session is
// running. It never kills the session itself; the statement fails with a
// query_canceled error and the connection stays usable.
func (pc *PostgresConnection) CancelBackend(ctx context.Context) error {
	if pc.db == nil {
		return fmt.Errorf("not connected")
	}

	var cancelled bool
	if err := pc.db.QueryRowContext(ctx, "SELECT pg_cancel_backend($1)", pc.backendPID).Scan(&cancelled); err != nil {
		return fmt.Errorf("pg_cancel_backend failed: %w", err)
	}

	if !cancelled {
		return fmt.Errorf("pg_cancel_backend(%d) returned false", pc.backendPID)
	}

	return nil
}

// Close releases the pinned session and the underlying pool.
func (pc *PostgresConnection) Close() error {
	pc.Connected = false

	var firstErr error

	if pc.session != nil {
		if err := pc.session.Close(); err != nil {
			firstErr = err
		}

		pc.session = nil
	}

	if pc.db != nil {
		if err := pc.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		pc.db = nil
	}

	return firstErr
}
