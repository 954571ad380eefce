package split

import (
	"context"
	"database/sql"
	"fmt"
)

// Session pins one connection from the pool and opens an explicit transaction
// on it, so that a batch of boundary-discovery calls runs as a sequence of
// reads under a single scope instead of one implicit auto-commit per
// statement. Callers must Close the session when the batch ends, on every
// path; Close rolls the scope back and returns the connection.
type Session struct {
	conn *sql.Conn
	tx   *sql.Tx
}

// NewSession acquires a dedicated connection and begins its read scope at the
// given isolation level. Snapshot isolation gives chunk reads a stable view of
// the table; read committed trades that for lower overhead.
func NewSession(ctx context.Context, db *sql.DB, isolation sql.IsolationLevel) (*Session, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire source connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to begin read scope: %w", err)
	}
	return &Session{conn: conn, tx: tx}, nil
}

// Querier returns the scoped read surface for estimator calls.
func (s *Session) Querier() Querier {
	return s.tx
}

// QueryContext runs a multi-row query inside the session's read scope.
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.tx.QueryContext(ctx, query, args...)
}

// Close ends the read scope and releases the connection. The scope only ever
// read, so it is rolled back rather than committed.
func (s *Session) Close() error {
	rollbackErr := s.tx.Rollback()
	closeErr := s.conn.Close()
	if rollbackErr != nil && rollbackErr != sql.ErrTxDone {
		return fmt.Errorf("failed to end read scope: %w", rollbackErr)
	}
	return closeErr
}
