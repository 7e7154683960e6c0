// Package txn provides a reference-counted transaction handle over a
// pooled database connection. Nested code paths can call Begin without
// knowing whether a caller already did: only the outermost Begin issues
// the real BEGIN statement, and only the matching outermost Commit or
// Rollback issues the real COMMIT/ROLLBACK and returns the borrowed
// connection to the pool. Everything in between is counter bookkeeping.
package txn

import (
	"context"
	"database/sql"
	"fmt"

	"txnkit/db"
)

// Handle owns at most one connection borrowed from the pool and counts
// unmatched Begin calls. While the depth is above zero the connection is
// pinned to the handle so every statement joins the open transaction;
// at depth zero queries without a held connection go straight to the pool
// and run in autocommit mode.
//
// A Handle is not safe for concurrent use. Use one handle per logical
// unit of work (for a server, one per request) and serialize calls on it.
type Handle struct {
	db    *db.DB
	conn  *db.Conn
	depth int
}

// New returns an idle handle bound to the pool. No connection is borrowed
// until Connect, Begin, or a statement needs one.
func New(d *db.DB) *Handle {
	return &Handle{db: d}
}

// Depth reports the number of unmatched Begin calls.
func (h *Handle) Depth() int { return h.depth }

// Connected reports whether the handle currently holds a borrowed connection.
func (h *Handle) Connected() bool { return h.conn != nil }

// Connect borrows a connection from the pool, blocking until one is
// available. Calling it while a connection is already held is a no-op.
func (h *Handle) Connect(ctx context.Context) error {
	if h.conn != nil {
		return nil
	}
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	h.conn = conn
	return nil
}

// Release returns the held connection to the pool. A no-op when no
// connection is held. Fails with ErrTxRunning while a transaction is
// open; the connection stays held so the caller can still finish the
// transaction.
func (h *Handle) Release() error {
	if h.depth > 0 {
		return ErrTxRunning
	}
	if h.conn == nil {
		return nil
	}
	conn := h.conn
	h.conn = nil
	if err := conn.Close(); err != nil {
		return fmt.Errorf("release conn: %w", err)
	}
	return nil
}

// Begin opens one level of transaction nesting, connecting first if
// needed. The real BEGIN statement is issued only on the transition from
// depth zero; deeper calls just increment the counter and never touch the
// database. If the BEGIN statement fails the depth stays at zero but the
// connection remains held, so the caller should still Release.
func (h *Handle) Begin(ctx context.Context) error {
	if err := h.Connect(ctx); err != nil {
		return err
	}
	if h.depth == 0 {
		if _, err := h.conn.ExecContext(ctx, h.db.BeginTxSQL()); err != nil {
			return fmt.Errorf("begin: %w", err)
		}
	}
	h.depth++
	return nil
}

// Commit closes one level of transaction nesting. Only the call that
// brings the depth back to zero issues the real COMMIT and releases the
// connection; inner calls just decrement. Exactly one COMMIT reaches the
// database per matched set of Begin calls. Returns ErrCannotCommit when
// no transaction is open. If the COMMIT statement fails the connection
// stays held at depth zero and the caller should Release.
func (h *Handle) Commit(ctx context.Context) error {
	if h.depth == 0 {
		return ErrCannotCommit
	}
	h.depth--
	if h.depth > 0 {
		return nil
	}
	if _, err := h.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return h.Release()
}

// Rollback closes one level of transaction nesting, issuing the real
// ROLLBACK and releasing the connection only when the depth reaches zero.
// An inner Rollback therefore does not abort the transaction by itself:
// whichever call unwinds the last level decides the outcome, so writes
// made between an inner Rollback and the outermost unwind still commit if
// that unwind is a Commit. A true nested abort would need savepoints,
// which this handle does not use. Returns ErrCannotRollback when no
// transaction is open.
func (h *Handle) Rollback(ctx context.Context) error {
	if h.depth == 0 {
		return ErrCannotRollback
	}
	h.depth--
	if h.depth > 0 {
		return nil
	}
	if _, err := h.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return h.Release()
}

// Query runs a row-returning statement. On a held connection it joins
// whatever transaction is open; otherwise it goes straight to the pool,
// which borrows a connection for the call and returns it when the rows
// are closed. A statement failure never changes the depth or the held
// connection.
func (h *Handle) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if h.conn != nil {
		return h.conn.QueryContext(ctx, query, args...)
	}
	return h.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a statement expected to return at most one row, with the
// same held-connection-else-pool routing as Query.
func (h *Handle) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if h.conn != nil {
		return h.conn.QueryRowContext(ctx, query, args...)
	}
	return h.db.QueryRowContext(ctx, query, args...)
}

// Exec runs a statement that returns no rows, with the same
// held-connection-else-pool routing as Query.
func (h *Handle) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if h.conn != nil {
		return h.conn.ExecContext(ctx, query, args...)
	}
	return h.db.ExecContext(ctx, query, args...)
}

// RunInTransaction brackets fn in a matched Begin/Commit pair, so the
// handle's depth is the same after the call as before it. When fn returns
// an error that level is rolled back instead and the error is returned;
// if the rollback itself fails, the rollback error is returned carrying
// the original error text, since the connection may then be in an
// inconsistent state. fn may itself use Begin/Commit/Rollback or nest
// further RunInTransaction calls on the same handle.
func (h *Handle) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := h.Begin(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if rbErr := h.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}
	return h.Commit(ctx)
}
