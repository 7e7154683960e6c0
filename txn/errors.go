package txn

import "errors"

// Misuse errors. These indicate a broken Begin/Commit/Rollback/Release
// pairing in the caller, not a database failure. They are returned
// immediately, before anything touches the pool or the database, and
// leave the handle's state unchanged.
var (
	// ErrTxRunning is returned by Release while a transaction is open.
	ErrTxRunning = errors.New("transaction running")

	// ErrCannotCommit is returned by Commit with no open transaction.
	ErrCannotCommit = errors.New("transaction not running, cannot commit")

	// ErrCannotRollback is returned by Rollback with no open transaction.
	ErrCannotRollback = errors.New("transaction not running, cannot rollback")
)
