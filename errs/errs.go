// Package errs defines the boundary error codes for the FSFS commit core.
//
// Errors are split into the kinds §7 describes: transient (lock
// contention, caller should retry), semantic (caller must update and
// retry), validation (bug or on-disk damage, never retried), and I/O
// (surfaced with wrapping context). Callers distinguish them with
// errors.Is against the sentinels below, since call sites wrap these
// with fmt.Errorf("...: %w", ...) for context.
package errs

import "errors"

var (
	// ErrRepBeingWrittenInProcess is returned when another goroutine in
	// this process already holds the proto-rev writer for a TxnId.
	ErrRepBeingWrittenInProcess = errors.New("rep already being written in this process")

	// ErrRepBeingWrittenInOtherProcess is returned when the advisory
	// file lock on rev-lock is held by another process.
	ErrRepBeingWrittenInOtherProcess = errors.New("rep already being written by another process")

	// ErrTxnOutOfDate is returned by commit when the txn's base
	// revision is no longer the youngest revision.
	ErrTxnOutOfDate = errors.New("transaction is out of date")

	// ErrCorrupt indicates on-disk damage or a broken invariant; never retried.
	ErrCorrupt = errors.New("corrupt repository state")

	// ErrNoSuchTransaction is returned when a TxnId has no backing directory.
	ErrNoSuchTransaction = errors.New("no such transaction")

	// ErrUniqueNamesExhausted is returned when the base-36 txn sequence overflows.
	ErrUniqueNamesExhausted = errors.New("unique transaction names exhausted")

	// ErrBadDate indicates a malformed svn:date property value.
	ErrBadDate = errors.New("invalid date")

	// ErrLockFailed covers non-EWOULDBLOCK failures acquiring an advisory lock.
	ErrLockFailed = errors.New("failed to acquire lock")

	// ErrInvalidChangeOrdering indicates the changed-paths journal violates
	// the fold ordering rules of §4.5.
	ErrInvalidChangeOrdering = errors.New("invalid change ordering")

	// ErrCancelled is returned when an injected cancel_fn fired mid-traversal.
	ErrCancelled = errors.New("operation cancelled")

	// ErrPathNotLocked is returned by lock verification when the
	// committing user does not hold a required path-lock.
	ErrPathNotLocked = errors.New("path not locked by user")
)
