// Package errors defines the error kinds of the execution engine and the
// transient/permanent classification used by retry logic.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for the leasing and locking protocols.
var (
	// ErrLostLease reports that the worker no longer owns the run: the
	// lease expired or another worker reclaimed it. Any ownership-guarded
	// write surfaces this; the executor must stop and skip finalization.
	ErrLostLease = errors.New("lost lease ownership")

	// ErrLockUnavailable reports a failed non-blocking advisory lock
	// acquisition. Callers decide how to map it into their domain.
	ErrLockUnavailable = errors.New("advisory lock unavailable")

	// ErrWaitTimeout reports that WaitRuns exceeded its timeout.
	ErrWaitTimeout = errors.New("timeout waiting for child runs")
)

// ChildrenFailedError reports child runs that ended FAILED or CANCELLED
// while waiting under a policy that cannot succeed anymore.
type ChildrenFailedError struct {
	Policy    string
	FailedIDs []string
}

func (e *ChildrenFailedError) Error() string {
	return fmt.Sprintf("%d child run(s) failed (policy=%s): %v", len(e.FailedIDs), e.Policy, e.FailedIDs)
}

// InvariantViolationError reports a pre-finalization check failure, such as
// a required field missing before an installation can be marked installed.
type InvariantViolationError struct {
	Field   string
	Message string
}

func (e *InvariantViolationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (field=%s)", e.Message, e.Field)
}

// TransientError marks an error as retry-able regardless of classification.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an error as non-retry-able regardless of classification.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Postgres SQLSTATE classes and codes that are safe to retry.
const (
	pgClassConnectionException = "08"
	pgSerializationFailure     = "40001"
	pgDeadlockDetected         = "40P01"
	pgCannotConnectNow         = "57P03"
	pgTooManyConnections       = "53300"
)

// IsTransient reports whether an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	// Ownership loss is a protocol outcome, never a retry target.
	if errors.Is(err, ErrLostLease) || errors.Is(err, ErrLockUnavailable) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if isTransientPgError(err) {
		return true
	}
	return isNetworkError(err)
}

func isTransientPgError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if len(pgErr.Code) >= 2 && pgErr.Code[:2] == pgClassConnectionException {
		return true
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgCannotConnectNow, pgTooManyConnections:
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, optionally against a specific constraint name.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
