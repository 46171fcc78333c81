// Package advisory wraps Postgres session-scoped advisory locks behind
// string keys. Locks are bound to one connection and vanish when that
// connection closes, which makes them safe against crashed holders.
package advisory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"loom/internal/errors"
	"loom/internal/infra/queue"
	"loom/internal/logging"
)

// HashKey maps a string key onto the signed 64-bit keyspace Postgres
// advisory locks use. The first 8 bytes of the SHA-256 digest are taken
// big-endian and reinterpreted as int64; the cast is the usual two's
// complement mapping, so keys hashing above 2^63-1 land in the negative
// half. Collisions across distinct keys are possible but need ~2^32 live
// keys to matter.
func HashKey(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Locker acquires and releases advisory locks on one connection. It is
// bound to an execution session's connection so held locks share the
// session's lifetime.
type Locker struct {
	conn   queue.Querier
	logger logging.Logger
}

// NewLocker binds a locker to conn.
func NewLocker(conn queue.Querier, logger logging.Logger) *Locker {
	return &Locker{conn: conn, logger: logging.OrNop(logger)}
}

// TryLock attempts a non-blocking acquire. Returns ErrLockUnavailable
// when another session holds the lock.
func (l *Locker) TryLock(ctx context.Context, key string) error {
	var acquired bool
	err := l.conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock($1)`, HashKey(key),
	).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("try advisory lock %q: %w", key, err)
	}
	if !acquired {
		return fmt.Errorf("key %q: %w", key, errors.ErrLockUnavailable)
	}
	l.logger.Debug("acquired advisory lock %q", key)
	return nil
}

// Lock blocks until the lock is acquired or ctx is done. Cancellation
// propagates as a query error from the driver.
func (l *Locker) Lock(ctx context.Context, key string) error {
	if _, err := l.conn.Exec(ctx,
		`SELECT pg_advisory_lock($1)`, HashKey(key)); err != nil {
		return fmt.Errorf("advisory lock %q: %w", key, err)
	}
	l.logger.Debug("acquired advisory lock %q", key)
	return nil
}

// Unlock releases a held lock. Releasing a lock this session does not
// hold is logged and ignored.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	var released bool
	err := l.conn.QueryRow(ctx,
		`SELECT pg_advisory_unlock($1)`, HashKey(key),
	).Scan(&released)
	if err != nil {
		return fmt.Errorf("advisory unlock %q: %w", key, err)
	}
	if !released {
		l.logger.Warn("advisory unlock %q: lock was not held by this session", key)
	}
	return nil
}

// With runs fn while holding the lock for key. failFast selects TryLock
// over Lock. The lock is released on every path, including panics, so a
// long-lived session cannot strand it.
func (l *Locker) With(ctx context.Context, key string, failFast bool, fn func(ctx context.Context) error) error {
	var err error
	if failFast {
		err = l.TryLock(ctx, key)
	} else {
		err = l.Lock(ctx, key)
	}
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := l.Unlock(context.WithoutCancel(ctx), key); unlockErr != nil {
			l.logger.Warn("release advisory lock: %v", unlockErr)
		}
	}()
	return fn(ctx)
}
