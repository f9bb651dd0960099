package sqlsession

import (
	"context"
	"database/sql"
	"time"
)

// Locker acquires named locks that are visible to every process sharing the backend.
//
// conn is the connection pinned by the Handler for the whole session lifecycle.
// Connection-scoped lockers (PostgreSQL advisory locks) bind the lock to it; other
// lockers may ignore it. Acquire must return ErrLockTimeout when the lock could not be
// obtained within timeout.
type Locker interface {
	Acquire(ctx context.Context, conn *sql.Conn, name string, timeout time.Duration) (Lock, error)
}

// Lock is a held lock returned by a Locker.
type Lock interface {
	// Release gives the lock back. Releasing a lock that is no longer held is not an error
	// at the backend level; implementations may report ErrLockNotHeld for logging.
	Release(ctx context.Context) error
}

const defaultPollInterval = 50 * time.Millisecond

// pollLock calls try until it reports success, the timeout elapses or ctx is done.
// try is always called at least once, so a zero timeout means a single attempt.
func pollLock(ctx context.Context, timeout, interval time.Duration, try func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrLockTimeout
		}

		timer := time.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// lockName derives the lock name for a session identifier.
func lockName(id string) string {
	return "session_" + id
}

// LockResult reports the outcome of Handler.Open.
type LockResult int

const (
	// LockUnavailable means no lock is held because the session ID was invalid or the
	// backend failed while locking. Subsequent operations run unlocked.
	LockUnavailable LockResult = iota
	// LockAcquired means the session lock is held until Close.
	LockAcquired
	// LockTimedOut means another holder kept the lock past the lock timeout.
	// The request proceeds unlocked and its writes may race with that holder.
	LockTimedOut
)

func (r LockResult) String() string {
	switch r {
	case LockAcquired:
		return "acquired"
	case LockTimedOut:
		return "timed_out"
	default:
		return "unavailable"
	}
}
