package sqlsession

import "errors"

var (
	// ErrSessionTooLarge is returned when a payload exceeds the configured MaxSessionBytes.
	ErrSessionTooLarge = errors.New("session data too large")

	// ErrInvalidSessionID is returned when a session ID is empty, longer than 128 bytes
	// or contains a NUL byte.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrInvalidMaxLifetime is returned by GC for a negative max lifetime.
	ErrInvalidMaxLifetime = errors.New("invalid session max lifetime")

	// ErrInvalidTableName is returned when the configured table name is not a plain
	// identifier (letters, digits and underscores, starting with a letter or underscore).
	ErrInvalidTableName = errors.New("invalid table name")

	// ErrSchema marks a failure to provision or verify the sessions table.
	// It is a configuration error and is reported by the store constructors.
	ErrSchema = errors.New("session schema bootstrap failed")

	// ErrBackend marks a failure reported by the database while reading or writing sessions.
	ErrBackend = errors.New("session backend error")

	// ErrLockTimeout is returned by a Locker when the lock could not be acquired in time.
	ErrLockTimeout = errors.New("session lock timeout")

	// ErrLockNotHeld is returned by Lock.Release when the lock was lost before release,
	// for example because its lease expired and another owner took it over.
	ErrLockNotHeld = errors.New("session lock not held")
)
