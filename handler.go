package sqlsession

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionHandler is the lifecycle contract a host session subsystem drives for each request:
// Open, any number of Read/Write/Destroy calls, then Close. GC is independent of the lifecycle.
type SessionHandler interface {
	Open(ctx context.Context, id string) LockResult
	Close(ctx context.Context)
	Read(ctx context.Context, id string) ([]byte, error)
	Write(ctx context.Context, id string, data []byte) error
	Destroy(ctx context.Context, id string) error
	GC(ctx context.Context, maxLifetime time.Duration) (int64, error)
}

var _ SessionHandler = (*Handler)(nil)

// State is the lock state of a Handler.
type State int

const (
	StateIdle State = iota
	StateLocked
)

func (s State) String() string {
	if s == StateLocked {
		return "locked"
	}
	return "idle"
}

// Handler runs one session lifecycle. Between Open and Close it keeps a single
// connection checked out of the pool; the session lock, when the backend scopes
// locks to connections, lives on that connection, and every query of the
// lifecycle runs on it.
//
// A Handler is not meant to be shared between requests.
type Handler struct {
	store *Store

	mu     sync.Mutex
	id     string
	conn   *sql.Conn
	lock   Lock
	result LockResult
	open   bool
}

// Open acquires the lock for id, waiting at most the store's lock timeout. The wait
// covers checking out the connection the lifecycle pins; an exhausted pool is reported
// as LockTimedOut like a busy lock.
//
// Open never fails. When the lock cannot be taken in time it returns LockTimedOut
// and the lifecycle continues unlocked: availability wins over strict mutual
// exclusion, and writes made in that state may race with the other holder.
// Calling Open on an open Handler closes the previous lifecycle first.
func (h *Handler) Open(ctx context.Context, id string) LockResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.open {
		h.closeLocked(ctx)
	}

	s := h.store
	name := lockName(id)
	log := s.log.WithField("session_lock", name)

	h.id = id
	h.open = true
	h.result = LockUnavailable

	if err := validateID(id); err != nil {
		log.WithError(err).Warn("session lock skipped")
		s.metrics.lockResults.WithLabelValues(h.result.String()).Inc()
		return h.result
	}

	// The whole of Open, connection checkout included, is bounded by the lock timeout.
	// A single-attempt store still gets one poll interval to check out a connection.
	start := time.Now()
	checkoutCtx, cancel := context.WithTimeout(ctx, max(s.lockTimeout, defaultPollInterval))
	conn, err := s.db.Conn(checkoutCtx)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			log.WithError(err).Debug("session lock abandoned")
		case errors.Is(err, context.DeadlineExceeded):
			h.result = LockTimedOut
			log.WithField("wait", time.Since(start)).
				Warn("no connection available for session lock, continuing without lock")
		default:
			log.WithError(err).Error("failed to check out connection for session lock")
			s.metrics.backendErrors.WithLabelValues("open").Inc()
		}
		s.metrics.lockResults.WithLabelValues(h.result.String()).Inc()
		return h.result
	}
	h.conn = conn

	remaining := max(s.lockTimeout-time.Since(start), 0)
	lock, err := s.locker.Acquire(ctx, conn, name, remaining)
	wait := time.Since(start)
	s.metrics.lockWait.Observe(wait.Seconds())

	switch {
	case err == nil:
		h.lock = lock
		h.result = LockAcquired
		log.WithField("wait", wait).Debug("session lock acquired")
	case errors.Is(err, ErrLockTimeout):
		h.result = LockTimedOut
		log.WithFields(logrus.Fields{"wait": wait, "timeout": s.lockTimeout}).
			Warn("session lock timed out, continuing without lock")
	case ctx.Err() != nil:
		// The caller went away; not a backend failure.
		log.WithError(err).Debug("session lock abandoned")
	default:
		s.metrics.backendErrors.WithLabelValues("open").Inc()
		log.WithError(err).Error("failed to acquire session lock, continuing without lock")
	}
	s.metrics.lockResults.WithLabelValues(h.result.String()).Inc()
	return h.result
}

// Close releases the lock taken by Open and returns the pinned connection.
// It is idempotent and a no-op on a Handler that was never opened.
func (h *Handler) Close(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(ctx)
}

func (h *Handler) closeLocked(ctx context.Context) {
	if !h.open {
		return
	}
	log := h.store.log.WithField("session_lock", lockName(h.id))

	var releaseErr error
	if h.lock != nil {
		releaseErr = h.lock.Release(ctx)
		if releaseErr != nil {
			log.WithError(releaseErr).Warn("failed to release session lock")
		}
	}

	if h.conn != nil {
		if releaseErr != nil && !errors.Is(releaseErr, ErrLockNotHeld) {
			// The lock may still live on this connection; drop the connection so the
			// backend frees it on disconnect instead of handing it to the next request.
			_ = h.conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		if err := h.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			log.WithError(err).Debug("failed to return session connection")
		}
	}

	h.id = ""
	h.conn = nil
	h.lock = nil
	h.result = LockUnavailable
	h.open = false
}

// Read returns the payload for id, or an empty payload if the session does not exist.
func (h *Handler) Read(ctx context.Context, id string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.read(ctx, h.querier(), id)
}

// Write upserts the payload for id.
func (h *Handler) Write(ctx context.Context, id string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.write(ctx, h.querier(), id, data)
}

// Destroy removes the session row for id. It does not change the lock state.
func (h *Handler) Destroy(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.destroy(ctx, h.querier(), id)
}

// GC removes sessions idle for longer than maxLifetime.
func (h *Handler) GC(ctx context.Context, maxLifetime time.Duration) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.gc(ctx, h.querier(), maxLifetime)
}

// State reports whether the Handler holds its session lock.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lock != nil {
		return StateLocked
	}
	return StateIdle
}

// Result returns the outcome of the last Open, or LockUnavailable when closed.
func (h *Handler) Result() LockResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// ID returns the session ID passed to the last Open.
func (h *Handler) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

func (h *Handler) querier() querier {
	if h.conn != nil {
		return h.conn
	}
	return h.store.db
}
