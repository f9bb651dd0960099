package sqlsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultLockTimeout bounds how long Handler.Open waits for a session lock.
	DefaultLockTimeout = 10 * time.Second

	// MaxIDLength is the largest session ID, in bytes, the schema can hold.
	MaxIDLength = 128
)

// Options are the settings shared by every backend.
type Options struct {
	// TableName is the sessions table. Defaults to "sessions".
	TableName string
	// LockTimeout bounds Handler.Open. Zero means DefaultLockTimeout,
	// a negative value means a single non-blocking attempt.
	LockTimeout time.Duration
	// MaxSessionBytes caps payload size on read and write. 0 means unlimited.
	MaxSessionBytes int
	// Locker overrides the backend's default lock primitive.
	Locker Locker
	// Logger receives lock and maintenance events. Defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
	// Registerer, when set, receives the store's prometheus collectors.
	Registerer prometheus.Registerer
}

// Store persists opaque session payloads in a relational table.
// It is safe for concurrent use; per-request locking goes through Handler.
type Store struct {
	db      *sql.DB
	ownsDB  bool
	dialect dialect
	table   string
	q       queries

	locker          Locker
	lockTimeout     time.Duration
	maxSessionBytes int

	// writeMu serializes writes for backends that cannot handle concurrent writers.
	writeMu *sync.Mutex

	log     logrus.FieldLogger
	metrics *metrics
	now     func() time.Time
}

// querier is satisfied by both *sql.DB and a pinned *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func newStore(ctx context.Context, db *sql.DB, d dialect, opts Options, defaultLocker func(table string) Locker) (*Store, error) {
	table, err := validateTableName(opts.TableName)
	if err != nil {
		return nil, err
	}

	if err := ensureTable(ctx, db, d, table); err != nil {
		return nil, err
	}

	s := &Store{
		db:              db,
		dialect:         d,
		table:           table,
		q:               d.queries(table),
		locker:          opts.Locker,
		lockTimeout:     opts.LockTimeout,
		maxSessionBytes: opts.MaxSessionBytes,
		log:             opts.Logger,
		metrics:         newMetrics(opts.Registerer),
		now:             time.Now,
	}
	if s.locker == nil {
		s.locker = defaultLocker(table)
	}
	switch {
	case s.lockTimeout == 0:
		s.lockTimeout = DefaultLockTimeout
	case s.lockTimeout < 0:
		s.lockTimeout = 0
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithFields(logrus.Fields{"backend": d.name(), "table": table})
	return s, nil
}

// NewHandler returns a Handler bound to this store. Use one Handler per request.
func (s *Store) NewHandler() *Handler {
	return &Handler{store: s}
}

// EnsureTable re-runs the schema bootstrap. The constructors already call it.
func (s *Store) EnsureTable(ctx context.Context) error {
	return ensureTable(ctx, s.db, s.dialect, s.table)
}

// TableName returns the validated sessions table name.
func (s *Store) TableName() string {
	return s.table
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks that the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.backendErr("ping", err)
	}
	return nil
}

// Read returns the payload stored for id, or an empty payload if there is none.
func (s *Store) Read(ctx context.Context, id string) ([]byte, error) {
	return s.read(ctx, s.db, id)
}

// Write upserts the payload for id and stamps it with the current time.
func (s *Store) Write(ctx context.Context, id string, data []byte) error {
	return s.write(ctx, s.db, id, data)
}

// Destroy removes the session row for id. Removing a missing row is not an error.
func (s *Store) Destroy(ctx context.Context, id string) error {
	return s.destroy(ctx, s.db, id)
}

// GC removes every session whose last activity is older than maxLifetime and
// returns the number of removed rows.
func (s *Store) GC(ctx context.Context, maxLifetime time.Duration) (int64, error) {
	return s.gc(ctx, s.db, maxLifetime)
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) read(ctx context.Context, q querier, id string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	var data []byte
	err := q.QueryRowContext(ctx, s.q.read, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.backendErr("read", err)
	}

	if s.maxSessionBytes > 0 && len(data) > s.maxSessionBytes {
		return nil, ErrSessionTooLarge
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, q querier, id string, data []byte) error {
	if err := validateID(id); err != nil {
		return err
	}
	if s.maxSessionBytes > 0 && len(data) > s.maxSessionBytes {
		return ErrSessionTooLarge
	}
	// data is NOT NULL in the schema.
	if data == nil {
		data = []byte{}
	}

	unlock := s.lockWrites()
	defer unlock()

	if _, err := q.ExecContext(ctx, s.q.upsert, id, s.now().Unix(), data); err != nil {
		return s.backendErr("write", err)
	}
	return nil
}

func (s *Store) destroy(ctx context.Context, q querier, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	unlock := s.lockWrites()
	defer unlock()

	if _, err := q.ExecContext(ctx, s.q.destroy, id); err != nil {
		return s.backendErr("destroy", err)
	}
	return nil
}

func (s *Store) gc(ctx context.Context, q querier, maxLifetime time.Duration) (int64, error) {
	// A negative lifetime would put the threshold in the future and remove live sessions.
	if maxLifetime < 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidMaxLifetime, maxLifetime)
	}
	threshold := s.now().Unix() - int64(maxLifetime/time.Second)

	unlock := s.lockWrites()
	defer unlock()

	res, err := q.ExecContext(ctx, s.q.gc, threshold)
	if err != nil {
		return 0, s.backendErr("gc", err)
	}

	// Some drivers cannot report affected rows; that is not a GC failure.
	n, err := res.RowsAffected()
	if err != nil || n < 0 {
		return 0, nil
	}
	s.metrics.gcRemoved.Add(float64(n))
	return n, nil
}

func (s *Store) lockWrites() func() {
	if s.writeMu == nil {
		return func() {}
	}
	s.writeMu.Lock()
	return s.writeMu.Unlock
}

func (s *Store) backendErr(op string, err error) error {
	s.metrics.backendErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: failed to %s session: %w", ErrBackend, op, err)
}

func validateID(id string) error {
	if len(id) == 0 || len(id) > MaxIDLength || strings.IndexByte(id, 0) >= 0 {
		return ErrInvalidSessionID
	}
	return nil
}
