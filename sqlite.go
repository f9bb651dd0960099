package sqlsession

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteConfig holds configuration for the SQLite store.
type SQLiteConfig struct {
	Options

	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// LockLease is how long a session lock row stays valid without being released.
	// It stands in for the automatic release a server-side lock gets on disconnect.
	// Defaults to 5 minutes.
	LockLease time.Duration
}

// DefaultLockLease is the lease used by TableLocker when none is configured.
const DefaultLockLease = 5 * time.Minute

func NewSQLiteStore(dsn string) (*Store, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{
		DSN:          dsn,
		MaxOpenConns: 16, // Allow concurrent readers (writers are serialized by mutex)
		MaxIdleConns: 16,
	})
}

func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*Store, error) {
	// PRAGMAs go into the DSN so they apply to every connection in the pool.
	cfg.DSN = withPragma(cfg.DSN, "synchronous", "NORMAL")
	cfg.DSN = withPragma(cfg.DSN, "busy_timeout", "5000")

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// WAL is persistent for the database file, so executing it once is sufficient.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store, err := newSQLiteStore(db, cfg.Options, cfg.LockLease)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// NewSQLiteStoreFromDB builds a store on a database opened by the caller with the
// "sqlite" driver. The caller keeps ownership of db; Store.Close leaves it open.
func NewSQLiteStoreFromDB(db *sql.DB, opts Options) (*Store, error) {
	return newSQLiteStore(db, opts, 0)
}

func newSQLiteStore(db *sql.DB, opts Options, lease time.Duration) (*Store, error) {
	writeMu := new(sync.Mutex)
	store, err := newStore(context.Background(), db, sqliteDialect{}, opts, func(table string) Locker {
		return &TableLocker{
			Table:   table + "_locks",
			Lease:   lease,
			writeMu: writeMu,
		}
	})
	if err != nil {
		return nil, err
	}
	store.writeMu = writeMu
	return store, nil
}

func withPragma(dsn, pragma, value string) string {
	if strings.Contains(dsn, pragma) {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=%s=%s", dsn, separator, pragma, value)
}

func quoteSQLite(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) schema(table string) []string {
	t := quoteSQLite(table)
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL PRIMARY KEY,
			last_activity INTEGER NOT NULL CHECK (last_activity >= 0),
			data BLOB NOT NULL
		)`, t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (last_activity)", quoteSQLite(table+"_last_activity_idx"), t),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT NOT NULL PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`, quoteSQLite(table+"_locks")),
	}
}

func (sqliteDialect) queries(table string) queries {
	t := quoteSQLite(table)
	return queries{
		read: fmt.Sprintf("SELECT data FROM %s WHERE id = ?", t),
		upsert: fmt.Sprintf(`
		INSERT INTO %[1]s (id, last_activity, data)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_activity = MAX(%[1]s.last_activity, excluded.last_activity),
			data = excluded.data
	`, t),
		destroy: fmt.Sprintf("DELETE FROM %s WHERE id = ?", t),
		gc:      fmt.Sprintf("DELETE FROM %s WHERE last_activity < ?", t),
		probe:   fmt.Sprintf("SELECT id, last_activity, data FROM %s WHERE 1 = 0", t),
	}
}

func (sqliteDialect) columns(table string) (string, []any) {
	return "SELECT name, type, NULL FROM pragma_table_info(?)", []any{table}
}

// SQLite columns take any value; what matters is the affinity derived from the
// declared type, which decides how last_activity compares and whether data is kept as bytes.
func (sqliteDialect) checkColumns(cols map[string]column) error {
	return checkColumnTypes(cols, map[string]func(column) bool{
		"id":            func(c column) bool { return sqliteAffinity(c.typ) == "TEXT" },
		"last_activity": func(c column) bool { return sqliteAffinity(c.typ) == "INTEGER" },
		"data":          func(c column) bool { return sqliteAffinity(c.typ) == "BLOB" },
	})
}

// sqliteAffinity applies SQLite's column affinity rules to a declared type.
func sqliteAffinity(declared string) string {
	t := strings.ToUpper(declared)
	switch {
	case strings.Contains(t, "INT"):
		return "INTEGER"
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return "TEXT"
	case t == "", strings.Contains(t, "BLOB"):
		return "BLOB"
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return "REAL"
	default:
		return "NUMERIC"
	}
}

// TableLocker keeps session locks as lease rows in a table of the session database.
// Every process opening the same database file sees the same locks. A lock whose
// lease expired, for example because its holder crashed, can be taken over.
//
// The lock table is created by the SQLite schema bootstrap as "<table>_locks".
type TableLocker struct {
	Table        string
	Lease        time.Duration
	PollInterval time.Duration

	writeMu *sync.Mutex
	now     func() time.Time
}

func (l *TableLocker) Acquire(ctx context.Context, conn *sql.Conn, name string, timeout time.Duration) (Lock, error) {
	lease := l.Lease
	if lease <= 0 {
		lease = DefaultLockLease
	}
	interval := l.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	t := quoteSQLite(l.Table)
	acquire := fmt.Sprintf(`
		INSERT INTO %[1]s (name, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE %[1]s.expires_at < ?
	`, t)

	owner := uuid.NewString()
	err := pollLock(ctx, timeout, interval, func(ctx context.Context) (bool, error) {
		now := l.clock()
		unlock := l.lockWrites()
		res, err := conn.ExecContext(ctx, acquire, name, owner, now.Add(lease).UnixMilli(), now.UnixMilli())
		unlock()
		if err != nil {
			return false, fmt.Errorf("failed to acquire lock row: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to acquire lock row: %w", err)
		}
		return n == 1, nil
	})
	if err != nil {
		return nil, err
	}

	return &tableLock{
		locker:  l,
		conn:    conn,
		release: fmt.Sprintf("DELETE FROM %s WHERE name = ? AND owner = ?", t),
		name:    name,
		owner:   owner,
	}, nil
}

func (l *TableLocker) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

func (l *TableLocker) lockWrites() func() {
	if l.writeMu == nil {
		return func() {}
	}
	l.writeMu.Lock()
	return l.writeMu.Unlock
}

type tableLock struct {
	locker  *TableLocker
	conn    *sql.Conn
	release string
	name    string
	owner   string
}

func (l *tableLock) Release(ctx context.Context) error {
	unlock := l.locker.lockWrites()
	defer unlock()

	res, err := l.conn.ExecContext(ctx, l.release, l.name, l.owner)
	if err != nil {
		return fmt.Errorf("failed to release lock row: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
