package sqlsession

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/lib/pq"
)

// PostgreSQLConfig holds configuration for the PostgreSQL store.
type PostgreSQLConfig struct {
	Options

	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewPostgreSQLStore creates a new PostgreSQL store with default configuration.
func NewPostgreSQLStore(dsn string) (*Store, error) {
	return NewPostgreSQLStoreWithConfig(PostgreSQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	})
}

// NewPostgreSQLStoreWithConfig creates a new PostgreSQL store with custom configuration.
func NewPostgreSQLStoreWithConfig(cfg PostgreSQLConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql database: %w", err)
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
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgresql database: %w", err)
	}

	store, err := NewPostgreSQLStoreFromDB(db, cfg.Options)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// NewPostgreSQLStoreFromDB builds a store on a database opened by the caller with the
// "postgres" driver. The caller keeps ownership of db; Store.Close leaves it open.
func NewPostgreSQLStoreFromDB(db *sql.DB, opts Options) (*Store, error) {
	return newStore(context.Background(), db, postgresDialect{}, opts, func(string) Locker {
		return AdvisoryLocker{}
	})
}

// bootstrapLockKey serializes concurrent schema bootstraps across processes.
var bootstrapLockKey = advisoryKey("sqlsession_bootstrap")

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) schema(table string) []string {
	t := pq.QuoteIdentifier(table)
	idx := pq.QuoteIdentifier(table + "_last_activity_idx")
	return []string{
		fmt.Sprintf("SELECT pg_advisory_xact_lock(%d)", bootstrapLockKey),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(128) COLLATE "C" NOT NULL PRIMARY KEY,
			last_activity BIGINT NOT NULL CHECK (last_activity >= 0),
			data BYTEA NOT NULL
		)`, t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (last_activity)", idx, t),
	}
}

func (postgresDialect) queries(table string) queries {
	t := pq.QuoteIdentifier(table)
	return queries{
		read: fmt.Sprintf("SELECT data FROM %s WHERE id = $1", t),
		upsert: fmt.Sprintf(`
		INSERT INTO %[1]s (id, last_activity, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			last_activity = GREATEST(%[1]s.last_activity, EXCLUDED.last_activity),
			data = EXCLUDED.data
	`, t),
		destroy: fmt.Sprintf("DELETE FROM %s WHERE id = $1", t),
		gc:      fmt.Sprintf("DELETE FROM %s WHERE last_activity < $1", t),
		probe:   fmt.Sprintf("SELECT id, last_activity, data FROM %s WHERE 1 = 0", t),
	}
}

func (postgresDialect) columns(table string) (string, []any) {
	return `
		SELECT column_name, data_type, collation_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`, []any{table}
}

// IDs compare byte for byte, so an explicit collation on id must be a binary one.
func (postgresDialect) checkColumns(cols map[string]column) error {
	return checkColumnTypes(cols, map[string]func(column) bool{
		"id": func(c column) bool {
			switch c.typ {
			case "character varying", "text", "character":
			default:
				return false
			}
			if !c.collation.Valid {
				return true
			}
			switch c.collation.String {
			case "C", "POSIX", "ucs_basic":
				return true
			}
			return false
		},
		"last_activity": func(c column) bool { return c.typ == "bigint" },
		"data":          func(c column) bool { return c.typ == "bytea" },
	})
}

// AdvisoryLocker uses PostgreSQL session-level advisory locks. The lock belongs to the
// connection it was taken on, so the server releases it when that connection ends.
type AdvisoryLocker struct {
	// PollInterval is the delay between pg_try_advisory_lock attempts. Defaults to 50ms.
	PollInterval time.Duration
}

func (l AdvisoryLocker) Acquire(ctx context.Context, conn *sql.Conn, name string, timeout time.Duration) (Lock, error) {
	interval := l.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	key := advisoryKey(name)
	err := pollLock(ctx, timeout, interval, func(ctx context.Context) (bool, error) {
		var ok bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
			return false, fmt.Errorf("failed to try advisory lock: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &advisoryLock{conn: conn, key: key}, nil
}

type advisoryLock struct {
	conn *sql.Conn
	key  int64
}

func (l *advisoryLock) Release(ctx context.Context) error {
	var released bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&released); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if !released {
		return ErrLockNotHeld
	}
	return nil
}

func advisoryKey(name string) int64 {
	return int64(xxhash.Sum64String(name))
}
