package sqlsession

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// DefaultTableName is used when Options.TableName is empty.
const DefaultTableName = "sessions"

// Table names end up inside DDL and index names, so only plain identifiers are accepted.
// The length cap keeps "<table>_last_activity_idx" under PostgreSQL's 63 byte limit.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,39}$`)

func validateTableName(name string) (string, error) {
	if name == "" {
		return DefaultTableName, nil
	}
	if !tableNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	return name, nil
}

// dialect renders the SQL a backend needs for a given, already validated, table name.
type dialect interface {
	name() string
	// schema returns the DDL run by ensureTable, in order, inside one transaction.
	schema(table string) []string
	queries(table string) queries
	// columns returns a query listing (name, type, collation) for each column of table.
	columns(table string) (string, []any)
	// checkColumns reports a column whose type would break reads or writes.
	checkColumns(cols map[string]column) error
}

// column is one row of a dialect's columns query. collation is only set where the
// backend reports an explicit collation.
type column struct {
	typ       string
	collation sql.NullString
}

// queries holds the statements rendered once at store construction.
type queries struct {
	read    string
	upsert  string
	destroy string
	gc      string
	probe   string
}

// ensureTable creates the sessions table if it does not exist and checks that an
// existing table has the columns the store relies on. It is safe to call repeatedly.
func ensureTable(ctx context.Context, db *sql.DB, d dialect, table string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin %s schema transaction: %w", ErrSchema, d.name(), err)
	}
	defer tx.Rollback()

	for _, stmt := range d.schema(table) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: failed to create table %s: %w", ErrSchema, table, err)
		}
	}

	rows, err := tx.QueryContext(ctx, d.queries(table).probe)
	if err != nil {
		return fmt.Errorf("%w: table %s has an incompatible shape: %w", ErrSchema, table, err)
	}
	rows.Close()

	cols, err := readColumns(ctx, tx, d, table)
	if err != nil {
		return fmt.Errorf("%w: failed to inspect table %s: %w", ErrSchema, table, err)
	}
	if err := d.checkColumns(cols); err != nil {
		return fmt.Errorf("%w: table %s has an incompatible shape: %w", ErrSchema, table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit %s schema: %w", ErrSchema, d.name(), err)
	}
	return nil
}

func readColumns(ctx context.Context, tx *sql.Tx, d dialect, table string) (map[string]column, error) {
	query, args := d.columns(table)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]column)
	for rows.Next() {
		var (
			name string
			c    column
		)
		if err := rows.Scan(&name, &c.typ, &c.collation); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = c
	}
	return cols, rows.Err()
}

// checkColumnTypes verifies that every wanted column exists and that its type passes
// the matching check.
func checkColumnTypes(cols map[string]column, want map[string]func(column) bool) error {
	for _, name := range []string{"id", "last_activity", "data"} {
		c, ok := cols[name]
		if !ok {
			return fmt.Errorf("missing column %s", name)
		}
		if !want[name](c) {
			if c.collation.Valid {
				return fmt.Errorf("column %s has unsupported type %s collate %s", name, c.typ, c.collation.String)
			}
			return fmt.Errorf("column %s has unsupported type %s", name, c.typ)
		}
	}
	return nil
}
