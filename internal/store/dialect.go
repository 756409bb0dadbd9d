package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	// Postgres driver registered as "pgx" for database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect selects the database backend. Both backends run the same queries;
// the dialect only decides the driver, placeholder style, migration set and
// how errors are classified.
type Dialect string

// Supported dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect validates a configured dialect name.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case DialectSQLite, DialectPostgres:
		return d, nil
	case "", "sqlite3":
		return DialectSQLite, nil
	case "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("store: unknown dialect %q (want sqlite or postgres)", s)
	}
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}

	return "sqlite"
}

func (d Dialect) gooseDialect() goose.Dialect {
	if d == DialectPostgres {
		return goose.DialectPostgres
	}

	return goose.DialectSQLite3
}

func (d Dialect) migrationsDir() string {
	return "migrations/" + string(d)
}

// dsn turns a configured DSN into a driver DSN. A bare SQLite path gets the
// pragmas that must apply to every pooled connection.
func (d Dialect) dsn(raw string) string {
	if d == DialectPostgres || strings.HasPrefix(raw, "file:") {
		return raw
	}

	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		raw,
	)
}

// rebind rewrites ? placeholders to $n for Postgres. Queries never contain a
// literal question mark.
func (d Dialect) rebind(q string) string {
	if d != DialectPostgres {
		return q
	}

	var b strings.Builder

	b.Grow(len(q) + 8)

	n := 0

	for i := range len(q) {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))

			continue
		}

		b.WriteByte(q[i])
	}

	return b.String()
}

// permanent reports whether err will fail the same way on retry: constraint
// violations and similar data errors.
func (d Dialect) permanent(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 22 data exception, class 23 integrity constraint violation.
		return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}

	return false
}
