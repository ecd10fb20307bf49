// Package sqldb opens the database connections of the service: a pgx pool for the journal and
// sqlx handles for read models and offsets, on PostgreSQL or an embedded SQLite file.
package sqldb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

const (
	// DialectPostgres is the goqu dialect name for PostgreSQL.
	DialectPostgres = "postgres"
	// DialectSQLite is the goqu dialect name for SQLite.
	DialectSQLite = "sqlite3"

	driverPostgres = "postgres"
	driverSQLite   = "sqlite"

	sqliteBusyTimeoutMS = 5000
)

// ErrUnsupportedDialect is returned by Open for unknown dialects.
var ErrUnsupportedDialect = errors.New("unsupported sql dialect")

// Open connects to a read-model database. dialect is DialectPostgres or DialectSQLite,
// dsn is a postgres URL or a SQLite file path (":memory:" for a private in-memory database).
func Open(ctx context.Context, dialect, dsn string) (*sqlx.DB, error) {
	switch dialect {
	case DialectPostgres:
		return OpenPostgres(ctx, dsn)
	case DialectSQLite:
		return OpenSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, dialect)
	}
}

// OpenPostgres opens a pooled *sqlx.DB on lib/pq.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	const defaultMaxOpenConnections = 20
	const defaultMaxIdleConnections = 2
	const defaultMaxConnLifetime = time.Hour
	const defaultMaxConnIdleTime = time.Minute * 5

	db, err := sqlx.Open(driverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConnections)
	db.SetMaxIdleConns(defaultMaxIdleConnections)
	db.SetConnMaxLifetime(defaultMaxConnLifetime)
	db.SetConnMaxIdleTime(defaultMaxConnIdleTime)

	if pingErr := db.PingContext(ctx); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", pingErr)
	}

	return db, nil
}

// OpenSQLite opens a SQLite database through modernc.org/sqlite.
//
// The handle is limited to one connection: SQLite has a single writer anyway, and a private
// ":memory:" database only exists on the connection that created it.
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	query := url.Values{}
	query.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", sqliteBusyTimeoutMS))
	query.Add("_pragma", "foreign_keys(1)")

	if path != ":memory:" {
		query.Add("_pragma", "journal_mode(WAL)")
		query.Add("_pragma", "synchronous(NORMAL)")
	}

	db, err := sqlx.Open(driverSQLite, path+"?"+query.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if pingErr := db.PingContext(ctx); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", pingErr)
	}

	return db, nil
}

// OpenPGXPool opens the pgx pool the journal runs on.
func OpenPGXPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	const defaultMaxConnections = int32(20)
	const defaultMinConnections = int32(2)
	const defaultMaxConnLifetime = time.Hour
	const defaultMaxConnIdleTime = time.Minute * 5
	const defaultHealthCheckPeriod = time.Minute

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	config.MaxConns = defaultMaxConnections
	config.MinConns = defaultMinConnections
	config.MaxConnLifetime = defaultMaxConnLifetime
	config.MaxConnIdleTime = defaultMaxConnIdleTime
	config.HealthCheckPeriod = defaultHealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if pingErr := pool.Ping(ctx); pingErr != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", pingErr)
	}

	return pool, nil
}
