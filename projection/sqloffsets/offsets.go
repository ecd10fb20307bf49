// Package sqloffsets stores projection offsets in a SQL table, PostgreSQL or SQLite.
//
// Besides plain loads and saves, Store can save an offset inside a caller's transaction,
// which is what exactly-once projections need.
package sqloffsets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // registers the postgres dialect
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // registers the sqlite3 dialect
	"github.com/jmoiron/sqlx"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/projection"
)

const (
	// DialectPostgres selects PostgreSQL syntax.
	DialectPostgres = "postgres"
	// DialectSQLite selects SQLite syntax.
	DialectSQLite = "sqlite3"

	defaultTableName = "projection_offsets"

	colProjectionName = "projection_name"
	colTag            = "tag"
	colCurrentOffset  = "current_offset"
	colUpdatedAt      = "updated_at"
)

const createTableTemplate = `
CREATE TABLE IF NOT EXISTS %s (
	projection_name TEXT      NOT NULL,
	tag             TEXT      NOT NULL,
	current_offset  BIGINT    NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (projection_name, tag)
)`

var (
	// ErrUnsupportedDialect is returned for dialects other than postgres and sqlite3.
	ErrUnsupportedDialect = errors.New("unsupported sql dialect")

	// ErrEmptyTableName is returned when WithTableName gets an empty name.
	ErrEmptyTableName = errors.New("offsets table name must not be empty")
)

var _ projection.TxOffsetStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store) error

// WithTableName sets the name of the offsets table.
func WithTableName(tableName string) Option {
	return func(s *Store) error {
		if tableName == "" {
			return ErrEmptyTableName
		}

		s.tableName = tableName

		return nil
	}
}

// WithClock replaces time.Now for the updated_at column.
func WithClock(now func() time.Time) Option {
	return func(s *Store) error {
		s.now = now
		return nil
	}
}

// Store is a projection.TxOffsetStore on top of sqlx.
type Store struct {
	db        *sqlx.DB
	dialect   goqu.DialectWrapper
	tableName string
	now       func() time.Time
}

// New creates a Store. dialect is DialectPostgres or DialectSQLite.
func New(db *sqlx.DB, dialect string, options ...Option) (*Store, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, dialect)
	}

	s := &Store{
		db:        db,
		dialect:   goqu.Dialect(dialect),
		tableName: defaultTableName,
		now:       time.Now,
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// CreateSchema creates the offsets table if it does not exist.
func (s *Store) CreateSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(createTableTemplate, s.tableName))

	return err
}

// BeginTxx starts a transaction on the Store's database.
func (s *Store) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return s.db.BeginTxx(ctx, opts)
}

// LoadOffset implements projection.OffsetStore.
func (s *Store) LoadOffset(ctx context.Context, id projection.ID) (eventstore.Offset, error) {
	return s.load(ctx, s.db, id)
}

// SaveOffset implements projection.OffsetStore.
func (s *Store) SaveOffset(ctx context.Context, id projection.ID, offset eventstore.Offset) error {
	return s.save(ctx, s.db, id, offset)
}

// LoadOffsetTx reads the offset inside tx.
func (s *Store) LoadOffsetTx(ctx context.Context, tx *sqlx.Tx, id projection.ID) (eventstore.Offset, error) {
	return s.load(ctx, tx, id)
}

// SaveOffsetTx writes the offset inside tx. It becomes visible when tx commits.
func (s *Store) SaveOffsetTx(ctx context.Context, tx *sqlx.Tx, id projection.ID, offset eventstore.Offset) error {
	return s.save(ctx, tx, id, offset)
}

func (s *Store) load(ctx context.Context, db sqlx.QueryerContext, id projection.ID) (eventstore.Offset, error) {
	query, _, err := s.dialect.
		From(s.tableName).
		Select(colCurrentOffset).
		Where(goqu.Ex{colProjectionName: id.Name, colTag: id.Tag}).
		ToSQL()
	if err != nil {
		return 0, errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	var offset int64
	if err = sqlx.GetContext(ctx, db, &offset, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}

		return 0, errors.Join(projection.ErrLoadingOffsetFailed, err)
	}

	return eventstore.Offset(offset), nil //nolint:gosec // offsets are never negative
}

// save updates the row and inserts it when there was none.
func (s *Store) save(ctx context.Context, db sqlx.ExecerContext, id projection.ID, offset eventstore.Offset) error {
	now := s.now().UTC()

	update, _, err := s.dialect.
		Update(s.tableName).
		Set(goqu.Record{colCurrentOffset: int64(offset), colUpdatedAt: now}). //nolint:gosec // offsets fit in BIGINT
		Where(goqu.Ex{colProjectionName: id.Name, colTag: id.Tag}).
		ToSQL()
	if err != nil {
		return errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	result, err := db.ExecContext(ctx, update)
	if err != nil {
		return errors.Join(projection.ErrSavingOffsetFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Join(projection.ErrSavingOffsetFailed, err)
	}

	if rowsAffected > 0 {
		return nil
	}

	insert, _, err := s.dialect.
		Insert(s.tableName).
		Rows(goqu.Record{
			colProjectionName: id.Name,
			colTag:            id.Tag,
			colCurrentOffset:  int64(offset), //nolint:gosec // offsets fit in BIGINT
			colUpdatedAt:      now,
		}).
		ToSQL()
	if err != nil {
		return errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	if _, err = db.ExecContext(ctx, insert); err != nil {
		return errors.Join(projection.ErrSavingOffsetFailed, err)
	}

	return nil
}
