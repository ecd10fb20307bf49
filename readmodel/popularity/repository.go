// Package popularity counts how often each item is in carts, across all carts.
//
// Counts are updated with a versioned compare-and-swap, so projection instances for different tags
// can update the same item concurrently. The exactly-once Handler writes through the projection's
// transaction, a redelivered event therefore never counts twice.
package popularity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // registers the postgres dialect
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // registers the sqlite3 dialect
	"github.com/jmoiron/sqlx"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/internal/sqldb"
)

const (
	defaultTableName = "item_popularity"

	colItemID  = "item_id"
	colCount   = "count"
	colVersion = "version"
)

const createTableTemplate = `
CREATE TABLE IF NOT EXISTS %s (
	item_id TEXT   NOT NULL PRIMARY KEY,
	count   BIGINT NOT NULL,
	version BIGINT NOT NULL
)`

var (
	// ErrEmptyItemID is returned for updates and reads without an item ID.
	ErrEmptyItemID = errors.New("item id must not be empty")

	// ErrEmptyTableName is returned when WithTableName gets an empty name.
	ErrEmptyTableName = errors.New("popularity table name must not be empty")

	// ErrReadingPopularityFailed is returned when a count cannot be read.
	ErrReadingPopularityFailed = errors.New("reading item popularity failed")

	// ErrUpdatingPopularityFailed is returned when a count cannot be written.
	ErrUpdatingPopularityFailed = errors.New("updating item popularity failed")
)

// ItemPopularity is one row of the read model.
type ItemPopularity struct {
	ItemID  string `db:"item_id"`
	Count   int64  `db:"count"`
	Version int64  `db:"version"`
}

// Option configures a Repository.
type Option func(*Repository) error

// WithTableName sets the name of the popularity table.
func WithTableName(tableName string) Option {
	return func(r *Repository) error {
		if tableName == "" {
			return ErrEmptyTableName
		}

		r.tableName = tableName

		return nil
	}
}

// Repository reads and writes item_popularity rows.
type Repository struct {
	db        *sqlx.DB
	dialect   goqu.DialectWrapper
	tableName string
}

// NewRepository creates a Repository. dialect is sqldb.DialectPostgres or sqldb.DialectSQLite.
func NewRepository(db *sqlx.DB, dialect string, options ...Option) (*Repository, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	if dialect != sqldb.DialectPostgres && dialect != sqldb.DialectSQLite {
		return nil, fmt.Errorf("%w: %q", sqldb.ErrUnsupportedDialect, dialect)
	}

	r := &Repository{
		db:        db,
		dialect:   goqu.Dialect(dialect),
		tableName: defaultTableName,
	}

	for _, option := range options {
		if err := option(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// CreateSchema creates the popularity table if it does not exist.
func (r *Repository) CreateSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(createTableTemplate, r.tableName))

	return err
}

// UpdateTx adds delta to the count of itemID inside tx and returns the new count.
//
// The row is read and written back through CompareAndSwapTx.
// A lost race returns eventstore.ErrConcurrencyConflict, the caller retries with a fresh transaction.
func (r *Repository) UpdateTx(ctx context.Context, tx *sqlx.Tx, itemID string, delta int) (int64, error) {
	if itemID == "" {
		return 0, ErrEmptyItemID
	}

	current, _, err := r.find(ctx, tx, itemID)
	if err != nil {
		return 0, err
	}

	next := current.Count + int64(delta)
	if err = r.CompareAndSwapTx(ctx, tx, itemID, current.Version, next); err != nil {
		return 0, err
	}

	return next, nil
}

// CompareAndSwapTx sets the count of itemID to count and bumps its version, but only while the stored
// version is still expectedVersion. Version 0 stands for an item without a row, it is inserted with version 1.
// Otherwise it fails with eventstore.ErrConcurrencyConflict.
func (r *Repository) CompareAndSwapTx(ctx context.Context, tx *sqlx.Tx, itemID string, expectedVersion int64, count int64) error {
	if itemID == "" {
		return ErrEmptyItemID
	}

	if expectedVersion == 0 {
		return r.insert(ctx, tx, itemID, count)
	}

	query, _, err := r.dialect.
		Update(r.tableName).
		Set(goqu.Record{colCount: count, colVersion: expectedVersion + 1}).
		Where(goqu.Ex{colItemID: itemID, colVersion: expectedVersion}).
		ToSQL()
	if err != nil {
		return errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	result, err := tx.ExecContext(ctx, query)
	if err != nil {
		return errors.Join(ErrUpdatingPopularityFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Join(eventstore.ErrGettingRowsAffectedFailed, err)
	}

	if rowsAffected == 0 {
		return eventstore.ErrConcurrencyConflict
	}

	return nil
}

// Count returns the count of itemID, 0 for items that were never added.
func (r *Repository) Count(ctx context.Context, itemID string) (int64, error) {
	if itemID == "" {
		return 0, ErrEmptyItemID
	}

	row, found, err := r.find(ctx, r.db, itemID)
	if err != nil || !found {
		return 0, err
	}

	return row.Count, nil
}

// All returns every tracked item ordered by item ID.
func (r *Repository) All(ctx context.Context) ([]ItemPopularity, error) {
	query, _, err := r.dialect.
		From(r.tableName).
		Select(colItemID, colCount, colVersion).
		Order(goqu.C(colItemID).Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	var rows []ItemPopularity
	if err = r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Join(ErrReadingPopularityFailed, err)
	}

	return rows, nil
}

func (r *Repository) find(ctx context.Context, db sqlx.QueryerContext, itemID string) (ItemPopularity, bool, error) {
	query, _, err := r.dialect.
		From(r.tableName).
		Select(colItemID, colCount, colVersion).
		Where(goqu.Ex{colItemID: itemID}).
		ToSQL()
	if err != nil {
		return ItemPopularity{}, false, errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	var row ItemPopularity
	if err = sqlx.GetContext(ctx, db, &row, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ItemPopularity{}, false, nil
		}

		return ItemPopularity{}, false, errors.Join(ErrReadingPopularityFailed, err)
	}

	return row, true, nil
}

// insert creates the row with version 1. A concurrent insert of the same item fails on the primary key
// and is reported as a conflict.
func (r *Repository) insert(ctx context.Context, tx *sqlx.Tx, itemID string, count int64) error {
	query, _, err := r.dialect.
		Insert(r.tableName).
		Rows(goqu.Record{colItemID: itemID, colCount: count, colVersion: 1}).
		ToSQL()
	if err != nil {
		return errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	if _, err = tx.ExecContext(ctx, query); err != nil {
		return errors.Join(eventstore.ErrConcurrencyConflict, ErrUpdatingPopularityFailed, err)
	}

	return nil
}
