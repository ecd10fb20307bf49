// Package cartreport keeps one row per cart with the time it was created and the time it was checked out.
//
// The Handler runs at-least-once. Its writes are idempotent: a redelivered event leaves the same row.
package cartreport

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
	"github.com/AntonStoeckl/cart-eventstore-go/internal/sqldb"
)

const (
	defaultTableName = "cart_report"

	colCartID       = "cart_id"
	colCreatedAt    = "created_at"
	colCheckedOutAt = "checked_out_at"
)

const createTableTemplate = `
CREATE TABLE IF NOT EXISTS %s (
	cart_id        TEXT NOT NULL PRIMARY KEY,
	created_at     TEXT NOT NULL,
	checked_out_at TEXT
)`

var (
	// ErrReportNotFound is returned for carts without a report row.
	ErrReportNotFound = errors.New("cart report not found")

	// ErrEmptyCartID is returned for reads and writes without a cart ID.
	ErrEmptyCartID = errors.New("cart id must not be empty")

	// ErrEmptyTableName is returned when WithTableName gets an empty name.
	ErrEmptyTableName = errors.New("cart report table name must not be empty")

	// ErrReadingReportFailed is returned when a report cannot be read.
	ErrReadingReportFailed = errors.New("reading the cart report failed")

	// ErrWritingReportFailed is returned when a report cannot be written.
	ErrWritingReportFailed = errors.New("writing the cart report failed")
)

// Report is the read model of one cart. CheckedOutAt is zero while the cart is open.
type Report struct {
	CartID       string
	CreatedAt    time.Time
	CheckedOutAt time.Time
}

// IsCheckedOut reports whether the cart was checked out.
func (r Report) IsCheckedOut() bool {
	return !r.CheckedOutAt.IsZero()
}

// reportRow stores times as RFC 3339 text, which reads back the same on PostgreSQL and SQLite.
type reportRow struct {
	CartID       string         `db:"cart_id"`
	CreatedAt    string         `db:"created_at"`
	CheckedOutAt sql.NullString `db:"checked_out_at"`
}

// Option configures a Repository.
type Option func(*Repository) error

// WithTableName sets the name of the report table.
func WithTableName(tableName string) Option {
	return func(r *Repository) error {
		if tableName == "" {
			return ErrEmptyTableName
		}

		r.tableName = tableName

		return nil
	}
}

// Repository reads and writes cart_report rows.
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

// CreateSchema creates the report table if it does not exist.
func (r *Repository) CreateSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(createTableTemplate, r.tableName))

	return err
}

// Created stores the creation time of cartID unless the cart already has a report.
func (r *Repository) Created(ctx context.Context, cartID string, at time.Time) error {
	if cartID == "" {
		return ErrEmptyCartID
	}

	_, err := r.Find(ctx, cartID)
	if err == nil {
		return nil
	}

	if !errors.Is(err, ErrReportNotFound) {
		return err
	}

	query, _, err := r.dialect.
		Insert(r.tableName).
		Rows(goqu.Record{colCartID: cartID, colCreatedAt: formatTime(at)}).
		ToSQL()
	if err != nil {
		return errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	if _, err = r.db.ExecContext(ctx, query); err != nil {
		return errors.Join(ErrWritingReportFailed, err)
	}

	return nil
}

// CheckedOut sets the checkout time of cartID. The report must exist.
func (r *Repository) CheckedOut(ctx context.Context, cartID string, at time.Time) error {
	if cartID == "" {
		return ErrEmptyCartID
	}

	query, _, err := r.dialect.
		Update(r.tableName).
		Set(goqu.Record{colCheckedOutAt: formatTime(at)}).
		Where(goqu.Ex{colCartID: cartID}).
		ToSQL()
	if err != nil {
		return errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return errors.Join(ErrWritingReportFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Join(eventstore.ErrGettingRowsAffectedFailed, err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrReportNotFound, cartID)
	}

	return nil
}

// Find returns the report of cartID or ErrReportNotFound.
func (r *Repository) Find(ctx context.Context, cartID string) (Report, error) {
	if cartID == "" {
		return Report{}, ErrEmptyCartID
	}

	query, _, err := r.dialect.
		From(r.tableName).
		Select(colCartID, colCreatedAt, colCheckedOutAt).
		Where(goqu.Ex{colCartID: cartID}).
		ToSQL()
	if err != nil {
		return Report{}, errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	var row reportRow
	if err = r.db.GetContext(ctx, &row, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Report{}, ErrReportNotFound
		}

		return Report{}, errors.Join(ErrReadingReportFailed, err)
	}

	return row.toReport()
}

func (row reportRow) toReport() (Report, error) {
	report := Report{CartID: row.CartID}

	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return Report{}, errors.Join(ErrReadingReportFailed, err)
	}

	report.CreatedAt = createdAt

	if row.CheckedOutAt.Valid {
		checkedOutAt, parseErr := time.Parse(time.RFC3339Nano, row.CheckedOutAt.String)
		if parseErr != nil {
			return Report{}, errors.Join(ErrReadingReportFailed, parseErr)
		}

		report.CheckedOutAt = checkedOutAt
	}

	return report, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
