package projection

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

var (
	// ErrEmptyProjectionName is returned when an ID has no name.
	ErrEmptyProjectionName = errors.New("projection name must not be empty")

	// ErrNilHandler is returned when a Runner is created without a handler.
	ErrNilHandler = errors.New("projection handler must not be nil")

	// ErrNilOffsetStore is returned when a Runner is created without an offset store.
	ErrNilOffsetStore = errors.New("offset store must not be nil")

	// ErrNilEventReader is returned when a Runner is created without an event reader.
	ErrNilEventReader = errors.New("event reader must not be nil")

	// ErrLoadingOffsetFailed is returned when the stored offset cannot be read.
	ErrLoadingOffsetFailed = errors.New("loading the projection offset failed")

	// ErrSavingOffsetFailed is returned when the offset cannot be written.
	ErrSavingOffsetFailed = errors.New("saving the projection offset failed")
)

// ID identifies one running instance of a projection: its name and the tag it consumes.
// Offsets are stored per ID.
type ID struct {
	Name string
	Tag  string
}

func (id ID) String() string {
	return id.Name + "/" + id.Tag
}

func (id ID) validate() error {
	if id.Name == "" {
		return ErrEmptyProjectionName
	}

	if id.Tag == "" {
		return eventstore.ErrEmptyTag
	}

	return nil
}

// Handler processes one envelope in at-least-once mode.
type Handler interface {
	Process(ctx context.Context, envelope eventstore.EventEnvelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, envelope eventstore.EventEnvelope) error

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, envelope eventstore.EventEnvelope) error {
	return f(ctx, envelope)
}

// TxHandler processes one envelope in exactly-once mode. All its writes must go through tx.
type TxHandler interface {
	Process(ctx context.Context, tx *sqlx.Tx, envelope eventstore.EventEnvelope) error
}

// TxHandlerFunc adapts a function to TxHandler.
type TxHandlerFunc func(ctx context.Context, tx *sqlx.Tx, envelope eventstore.EventEnvelope) error

// Process calls f.
func (f TxHandlerFunc) Process(ctx context.Context, tx *sqlx.Tx, envelope eventstore.EventEnvelope) error {
	return f(ctx, tx, envelope)
}

// OffsetStore keeps the offset of the last processed envelope per ID.
// LoadOffset returns 0 for an ID without a stored offset.
type OffsetStore interface {
	LoadOffset(ctx context.Context, id ID) (eventstore.Offset, error)
	SaveOffset(ctx context.Context, id ID, offset eventstore.Offset) error
}

// TxOffsetStore is an OffsetStore living in a SQL database, so the offset can be saved
// in the same transaction as the handler's writes.
type TxOffsetStore interface {
	OffsetStore
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	LoadOffsetTx(ctx context.Context, tx *sqlx.Tx, id ID) (eventstore.Offset, error)
	SaveOffsetTx(ctx context.Context, tx *sqlx.Tx, id ID, offset eventstore.Offset) error
}

// EventsByTagReader is the part of an event store a projection reads from.
type EventsByTagReader interface {
	EventsByTag(
		ctx context.Context,
		tag string,
		afterOffset eventstore.Offset,
		limit int,
	) (eventstore.EventEnvelopes, error)
}
