package eventstore

import (
	"errors"
)

var (
	ErrEmptyEventsTableName        = errors.New("empty eventTableName supplied")
	ErrEmptySnapshotsTableName     = errors.New("empty snapshotTableName supplied")
	ErrNilDatabaseConnection       = errors.New("database connection must not be nil")
	ErrEmptyPersistenceID          = errors.New("persistence id must not be empty")
	ErrEmptyTag                    = errors.New("tag must not be empty")
	ErrConcurrencyConflict         = errors.New("concurrency error, the expected sequence number does not match the stream")
	ErrBuildingQueryFailed         = errors.New("building the query failed")
	ErrQueryingEventsFailed        = errors.New("querying events failed")
	ErrScanningDBRowFailed         = errors.New("scanning db row failed")
	ErrBuildingStorableEventFailed = errors.New("building storable event failed")
	ErrAppendingEventFailed        = errors.New("appending the event failed")
	ErrGettingRowsAffectedFailed   = errors.New("getting rows affected failed")
	ErrCreatingSchemaFailed        = errors.New("creating the schema failed")
	ErrInvalidPageLimit            = errors.New("page limit must be positive")
	ErrTagMismatch                 = errors.New("persistence id is already stored with a different tag")
)

// SequenceNumber is the position of an event within the stream of one persistence ID.
// The first event of a stream has SequenceNumber 1, zero means "empty stream".
type SequenceNumber = uint64

// Offset is the global position of an event, assigned when the event is appended.
// Offsets are strictly increasing across the whole store, so they are also increasing within each tag.
// Zero means "before the first event".
type Offset = uint64

// SequenceNumberOf returns the sequence number of the last event in the given (ordered) stream,
// or zero for an empty stream.
func SequenceNumberOf(stream PersistedEvents) SequenceNumber {
	if len(stream) == 0 {
		return 0
	}

	return stream[len(stream)-1].SequenceNr
}
