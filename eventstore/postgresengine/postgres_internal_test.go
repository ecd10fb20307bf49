package postgresengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore/postgresengine/internal/adapters"
)

type fakeResult struct {
	rowsAffected int64
}

func (r fakeResult) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	for i := range dest {
		switch d := dest[i].(type) {
		case *int64:
			*d = row[i].(int64)
		case *string:
			*d = row[i].(string)
		case *time.Time:
			*d = row[i].(time.Time)
		case *[]byte:
			*d = row[i].([]byte)
		default:
			return errors.New("unsupported scan destination")
		}
	}

	return nil
}

func (r *fakeRows) Err() error   { return nil }
func (r *fakeRows) Close() error { return nil }

type fakeDB struct {
	queries []string
	execErr error
	result  fakeResult
	rows    *fakeRows
}

func (f *fakeDB) Query(_ context.Context, query string) (adapters.DBRows, error) {
	f.queries = append(f.queries, query)
	if f.rows == nil {
		return &fakeRows{}, nil
	}

	return f.rows, nil
}

func (f *fakeDB) Exec(_ context.Context, query string) (adapters.DBResult, error) {
	f.queries = append(f.queries, query)
	if f.execErr != nil {
		return nil, f.execErr
	}

	return f.result, nil
}

func givenStorable(t *testing.T, eventType string) eventstore.StorableEvent {
	t.Helper()

	event, err := eventstore.BuildStorableEventWithEmptyMetadata(
		eventType,
		time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		[]byte(`{"cartId":"c1"}`),
	)
	require.NoError(t, err)

	return event
}

func Test_Append_BuildsAGuardedInsert_ForASingleEvent(t *testing.T) {
	// arrange
	db := &fakeDB{result: fakeResult{rowsAffected: 1}}
	es, err := newEventStore(db)
	require.NoError(t, err)

	// act
	seq, err := es.Append(context.Background(), "ShoppingCart|c1", "carts-1", 3, givenStorable(t, "ItemAdded"))

	// assert
	require.NoError(t, err)
	assert.Equal(t, eventstore.SequenceNumber(4), seq)
	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], `INSERT INTO "events"`)
	assert.Contains(t, db.queries[0], `MAX("sequence_nr") AS "max_seq"`)
	assert.Contains(t, db.queries[0], `COALESCE("max_seq", 0) = 3`)
	assert.Contains(t, db.queries[0], `'ShoppingCart|c1', 4, 'carts-1', 'ItemAdded'`)
	assert.Contains(t, db.queries[0], `"same_tag" IS TRUE`)
}

func Test_Append_LocksTheTag_BeforeDrawingOffsets(t *testing.T) {
	tests := []struct {
		name   string
		events []eventstore.StorableEvent
	}{
		{name: "single event", events: []eventstore.StorableEvent{givenStorable(t, "ItemAdded")}},
		{name: "multiple events", events: []eventstore.StorableEvent{givenStorable(t, "ItemAdded"), givenStorable(t, "CheckedOut")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// arrange
			db := &fakeDB{result: fakeResult{rowsAffected: int64(len(tt.events))}}
			es, err := newEventStore(db)
			require.NoError(t, err)

			// act
			_, err = es.Append(context.Background(), "ShoppingCart|c1", "carts-1", 0, tt.events[0], tt.events[1:]...)

			// assert
			require.NoError(t, err)
			require.Len(t, db.queries, 1)
			assert.Contains(t, db.queries[0], `tag_lock AS (SELECT pg_advisory_xact_lock(hashtext('carts-1')) AS "locked")`)
			assert.Contains(t, db.queries[0], `FROM "tag_lock", "context"`)
		})
	}
}

func Test_Append_AssignsConsecutiveSequenceNumbers_ForMultipleEvents(t *testing.T) {
	// arrange
	db := &fakeDB{result: fakeResult{rowsAffected: 2}}
	es, err := newEventStore(db, WithTableName("cart_events"))
	require.NoError(t, err)

	// act
	seq, err := es.Append(
		context.Background(),
		"ShoppingCart|c1",
		"carts-1",
		0,
		givenStorable(t, "ItemAdded"),
		givenStorable(t, "CheckedOut"),
	)

	// assert
	require.NoError(t, err)
	assert.Equal(t, eventstore.SequenceNumber(2), seq)
	assert.Contains(t, db.queries[0], `INSERT INTO "cart_events"`)
	assert.Contains(t, db.queries[0], `1::bigint`)
	assert.Contains(t, db.queries[0], `2::bigint`)
	assert.Contains(t, db.queries[0], `UNION ALL`)
}

func Test_Append_When_FewerRowsWereInserted_ReportsAConcurrencyConflict(t *testing.T) {
	// arrange
	db := &fakeDB{result: fakeResult{rowsAffected: 0}}
	es, err := newEventStore(db)
	require.NoError(t, err)

	// act
	_, err = es.Append(context.Background(), "ShoppingCart|c1", "carts-1", 0, givenStorable(t, "ItemAdded"))

	// assert
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
}

func Test_Append_When_TheStreamIsStoredUnderAnotherTag_ReportsATagMismatch(t *testing.T) {
	// arrange
	db := &fakeDB{
		result: fakeResult{rowsAffected: 0},
		rows:   &fakeRows{rows: [][]any{{"carts-2"}}},
	}
	es, err := newEventStore(db)
	require.NoError(t, err)

	// act
	_, err = es.Append(context.Background(), "ShoppingCart|c1", "carts-1", 1, givenStorable(t, "ItemAdded"))

	// assert
	assert.ErrorIs(t, err, eventstore.ErrTagMismatch)
	assert.NotErrorIs(t, err, eventstore.ErrConcurrencyConflict)
	require.Len(t, db.queries, 2)
	assert.Contains(t, db.queries[1], `SELECT "tag" FROM "events" WHERE ("persistence_id" = 'ShoppingCart|c1') LIMIT 1`)
}

func Test_Append_When_TheStreamHasTheSameTag_ReportsAConcurrencyConflict(t *testing.T) {
	// arrange
	db := &fakeDB{
		result: fakeResult{rowsAffected: 0},
		rows:   &fakeRows{rows: [][]any{{"carts-1"}}},
	}
	es, err := newEventStore(db)
	require.NoError(t, err)

	// act
	_, err = es.Append(context.Background(), "ShoppingCart|c1", "carts-1", 1, givenStorable(t, "ItemAdded"))

	// assert
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
}

func Test_Append_When_TheUniqueKeyRaceIsLost_ReportsAConcurrencyConflict(t *testing.T) {
	tests := []struct {
		name    string
		execErr error
	}{
		{name: "pgx", execErr: &pgconn.PgError{Code: "23505"}},
		{name: "lib/pq", execErr: &pq.Error{Code: "23505"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// arrange
			db := &fakeDB{execErr: tt.execErr}
			es, err := newEventStore(db)
			require.NoError(t, err)

			// act
			_, err = es.Append(context.Background(), "ShoppingCart|c1", "carts-1", 0, givenStorable(t, "ItemAdded"))

			// assert
			assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
		})
	}
}

func Test_Append_When_TheDatabaseFails_ReportsAnAppendError(t *testing.T) {
	// arrange
	db := &fakeDB{execErr: errors.New("connection reset")}
	es, err := newEventStore(db)
	require.NoError(t, err)

	// act
	_, err = es.Append(context.Background(), "ShoppingCart|c1", "carts-1", 0, givenStorable(t, "ItemAdded"))

	// assert
	assert.ErrorIs(t, err, eventstore.ErrAppendingEventFailed)
	assert.NotErrorIs(t, err, eventstore.ErrConcurrencyConflict)
}

func Test_Append_RejectsMissingKeys(t *testing.T) {
	es, err := newEventStore(&fakeDB{})
	require.NoError(t, err)

	_, err = es.Append(context.Background(), "", "carts-1", 0, givenStorable(t, "ItemAdded"))
	assert.ErrorIs(t, err, eventstore.ErrEmptyPersistenceID)

	_, err = es.Append(context.Background(), "ShoppingCart|c1", "", 0, givenStorable(t, "ItemAdded"))
	assert.ErrorIs(t, err, eventstore.ErrEmptyTag)
}

func Test_EventsByTag_MapsRowsToEnvelopes(t *testing.T) {
	// arrange
	occurredAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeDB{rows: &fakeRows{rows: [][]any{
		{int64(11), "ShoppingCart|c1", int64(1), "carts-1", "ItemAdded", occurredAt, []byte(`{"cartId":"c1"}`), []byte(`{}`)},
		{int64(15), "ShoppingCart|c2", int64(1), "carts-1", "ItemAdded", occurredAt, []byte(`{"cartId":"c2"}`), []byte(`{}`)},
	}}}
	es, err := newEventStore(db)
	require.NoError(t, err)

	// act
	envelopes, err := es.EventsByTag(context.Background(), "carts-1", 10, 50)

	// assert
	require.NoError(t, err)
	require.Len(t, envelopes, 2)
	assert.Equal(t, eventstore.Offset(11), envelopes[0].Offset)
	assert.Equal(t, "ShoppingCart|c2", envelopes[1].PersistenceID)
	assert.Equal(t, occurredAt, envelopes[1].Timestamp)
	assert.Contains(t, db.queries[0], `"global_offset" > 10`)
	assert.Contains(t, db.queries[0], `ORDER BY "global_offset" ASC LIMIT 50`)
}

func Test_EventsByTag_RejectsANonPositiveLimit(t *testing.T) {
	es, err := newEventStore(&fakeDB{})
	require.NoError(t, err)

	_, err = es.EventsByTag(context.Background(), "carts-1", 0, 0)

	assert.ErrorIs(t, err, eventstore.ErrInvalidPageLimit)
}

func Test_LoadSnapshot_When_NoneExists(t *testing.T) {
	es, err := newEventStore(&fakeDB{})
	require.NoError(t, err)

	_, err = es.LoadSnapshot(context.Background(), "ShoppingCart|c1")

	assert.ErrorIs(t, err, eventstore.ErrSnapshotNotFound)
}

func Test_SaveSnapshot_NeverReplacesANewerSnapshot(t *testing.T) {
	// arrange
	db := &fakeDB{result: fakeResult{rowsAffected: 1}}
	es, err := newEventStore(db)
	require.NoError(t, err)
	snapshot, err := eventstore.BuildSnapshot("ShoppingCart|c1", 5, []byte(`{"items":{"skis":1}}`))
	require.NoError(t, err)

	// act
	err = es.SaveSnapshot(context.Background(), snapshot)

	// assert
	require.NoError(t, err)
	assert.Contains(t, db.queries[0], `ON CONFLICT (persistence_id) DO UPDATE`)
	assert.Contains(t, db.queries[0], `EXCLUDED.sequence_nr >= snapshots.sequence_nr`)
}

func Test_Options_RejectEmptyTableNames(t *testing.T) {
	_, err := newEventStore(&fakeDB{}, WithTableName(""))
	assert.ErrorIs(t, err, eventstore.ErrEmptyEventsTableName)

	_, err = newEventStore(&fakeDB{}, WithSnapshotTableName(""))
	assert.ErrorIs(t, err, eventstore.ErrEmptySnapshotsTableName)
}

func Test_Constructors_RejectNilConnections(t *testing.T) {
	_, err := NewEventStoreFromPGXPool(nil)
	assert.ErrorIs(t, err, eventstore.ErrNilDatabaseConnection)

	_, err = NewEventStoreFromSQLDB(nil)
	assert.ErrorIs(t, err, eventstore.ErrNilDatabaseConnection)

	_, err = NewEventStoreFromSQLX(nil)
	assert.ErrorIs(t, err, eventstore.ErrNilDatabaseConnection)
}
