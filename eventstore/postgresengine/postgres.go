package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // driver import
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore/postgresengine/internal/adapters"
)

const (
	defaultEventTableName    = "events"
	defaultSnapshotTableName = "snapshots"
	uniqueViolationCode      = "23505"
)

const (
	colOffset        = "global_offset"
	colPersistenceID = "persistence_id"
	colSequenceNr    = "sequence_nr"
	colTag           = "tag"
	colEventType     = "event_type"
	colOccurredAt    = "occurred_at"
	colPayload       = "payload"
	colMetadata      = "metadata"
	colData          = "data"
	colCreatedAt     = "created_at"
	cteContext       = "context"
	cteVals          = "vals"
	cteTagLock       = "tag_lock"
	dialectPostgres  = "postgres"
	aliasMaxSeq      = "max_seq"
	aliasSameTag     = "same_tag"
	aliasLocked      = "locked"
	lockTagLiteral   = "pg_advisory_xact_lock(hashtext(?))"
	sameTagLiteral   = "COALESCE(BOOL_AND(?), TRUE)"
	castText         = "?::text"
	castBigint       = "?::bigint"
	castTimestamp    = "?::timestamp with time zone"
	castJsonb        = "?::jsonb"
)

type (
	sqlQueryString    = string
	rowsAffectedInt64 = int64
)

// EventStore is the PostgreSQL journal: one append-only stream per persistence ID,
// every event additionally readable through its tag in global offset order.
type EventStore struct {
	db                adapters.DBAdapter
	eventTableName    string
	snapshotTableName string
	logger            eventstore.Logger
	metricsCollector  eventstore.MetricsCollector
	tracingCollector  eventstore.TracingCollector
}

type persistedRow struct {
	offset        int64
	persistenceID string
	sequenceNr    int64
	tag           string
	eventType     string
	occurredAt    time.Time
	payload       []byte
	metadata      []byte
}

// NewEventStoreFromPGXPool creates a new EventStore using a pgx Pool with optional configuration.
func NewEventStoreFromPGXPool(db *pgxpool.Pool, options ...Option) (*EventStore, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStore(adapters.NewPGXAdapter(db), options...)
}

// NewEventStoreFromPGXPoolAndReplica creates a new EventStore using a primary pgx Pool and a replica Pool.
// Reads only go to the replica when ctx was marked with eventstore.WithReadFromReplica.
func NewEventStoreFromPGXPoolAndReplica(db *pgxpool.Pool, replica *pgxpool.Pool, options ...Option) (*EventStore, error) {
	if db == nil || replica == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStore(adapters.NewPGXAdapterWithReplica(db, replica), options...)
}

// NewEventStoreFromSQLDB creates a new EventStore using a sql.DB with optional configuration.
func NewEventStoreFromSQLDB(db *sql.DB, options ...Option) (*EventStore, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStore(adapters.NewSQLAdapter(db), options...)
}

// NewEventStoreFromSQLX creates a new EventStore using a sqlx.DB with optional configuration.
func NewEventStoreFromSQLX(db *sqlx.DB, options ...Option) (*EventStore, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStore(adapters.NewSQLXAdapter(db), options...)
}

func newEventStore(db adapters.DBAdapter, options ...Option) (*EventStore, error) {
	es := &EventStore{
		db:                db,
		eventTableName:    defaultEventTableName,
		snapshotTableName: defaultSnapshotTableName,
	}

	for _, option := range options {
		if err := option(es); err != nil {
			return nil, err
		}
	}

	return es, nil
}

// Append appends one or multiple events onto the stream of persistenceID, assigning the sequence numbers
// expectedSequenceNr+1, expectedSequenceNr+2, ... and returns the new highest sequence number.
//
// It fails with eventstore.ErrConcurrencyConflict when the highest stored sequence number of the stream
// is not expectedSequenceNr at the time of the insert, also when a concurrent writer won the unique key race.
// It fails with eventstore.ErrTagMismatch when the stream is already stored under another tag.
//
// Appends to the same tag hold a transaction scoped advisory lock on the tag while they take their
// offsets, so within a tag the offsets become visible in increasing order.
func (es *EventStore) Append(
	ctx context.Context,
	persistenceID string,
	tag string,
	expectedSequenceNr eventstore.SequenceNumber,
	event eventstore.StorableEvent,
	additionalEvents ...eventstore.StorableEvent,
) (eventstore.SequenceNumber, error) {

	if persistenceID == "" {
		return 0, eventstore.ErrEmptyPersistenceID
	}

	if tag == "" {
		return 0, eventstore.ErrEmptyTag
	}

	allEvents := eventstore.StorableEvents{event}
	allEvents = append(allEvents, additionalEvents...)

	tracer, ctx := es.startAppendTracing(ctx, persistenceID, allEvents, expectedSequenceNr)
	metrics := es.startAppendMetrics(ctx)
	start := time.Now()

	sqlQuery, buildQueryErr := es.buildAppendQuery(persistenceID, tag, expectedSequenceNr, allEvents)
	if buildQueryErr != nil {
		es.logError(logMsgBuildInsertQueryFailed, buildQueryErr, logAttrEventCount, len(allEvents))
		tracer.finishError(errorTypeBuildQuery, time.Since(start))
		metrics.recordError(errorTypeBuildQuery, time.Since(start))

		return 0, buildQueryErr
	}

	rowsAffected, execErr := es.executeAppendQuery(ctx, sqlQuery)
	duration := time.Since(start)

	if execErr != nil {
		if errors.Is(execErr, eventstore.ErrConcurrencyConflict) {
			es.logConcurrencyConflict(persistenceID, expectedSequenceNr, len(allEvents), 0)
			tracer.finishError(errorTypeConcurrencyConflict, duration)
			metrics.recordConcurrencyConflict()

			return 0, execErr
		}

		tracer.finishError(errorTypeDatabaseExec, duration)
		metrics.recordError(errorTypeDatabaseExec, duration)

		return 0, execErr
	}

	if rowsAffected < int64(len(allEvents)) {
		if es.storedUnderOtherTag(ctx, persistenceID, tag) {
			es.logError(logMsgTagMismatch, eventstore.ErrTagMismatch, logAttrPersistenceID, persistenceID, logAttrTag, tag)
			tracer.finishError(errorTypeTagMismatch, duration)
			metrics.recordError(errorTypeTagMismatch, duration)

			return 0, eventstore.ErrTagMismatch
		}

		es.logConcurrencyConflict(persistenceID, expectedSequenceNr, len(allEvents), rowsAffected)
		tracer.finishError(errorTypeConcurrencyConflict, duration)
		metrics.recordConcurrencyConflict()

		return 0, eventstore.ErrConcurrencyConflict
	}

	es.logOperation(
		logMsgEventsAppended,
		logAttrPersistenceID, persistenceID,
		logAttrEventCount, len(allEvents),
		logAttrDurationMS, es.toMilliseconds(duration),
	)
	tracer.finishSuccess(rowsAffected, duration)
	metrics.recordSuccess(len(allEvents), duration)

	return expectedSequenceNr + eventstore.SequenceNumber(len(allEvents)), nil
}

// ReadStream returns the events of persistenceID with a sequence number greater than afterSequenceNr,
// in sequence order.
func (es *EventStore) ReadStream(
	ctx context.Context,
	persistenceID string,
	afterSequenceNr eventstore.SequenceNumber,
) (eventstore.PersistedEvents, error) {

	if persistenceID == "" {
		return nil, eventstore.ErrEmptyPersistenceID
	}

	selectStmt := es.selectPersisted().
		Where(
			goqu.C(colPersistenceID).Eq(persistenceID),
			goqu.C(colSequenceNr).Gt(afterSequenceNr),
		).
		Order(goqu.I(colSequenceNr).Asc())

	return es.queryPersisted(ctx, operationReadStream, selectStmt)
}

// EventsByTag returns up to limit events of tag with an offset greater than afterOffset, in offset order.
// A reader that resumes after the last offset it saw never misses an event of the tag.
func (es *EventStore) EventsByTag(
	ctx context.Context,
	tag string,
	afterOffset eventstore.Offset,
	limit int,
) (eventstore.EventEnvelopes, error) {

	if tag == "" {
		return nil, eventstore.ErrEmptyTag
	}

	if limit <= 0 {
		return nil, eventstore.ErrInvalidPageLimit
	}

	selectStmt := es.selectPersisted().
		Where(
			goqu.C(colTag).Eq(tag),
			goqu.C(colOffset).Gt(afterOffset),
		).
		Order(goqu.I(colOffset).Asc()).
		Limit(uint(limit))

	persisted, err := es.queryPersisted(ctx, operationEventsByTag, selectStmt)
	if err != nil {
		return nil, err
	}

	envelopes := make(eventstore.EventEnvelopes, 0, len(persisted))
	for _, pe := range persisted {
		envelopes = append(envelopes, pe.Envelope())
	}

	return envelopes, nil
}

func (es *EventStore) selectPersisted() *goqu.SelectDataset {
	return goqu.Dialect(dialectPostgres).
		From(es.eventTableName).
		Select(colOffset, colPersistenceID, colSequenceNr, colTag, colEventType, colOccurredAt, colPayload, colMetadata)
}

// queryPersisted executes a select built by selectPersisted and maps the rows.
func (es *EventStore) queryPersisted(
	ctx context.Context,
	operation string,
	selectStmt *goqu.SelectDataset,
) (eventstore.PersistedEvents, error) {

	tracer, ctx := es.startQueryTracing(ctx, operation)
	metrics := es.startQueryMetrics(ctx, operation)
	start := time.Now()

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		es.logError(logMsgBuildSelectQueryFailed, toSQLErr)
		tracer.finishError(errorTypeBuildQuery, time.Since(start))
		metrics.recordError(errorTypeBuildQuery, time.Since(start))

		return nil, errors.Join(eventstore.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := es.db.Query(ctx, sqlQuery)
	es.logQueryWithDuration(sqlQuery, operation, time.Since(start))

	if queryErr != nil {
		es.logError(logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		tracer.finishError(errorTypeDatabaseQuery, time.Since(start))
		metrics.recordError(errorTypeDatabaseQuery, time.Since(start))

		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, queryErr)
	}
	defer es.closeRows(rows)

	persisted, scanErr := es.scanPersisted(rows)
	duration := time.Since(start)

	if scanErr != nil {
		tracer.finishError(errorTypeRowScan, duration)
		metrics.recordError(errorTypeRowScan, duration)

		return nil, scanErr
	}

	es.logOperation(logMsgQueryCompleted, logAttrEventCount, len(persisted), logAttrDurationMS, es.toMilliseconds(duration))
	tracer.finishSuccess(int64(len(persisted)), duration)
	metrics.recordSuccess(len(persisted), duration)

	return persisted, nil
}

func (es *EventStore) scanPersisted(rows adapters.DBRows) (eventstore.PersistedEvents, error) {
	result := persistedRow{}
	persisted := make(eventstore.PersistedEvents, 0)

	for rows.Next() {
		rowScanErr := rows.Scan(
			&result.offset,
			&result.persistenceID,
			&result.sequenceNr,
			&result.tag,
			&result.eventType,
			&result.occurredAt,
			&result.payload,
			&result.metadata,
		)
		if rowScanErr != nil {
			es.logError(logMsgScanRowFailed, rowScanErr)

			return nil, errors.Join(eventstore.ErrScanningDBRowFailed, rowScanErr)
		}

		event, buildStorableErr := eventstore.BuildStorableEvent(result.eventType, result.occurredAt, result.payload, result.metadata)
		if buildStorableErr != nil {
			es.logError(logMsgBuildStorableEventFailed, buildStorableErr, logAttrEventType, result.eventType)

			return nil, errors.Join(eventstore.ErrBuildingStorableEventFailed, buildStorableErr)
		}

		persisted = append(persisted, eventstore.PersistedEvent{
			PersistenceID: result.persistenceID,
			SequenceNr:    eventstore.SequenceNumber(result.sequenceNr),
			Tag:           result.tag,
			Offset:        eventstore.Offset(result.offset),
			Event:         event,
		})
	}

	if iterErr := rows.Err(); iterErr != nil {
		es.logError(logMsgScanRowFailed, iterErr)

		return nil, errors.Join(eventstore.ErrScanningDBRowFailed, iterErr)
	}

	return persisted, nil
}

// closeRows safely closes database rows and logs any errors.
func (es *EventStore) closeRows(rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		if es.logger != nil {
			es.logger.Warn(logMsgCloseRowsFailed, logAttrError, closeErr.Error())
		}
	}
}

// executeAppendQuery executes the SQL append query and returns the number of inserted rows.
func (es *EventStore) executeAppendQuery(ctx context.Context, sqlQuery string) (rowsAffectedInt64, error) {
	start := time.Now()
	result, execErr := es.db.Exec(ctx, sqlQuery)
	es.logQueryWithDuration(sqlQuery, operationAppend, time.Since(start))

	if execErr != nil {
		if isUniqueViolation(execErr) {
			return 0, errors.Join(eventstore.ErrConcurrencyConflict, execErr)
		}

		es.logError(logMsgDBExecFailed, execErr, logAttrQuery, sqlQuery)

		return 0, errors.Join(eventstore.ErrAppendingEventFailed, execErr)
	}

	rowsAffected, rowsAffectedErr := result.RowsAffected()
	if rowsAffectedErr != nil {
		es.logError(logMsgRowsAffectedFailed, rowsAffectedErr)

		return 0, errors.Join(eventstore.ErrGettingRowsAffectedFailed, rowsAffectedErr)
	}

	return rowsAffected, nil
}

// buildAppendQuery builds the appropriate SQL query for single or multiple events.
func (es *EventStore) buildAppendQuery(
	persistenceID string,
	tag string,
	expectedSequenceNr eventstore.SequenceNumber,
	allEvents eventstore.StorableEvents,
) (sqlQueryString, error) {

	if len(allEvents) == 1 {
		return es.buildInsertQueryForSingleEvent(persistenceID, tag, expectedSequenceNr, allEvents[0])
	}

	return es.buildInsertQueryForMultipleEvents(persistenceID, tag, expectedSequenceNr, allEvents)
}

// maxSequenceNrCTE selects the highest stored sequence number of one stream and whether all of its
// events carry tag. An empty stream counts as carrying every tag.
func (es *EventStore) maxSequenceNrCTE(persistenceID string, tag string) *goqu.SelectDataset {
	return goqu.Dialect(dialectPostgres).
		From(es.eventTableName).
		Select(
			goqu.MAX(colSequenceNr).As(aliasMaxSeq),
			goqu.L(sameTagLiteral, goqu.C(colTag).Eq(tag)).As(aliasSameTag),
		).
		Where(goqu.C(colPersistenceID).Eq(persistenceID))
}

// tagLockCTE takes the advisory lock of tag. The lock is released when the append commits.
// The insert selects from this CTE, so its offsets are drawn only after the lock is held.
func tagLockCTE(tag string) *goqu.SelectDataset {
	return goqu.Dialect(dialectPostgres).
		Select(goqu.L(lockTagLiteral, tag).As(aliasLocked))
}

// appendGuard holds when the stream is at expectedSequenceNr and not stored under another tag.
func appendGuard(expectedSequenceNr eventstore.SequenceNumber) []exp.Expression {
	return []exp.Expression{
		goqu.COALESCE(goqu.C(aliasMaxSeq), 0).Eq(goqu.V(expectedSequenceNr)),
		goqu.C(aliasSameTag).IsTrue(),
	}
}

// storedUnderOtherTag reports whether persistenceID already has events under a tag other than tag.
// It is only asked after a guarded insert wrote nothing, a failing lookup counts as no.
func (es *EventStore) storedUnderOtherTag(ctx context.Context, persistenceID string, tag string) bool {
	sqlQuery, _, toSQLErr := goqu.Dialect(dialectPostgres).
		From(es.eventTableName).
		Select(colTag).
		Where(goqu.C(colPersistenceID).Eq(persistenceID)).
		Limit(1).
		ToSQL()
	if toSQLErr != nil {
		es.logError(logMsgBuildSelectQueryFailed, toSQLErr)
		return false
	}

	rows, queryErr := es.db.Query(ctx, sqlQuery)
	if queryErr != nil {
		es.logError(logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return false
	}
	defer es.closeRows(rows)

	if !rows.Next() {
		return false
	}

	var storedTag string
	if scanErr := rows.Scan(&storedTag); scanErr != nil {
		es.logError(logMsgScanRowFailed, scanErr)
		return false
	}

	return storedTag != tag
}

func (es *EventStore) buildInsertQueryForSingleEvent(
	persistenceID string,
	tag string,
	expectedSequenceNr eventstore.SequenceNumber,
	event eventstore.StorableEvent,
) (sqlQueryString, error) {

	builder := goqu.Dialect(dialectPostgres)

	selectStmt := builder.
		From(cteTagLock, cteContext).
		Select(
			goqu.V(persistenceID),
			goqu.V(expectedSequenceNr+1),
			goqu.V(tag),
			goqu.V(event.EventType),
			goqu.V(event.OccurredAt),
			goqu.V(event.PayloadJSON),
			goqu.V(event.MetadataJSON),
		).
		Where(appendGuard(expectedSequenceNr)...)

	insertStmt := builder.
		Insert(es.eventTableName).
		Cols(colPersistenceID, colSequenceNr, colTag, colEventType, colOccurredAt, colPayload, colMetadata).
		FromQuery(selectStmt).
		With(cteTagLock, tagLockCTE(tag)).
		With(cteContext, es.maxSequenceNrCTE(persistenceID, tag))

	sqlQuery, _, toSQLErr := insertStmt.ToSQL()
	if toSQLErr != nil {
		return "", errors.Join(eventstore.ErrBuildingQueryFailed, toSQLErr)
	}

	return sqlQuery, nil
}

func (es *EventStore) buildInsertQueryForMultipleEvents(
	persistenceID string,
	tag string,
	expectedSequenceNr eventstore.SequenceNumber,
	events eventstore.StorableEvents,
) (sqlQueryString, error) {

	builder := goqu.Dialect(dialectPostgres)

	unionStatements := make([]*goqu.SelectDataset, len(events))
	for i, event := range events {
		unionStatements[i] = builder.
			Select(
				goqu.L(castBigint, expectedSequenceNr+eventstore.SequenceNumber(i)+1).As(colSequenceNr),
				goqu.L(castText, event.EventType).As(colEventType),
				goqu.L(castTimestamp, event.OccurredAt).As(colOccurredAt),
				goqu.L(castJsonb, event.PayloadJSON).As(colPayload),
				goqu.L(castJsonb, event.MetadataJSON).As(colMetadata),
			)
	}

	valuesStmt := unionStatements[0]
	for i := 1; i < len(unionStatements); i++ {
		valuesStmt = valuesStmt.UnionAll(unionStatements[i])
	}

	insertStmt := builder.
		Insert(es.eventTableName).
		Cols(colPersistenceID, colSequenceNr, colTag, colEventType, colOccurredAt, colPayload, colMetadata).
		With(cteTagLock, tagLockCTE(tag)).
		With(cteContext, es.maxSequenceNrCTE(persistenceID, tag)).
		With(cteVals, valuesStmt).
		FromQuery(
			builder.From(cteTagLock, cteContext, cteVals).
				Select(
					goqu.V(persistenceID),
					valsColumn(colSequenceNr),
					goqu.V(tag),
					valsColumn(colEventType),
					valsColumn(colOccurredAt),
					valsColumn(colPayload),
					valsColumn(colMetadata),
				).
				Where(appendGuard(expectedSequenceNr)...).
				Order(goqu.I(fmt.Sprintf("%s.%s", cteVals, colSequenceNr)).Asc()),
		)

	sqlQuery, _, toSQLErr := insertStmt.ToSQL()
	if toSQLErr != nil {
		return "", errors.Join(eventstore.ErrBuildingQueryFailed, toSQLErr)
	}

	return sqlQuery, nil
}

func valsColumn(col string) any {
	return goqu.I(fmt.Sprintf("%s.%s", cteVals, col))
}

// isUniqueViolation detects a lost race on the (persistence_id, sequence_nr) key for pgx and lib/pq.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolationCode
	}

	return false
}
