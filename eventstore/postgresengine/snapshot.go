package postgresengine

import (
	"context"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

// SaveSnapshot stores the snapshot as the latest one of its persistence ID.
// An older snapshot never replaces a newer one.
func (es *EventStore) SaveSnapshot(ctx context.Context, snapshot eventstore.Snapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}

	tracer, ctx := es.startTracing(ctx, operationSaveSnapshot, map[string]string{spanAttrPersistence: snapshot.PersistenceID})
	start := time.Now()

	insertStmt := goqu.Dialect(dialectPostgres).
		Insert(es.snapshotTableName).
		Rows(goqu.Record{
			colPersistenceID: snapshot.PersistenceID,
			colSequenceNr:    snapshot.SequenceNr,
			colData:          goqu.L(castJsonb, []byte(snapshot.Data)),
			colCreatedAt:     snapshot.CreatedAt,
		}).
		OnConflict(goqu.DoUpdate(
			colPersistenceID,
			goqu.Record{
				colSequenceNr: goqu.L("EXCLUDED." + colSequenceNr),
				colData:       goqu.L("EXCLUDED." + colData),
				colCreatedAt:  goqu.L("EXCLUDED." + colCreatedAt),
			},
		).Where(goqu.L("EXCLUDED." + colSequenceNr + " >= " + es.snapshotTableName + "." + colSequenceNr)))

	sqlQuery, _, toSQLErr := insertStmt.ToSQL()
	if toSQLErr != nil {
		tracer.finishError(errorTypeBuildQuery, time.Since(start))

		return errors.Join(eventstore.ErrSavingSnapshotFailed, eventstore.ErrBuildingQueryFailed, toSQLErr)
	}

	_, execErr := es.db.Exec(ctx, sqlQuery)
	duration := time.Since(start)
	es.logQueryWithDuration(sqlQuery, operationSaveSnapshot, duration)

	if execErr != nil {
		es.logError(logMsgSnapshotSaveFailed, execErr, logAttrPersistenceID, snapshot.PersistenceID)
		es.recordDatabaseError(operationSaveSnapshot, errorTypeDatabaseExec)
		tracer.finishError(errorTypeDatabaseExec, duration)

		return errors.Join(eventstore.ErrSavingSnapshotFailed, execErr)
	}

	es.logOperation(
		logMsgSnapshotSaved,
		logAttrPersistenceID, snapshot.PersistenceID,
		logAttrSequenceNr, snapshot.SequenceNr,
		logAttrDurationMS, es.toMilliseconds(duration),
	)
	tracer.finishSuccess(1, duration)

	return nil
}

// LoadSnapshot returns the latest snapshot of persistenceID or eventstore.ErrSnapshotNotFound.
func (es *EventStore) LoadSnapshot(ctx context.Context, persistenceID string) (eventstore.Snapshot, error) {
	if persistenceID == "" {
		return eventstore.Snapshot{}, eventstore.ErrEmptyPersistenceID
	}

	tracer, ctx := es.startTracing(ctx, operationLoadSnapshot, map[string]string{spanAttrPersistence: persistenceID})
	start := time.Now()

	selectStmt := goqu.Dialect(dialectPostgres).
		From(es.snapshotTableName).
		Select(colSequenceNr, colData, colCreatedAt).
		Where(goqu.C(colPersistenceID).Eq(persistenceID))

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		tracer.finishError(errorTypeBuildQuery, time.Since(start))

		return eventstore.Snapshot{}, errors.Join(eventstore.ErrLoadingSnapshotFailed, eventstore.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := es.db.Query(ctx, sqlQuery)
	es.logQueryWithDuration(sqlQuery, operationLoadSnapshot, time.Since(start))

	if queryErr != nil {
		es.logError(logMsgSnapshotLoadFailed, queryErr, logAttrPersistenceID, persistenceID)
		es.recordDatabaseError(operationLoadSnapshot, errorTypeDatabaseQuery)
		tracer.finishError(errorTypeDatabaseQuery, time.Since(start))

		return eventstore.Snapshot{}, errors.Join(eventstore.ErrLoadingSnapshotFailed, queryErr)
	}
	defer es.closeRows(rows)

	if !rows.Next() {
		if iterErr := rows.Err(); iterErr != nil {
			tracer.finishError(errorTypeRowScan, time.Since(start))

			return eventstore.Snapshot{}, errors.Join(eventstore.ErrLoadingSnapshotFailed, iterErr)
		}

		tracer.finishSuccess(0, time.Since(start))

		return eventstore.Snapshot{}, eventstore.ErrSnapshotNotFound
	}

	var (
		sequenceNr int64
		data       []byte
		createdAt  time.Time
	)

	if scanErr := rows.Scan(&sequenceNr, &data, &createdAt); scanErr != nil {
		es.logError(logMsgScanRowFailed, scanErr, logAttrPersistenceID, persistenceID)
		tracer.finishError(errorTypeRowScan, time.Since(start))

		return eventstore.Snapshot{}, errors.Join(eventstore.ErrLoadingSnapshotFailed, eventstore.ErrScanningDBRowFailed, scanErr)
	}

	tracer.finishSuccess(1, time.Since(start))

	return eventstore.Snapshot{
		PersistenceID: persistenceID,
		SequenceNr:    eventstore.SequenceNumber(sequenceNr),
		Data:          data,
		CreatedAt:     createdAt,
	}, nil
}
