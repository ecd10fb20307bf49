package postgresengine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

const (
	logMsgBuildSelectQueryFailed   = "failed to build select query"
	logMsgDBQueryFailed            = "database query execution failed"
	logMsgCloseRowsFailed          = "failed to close database rows"
	logMsgScanRowFailed            = "failed to scan database row"
	logMsgBuildStorableEventFailed = "failed to build storable event from database row"
	logMsgBuildInsertQueryFailed   = "failed to build insert query"
	logMsgDBExecFailed             = "database execution failed during event append"
	logMsgRowsAffectedFailed       = "failed to get rows affected count"
	logMsgQueryCompleted           = "query completed"
	logMsgEventsAppended           = "events appended"
	logMsgConcurrencyConflict      = "concurrency conflict detected"
	logMsgTagMismatch              = "stream is stored under another tag"
	logMsgSnapshotSaved            = "snapshot saved"
	logMsgSnapshotSaveFailed       = "failed to save snapshot"
	logMsgSnapshotLoadFailed       = "failed to load snapshot"
	logMsgCreateSchemaFailed       = "failed to create schema"
	logMsgSQLExecuted              = "executed sql for: "
	logMsgOperation                = "eventstore operation: "

	logAttrError            = "error"
	logAttrQuery            = "query"
	logAttrEventType        = "event_type"
	logAttrEventCount       = "event_count"
	logAttrDurationMS       = "duration_ms"
	logAttrPersistenceID    = "persistence_id"
	logAttrTag              = "tag"
	logAttrSequenceNr       = "sequence_nr"
	logAttrExpectedEvents   = "expected_events"
	logAttrRowsAffected     = "rows_affected"
	logAttrExpectedSequence = "expected_sequence"
)

const (
	operationAppend       = "append"
	operationReadStream   = "read_stream"
	operationEventsByTag  = "events_by_tag"
	operationSaveSnapshot = "save_snapshot"
	operationLoadSnapshot = "load_snapshot"

	statusSuccess = "success"
	statusError   = "error"

	errorTypeBuildQuery          = "build_query"
	errorTypeDatabaseQuery       = "database_query"
	errorTypeDatabaseExec        = "database_exec"
	errorTypeRowScan             = "row_scan"
	errorTypeConcurrencyConflict = "concurrency_conflict"
	errorTypeTagMismatch         = "tag_mismatch"

	metricAppendDuration       = "eventstore_append_duration_seconds"
	metricQueryDuration        = "eventstore_query_duration_seconds"
	metricEventsAppended       = "eventstore_events_appended_total"
	metricEventsQueried        = "eventstore_events_queried_total"
	metricConcurrencyConflicts = "eventstore_concurrency_conflicts_total"
	metricDatabaseErrors       = "eventstore_database_errors_total"

	spanNamePrefix       = "eventstore."
	spanAttrOperation    = "operation"
	spanAttrStatus       = "status"
	spanAttrErrorType    = "error_type"
	spanAttrEventCount   = "event_count"
	spanAttrEventType    = "event_type"
	spanAttrExpectedSeq  = "expected_sequence"
	spanAttrPersistence  = "persistence_id"
	spanAttrRowsAffected = "rows_affected"
	spanAttrDurationMS   = "duration_ms"
)

// logQueryWithDuration logs SQL queries with execution time at debug level if the logger is configured.
func (es *EventStore) logQueryWithDuration(sqlQuery string, action string, duration time.Duration) {
	if es.logger != nil {
		es.logger.Debug(logMsgSQLExecuted+action, logAttrDurationMS, es.toMilliseconds(duration), logAttrQuery, sqlQuery)
	}
}

// logOperation logs operational information at info level if the logger is configured.
func (es *EventStore) logOperation(action string, args ...any) {
	if es.logger != nil {
		es.logger.Info(logMsgOperation+action, args...)
	}
}

// logError logs error information at the error level if the logger is configured.
func (es *EventStore) logError(message string, err error, args ...any) {
	if es.logger != nil {
		allArgs := []any{logAttrError, err.Error()}
		allArgs = append(allArgs, args...)
		es.logger.Error(message, allArgs...)
	}
}

func (es *EventStore) logConcurrencyConflict(
	persistenceID string,
	expectedSequenceNr eventstore.SequenceNumber,
	expectedEvents int,
	rowsAffected int64,
) {
	es.logOperation(
		logMsgConcurrencyConflict,
		logAttrPersistenceID, persistenceID,
		logAttrExpectedEvents, expectedEvents,
		logAttrRowsAffected, rowsAffected,
		logAttrExpectedSequence, expectedSequenceNr,
	)
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func (es *EventStore) toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

func (es *EventStore) formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2f", es.toMilliseconds(d))
}

func (es *EventStore) recordDuration(metric string, duration time.Duration, operation, status string) {
	if es.metricsCollector != nil {
		es.metricsCollector.RecordDuration(metric, duration, map[string]string{
			spanAttrOperation: operation,
			spanAttrStatus:    status,
		})
	}
}

func (es *EventStore) recordValue(metric string, value float64, operation, status string) {
	if es.metricsCollector != nil {
		es.metricsCollector.RecordValue(metric, value, map[string]string{
			spanAttrOperation: operation,
			spanAttrStatus:    status,
		})
	}
}

func (es *EventStore) recordDatabaseError(operation, errorType string) {
	if es.metricsCollector != nil {
		es.metricsCollector.IncrementCounter(metricDatabaseErrors, map[string]string{
			spanAttrOperation: operation,
			spanAttrStatus:    statusError,
			spanAttrErrorType: errorType,
		})
	}
}

// === Tracing Observer Pattern ===
// These observers encapsulate the span lifecycle of one operation.

type tracingObserver struct {
	es   *EventStore
	span eventstore.SpanContext
}

func (es *EventStore) startTracing(ctx context.Context, operation string, attrs map[string]string) (*tracingObserver, context.Context) {
	if es.tracingCollector == nil {
		return &tracingObserver{es: es}, ctx
	}

	attrs[spanAttrOperation] = operation
	newCtx, span := es.tracingCollector.StartSpan(ctx, spanNamePrefix+operation, attrs)

	return &tracingObserver{es: es, span: span}, newCtx
}

// startQueryTracing creates a new tracing observer for read operations.
func (es *EventStore) startQueryTracing(ctx context.Context, operation string) (*tracingObserver, context.Context) {
	return es.startTracing(ctx, operation, map[string]string{})
}

// startAppendTracing creates a new tracing observer for append operations.
func (es *EventStore) startAppendTracing(
	ctx context.Context,
	persistenceID string,
	events eventstore.StorableEvents,
	expectedSequenceNr eventstore.SequenceNumber,
) (*tracingObserver, context.Context) {

	attrs := map[string]string{
		spanAttrPersistence: persistenceID,
		spanAttrEventCount:  fmt.Sprintf("%d", len(events)),
		spanAttrExpectedSeq: fmt.Sprintf("%d", expectedSequenceNr),
	}

	if len(events) > 0 {
		attrs[spanAttrEventType] = events[0].EventType
	}

	return es.startTracing(ctx, operationAppend, attrs)
}

func (to *tracingObserver) finishError(errorType string, duration time.Duration) {
	if to.span == nil {
		return
	}

	attrs := map[string]string{
		spanAttrErrorType:  errorType,
		spanAttrDurationMS: to.es.formatDuration(duration),
	}

	to.span.SetStatus(statusError)
	for key, value := range attrs {
		to.span.AddAttribute(key, value)
	}

	to.es.tracingCollector.FinishSpan(to.span, statusError, attrs)
}

// finishSuccess completes the span; count is the number of rows read or inserted.
func (to *tracingObserver) finishSuccess(count int64, duration time.Duration) {
	if to.span == nil {
		return
	}

	attrs := map[string]string{
		spanAttrRowsAffected: fmt.Sprintf("%d", count),
		spanAttrDurationMS:   to.es.formatDuration(duration),
	}

	to.span.SetStatus(statusSuccess)
	for key, value := range attrs {
		to.span.AddAttribute(key, value)
	}

	to.es.tracingCollector.FinishSpan(to.span, statusSuccess, attrs)
}

// === Metrics Observer Pattern ===

type queryMetricsObserver struct {
	es        *EventStore
	operation string
}

type appendMetricsObserver struct {
	es *EventStore
}

func (es *EventStore) startQueryMetrics(_ context.Context, operation string) *queryMetricsObserver {
	return &queryMetricsObserver{es: es, operation: operation}
}

func (es *EventStore) startAppendMetrics(_ context.Context) *appendMetricsObserver {
	return &appendMetricsObserver{es: es}
}

func (qmo *queryMetricsObserver) recordSuccess(eventCount int, duration time.Duration) {
	qmo.es.recordDuration(metricQueryDuration, duration, qmo.operation, statusSuccess)
	qmo.es.recordValue(metricEventsQueried, float64(eventCount), qmo.operation, statusSuccess)
}

func (qmo *queryMetricsObserver) recordError(errorType string, duration time.Duration) {
	qmo.es.recordDuration(metricQueryDuration, duration, qmo.operation, statusError)
	qmo.es.recordDatabaseError(qmo.operation, errorType)
}

func (amo *appendMetricsObserver) recordSuccess(eventCount int, duration time.Duration) {
	amo.es.recordDuration(metricAppendDuration, duration, operationAppend, statusSuccess)
	amo.es.recordValue(metricEventsAppended, float64(eventCount), operationAppend, statusSuccess)
}

func (amo *appendMetricsObserver) recordError(errorType string, duration time.Duration) {
	amo.es.recordDuration(metricAppendDuration, duration, operationAppend, statusError)
	amo.es.recordDatabaseError(operationAppend, errorType)
}

func (amo *appendMetricsObserver) recordConcurrencyConflict() {
	if amo.es.metricsCollector != nil {
		amo.es.metricsCollector.IncrementCounter(metricConcurrencyConflicts, map[string]string{
			spanAttrOperation: operationAppend,
			"conflict_type":   "concurrency",
		})
	}
}
