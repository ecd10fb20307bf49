package postgresengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

const createSchemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	global_offset  BIGSERIAL   PRIMARY KEY,
	persistence_id TEXT        NOT NULL,
	sequence_nr    BIGINT      NOT NULL,
	tag            TEXT        NOT NULL,
	event_type     TEXT        NOT NULL,
	occurred_at    TIMESTAMPTZ NOT NULL,
	payload        JSONB       NOT NULL,
	metadata       JSONB       NOT NULL,
	CONSTRAINT %[1]s_stream_key UNIQUE (persistence_id, sequence_nr)
);

CREATE INDEX IF NOT EXISTS %[1]s_tag_offset_idx ON %[1]s (tag, global_offset);

CREATE TABLE IF NOT EXISTS %[2]s (
	persistence_id TEXT        PRIMARY KEY,
	sequence_nr    BIGINT      NOT NULL,
	data           JSONB       NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
`

// CreateSchema creates the events and snapshots tables with their indexes if they do not exist yet.
// Meant for tests and development setups, production schemas are owned by migrations.
func (es *EventStore) CreateSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(createSchemaTemplate, es.eventTableName, es.snapshotTableName)

	if _, err := es.db.Exec(ctx, ddl); err != nil {
		es.logError(logMsgCreateSchemaFailed, err)

		return errors.Join(eventstore.ErrCreatingSchemaFailed, err)
	}

	return nil
}
