package cart

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

var (
	// ErrEntityStale is returned when another writer appended to the cart's stream.
	// The entity must be dropped and recovered again before it can handle commands.
	ErrEntityStale = errors.New("cart entity is stale")

	// ErrRecoveryFailed is returned when the snapshot or the stream of a cart cannot be read or decoded.
	ErrRecoveryFailed = errors.New("recovering the cart failed")
)

const (
	logMsgRecovered           = "cart recovered"
	logMsgSnapshotSaveFailed  = "saving cart snapshot failed"
	logMsgSnapshotDecodeError = "ignoring undecodable cart snapshot"
	logMsgStale               = "cart stream was changed by another writer"

	logAttrCartID     = "cart_id"
	logAttrSequenceNr = "sequence_nr"
	logAttrReplayed   = "replayed_events"
	logAttrError      = "error"
)

// Journal is the part of an event store an Entity needs.
type Journal interface {
	Append(
		ctx context.Context,
		persistenceID string,
		tag string,
		expectedSequenceNr eventstore.SequenceNumber,
		event eventstore.StorableEvent,
		additionalEvents ...eventstore.StorableEvent,
	) (eventstore.SequenceNumber, error)

	ReadStream(
		ctx context.Context,
		persistenceID string,
		afterSequenceNr eventstore.SequenceNumber,
	) (eventstore.PersistedEvents, error)
}

// SnapshotStore keeps the latest snapshot per persistence ID.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot eventstore.Snapshot) error
	LoadSnapshot(ctx context.Context, persistenceID string) (eventstore.Snapshot, error)
}

// Entity is the runtime of one cart. It is not safe for concurrent use, the sharding Region
// serializes all commands of one cart.
type Entity struct {
	cartID        CartIDString
	persistenceID string
	tag           string

	journal       Journal
	snapshots     SnapshotStore
	snapshotEvery int
	logger        eventstore.Logger
	now           func() time.Time

	state          State
	sequenceNr     eventstore.SequenceNumber
	sinceSnapshot  int
	stale          bool
	correlationIDs func(ctx context.Context) string
}

// EntityOption configures an Entity.
type EntityOption func(*Entity)

// WithSnapshots saves a snapshot after every n appended events; n <= 0 disables snapshots.
func WithSnapshots(store SnapshotStore, every int) EntityOption {
	return func(e *Entity) {
		e.snapshots = store
		e.snapshotEvery = every
	}
}

// WithLogger sets the logger of the Entity.
func WithLogger(logger eventstore.Logger) EntityOption {
	return func(e *Entity) {
		e.logger = logger
	}
}

// WithClock replaces time.Now as the source of event timestamps.
func WithClock(now func() time.Time) EntityOption {
	return func(e *Entity) {
		e.now = now
	}
}

// WithCorrelationID extracts a correlation ID for the metadata of new events from the command's context.
func WithCorrelationID(fromContext func(ctx context.Context) string) EntityOption {
	return func(e *Entity) {
		e.correlationIDs = fromContext
	}
}

// NewEntity creates the Entity of cartID. Call Recover before Handle.
func NewEntity(cartID CartIDString, journal Journal, tagger eventstore.Tagger, options ...EntityOption) *Entity {
	persistenceID := PersistenceIDFor(cartID)

	e := &Entity{
		cartID:        cartID,
		persistenceID: persistenceID,
		tag:           tagger.TagFor(persistenceID),
		journal:       journal,
		now:           time.Now,
		state:         NewState(cartID),
	}

	for _, option := range options {
		option(e)
	}

	return e
}

// snapshotData is the JSON stored in an eventstore.Snapshot of a cart.
type snapshotData struct {
	Items        map[ItemIDString]int `json:"items"`
	CheckedOut   bool                 `json:"checkedOut"`
	CheckedOutAt time.Time            `json:"checkedOutAt"`
}

// Recover rebuilds the state from the latest snapshot, if any, and the events after it.
func (e *Entity) Recover(ctx context.Context) error {
	ctx = eventstore.WithReadFromPrimary(ctx)

	e.state = NewState(e.cartID)
	e.sequenceNr = 0
	e.sinceSnapshot = 0
	e.stale = false

	if e.snapshots != nil {
		if err := e.loadSnapshot(ctx); err != nil {
			return err
		}
	}

	stream, err := e.journal.ReadStream(ctx, e.persistenceID, e.sequenceNr)
	if err != nil {
		return errors.Join(ErrRecoveryFailed, err)
	}

	for _, persisted := range stream {
		event, mapErr := EventFrom(persisted.Event)
		if mapErr != nil {
			return errors.Join(ErrRecoveryFailed, mapErr)
		}

		e.state = Evolve(e.state, event)
		e.sequenceNr = persisted.SequenceNr
		e.sinceSnapshot++
	}

	if e.logger != nil {
		e.logger.Debug(logMsgRecovered, logAttrCartID, e.cartID, logAttrSequenceNr, e.sequenceNr, logAttrReplayed, len(stream))
	}

	return nil
}

func (e *Entity) loadSnapshot(ctx context.Context) error {
	snapshot, err := e.snapshots.LoadSnapshot(ctx, e.persistenceID)
	if errors.Is(err, eventstore.ErrSnapshotNotFound) {
		return nil
	}

	if err != nil {
		return errors.Join(ErrRecoveryFailed, err)
	}

	data := snapshotData{}
	if decodeErr := jsoniter.ConfigFastest.Unmarshal(snapshot.Data, &data); decodeErr != nil {
		// a full replay is always possible
		if e.logger != nil {
			e.logger.Warn(logMsgSnapshotDecodeError, logAttrCartID, e.cartID, logAttrError, decodeErr.Error())
		}

		return nil
	}

	e.state = State{
		CartID:       e.cartID,
		Items:        data.Items,
		CheckedOut:   data.CheckedOut,
		CheckedOutAt: data.CheckedOutAt,
	}
	if e.state.Items == nil {
		e.state.Items = map[ItemIDString]int{}
	}
	e.sequenceNr = snapshot.SequenceNr

	return nil
}

// Handle decides the command, appends the resulting event, folds it, and replies with the new Summary.
//
// Rejected commands return an error wrapping ErrCommandRejected and leave the cart unchanged.
// When the append loses a concurrency race the Entity turns stale and returns ErrEntityStale.
// Any other append error leaves the state untouched, so the command can be retried.
func (e *Entity) Handle(ctx context.Context, command Command) (Summary, error) {
	if e.stale {
		return Summary{}, ErrEntityStale
	}

	decision := Decide(e.state, command, e.now())

	if err := decision.HasError(); err != nil {
		return Summary{}, err
	}

	if !decision.HasEventToAppend() {
		return e.state.Summary(), nil
	}

	correlationID := ""
	if e.correlationIDs != nil {
		correlationID = e.correlationIDs(ctx)
	}

	storable, err := StorableEventFrom(decision.Event, BuildEventMetadata("", correlationID))
	if err != nil {
		return Summary{}, err
	}

	sequenceNr, err := e.journal.Append(ctx, e.persistenceID, e.tag, e.sequenceNr, storable)
	if err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			e.stale = true
			if e.logger != nil {
				e.logger.Info(logMsgStale, logAttrCartID, e.cartID, logAttrSequenceNr, e.sequenceNr)
			}

			return Summary{}, errors.Join(ErrEntityStale, err)
		}

		return Summary{}, err
	}

	e.state = Evolve(e.state, decision.Event)
	e.sequenceNr = sequenceNr
	e.sinceSnapshot++

	e.maybeSnapshot(ctx)

	return e.state.Summary(), nil
}

func (e *Entity) maybeSnapshot(ctx context.Context) {
	if e.snapshots == nil || e.snapshotEvery <= 0 || e.sinceSnapshot < e.snapshotEvery {
		return
	}

	data, err := jsoniter.ConfigFastest.Marshal(snapshotData{
		Items:        e.state.Items,
		CheckedOut:   e.state.CheckedOut,
		CheckedOutAt: e.state.CheckedOutAt,
	})
	if err == nil {
		var snapshot eventstore.Snapshot
		snapshot, err = eventstore.BuildSnapshot(e.persistenceID, e.sequenceNr, data)
		if err == nil {
			err = e.snapshots.SaveSnapshot(ctx, snapshot)
		}
	}

	if err != nil {
		if e.logger != nil {
			e.logger.Warn(logMsgSnapshotSaveFailed, logAttrCartID, e.cartID, logAttrError, err.Error())
		}

		return
	}

	e.sinceSnapshot = 0
}

// Stale reports whether the Entity lost a concurrency race and must be recovered again.
func (e *Entity) Stale() bool {
	return e.stale
}

// State returns the current state.
func (e *Entity) State() State {
	return e.state
}

// SequenceNr returns the sequence number of the last event folded into the state.
func (e *Entity) SequenceNr() eventstore.SequenceNumber {
	return e.sequenceNr
}

// Tag returns the journal tag of the cart.
func (e *Entity) Tag() string {
	return e.tag
}
