package eventstore

import "time"

// PersistedEvents is an alias type for a slice of PersistedEvent.
type PersistedEvents = []PersistedEvent

// PersistedEvent is a StorableEvent after it was appended to the stream of one persistence ID.
type PersistedEvent struct {
	PersistenceID string
	SequenceNr    SequenceNumber
	Tag           string
	Offset        Offset
	Event         StorableEvent
}

// EventEnvelopes is an alias type for a slice of EventEnvelope.
type EventEnvelopes = []EventEnvelope

// EventEnvelope is what projections receive when they read the events of one tag.
//
// Offset is the position to resume from: a projection that has processed this envelope
// continues with the envelopes after Offset.
type EventEnvelope struct {
	Offset        Offset
	PersistenceID string
	SequenceNr    SequenceNumber
	Event         StorableEvent
	Timestamp     time.Time
}

// Envelope converts a PersistedEvent into the EventEnvelope a projection receives.
func (pe PersistedEvent) Envelope() EventEnvelope {
	return EventEnvelope{
		Offset:        pe.Offset,
		PersistenceID: pe.PersistenceID,
		SequenceNr:    pe.SequenceNr,
		Event:         pe.Event,
		Timestamp:     pe.Event.OccurredAt,
	}
}
