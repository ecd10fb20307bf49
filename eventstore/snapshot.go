package eventstore

import (
	"encoding/json"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrInvalidSnapshotJSON is returned when snapshot JSON data is malformed or invalid.
	ErrInvalidSnapshotJSON = errors.New("snapshot json is not valid")

	// ErrSnapshotNotFound is returned when no snapshot exists for a persistence ID.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSavingSnapshotFailed is returned when the snapshot save operation fails.
	ErrSavingSnapshotFailed = errors.New("saving snapshot failed")

	// ErrLoadingSnapshotFailed is returned when the snapshot load operation fails.
	ErrLoadingSnapshotFailed = errors.New("loading snapshot failed")
)

// Snapshot is the serialized state of one aggregate after the event with SequenceNr was applied.
// Recovery loads the snapshot and replays only the events after SequenceNr.
type Snapshot struct {
	PersistenceID string
	SequenceNr    SequenceNumber
	Data          json.RawMessage
	CreatedAt     time.Time
}

// Validate ensures the snapshot has valid data for storage operations.
func (s Snapshot) Validate() error {
	if s.PersistenceID == "" {
		return ErrEmptyPersistenceID
	}

	if !jsoniter.ConfigFastest.Valid(s.Data) {
		return ErrInvalidSnapshotJSON
	}

	return nil
}

// BuildSnapshot creates a new Snapshot with validation.
func BuildSnapshot(persistenceID string, sequenceNr SequenceNumber, data json.RawMessage) (Snapshot, error) {
	snapshot := Snapshot{
		PersistenceID: persistenceID,
		SequenceNr:    sequenceNr,
		Data:          data,
		CreatedAt:     time.Now(),
	}

	if err := snapshot.Validate(); err != nil {
		return Snapshot{}, err
	}

	return snapshot, nil
}
