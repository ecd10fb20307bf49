// Package boltoffsets stores projection offsets in a local bbolt file.
//
// It suits at-least-once projections whose effects live outside SQL, like publishing to Redis.
// One bucket per projection name, one key per tag, the offset as a big-endian uint64.
package boltoffsets

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/projection"
)

var _ projection.OffsetStore = (*Store)(nil)

// ErrCorruptOffset is returned when a stored offset is not 8 bytes long.
var ErrCorruptOffset = errors.New("stored offset is corrupt")

// Store is a projection.OffsetStore on bbolt.
type Store struct {
	db    *bolt.DB
	owned bool
}

// Open opens or creates the bbolt file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	return &Store{db: db, owned: true}, nil
}

// New uses an already opened bbolt database, which the caller keeps ownership of.
func New(db *bolt.DB) *Store {
	return &Store{db: db}
}

// LoadOffset implements projection.OffsetStore.
func (s *Store) LoadOffset(ctx context.Context, id projection.ID) (eventstore.Offset, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var offset eventstore.Offset

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(id.Name))
		if bucket == nil {
			return nil
		}

		value := bucket.Get([]byte(id.Tag))
		if value == nil {
			return nil
		}

		if len(value) != 8 {
			return ErrCorruptOffset
		}

		offset = binary.BigEndian.Uint64(value)

		return nil
	})
	if err != nil {
		return 0, errors.Join(projection.ErrLoadingOffsetFailed, err)
	}

	return offset, nil
}

// SaveOffset implements projection.OffsetStore.
func (s *Store) SaveOffset(ctx context.Context, id projection.ID, offset eventstore.Offset) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, offset)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(id.Name))
		if err != nil {
			return err
		}

		return bucket.Put([]byte(id.Tag), value)
	})
	if err != nil {
		return errors.Join(projection.ErrSavingOffsetFailed, err)
	}

	return nil
}

// Close closes the database if the Store opened it.
func (s *Store) Close() error {
	if s == nil || s.db == nil || !s.owned {
		return nil
	}

	return s.db.Close()
}
