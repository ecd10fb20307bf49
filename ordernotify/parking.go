package ordernotify

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	bolt "go.etcd.io/bbolt"
)

const (
	parkingBucket      = "parked_orders"
	defaultParkedBatch = 50
	openTimeout        = time.Second
)

var (
	// ErrOpeningParkingLotFailed is returned when the bbolt file cannot be opened.
	ErrOpeningParkingLotFailed = errors.New("opening the order parking lot failed")

	// ErrParkingFailed is returned when an order cannot be written to the parking lot.
	ErrParkingFailed = errors.New("parking the order failed")
)

// ParkedOrder is an order that could not be placed yet.
// Rejected orders were refused by the order service and stay parked until an operator removes them.
type ParkedOrder struct {
	Request   OrderRequest `json:"request"`
	Reason    string       `json:"reason"`
	Rejected  bool         `json:"rejected"`
	Attempts  int          `json:"attempts"`
	ParkedAt  time.Time    `json:"parkedAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// ParkingLot keeps ParkedOrders in a bbolt bucket, one per cart.
// Parking the same cart twice replaces the older entry.
type ParkingLot struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenParkingLot opens or creates the bbolt file at path.
func OpenParkingLot(path string) (*ParkingLot, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Join(ErrOpeningParkingLotFailed, err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, errors.Join(ErrOpeningParkingLotFailed, err)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists([]byte(parkingBucket))
		return createErr
	}); err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrOpeningParkingLotFailed, err)
	}

	return &ParkingLot{db: db, now: time.Now}, nil
}

// Park stores request with the reason it could not be placed. Attempts and ParkedAt survive re-parking.
// A reason wrapping ErrOrderRejected marks the order as Rejected.
func (p *ParkingLot) Park(request OrderRequest, reason error, attempts int) error {
	now := p.now().UTC()

	err := p.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(parkingBucket))
		key := []byte(request.CartID)

		parked := ParkedOrder{ParkedAt: now}
		if existing := bucket.Get(key); existing != nil {
			_ = jsoniter.ConfigFastest.Unmarshal(existing, &parked)
		}

		parked.Request = request
		parked.Attempts += attempts
		parked.UpdatedAt = now
		if reason != nil {
			parked.Reason = reason.Error()
			parked.Rejected = errors.Is(reason, ErrOrderRejected)
		}

		value, marshalErr := jsoniter.ConfigFastest.Marshal(parked)
		if marshalErr != nil {
			return marshalErr
		}

		return bucket.Put(key, value)
	})
	if err != nil {
		return errors.Join(ErrParkingFailed, err)
	}

	return nil
}

// Batch returns up to limit parked orders with a cart ID greater than afterCartID, ordered by cart ID.
// An empty afterCartID starts at the first order. Undecodable entries are skipped.
func (p *ParkingLot) Batch(afterCartID string, limit int) ([]ParkedOrder, error) {
	if limit <= 0 {
		limit = defaultParkedBatch
	}

	var orders []ParkedOrder

	err := p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(parkingBucket)).Cursor()

		k, v := c.First()
		if afterCartID != "" {
			k, v = c.Seek([]byte(afterCartID))
			if k != nil && string(k) == afterCartID {
				k, v = c.Next()
			}
		}

		for ; k != nil && len(orders) < limit; k, v = c.Next() {
			var parked ParkedOrder
			if err := jsoniter.ConfigFastest.Unmarshal(v, &parked); err != nil {
				continue
			}

			orders = append(orders, parked)
		}

		return nil
	})

	return orders, err
}

// Remove deletes the parked order of cartID.
func (p *ParkingLot) Remove(cartID string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(parkingBucket)).Delete([]byte(cartID))
	})
}

// Size returns the number of parked orders.
func (p *ParkingLot) Size() (int, error) {
	var count int

	err := p.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(parkingBucket)).Stats().KeyN
		return nil
	})

	return count, err
}

// Close closes the bbolt file.
func (p *ParkingLot) Close() error {
	return p.db.Close()
}
