package sharding_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/cart-eventstore-go/sharding"
)

var (
	errVersionConflict = errors.New("version conflict")
	errRecoveryFailed  = errors.New("recovery failed")
	errRejected        = errors.New("rejected")
)

// add increments a counter entity. If wait is set, Handle blocks until it is closed.
type add struct {
	n      int
	wait   <-chan struct{}
	reject bool
}

// counterStore is a versioned store shared by all counter entities, it plays the role of the event log.
type counterStore struct {
	mu            sync.Mutex
	values        map[string]int
	recoveries    map[string]int
	handles       map[string]int
	active        map[string]int
	failRecovery  map[string]int
	overlapDetect bool
}

func newCounterStore() *counterStore {
	return &counterStore{
		values:       map[string]int{},
		recoveries:   map[string]int{},
		handles:      map[string]int{},
		active:       map[string]int{},
		failRecovery: map[string]int{},
	}
}

func (s *counterStore) load(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recoveries[id]++

	if s.failRecovery[id] > 0 {
		s.failRecovery[id]--
		return 0, errRecoveryFailed
	}

	return s.values[id], nil
}

func (s *counterStore) save(id string, expected, next int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.values[id] != expected {
		return errVersionConflict
	}

	s.values[id] = next

	return nil
}

func (s *counterStore) enter(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handles[id]++
	s.active[id]++
	if s.active[id] > 1 {
		s.overlapDetect = true
	}
}

func (s *counterStore) leave(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[id]--
}

func (s *counterStore) set(id string, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[id] = value
}

func (s *counterStore) value(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.values[id]
}

func (s *counterStore) recoveriesOf(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.recoveries[id]
}

func (s *counterStore) handlesOf(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.handles[id]
}

func (s *counterStore) activeOf(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active[id]
}

func (s *counterStore) overlapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.overlapDetect
}

type counterEntity struct {
	id    string
	store *counterStore
	value int
	stale bool
}

func (e *counterEntity) Recover(_ context.Context) error {
	value, err := e.store.load(e.id)
	if err != nil {
		return err
	}

	e.value = value

	return nil
}

func (e *counterEntity) Handle(_ context.Context, command add) (int, error) {
	e.store.enter(e.id)
	defer e.store.leave(e.id)

	if command.wait != nil {
		<-command.wait
	}

	if command.reject {
		return 0, errRejected
	}

	next := e.value + command.n
	if err := e.store.save(e.id, e.value, next); err != nil {
		e.stale = true
		return 0, err
	}

	e.value = next

	return next, nil
}

func (e *counterEntity) Stale() bool {
	return e.stale
}

func counterFactory(store *counterStore) sharding.Factory[add, int] {
	return func(entityID string) sharding.Entity[add, int] {
		return &counterEntity{id: entityID, store: store}
	}
}

// keyInShard returns an entity ID that hashes to shardID.
func keyInShard(t *testing.T, registry *sharding.ShardRegistry, shardID sharding.ShardID) string {
	t.Helper()

	for i := range 10_000 {
		key := fmt.Sprintf("cart-%d", i)
		if registry.ShardForKey(key) == shardID {
			return key
		}
	}

	require.FailNow(t, "no key found for shard")

	return ""
}

func newSingleShardRegion(t *testing.T, store *counterStore, options ...sharding.RegionOption) *sharding.Region[add, int] {
	t.Helper()

	registry, err := sharding.NewShardRegistry(1)
	require.NoError(t, err)
	require.NoError(t, registry.Assign(0, "node-a"))

	region, err := sharding.NewRegion[add, int]("node-a", registry, counterFactory(store), options...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = region.Stop(context.Background()) })

	return region
}
