package sharding

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

var (
	// ErrWrongNode is returned when a Region receives a command for a shard it does not own.
	ErrWrongNode = errors.New("shard is not owned by this node")

	// ErrShardHandingOff is returned while a shard is being handed off to another node.
	ErrShardHandingOff = errors.New("shard is being handed off")

	// ErrRegionStopped is returned by a Region after Stop was called.
	ErrRegionStopped = errors.New("region is stopped")

	// ErrNilFactory is returned when a Region is created without an entity factory.
	ErrNilFactory = errors.New("entity factory must not be nil")

	// ErrNilRegistry is returned when a Region or Cluster is created without a registry.
	ErrNilRegistry = errors.New("shard registry must not be nil")
)

const defaultIdleTimeout = 2 * time.Minute

const (
	logMsgEntityStarted     = "entity started"
	logMsgEntityPassivated  = "entity passivated"
	logMsgEntityStale       = "dropping stale entity"
	logMsgRecoveryFailed    = "entity recovery failed"
	logMsgShardAcquired     = "shard acquired"
	logMsgShardHandedOff    = "shard handed off"
	logMsgShardHandOffStart = "handing off shard"
	logMsgRegionStopped     = "region stopped"

	logAttrNode     = "node_id"
	logAttrShard    = "shard_id"
	logAttrEntity   = "entity_id"
	logAttrReason   = "reason"
	logAttrError    = "error"
	logAttrEntities = "entities"
)

const (
	metricEntitiesStarted    = "sharding_entities_started_total"
	metricEntitiesPassivated = "sharding_entities_passivated_total"
	metricHandOffDuration    = "sharding_shard_handoff_duration_seconds"
	metricActiveEntities     = "sharding_active_entities"

	passivationIdle    = "idle"
	passivationStale   = "stale"
	passivationStopped = "stopped"
)

// Entity is the runtime of one entity hosted by a Region.
// A Region calls its methods from one goroutine only.
type Entity[C, R any] interface {
	Recover(ctx context.Context) error
	Handle(ctx context.Context, command C) (R, error)
}

// Factory creates the Entity for entityID. The Region recovers it before the first command.
type Factory[C, R any] func(entityID string) Entity[C, R]

// staleReporter is implemented by entities that can detect that their state is outdated.
// A stale entity is dropped after its current command and recreated for the next one.
type staleReporter interface {
	Stale() bool
}

type shardStatus int

const (
	shardActive shardStatus = iota
	shardHandingOff
)

type shard[C, R any] struct {
	id       ShardID
	status   shardStatus
	entities map[string]*mailbox[C, R]
}

type request[C, R any] struct {
	ctx     context.Context
	command C
	replies chan response[R]
}

type response[R any] struct {
	reply R
	err   error
}

// mailbox queues the requests of one entity. queue and stopping are guarded by Region.mu.
type mailbox[C, R any] struct {
	entityID string
	shard    *shard[C, R]
	queue    []request[C, R]
	stopping bool
	wake     chan struct{}
	done     chan struct{}
}

func (m *mailbox[C, R]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// RegionOption configures a Region.
type RegionOption func(*regionConfig)

type regionConfig struct {
	idleTimeout time.Duration
	logger      eventstore.Logger
	metrics     eventstore.MetricsCollector
}

// WithIdleTimeout sets after how long without commands an entity is passivated; zero disables passivation.
func WithIdleTimeout(timeout time.Duration) RegionOption {
	return func(config *regionConfig) {
		config.idleTimeout = timeout
	}
}

// WithLogger sets the logger of the Region.
func WithLogger(logger eventstore.Logger) RegionOption {
	return func(config *regionConfig) {
		config.logger = logger
	}
}

// WithMetrics sets the metrics collector of the Region.
func WithMetrics(collector eventstore.MetricsCollector) RegionOption {
	return func(config *regionConfig) {
		config.metrics = collector
	}
}

// Region hosts the entities of the shards one node owns.
//
// Every entity has a mailbox and a goroutine that processes the mailbox strictly in order,
// so an entity never sees two commands at the same time, and there is at most one live instance
// of an entity per Region.
type Region[C, R any] struct {
	nodeID   NodeID
	registry *ShardRegistry
	factory  Factory[C, R]
	config   regionConfig

	mu      sync.Mutex
	shards  map[ShardID]*shard[C, R]
	stopped bool
}

// NewRegion creates the Region of nodeID. It starts with the shards the registry currently assigns to nodeID.
func NewRegion[C, R any](
	nodeID NodeID,
	registry *ShardRegistry,
	factory Factory[C, R],
	options ...RegionOption,
) (*Region[C, R], error) {
	if nodeID == "" {
		return nil, ErrEmptyNodeID
	}

	if registry == nil {
		return nil, ErrNilRegistry
	}

	if factory == nil {
		return nil, ErrNilFactory
	}

	config := regionConfig{idleTimeout: defaultIdleTimeout}
	for _, option := range options {
		option(&config)
	}

	r := &Region[C, R]{
		nodeID:   nodeID,
		registry: registry,
		factory:  factory,
		config:   config,
		shards:   make(map[ShardID]*shard[C, R]),
	}

	for _, shardID := range registry.ShardsOf(nodeID) {
		r.shards[shardID] = newShard[C, R](shardID)
	}

	return r, nil
}

func newShard[C, R any](shardID ShardID) *shard[C, R] {
	return &shard[C, R]{id: shardID, status: shardActive, entities: make(map[string]*mailbox[C, R])}
}

// NodeID returns the node this Region runs on.
func (r *Region[C, R]) NodeID() NodeID {
	return r.nodeID
}

// Ask delivers command to the entity and waits for its reply.
//
// The entity is created and recovered on the first command. Ask fails with ErrWrongNode when the
// entity's shard is not owned by this Region and with ErrShardHandingOff while the shard moves away.
// When ctx ends before the reply arrives, Ask returns ctx.Err(); a command that was already
// dequeued still runs to completion.
func (r *Region[C, R]) Ask(ctx context.Context, entityID string, command C) (R, error) {
	var zero R

	shardID := r.registry.ShardForKey(entityID)
	replies := make(chan response[R], 1)

	r.mu.Lock()

	if r.stopped {
		r.mu.Unlock()
		return zero, ErrRegionStopped
	}

	s, ok := r.shards[shardID]
	if !ok {
		r.mu.Unlock()
		return zero, fmt.Errorf("%w: shard %d on node %s", ErrWrongNode, shardID, r.nodeID)
	}

	if s.status == shardHandingOff {
		r.mu.Unlock()
		return zero, fmt.Errorf("%w: shard %d on node %s", ErrShardHandingOff, shardID, r.nodeID)
	}

	mb, ok := s.entities[entityID]
	if !ok {
		mb = &mailbox[C, R]{
			entityID: entityID,
			shard:    s,
			wake:     make(chan struct{}, 1),
			done:     make(chan struct{}),
		}
		s.entities[entityID] = mb

		go r.run(mb)

		r.entityStarted(entityID, shardID)
	}

	mb.queue = append(mb.queue, request[C, R]{ctx: ctx, command: command, replies: replies})
	r.mu.Unlock()

	mb.signal()

	select {
	case res := <-replies:
		return res.reply, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Region[C, R]) run(mb *mailbox[C, R]) {
	defer close(mb.done)

	var entity Entity[C, R]

	var idle <-chan time.Time
	var timer *time.Timer
	if r.config.idleTimeout > 0 {
		timer = time.NewTimer(r.config.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		req, ok, exit := r.next(mb)
		if exit {
			r.entityPassivated(mb, passivationStopped)
			return
		}

		if ok {
			entity = r.process(entity, mb, req)
			if timer != nil {
				timer.Reset(r.config.idleTimeout)
			}

			continue
		}

		select {
		case <-mb.wake:
		case <-idle:
			if r.passivateIfIdle(mb) {
				r.entityPassivated(mb, passivationIdle)
				return
			}

			timer.Reset(r.config.idleTimeout)
		}
	}
}

// next dequeues the oldest request. exit is true when the mailbox is stopping and empty,
// the mailbox is then already removed from its shard.
func (r *Region[C, R]) next(mb *mailbox[C, R]) (req request[C, R], ok bool, exit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(mb.queue) > 0 {
		req = mb.queue[0]
		mb.queue[0] = request[C, R]{}
		mb.queue = mb.queue[1:]

		return req, true, false
	}

	if mb.stopping {
		r.remove(mb)
		return req, false, true
	}

	return req, false, false
}

func (r *Region[C, R]) passivateIfIdle(mb *mailbox[C, R]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(mb.queue) > 0 {
		return false
	}

	r.remove(mb)

	return true
}

// remove must be called with r.mu held.
func (r *Region[C, R]) remove(mb *mailbox[C, R]) {
	if mb.shard.entities[mb.entityID] == mb {
		delete(mb.shard.entities, mb.entityID)
	}
}

func (r *Region[C, R]) process(entity Entity[C, R], mb *mailbox[C, R], req request[C, R]) Entity[C, R] {
	if err := req.ctx.Err(); err != nil {
		req.replies <- response[R]{err: err}
		return entity
	}

	if entity == nil {
		candidate := r.factory(mb.entityID)
		if err := candidate.Recover(req.ctx); err != nil {
			if r.config.logger != nil {
				r.config.logger.Error(logMsgRecoveryFailed, logAttrEntity, mb.entityID, logAttrError, err.Error())
			}

			req.replies <- response[R]{err: err}

			return nil
		}

		entity = candidate
	}

	reply, err := entity.Handle(req.ctx, req.command)
	req.replies <- response[R]{reply: reply, err: err}

	if stale, ok := entity.(staleReporter); ok && stale.Stale() {
		if r.config.logger != nil {
			r.config.logger.Info(logMsgEntityStale, logAttrEntity, mb.entityID)
		}

		r.incrementPassivated(passivationStale)

		return nil
	}

	return entity
}

// Acquire makes this Region the host of shardID. Acquiring an owned shard is a no-op.
func (r *Region[C, R]) Acquire(shardID ShardID) error {
	if err := r.registry.validate(shardID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrRegionStopped
	}

	if s, ok := r.shards[shardID]; ok {
		if s.status == shardHandingOff {
			return fmt.Errorf("%w: shard %d on node %s", ErrShardHandingOff, shardID, r.nodeID)
		}

		return nil
	}

	r.shards[shardID] = newShard[C, R](shardID)

	if r.config.logger != nil {
		r.config.logger.Info(logMsgShardAcquired, logAttrNode, r.nodeID, logAttrShard, shardID)
	}

	return nil
}

// HandOff releases shardID. New commands for the shard fail with ErrShardHandingOff right away,
// queued commands are still processed. HandOff returns when every entity of the shard is passivated,
// from then on the Region answers ErrWrongNode for the shard.
//
// If ctx ends first, the shard stays closed and HandOff can be called again.
func (r *Region[C, R]) HandOff(ctx context.Context, shardID ShardID) error {
	start := time.Now()

	r.mu.Lock()

	s, ok := r.shards[shardID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: shard %d on node %s", ErrWrongNode, shardID, r.nodeID)
	}

	s.status = shardHandingOff
	mailboxes := stopMailboxes(s)

	r.mu.Unlock()

	if r.config.logger != nil {
		r.config.logger.Info(logMsgShardHandOffStart, logAttrNode, r.nodeID, logAttrShard, shardID, logAttrEntities, len(mailboxes))
	}

	if err := awaitMailboxes(ctx, mailboxes); err != nil {
		return err
	}

	r.mu.Lock()
	if r.shards[shardID] == s {
		delete(r.shards, shardID)
	}
	r.mu.Unlock()

	if r.config.metrics != nil {
		r.config.metrics.RecordDuration(metricHandOffDuration, time.Since(start), map[string]string{logAttrNode: string(r.nodeID)})
	}

	if r.config.logger != nil {
		r.config.logger.Info(logMsgShardHandedOff, logAttrNode, r.nodeID, logAttrShard, shardID)
	}

	return nil
}

// Stop rejects new commands, lets queued commands finish, and passivates all entities.
func (r *Region[C, R]) Stop(ctx context.Context) error {
	r.mu.Lock()

	r.stopped = true

	var mailboxes []*mailbox[C, R]
	for _, s := range r.shards {
		mailboxes = append(mailboxes, stopMailboxes(s)...)
	}

	r.mu.Unlock()

	if err := awaitMailboxes(ctx, mailboxes); err != nil {
		return err
	}

	if r.config.logger != nil {
		r.config.logger.Info(logMsgRegionStopped, logAttrNode, r.nodeID, logAttrEntities, len(mailboxes))
	}

	return nil
}

// stopMailboxes must be called with Region.mu held.
func stopMailboxes[C, R any](s *shard[C, R]) []*mailbox[C, R] {
	mailboxes := make([]*mailbox[C, R], 0, len(s.entities))
	for _, mb := range s.entities {
		mb.stopping = true
		mb.signal()
		mailboxes = append(mailboxes, mb)
	}

	return mailboxes
}

func awaitMailboxes[C, R any](ctx context.Context, mailboxes []*mailbox[C, R]) error {
	for _, mb := range mailboxes {
		select {
		case <-mb.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Shards returns the shards this Region hosts, including shards that are handing off.
func (r *Region[C, R]) Shards() []ShardID {
	r.mu.Lock()
	defer r.mu.Unlock()

	shards := make([]ShardID, 0, len(r.shards))
	for shardID := range r.shards {
		shards = append(shards, shardID)
	}

	slices.Sort(shards)

	return shards
}

// EntityCount returns the number of live entities.
func (r *Region[C, R]) EntityCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.entityCountLocked()
}

func (r *Region[C, R]) entityCountLocked() int {
	count := 0
	for _, s := range r.shards {
		count += len(s.entities)
	}

	return count
}

// entityStarted must be called with r.mu held.
func (r *Region[C, R]) entityStarted(entityID string, shardID ShardID) {
	if r.config.logger != nil {
		r.config.logger.Debug(logMsgEntityStarted, logAttrNode, r.nodeID, logAttrShard, shardID, logAttrEntity, entityID)
	}

	if r.config.metrics != nil {
		labels := map[string]string{logAttrNode: string(r.nodeID)}
		r.config.metrics.IncrementCounter(metricEntitiesStarted, labels)
		r.config.metrics.RecordValue(metricActiveEntities, float64(r.entityCountLocked()), labels)
	}
}

func (r *Region[C, R]) entityPassivated(mb *mailbox[C, R], reason string) {
	if r.config.logger != nil {
		r.config.logger.Debug(logMsgEntityPassivated, logAttrNode, r.nodeID, logAttrShard, mb.shard.id, logAttrEntity, mb.entityID, logAttrReason, reason)
	}

	r.incrementPassivated(reason)

	if r.config.metrics != nil {
		r.config.metrics.RecordValue(metricActiveEntities, float64(r.EntityCount()), map[string]string{logAttrNode: string(r.nodeID)})
	}
}

func (r *Region[C, R]) incrementPassivated(reason string) {
	if r.config.metrics != nil {
		r.config.metrics.IncrementCounter(metricEntitiesPassivated, map[string]string{logAttrNode: string(r.nodeID), logAttrReason: reason})
	}
}
