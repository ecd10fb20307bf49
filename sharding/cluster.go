package sharding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/internal/retry"
)

var (
	// ErrUnknownNode is returned when a shard is owned by a node without a registered Region.
	ErrUnknownNode = errors.New("no region registered for node")

	// ErrDuplicateRegion is returned when a second Region for the same node is added.
	ErrDuplicateRegion = errors.New("a region for this node is already registered")
)

const (
	defaultAskMaxAttempts = 8
	defaultAskMaxDelay    = 200 * time.Millisecond

	logMsgRebalancePlanned = "rebalancing shards"
	logMsgShardMoved       = "shard moved"
	logAttrFrom            = "from"
	logAttrTo              = "to"
	logAttrMoves           = "moves"
)

// ClusterOption configures a Cluster.
type ClusterOption func(*clusterConfig)

type clusterConfig struct {
	retryable    []error
	retryOptions []retry.Option
	logger       eventstore.Logger
}

// WithRetryableErrors adds errors after which Ask re-resolves the owner and tries again.
// ErrWrongNode and ErrShardHandingOff are always retryable.
func WithRetryableErrors(errs ...error) ClusterOption {
	return func(config *clusterConfig) {
		config.retryable = append(config.retryable, errs...)
	}
}

// WithRetryOptions tunes the backoff of Ask. They are applied after the defaults.
func WithRetryOptions(options ...retry.Option) ClusterOption {
	return func(config *clusterConfig) {
		config.retryOptions = append(config.retryOptions, options...)
	}
}

// WithClusterLogger sets the logger of the Cluster.
func WithClusterLogger(logger eventstore.Logger) ClusterOption {
	return func(config *clusterConfig) {
		config.logger = logger
	}
}

// Cluster routes commands to the Region owning the entity and moves shards between Regions.
type Cluster[C, R any] struct {
	registry     *ShardRegistry
	config       clusterConfig
	retryOptions []retry.Option

	mu      sync.RWMutex
	regions map[NodeID]*Region[C, R]

	rebalanceMu sync.Mutex
}

// NewCluster creates a Cluster without regions on top of registry.
func NewCluster[C, R any](registry *ShardRegistry, options ...ClusterOption) (*Cluster[C, R], error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}

	config := clusterConfig{retryable: []error{ErrWrongNode, ErrShardHandingOff}}
	for _, option := range options {
		option(&config)
	}

	retryOptions := []retry.Option{
		retry.WithMaxAttempts(defaultAskMaxAttempts),
		retry.WithMaxDelay(defaultAskMaxDelay),
		retry.WithRetryableErrors(config.retryable...),
	}

	return &Cluster[C, R]{
		registry:     registry,
		config:       config,
		retryOptions: append(retryOptions, config.retryOptions...),
		regions:      make(map[NodeID]*Region[C, R]),
	}, nil
}

// AddRegion registers the Region of a node. The Region must use the same registry.
func (c *Cluster[C, R]) AddRegion(region *Region[C, R]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.regions[region.NodeID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRegion, region.NodeID())
	}

	c.regions[region.NodeID()] = region

	return nil
}

// Region returns the Region of nodeID.
func (c *Cluster[C, R]) Region(nodeID NodeID) (*Region[C, R], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	region, ok := c.regions[nodeID]

	return region, ok
}

// Ask sends command to the entity wherever it lives and returns its reply.
//
// The owner is resolved again on every attempt, so a command that races with a handoff is
// delivered to the new owner once the shard has moved.
func (c *Cluster[C, R]) Ask(ctx context.Context, entityID string, command C) (R, error) {
	var reply R

	err := retry.WithExponentialBackoff(
		ctx,
		func(ctx context.Context) error {
			_, nodeID, err := c.registry.OwnerOfKey(entityID)
			if err != nil {
				return err
			}

			region, ok := c.Region(nodeID)
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
			}

			r, err := region.Ask(ctx, entityID, command)
			if err != nil {
				return err
			}

			reply = r

			return nil
		},
		c.retryOptions...,
	)

	return reply, err
}

// Rebalance spreads all shards round-robin over nodes. Each moved shard is handed off by its old
// owner before the registry is updated and the new owner acquires it.
// Only one rebalance runs at a time.
func (c *Cluster[C, R]) Rebalance(ctx context.Context, nodes []NodeID) error {
	c.rebalanceMu.Lock()
	defer c.rebalanceMu.Unlock()

	for _, nodeID := range nodes {
		if _, ok := c.Region(nodeID); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
		}
	}

	moves, err := c.registry.Plan(nodes)
	if err != nil {
		return err
	}

	if c.config.logger != nil {
		c.config.logger.Info(logMsgRebalancePlanned, logAttrMoves, len(moves))
	}

	for _, move := range moves {
		if err = c.move(ctx, move); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cluster[C, R]) move(ctx context.Context, move Move) error {
	if move.From != "" {
		if from, ok := c.Region(move.From); ok {
			if err := from.HandOff(ctx, move.Shard); err != nil && !errors.Is(err, ErrWrongNode) {
				return err
			}
		}
	}

	if err := c.registry.Assign(move.Shard, move.To); err != nil {
		return err
	}

	to, _ := c.Region(move.To)
	if err := to.Acquire(move.Shard); err != nil {
		return err
	}

	if c.config.logger != nil {
		c.config.logger.Info(logMsgShardMoved, logAttrShard, move.Shard, logAttrFrom, move.From, logAttrTo, move.To)
	}

	return nil
}
