package cartservice

import (
	"github.com/AntonStoeckl/cart-eventstore-go/cart"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/sharding"
)

// CartCluster routes cart commands to the node owning the cart.
type CartCluster = sharding.Cluster[cart.Command, cart.Summary]

// CartRegion runs the cart entities of one node.
type CartRegion = sharding.Region[cart.Command, cart.Summary]

// EntityFactory creates the cart Entities a Region runs.
func EntityFactory(journal cart.Journal, tagger eventstore.Tagger, options ...cart.EntityOption) sharding.Factory[cart.Command, cart.Summary] {
	return func(cartID string) sharding.Entity[cart.Command, cart.Summary] {
		return cart.NewEntity(cartID, journal, tagger, options...)
	}
}

// NewCartCluster creates a CartCluster that also retries commands which lost a concurrency race.
func NewCartCluster(registry *sharding.ShardRegistry, options ...sharding.ClusterOption) (*CartCluster, error) {
	options = append([]sharding.ClusterOption{
		sharding.WithRetryableErrors(cart.ErrEntityStale, eventstore.ErrConcurrencyConflict),
	}, options...)

	return sharding.NewCluster[cart.Command, cart.Summary](registry, options...)
}
