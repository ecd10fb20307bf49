package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AntonStoeckl/cart-eventstore-go/cart"
	"github.com/AntonStoeckl/cart-eventstore-go/cartservice"
)

const (
	defaultRate          = 50
	maxItemsPerCart      = 4
	maxQuantity          = 3
	adjustProbability    = 0.3
	removeProbability    = 0.2
	abandonProbability   = 0.1
	reportInterval       = 10 * time.Second
	popularityProbeEvery = 20
)

var catalog = []string{
	"bowling-shoes", "t-shirt", "skis", "ski-poles", "helmet",
	"gloves", "scarf", "backpack", "water-bottle", "sunglasses",
}

// cartCommands is the part of the cart service the simulated shoppers use.
type cartCommands interface {
	AddItem(ctx context.Context, cartID, itemID string, quantity int) (cart.Summary, error)
	UpdateItem(ctx context.Context, cartID, itemID string, quantity int) (cart.Summary, error)
	Checkout(ctx context.Context, cartID string) (cart.Summary, error)
	GetItemPopularity(ctx context.Context, itemID string) (int64, error)
}

// Simulation drives shoppers through the cart service: each fills a new cart, changes its mind
// now and then and checks out. All shoppers together stay below rate commands per second.
type Simulation struct {
	service  cartCommands
	shoppers int
	rate     int
	logger   *zap.Logger

	commands   atomic.Int64
	rejections atomic.Int64
	failures   atomic.Int64
	checkouts  atomic.Int64
}

func newSimulation(service cartCommands, shoppers int, rate int, logger *zap.Logger) *Simulation {
	if rate <= 0 {
		rate = defaultRate
	}

	return &Simulation{service: service, shoppers: shoppers, rate: rate, logger: logger}
}

// Run blocks until ctx is done.
func (s *Simulation) Run(ctx context.Context) error {
	s.logger.Info("simulation started", zap.Int("shoppers", s.shoppers), zap.Int("rate", s.rate))

	tokens := make(chan struct{})
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.dispense(ctx, tokens)
		return nil
	})

	g.Go(func() error {
		s.report(ctx)
		return nil
	})

	for range s.shoppers {
		g.Go(func() error {
			s.shop(ctx, tokens)
			return nil
		})
	}

	err := g.Wait()

	s.logger.Info("simulation stopped",
		zap.Int64("commands", s.commands.Load()),
		zap.Int64("checkouts", s.checkouts.Load()),
		zap.Int64("rejections", s.rejections.Load()),
		zap.Int64("failures", s.failures.Load()),
	)

	return err
}

func (s *Simulation) dispense(ctx context.Context, tokens chan<- struct{}) {
	ticker := time.NewTicker(time.Second / time.Duration(s.rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case <-ctx.Done():
			return
		case tokens <- struct{}{}:
		}
	}
}

func (s *Simulation) report(ctx context.Context) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info("simulation progress",
				zap.Int64("commands", s.commands.Load()),
				zap.Int64("checkouts", s.checkouts.Load()),
				zap.Int64("rejections", s.rejections.Load()),
				zap.Int64("failures", s.failures.Load()),
			)
		}
	}
}

func (s *Simulation) shop(ctx context.Context, tokens <-chan struct{}) {
	for ctx.Err() == nil {
		s.fillAndCheckout(ctx, tokens, uuid.NewString())
	}
}

func (s *Simulation) fillAndCheckout(ctx context.Context, tokens <-chan struct{}, cartID string) {
	numberOfItems := 1 + rand.IntN(maxItemsPerCart)
	items := make([]string, 0, numberOfItems)

	for range numberOfItems {
		itemID := catalog[rand.IntN(len(catalog))]
		items = append(items, itemID)

		if !s.do(ctx, tokens, func() error {
			_, err := s.service.AddItem(ctx, cartID, itemID, 1+rand.IntN(maxQuantity))
			return err
		}) {
			return
		}
	}

	if rand.Float64() < adjustProbability {
		itemID := items[rand.IntN(len(items))]
		if !s.do(ctx, tokens, func() error {
			_, err := s.service.UpdateItem(ctx, cartID, itemID, 1+rand.IntN(maxQuantity))
			return err
		}) {
			return
		}
	}

	if rand.Float64() < removeProbability {
		itemID := items[rand.IntN(len(items))]
		if !s.do(ctx, tokens, func() error {
			_, err := s.service.UpdateItem(ctx, cartID, itemID, 0)
			return err
		}) {
			return
		}
	}

	if rand.Float64() < abandonProbability {
		return
	}

	checkedOut := s.do(ctx, tokens, func() error {
		_, err := s.service.Checkout(ctx, cartID)
		return err
	})
	if checkedOut {
		s.checkouts.Add(1)
	}

	if s.commands.Load()%popularityProbeEvery == 0 {
		s.do(ctx, tokens, func() error {
			_, err := s.service.GetItemPopularity(ctx, items[0])
			return err
		})
	}
}

// do waits for a token and runs fn. It returns false when the shopper should give up on the cart.
func (s *Simulation) do(ctx context.Context, tokens <-chan struct{}, fn func() error) bool {
	select {
	case <-ctx.Done():
		return false
	case <-tokens:
	}

	s.commands.Add(1)

	err := fn()
	switch {
	case err == nil:
		return true
	case errors.Is(err, cartservice.ErrRejected), errors.Is(err, cartservice.ErrNotFound):
		s.rejections.Add(1)
		s.logger.Debug("simulated command rejected", zap.Error(err))
		return false
	default:
		if ctx.Err() == nil {
			s.failures.Add(1)
			s.logger.Warn("simulated command failed", zap.Error(err))
		}
		return false
	}
}
