package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AntonStoeckl/cart-eventstore-go/cart"
	"github.com/AntonStoeckl/cart-eventstore-go/cartservice"
)

type cartCommandsStub struct {
	mu        sync.Mutex
	added     map[string]int
	checkouts map[string]bool
	rejectAll bool
}

func newCartCommandsStub() *cartCommandsStub {
	return &cartCommandsStub{added: make(map[string]int), checkouts: make(map[string]bool)}
}

func (s *cartCommandsStub) AddItem(_ context.Context, cartID, _ string, _ int) (cart.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rejectAll {
		return cart.Summary{}, cartservice.ErrRejected
	}

	s.added[cartID]++

	return cart.Summary{}, nil
}

func (s *cartCommandsStub) UpdateItem(_ context.Context, _, _ string, _ int) (cart.Summary, error) {
	return cart.Summary{}, nil
}

func (s *cartCommandsStub) Checkout(_ context.Context, cartID string) (cart.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkouts[cartID] = true

	return cart.Summary{CheckedOut: true}, nil
}

func (s *cartCommandsStub) GetItemPopularity(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func Test_Simulation_Run_FillsAndChecksOutCarts(t *testing.T) {
	// arrange
	stub := newCartCommandsStub()
	simulation := newSimulation(stub, 4, 1000, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	// act
	err := simulation.Run(ctx)

	// assert
	require.NoError(t, err)
	assert.Positive(t, simulation.commands.Load())
	assert.Zero(t, simulation.failures.Load())

	stub.mu.Lock()
	defer stub.mu.Unlock()

	assert.NotEmpty(t, stub.added)
	for cartID := range stub.checkouts {
		assert.Positive(t, stub.added[cartID], "checked out cart %s had no items", cartID)
	}
}

func Test_Simulation_Run_CountsRejections(t *testing.T) {
	// arrange
	stub := newCartCommandsStub()
	stub.rejectAll = true
	simulation := newSimulation(stub, 2, 1000, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// act
	err := simulation.Run(ctx)

	// assert
	require.NoError(t, err)
	assert.Positive(t, simulation.rejections.Load())
	assert.Zero(t, simulation.checkouts.Load())
}
