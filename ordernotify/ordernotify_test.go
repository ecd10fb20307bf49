package ordernotify_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/AntonStoeckl/cart-eventstore-go/cart"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/ordernotify"
	"github.com/AntonStoeckl/cart-eventstore-go/testutil/observability/testdoubles"
)

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type cartAskerStub struct {
	summaries map[string]cart.Summary
	err       error
	commands  []cart.Command
}

func (s *cartAskerStub) Ask(_ context.Context, cartID string, command cart.Command) (cart.Summary, error) {
	s.commands = append(s.commands, command)

	if s.err != nil {
		return cart.Summary{}, s.err
	}

	return s.summaries[cartID], nil
}

// orderServiceStub fails with err for the first failures calls.
type orderServiceStub struct {
	mu       sync.Mutex
	requests []ordernotify.OrderRequest
	failures int
	err      error
}

func (s *orderServiceStub) Order(_ context.Context, request ordernotify.OrderRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, request)

	if s.failures != 0 {
		s.failures--
		return s.err
	}

	return nil
}

func (s *orderServiceStub) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.requests)
}

func checkedOutEnvelope(t *testing.T, cartID string) eventstore.EventEnvelope {
	t.Helper()

	storable, err := cart.StorableEventFrom(cart.BuildCheckedOut(cartID, fixedTime), cart.BuildEventMetadata("", ""))
	require.NoError(t, err)

	return eventstore.EventEnvelope{
		Offset:        7,
		PersistenceID: cart.PersistenceIDFor(cartID),
		SequenceNr:    3,
		Event:         storable,
		Timestamp:     fixedTime,
	}
}

func newParkingLot(t *testing.T) *ordernotify.ParkingLot {
	t.Helper()

	parking, err := ordernotify.OpenParkingLot(filepath.Join(t.TempDir(), "parking", "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = parking.Close() })

	return parking
}

func summaryOf(cartID string) cart.Summary {
	return cart.Summary{
		CartID:     cartID,
		Items:      []cart.Item{{ItemID: "bowling shoes", Quantity: 2}},
		CheckedOut: true,
	}
}

func Test_Handler_OrdersTheCheckedOutCart(t *testing.T) {
	// arrange
	asker := &cartAskerStub{summaries: map[string]cart.Summary{"a7079": summaryOf("a7079")}}
	orders := &orderServiceStub{}
	handler := ordernotify.NewHandler(asker, orders)

	// act
	err := handler.Process(context.Background(), checkedOutEnvelope(t, "a7079"))

	// assert
	require.NoError(t, err)
	assert.Equal(t, []cart.Command{cart.Get{}}, asker.commands)
	require.Len(t, orders.requests, 1)
	assert.Equal(t, ordernotify.OrderRequest{
		CartID: "a7079",
		Items:  []ordernotify.OrderItem{{ItemID: "bowling shoes", Quantity: 2}},
	}, orders.requests[0])
}

func Test_Handler_IgnoresOtherEvents(t *testing.T) {
	// arrange
	asker := &cartAskerStub{}
	orders := &orderServiceStub{}
	handler := ordernotify.NewHandler(asker, orders)

	storable, err := cart.StorableEventFrom(cart.BuildItemAdded("c1", "skis", 1, fixedTime), cart.BuildEventMetadata("", ""))
	require.NoError(t, err)

	// act
	err = handler.Process(context.Background(), eventstore.EventEnvelope{PersistenceID: cart.PersistenceIDFor("c1"), Event: storable})

	// assert
	require.NoError(t, err)
	assert.Empty(t, asker.commands)
	assert.Zero(t, orders.calls())
}

func Test_Handler_ReturnsAskErrorsForTheProjectionToRetry(t *testing.T) {
	// arrange
	errTimeout := errors.New("ask timed out")
	handler := ordernotify.NewHandler(&cartAskerStub{err: errTimeout}, &orderServiceStub{})

	// act
	err := handler.Process(context.Background(), checkedOutEnvelope(t, "c1"))

	// assert
	assert.ErrorIs(t, err, errTimeout)
}

// blockingCartAsker answers only when ctx ends.
type blockingCartAsker struct{}

func (blockingCartAsker) Ask(ctx context.Context, _ string, _ cart.Command) (cart.Summary, error) {
	<-ctx.Done()
	return cart.Summary{}, ctx.Err()
}

func Test_Handler_BoundsReadingTheCart(t *testing.T) {
	// arrange
	orders := &orderServiceStub{}
	handler := ordernotify.NewHandler(blockingCartAsker{}, orders, ordernotify.WithAskTimeout(20*time.Millisecond))
	start := time.Now()

	// act
	err := handler.Process(context.WithoutCancel(context.Background()), checkedOutEnvelope(t, "c1"))

	// assert
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, orders.calls())
}

func Test_Handler_RetriesThenSucceeds(t *testing.T) {
	// arrange
	orders := &orderServiceStub{failures: 2, err: ordernotify.ErrOrderServiceUnavailable}
	parking := newParkingLot(t)
	handler := ordernotify.NewHandler(
		&cartAskerStub{summaries: map[string]cart.Summary{"c1": summaryOf("c1")}},
		orders,
		ordernotify.WithParkingLot(parking),
		ordernotify.WithMaxAttempts(3),
		ordernotify.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)

	// act
	err := handler.Process(context.Background(), checkedOutEnvelope(t, "c1"))

	// assert
	require.NoError(t, err)
	assert.Equal(t, 3, orders.calls())

	size, err := parking.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func Test_Handler_ParksAfterTheLastAttempt(t *testing.T) {
	// arrange
	orders := &orderServiceStub{failures: -1, err: ordernotify.ErrOrderServiceUnavailable}
	parking := newParkingLot(t)
	metrics := testdoubles.NewMetricsCollectorSpy()
	handler := ordernotify.NewHandler(
		&cartAskerStub{summaries: map[string]cart.Summary{"c1": summaryOf("c1")}},
		orders,
		ordernotify.WithParkingLot(parking),
		ordernotify.WithMaxAttempts(3),
		ordernotify.WithBackoff(time.Millisecond, 2*time.Millisecond),
		ordernotify.WithMetrics(metrics),
	)

	// act
	err := handler.Process(context.Background(), checkedOutEnvelope(t, "c1"))

	// assert
	require.NoError(t, err)
	assert.Equal(t, 3, orders.calls())

	parked, err := parking.Batch("", 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "c1", parked[0].Request.CartID)
	assert.Equal(t, 3, parked[0].Attempts)
	assert.Contains(t, parked[0].Reason, "unavailable")
	assert.Equal(t, 1, metrics.CounterCount("ordernotify_orders_parked_total"))
}

func Test_Handler_ParksRejectedOrdersWithoutRetrying(t *testing.T) {
	// arrange
	orders := &orderServiceStub{failures: -1, err: ordernotify.ErrOrderRejected}
	parking := newParkingLot(t)
	handler := ordernotify.NewHandler(
		&cartAskerStub{summaries: map[string]cart.Summary{"c1": summaryOf("c1")}},
		orders,
		ordernotify.WithParkingLot(parking),
		ordernotify.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)

	// act
	err := handler.Process(context.Background(), checkedOutEnvelope(t, "c1"))

	// assert
	require.NoError(t, err)
	assert.Equal(t, 1, orders.calls())

	size, err := parking.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func Test_Handler_WithoutParkingLot_ReturnsTheError(t *testing.T) {
	// arrange
	orders := &orderServiceStub{failures: -1, err: ordernotify.ErrOrderServiceUnavailable}
	handler := ordernotify.NewHandler(
		&cartAskerStub{summaries: map[string]cart.Summary{"c1": summaryOf("c1")}},
		orders,
		ordernotify.WithMaxAttempts(2),
		ordernotify.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)

	// act
	err := handler.Process(context.Background(), checkedOutEnvelope(t, "c1"))

	// assert
	assert.ErrorIs(t, err, ordernotify.ErrOrderServiceUnavailable)
	assert.Equal(t, 2, orders.calls())
}

func Test_Handler_Redrive(t *testing.T) {
	// arrange
	ctx := context.Background()
	parking := newParkingLot(t)
	require.NoError(t, parking.Park(ordernotify.OrderRequestFrom(summaryOf("c1")), ordernotify.ErrOrderServiceUnavailable, 5))
	require.NoError(t, parking.Park(ordernotify.OrderRequestFrom(summaryOf("c2")), ordernotify.ErrOrderServiceUnavailable, 5))

	// c1 comes first, it fails once more
	orders := &orderServiceStub{failures: 1, err: ordernotify.ErrOrderServiceUnavailable}
	handler := ordernotify.NewHandler(&cartAskerStub{}, orders, ordernotify.WithParkingLot(parking))

	// act
	result, err := handler.Redrive(ctx)

	// assert
	require.NoError(t, err)
	assert.Equal(t, ordernotify.RedriveResult{Placed: 1, Failed: 1}, result)

	parked, err := parking.Batch("", 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "c1", parked[0].Request.CartID)
	assert.Equal(t, 6, parked[0].Attempts)
}

func Test_Handler_Redrive_WorksThroughTheWholeParkingLot(t *testing.T) {
	// arrange
	ctx := context.Background()
	parking := newParkingLot(t)
	for i := range 60 {
		request := ordernotify.OrderRequestFrom(summaryOf(fmt.Sprintf("c%02d", i)))
		require.NoError(t, parking.Park(request, ordernotify.ErrOrderServiceUnavailable, 5))
	}

	orders := &orderServiceStub{}
	handler := ordernotify.NewHandler(&cartAskerStub{}, orders, ordernotify.WithParkingLot(parking))

	// act
	result, err := handler.Redrive(ctx)

	// assert
	require.NoError(t, err)
	assert.Equal(t, ordernotify.RedriveResult{Placed: 60}, result)
	assert.Equal(t, 60, orders.calls())

	size, err := parking.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func Test_Handler_Redrive_ReachesOrdersBehindAFailingBatch(t *testing.T) {
	// arrange
	ctx := context.Background()
	parking := newParkingLot(t)
	for i := range 12 {
		request := ordernotify.OrderRequestFrom(summaryOf(fmt.Sprintf("c%02d", i)))
		require.NoError(t, parking.Park(request, ordernotify.ErrOrderServiceUnavailable, 5))
	}

	// c00 to c04 fail again
	orders := &orderServiceStub{failures: 5, err: ordernotify.ErrOrderServiceUnavailable}
	handler := ordernotify.NewHandler(
		&cartAskerStub{},
		orders,
		ordernotify.WithParkingLot(parking),
		ordernotify.WithRedriveBatchSize(5),
	)

	// act
	result, err := handler.Redrive(ctx)

	// assert
	require.NoError(t, err)
	assert.Equal(t, ordernotify.RedriveResult{Placed: 7, Failed: 5}, result)

	parked, err := parking.Batch("", 0)
	require.NoError(t, err)
	require.Len(t, parked, 5)
	assert.Equal(t, "c04", parked[4].Request.CartID)
	assert.Equal(t, 6, parked[4].Attempts)
}

func Test_Handler_Redrive_SkipsRejectedOrders(t *testing.T) {
	// arrange
	ctx := context.Background()
	parking := newParkingLot(t)
	rejecting := &orderServiceStub{failures: -1, err: ordernotify.ErrOrderRejected}
	err := ordernotify.NewHandler(
		&cartAskerStub{summaries: map[string]cart.Summary{"c1": summaryOf("c1")}},
		rejecting,
		ordernotify.WithParkingLot(parking),
	).Process(ctx, checkedOutEnvelope(t, "c1"))
	require.NoError(t, err)

	orders := &orderServiceStub{}
	handler := ordernotify.NewHandler(&cartAskerStub{}, orders, ordernotify.WithParkingLot(parking))

	// act
	result, err := handler.Redrive(ctx)

	// assert
	require.NoError(t, err)
	assert.Equal(t, ordernotify.RedriveResult{Skipped: 1}, result)
	assert.Zero(t, orders.calls())

	parked, err := parking.Batch("", 0)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.True(t, parked[0].Rejected)
	assert.Equal(t, 1, parked[0].Attempts)
}

func Test_Handler_Redrive_MarksOrdersRejectedDuringARedrive(t *testing.T) {
	// arrange
	ctx := context.Background()
	parking := newParkingLot(t)
	require.NoError(t, parking.Park(ordernotify.OrderRequestFrom(summaryOf("c1")), ordernotify.ErrOrderServiceUnavailable, 5))

	orders := &orderServiceStub{failures: 1, err: ordernotify.ErrOrderRejected}
	handler := ordernotify.NewHandler(&cartAskerStub{}, orders, ordernotify.WithParkingLot(parking))

	// act
	first, err := handler.Redrive(ctx)
	require.NoError(t, err)
	second, err := handler.Redrive(ctx)
	require.NoError(t, err)

	// assert
	assert.Equal(t, ordernotify.RedriveResult{Failed: 1}, first)
	assert.Equal(t, ordernotify.RedriveResult{Skipped: 1}, second)
	assert.Equal(t, 1, orders.calls())
}

func Test_RedriveScheduler_RunOnce(t *testing.T) {
	// arrange
	parking := newParkingLot(t)
	require.NoError(t, parking.Park(ordernotify.OrderRequestFrom(summaryOf("c1")), ordernotify.ErrOrderServiceUnavailable, 1))

	logger := testdoubles.NewLoggerSpy()
	handler := ordernotify.NewHandler(&cartAskerStub{}, &orderServiceStub{}, ordernotify.WithParkingLot(parking))

	scheduler, err := ordernotify.NewRedriveScheduler(handler, time.Hour, logger)
	require.NoError(t, err)

	scheduler.Start()
	t.Cleanup(func() { _ = scheduler.Stop(context.Background()) })

	// act
	scheduler.RunOnce()

	// assert
	size, err := parking.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.True(t, logger.HasRecord("info", "order redrive finished"))
}

func Test_ParkingLot_SurvivesReopening(t *testing.T) {
	// arrange
	path := filepath.Join(t.TempDir(), "orders.db")

	parking, err := ordernotify.OpenParkingLot(path)
	require.NoError(t, err)
	require.NoError(t, parking.Park(ordernotify.OrderRequestFrom(summaryOf("c1")), ordernotify.ErrOrderRejected, 1))
	require.NoError(t, parking.Close())

	// act
	reopened, err := ordernotify.OpenParkingLot(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	// assert
	parked, err := reopened.Batch("", 0)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, ordernotify.OrderRequestFrom(summaryOf("c1")), parked[0].Request)
	assert.True(t, parked[0].Rejected)
}

func Test_ParkingLot_Batch_ResumesAfterACartID(t *testing.T) {
	// arrange
	parking := newParkingLot(t)
	for _, cartID := range []string{"c1", "c2", "c3", "c4"} {
		require.NoError(t, parking.Park(ordernotify.OrderRequestFrom(summaryOf(cartID)), ordernotify.ErrOrderServiceUnavailable, 1))
	}

	// act
	first, err := parking.Batch("", 2)
	require.NoError(t, err)
	second, err := parking.Batch("c2", 2)
	require.NoError(t, err)
	third, err := parking.Batch("c4", 2)
	require.NoError(t, err)
	fromRemoved, err := parking.Batch("c25", 2)
	require.NoError(t, err)

	// assert
	require.Len(t, first, 2)
	assert.Equal(t, "c1", first[0].Request.CartID)
	assert.Equal(t, "c2", first[1].Request.CartID)
	require.Len(t, second, 2)
	assert.Equal(t, "c3", second[0].Request.CartID)
	assert.Equal(t, "c4", second[1].Request.CartID)
	assert.Empty(t, third)
	require.Len(t, fromRemoved, 2)
	assert.Equal(t, "c3", fromRemoved[0].Request.CartID)
}

// orderServer serves POST /orders on an in-memory listener with the given answer.
func orderServer(t *testing.T, status int, answer string) (*fasthttp.Client, *[]ordernotify.OrderRequest) {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	received := &[]ordernotify.OrderRequest{}

	server := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) != "/orders" || !ctx.IsPost() {
				ctx.SetStatusCode(fasthttp.StatusNotFound)
				return
			}

			var request ordernotify.OrderRequest
			if err := jsoniter.ConfigFastest.Unmarshal(ctx.PostBody(), &request); err != nil {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
				return
			}

			*received = append(*received, request)
			ctx.SetStatusCode(status)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(answer)
		},
	}

	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	client := &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}

	return client, received
}

func Test_HTTPClient_Order(t *testing.T) {
	testCases := []struct {
		name        string
		status      int
		answer      string
		expectedErr error
	}{
		{name: "accepted", status: fasthttp.StatusOK, answer: `{"ok":true}`},
		{name: "rejected", status: fasthttp.StatusOK, answer: `{"ok":false}`, expectedErr: ordernotify.ErrOrderRejected},
		{name: "server error", status: fasthttp.StatusInternalServerError, answer: `{}`, expectedErr: ordernotify.ErrOrderServiceUnavailable},
		{name: "garbage answer", status: fasthttp.StatusOK, answer: `not json`, expectedErr: ordernotify.ErrOrderServiceUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// arrange
			fastClient, received := orderServer(t, tc.status, tc.answer)

			client, err := ordernotify.NewHTTPClient("http://orders.test/", ordernotify.WithFastHTTPClient(fastClient))
			require.NoError(t, err)

			request := ordernotify.OrderRequestFrom(summaryOf("a7079"))

			// act
			err = client.Order(context.Background(), request)

			// assert
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
			} else {
				assert.NoError(t, err)
			}

			require.Len(t, *received, 1)
			assert.Equal(t, request, (*received)[0])
		})
	}
}

func Test_HTTPClient_Unreachable(t *testing.T) {
	// arrange
	ln := fasthttputil.NewInmemoryListener()
	require.NoError(t, ln.Close())

	client, err := ordernotify.NewHTTPClient("http://orders.test",
		ordernotify.WithFastHTTPClient(&fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}),
		ordernotify.WithTimeout(100*time.Millisecond),
	)
	require.NoError(t, err)

	// act
	err = client.Order(context.Background(), ordernotify.OrderRequestFrom(summaryOf("c1")))

	// assert
	assert.ErrorIs(t, err, ordernotify.ErrOrderServiceUnavailable)
}

func Test_NewHTTPClient_RequiresABaseURL(t *testing.T) {
	_, err := ordernotify.NewHTTPClient("")

	assert.ErrorIs(t, err, ordernotify.ErrEmptyBaseURL)
}
