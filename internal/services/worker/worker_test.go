package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/services/gateway"
	"github.com/vadiminshakov/ladder/internal/services/queue"
	"github.com/vadiminshakov/ladder/internal/services/tracker"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
	"github.com/vadiminshakov/ladder/internal/storage/positions/badgerstore"
	"github.com/vadiminshakov/ladder/internal/storage/positions/storetest"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	args := m.Called(ctx, asset)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockGateway) GetInstrumentInfo(ctx context.Context, pair domain.Pair) (domain.InstrumentInfo, error) {
	args := m.Called(ctx, pair)
	return args.Get(0).(domain.InstrumentInfo), args.Error(1)
}

func (m *mockGateway) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderAck, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(gateway.OrderAck), args.Error(1)
}

func (m *mockGateway) QueryOrder(ctx context.Context, pair domain.Pair, clientOrderID string) (gateway.OrderState, error) {
	args := m.Called(ctx, pair, clientOrderID)
	return args.Get(0).(gateway.OrderState), args.Error(1)
}

// stock answers for balance and instrument lookups
func (m *mockGateway) withAccount() *mockGateway {
	m.On("GetBalance", mock.Anything, "USDT").Return(decimal.NewFromInt(10000), nil).Maybe()
	m.On("GetBalance", mock.Anything, "BTC").Return(decimal.NewFromInt(10), nil).Maybe()
	m.On("GetInstrumentInfo", mock.Anything, mock.Anything).Return(domain.InstrumentInfo{
		LotPrecision:   4,
		PricePrecision: 2,
		MinOrderSize:   decimal.RequireFromString("0.001"),
	}, nil).Maybe()
	return m
}

type fakeGateways struct {
	creds    []domain.Credential
	gateways map[string]*mockGateway
}

func (f *fakeGateways) Credentials(userID, exchange string) []domain.Credential {
	var out []domain.Credential
	for _, c := range f.creds {
		if c.UserID == userID && c.Exchange == exchange {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeGateways) Gateway(_ context.Context, cred domain.Credential) (gateway.Gateway, error) {
	g, ok := f.gateways[cred.ID]
	if !ok {
		return nil, errors.Errorf("no gateway for %s", cred.ID)
	}
	return g, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store positions.Store
	queue *queue.Queue
	clock *clock
	gws   *fakeGateways
}

func setup(t *testing.T, bot domain.Bot, credIDs ...string) *fixture {
	t.Helper()

	store, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Update(context.Background(), func(tx positions.Tx) error {
		return tx.PutBot(bot)
	}))

	gws := &fakeGateways{gateways: make(map[string]*mockGateway)}
	for _, id := range credIDs {
		gws.creds = append(gws.creds, domain.Credential{ID: id, UserID: bot.UserID, Exchange: bot.Exchange})
		gws.gateways[id] = &mockGateway{}
	}

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	return &fixture{
		store: store,
		queue: queue.New(zap.NewNop(), store, queue.Config{}, queue.WithClock(clk.Now)),
		clock: clk,
		gws:   gws,
	}
}

func (f *fixture) worker() *Worker {
	tr := tracker.New(zap.NewNop(), f.store, decimal.RequireFromString("0.0001"), nil, nil)
	return New(zap.NewNop(), f.store, f.queue, tr, f.gws, nil, 4)
}

func (f *fixture) enqueue(t *testing.T, bot domain.Bot, side domain.OrderSide, volume string) domain.PendingOrder {
	t.Helper()
	order := f.queue.NewOrder(bot, side, decimal.RequireFromString(volume), decimal.NewFromInt(100), side == domain.OrderSideSell)
	require.NoError(t, f.queue.Enqueue(context.Background(), order))
	return order
}

func (f *fixture) order(t *testing.T, id string) domain.PendingOrder {
	t.Helper()
	var order domain.PendingOrder
	require.NoError(t, f.store.View(context.Background(), func(tx positions.Tx) error {
		var err error
		order, err = tx.Order(id)
		return err
	}))
	return order
}

func (f *fixture) bot(t *testing.T, id string) domain.Bot {
	t.Helper()
	var bot domain.Bot
	require.NoError(t, f.store.View(context.Background(), func(tx positions.Tx) error {
		var err error
		bot, err = tx.Bot(id)
		return err
	}))
	return bot
}

func filled(price, volume string) gateway.OrderState {
	return gateway.OrderState{
		OrderID:        "ex-1",
		Status:         gateway.OrderStatusFilled,
		ExecutedPrice:  decimal.RequireFromString(price),
		ExecutedVolume: decimal.RequireFromString(volume),
	}
}

func TestProcessOrderQueue_BuyFilled(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	f := setup(t, bot, "c1")
	order := f.enqueue(t, bot, domain.OrderSideBuy, "1.23456")

	gw := f.gws.gateways["c1"].withAccount()
	gw.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(req gateway.OrderRequest) bool {
		// volume floored to lot precision, client id forwarded
		return req.Volume.Equal(decimal.RequireFromString("1.2345")) && req.ClientOrderID == order.ClientOrderID
	})).Return(gateway.OrderAck{OrderID: "ex-1"}, nil).Once()
	gw.On("QueryOrder", mock.Anything, bot.Pair, order.ClientOrderID).Return(filled("100", "1.2345"), nil).Once()

	require.NoError(t, f.worker().ProcessOrderQueue(ctx))

	got := f.order(t, order.ID)
	require.Equal(t, domain.OrderStatusCompleted, got.Status)
	require.Equal(t, "c1", got.CredentialID)
	require.Equal(t, "ex-1", got.ExchangeOrderID)

	b := f.bot(t, "b1")
	require.Equal(t, 1, b.CurrentEntryCount)
	require.True(t, b.TotalVolume.Equal(decimal.RequireFromString("1.2345")))
	gw.AssertExpectations(t)
}

func TestProcessOrderQueue_AwaitsFillWithoutPlacingTwice(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	f := setup(t, bot, "c1")
	order := f.enqueue(t, bot, domain.OrderSideBuy, "1")
	w := f.worker()

	gw := f.gws.gateways["c1"].withAccount()
	gw.On("PlaceOrder", mock.Anything, mock.Anything).Return(gateway.OrderAck{OrderID: "ex-1"}, nil).Once()
	gw.On("QueryOrder", mock.Anything, bot.Pair, order.ClientOrderID).
		Return(gateway.OrderState{OrderID: "ex-1", Status: gateway.OrderStatusOpen}, nil).Once()

	require.NoError(t, w.ProcessOrderQueue(ctx))

	got := f.order(t, order.ID)
	require.Equal(t, domain.OrderStatusRetry, got.Status)
	require.Equal(t, 0, got.Attempts)
	require.True(t, got.Submitted)

	t.Run("not due before the poll delay", func(t *testing.T) {
		require.NoError(t, w.ProcessOrderQueue(ctx))
		gw.AssertNumberOfCalls(t, "QueryOrder", 1)
	})

	t.Run("later poll completes", func(t *testing.T) {
		f.clock.Advance(queue.DefaultPollDelay)
		gw.On("QueryOrder", mock.Anything, bot.Pair, order.ClientOrderID).Return(filled("99", "1"), nil).Once()

		require.NoError(t, w.ProcessOrderQueue(ctx))

		require.Equal(t, domain.OrderStatusCompleted, f.order(t, order.ID).Status)
		gw.AssertNumberOfCalls(t, "PlaceOrder", 1)
	})
}

func TestProcessOrderQueue_CredentialFailover(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	f := setup(t, bot, "c1", "c2")
	order := f.enqueue(t, bot, domain.OrderSideBuy, "1")
	w := f.worker()

	bad := f.gws.gateways["c1"].withAccount()
	bad.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(gateway.OrderAck{}, &domain.CredentialError{CredentialID: "c1", Err: errors.New("invalid api key")}).Once()

	require.NoError(t, w.ProcessOrderQueue(ctx))

	got := f.order(t, order.ID)
	require.Equal(t, domain.OrderStatusRetry, got.Status)
	require.Equal(t, []string{"c1"}, got.FailedCredentials)
	require.Equal(t, 1, got.Attempts)
	require.True(t, got.NextRetryAt.Equal(f.clock.Now()))

	good := f.gws.gateways["c2"].withAccount()
	good.On("QueryOrder", mock.Anything, bot.Pair, order.ClientOrderID).
		Return(gateway.OrderState{}, domain.ErrOrderNotFoundOnExchange).Once()
	good.On("PlaceOrder", mock.Anything, mock.Anything).Return(gateway.OrderAck{OrderID: "ex-2"}, nil).Once()
	good.On("QueryOrder", mock.Anything, bot.Pair, order.ClientOrderID).Return(filled("100", "1"), nil).Once()

	require.NoError(t, w.ProcessOrderQueue(ctx))

	got = f.order(t, order.ID)
	require.Equal(t, domain.OrderStatusCompleted, got.Status)
	require.Equal(t, "c2", got.CredentialID)
	bad.AssertNumberOfCalls(t, "PlaceOrder", 1)
	good.AssertExpectations(t)
}

func TestProcessOrderQueue_PlacedOrderStaysWithItsCredential(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	f := setup(t, bot, "c1", "c2")
	order := f.enqueue(t, bot, domain.OrderSideBuy, "1")
	w := f.worker()

	placing := f.gws.gateways["c1"].withAccount()
	other := f.gws.gateways["c2"].withAccount()

	placing.On("PlaceOrder", mock.Anything, mock.Anything).Return(gateway.OrderAck{OrderID: "ex-1"}, nil).Once()
	placing.On("QueryOrder", mock.Anything, bot.Pair, order.ClientOrderID).
		Return(gateway.OrderState{}, &domain.CredentialError{CredentialID: "c1", Err: errors.New("signature expired")}).Once()

	require.NoError(t, w.ProcessOrderQueue(ctx))

	got := f.order(t, order.ID)
	require.Equal(t, domain.OrderStatusRetry, got.Status)
	require.True(t, got.Submitted)
	require.Equal(t, "c1", got.CredentialID)
	require.Empty(t, got.FailedCredentials)
	require.Equal(t, 1, got.Attempts)

	t.Run("order unknown for a moment is not placed again", func(t *testing.T) {
		f.clock.Advance(queue.DefaultMaxBackoff)
		placing.On("QueryOrder", mock.Anything, bot.Pair, order.ClientOrderID).
			Return(gateway.OrderState{}, domain.ErrOrderNotFoundOnExchange).Once()

		require.NoError(t, w.ProcessOrderQueue(ctx))

		got := f.order(t, order.ID)
		require.Equal(t, domain.OrderStatusRetry, got.Status)
		require.Equal(t, 2, got.Attempts)
		require.Empty(t, got.FailedCredentials)
	})

	t.Run("next lookup through the placing credential completes", func(t *testing.T) {
		f.clock.Advance(queue.DefaultMaxBackoff)
		placing.On("QueryOrder", mock.Anything, bot.Pair, order.ClientOrderID).Return(filled("100", "1"), nil).Once()

		require.NoError(t, w.ProcessOrderQueue(ctx))

		got := f.order(t, order.ID)
		require.Equal(t, domain.OrderStatusCompleted, got.Status)
		require.Equal(t, "c1", got.CredentialID)
		require.Equal(t, 1, f.bot(t, "b1").CurrentEntryCount)
	})

	placing.AssertNumberOfCalls(t, "PlaceOrder", 1)
	other.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
	other.AssertNotCalled(t, "QueryOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessOrderQueue_PlacingCredentialRemoved(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	f := setup(t, bot, "c1", "c2")
	order := f.enqueue(t, bot, domain.OrderSideBuy, "1")

	claimed, err := f.queue.Claim(ctx, order.ID, domain.OrderStatusPending)
	require.NoError(t, err)
	claimed, err = f.queue.RecordSubmitted(ctx, claimed, "ex-1", "gone")
	require.NoError(t, err)
	_, err = f.queue.AwaitFill(ctx, claimed)
	require.NoError(t, err)
	f.clock.Advance(queue.DefaultPollDelay)

	other := f.gws.gateways["c2"].withAccount()

	require.NoError(t, f.worker().ProcessOrderQueue(ctx))

	got := f.order(t, order.ID)
	require.Equal(t, domain.OrderStatusFailed, got.Status)
	require.Contains(t, got.LastError, "no longer configured")
	other.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
}

func TestProcessOrderQueue_LastCredentialFailing(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	f := setup(t, bot, "c1")
	order := f.enqueue(t, bot, domain.OrderSideBuy, "1")

	gw := f.gws.gateways["c1"].withAccount()
	gw.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(gateway.OrderAck{}, &domain.CredentialError{CredentialID: "c1", Err: errors.New("ip not whitelisted")}).Once()

	require.NoError(t, f.worker().ProcessOrderQueue(ctx))

	got := f.order(t, order.ID)
	require.Equal(t, domain.OrderStatusFailed, got.Status)
	require.Contains(t, got.LastError, "ip not whitelisted")
}

func TestProcessOrderQueue_TransientUntilExhausted(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	bot.Status = domain.BotStatusExiting
	bot.CurrentEntryCount = 1
	bot.TotalVolume = decimal.NewFromInt(1)
	bot.TotalInvested = decimal.NewFromInt(100)
	bot.AverageEntryPrice = decimal.NewFromInt(100)
	f := setup(t, bot, "c1")
	order := f.enqueue(t, bot, domain.OrderSideSell, "1")
	w := f.worker()

	gw := f.gws.gateways["c1"].withAccount()
	timeout := &domain.TransientExchangeError{Op: "place", Err: context.DeadlineExceeded}
	gw.On("PlaceOrder", mock.Anything, mock.Anything).Return(gateway.OrderAck{}, timeout)
	gw.On("QueryOrder", mock.Anything, mock.Anything, mock.Anything).Return(gateway.OrderState{}, domain.ErrOrderNotFoundOnExchange)

	for i := 1; i <= queue.DefaultMaxAttempts; i++ {
		require.NoError(t, w.ProcessOrderQueue(ctx))
		got := f.order(t, order.ID)
		require.Equal(t, i, got.Attempts)
		f.clock.Advance(queue.DefaultMaxBackoff)
	}

	got := f.order(t, order.ID)
	require.Equal(t, domain.OrderStatusFailed, got.Status)
	require.Equal(t, domain.BotStatusExitFailed, f.bot(t, "b1").Status)

	require.NoError(t, w.ProcessOrderQueue(ctx))
	gw.AssertNumberOfCalls(t, "PlaceOrder", queue.DefaultMaxAttempts)
}

func TestProcessOrderQueue_PermanentFailsImmediately(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	f := setup(t, bot, "c1")
	order := f.enqueue(t, bot, domain.OrderSideBuy, "1000")

	gw := f.gws.gateways["c1"].withAccount()

	require.NoError(t, f.worker().ProcessOrderQueue(ctx))

	got := f.order(t, order.ID)
	require.Equal(t, domain.OrderStatusFailed, got.Status)
	require.Equal(t, 0, got.Attempts)
	require.Contains(t, got.LastError, "insufficient USDT balance")
	gw.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
}

func TestProcessOrderQueue_SellCappedToFreeBalance(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	bot.Status = domain.BotStatusExiting
	bot.CurrentEntryCount = 1
	bot.TotalVolume = decimal.RequireFromString("10.5")
	bot.TotalInvested = decimal.NewFromInt(1050)
	bot.AverageEntryPrice = decimal.NewFromInt(100)
	f := setup(t, bot, "c1")
	order := f.enqueue(t, bot, domain.OrderSideSell, "10.5")

	gw := f.gws.gateways["c1"].withAccount()
	gw.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(req gateway.OrderRequest) bool {
		return req.Volume.Equal(decimal.NewFromInt(10))
	})).Return(gateway.OrderAck{OrderID: "ex-1"}, nil).Once()
	gw.On("QueryOrder", mock.Anything, bot.Pair, order.ClientOrderID).Return(filled("103", "10"), nil).Once()

	require.NoError(t, f.worker().ProcessOrderQueue(ctx))

	require.Equal(t, domain.OrderStatusCompleted, f.order(t, order.ID).Status)
	b := f.bot(t, "b1")
	require.Equal(t, domain.BotStatusActive, b.Status)
	require.True(t, b.TotalVolume.Equal(decimal.RequireFromString("0.5")))
}

func TestProcessOrderQueue_ClosedWithoutFill(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	f := setup(t, bot, "c1")
	order := f.enqueue(t, bot, domain.OrderSideBuy, "1")

	gw := f.gws.gateways["c1"].withAccount()
	gw.On("PlaceOrder", mock.Anything, mock.Anything).Return(gateway.OrderAck{OrderID: "ex-1"}, nil).Once()
	gw.On("QueryOrder", mock.Anything, bot.Pair, order.ClientOrderID).
		Return(gateway.OrderState{OrderID: "ex-1", Status: gateway.OrderStatusClosed}, nil).Once()

	require.NoError(t, f.worker().ProcessOrderQueue(ctx))

	got := f.order(t, order.ID)
	require.Equal(t, domain.OrderStatusFailed, got.Status)
	require.Equal(t, 0, f.bot(t, "b1").CurrentEntryCount)
}

func TestProcessOrderQueue_StuckOrderIsLookedUpNotReplaced(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	f := setup(t, bot, "c1")
	order := f.enqueue(t, bot, domain.OrderSideBuy, "1")

	// a worker claimed the order and died after placing it
	_, err := f.queue.Claim(ctx, order.ID, domain.OrderStatusPending)
	require.NoError(t, err)
	f.clock.Advance(queue.DefaultStuckTimeout + time.Second)

	gw := f.gws.gateways["c1"].withAccount()
	gw.On("QueryOrder", mock.Anything, bot.Pair, order.ClientOrderID).Return(filled("100", "1"), nil).Once()

	require.NoError(t, f.worker().ProcessOrderQueue(ctx))

	got := f.order(t, order.ID)
	require.Equal(t, domain.OrderStatusCompleted, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, 1, f.bot(t, "b1").CurrentEntryCount)
	gw.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
}

func TestProcessOrderQueue_ConcurrentWorkersSubmitOnce(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	f := setup(t, bot, "c1")
	order := f.enqueue(t, bot, domain.OrderSideBuy, "1")

	gw := f.gws.gateways["c1"].withAccount()
	gw.On("PlaceOrder", mock.Anything, mock.Anything).Return(gateway.OrderAck{OrderID: "ex-1"}, nil)
	gw.On("QueryOrder", mock.Anything, bot.Pair, order.ClientOrderID).Return(filled("100", "1"), nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.worker().ProcessOrderQueue(ctx)
		}()
	}
	wg.Wait()

	require.Equal(t, domain.OrderStatusCompleted, f.order(t, order.ID).Status)
	require.Equal(t, 1, f.bot(t, "b1").CurrentEntryCount)
	gw.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestProcessOrderQueue_NoCredentials(t *testing.T) {
	ctx := context.Background()
	bot := storetest.Bot("b1")
	f := setup(t, bot)
	order := f.enqueue(t, bot, domain.OrderSideBuy, "1")

	require.NoError(t, f.worker().ProcessOrderQueue(ctx))

	got := f.order(t, order.ID)
	require.Equal(t, domain.OrderStatusFailed, got.Status)
	require.Contains(t, got.LastError, "no credentials")
}

func TestPickCredential(t *testing.T) {
	creds := []domain.Credential{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	c, left, ok := pickCredential(creds, domain.PendingOrder{})
	require.True(t, ok)
	require.Equal(t, "a", c.ID)
	require.Equal(t, 2, left)

	c, left, ok = pickCredential(creds, domain.PendingOrder{FailedCredentials: []string{"a", "c"}})
	require.True(t, ok)
	require.Equal(t, "b", c.ID)
	require.Equal(t, 0, left)

	_, _, ok = pickCredential(creds, domain.PendingOrder{FailedCredentials: []string{"a", "b", "c"}})
	require.False(t, ok)
}
