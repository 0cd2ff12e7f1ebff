package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
	"github.com/vadiminshakov/ladder/internal/storage/positions/badgerstore"
	"github.com/vadiminshakov/ladder/internal/storage/positions/storetest"
)

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

func setup(t *testing.T) (*Queue, positions.Store, *clock) {
	t.Helper()

	store, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := New(zap.NewNop(), store, Config{}, WithClock(clk.Now))

	return q, store, clk
}

func putBot(t *testing.T, store positions.Store, bot domain.Bot) {
	t.Helper()
	require.NoError(t, store.Update(context.Background(), func(tx positions.Tx) error {
		return tx.PutBot(bot)
	}))
}

func getOrder(t *testing.T, store positions.Store, id string) domain.PendingOrder {
	t.Helper()
	var order domain.PendingOrder
	require.NoError(t, store.View(context.Background(), func(tx positions.Tx) error {
		var err error
		order, err = tx.Order(id)
		return err
	}))
	return order
}

func enqueue(t *testing.T, q *Queue, side domain.OrderSide) domain.PendingOrder {
	t.Helper()
	order := q.NewOrder(storetest.Bot("b1"), side, decimal.NewFromInt(1), decimal.NewFromInt(100), side == domain.OrderSideSell)
	require.NoError(t, q.Enqueue(context.Background(), order))
	return order
}

func TestClientOrderID(t *testing.T) {
	id := uuid.New()
	cid := ClientOrderID(id)
	require.NotEmpty(t, cid)
	require.LessOrEqual(t, len(cid), 36)
	require.Equal(t, cid, ClientOrderID(id))
	require.NotEqual(t, cid, ClientOrderID(uuid.New()))
}

func TestEnqueue_OneOpenOrderPerSide(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setup(t)

	buy := enqueue(t, q, domain.OrderSideBuy)

	second := q.NewOrder(storetest.Bot("b1"), domain.OrderSideBuy, decimal.NewFromInt(1), decimal.NewFromInt(99), false)
	err := q.Enqueue(ctx, second)
	require.ErrorIs(t, err, domain.ErrOrderOutstanding)

	// the other side has its own slot
	enqueue(t, q, domain.OrderSideSell)

	// a failed order frees the slot
	claimed, err := q.Claim(ctx, buy.ID, domain.OrderStatusPending)
	require.NoError(t, err)
	_, err = q.RecordFailure(ctx, claimed, Failure{Err: domain.NewPermanentOrderError("below minimum")})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, second))
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	q, _, _ := setup(t)

	order := q.NewOrder(storetest.Bot("b1"), domain.OrderSideBuy, decimal.Zero, decimal.NewFromInt(100), false)
	err := q.Enqueue(context.Background(), order)
	require.Equal(t, domain.ClassPermanent, domain.Classify(err))
}

func TestClaim_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	q, store, clk := setup(t)
	order := enqueue(t, q, domain.OrderSideBuy)

	claimed, err := q.Claim(ctx, order.ID, domain.OrderStatusPending)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusProcessing, claimed.Status)
	require.Equal(t, clk.Now(), claimed.ClaimedAt)

	_, err = q.Claim(ctx, order.ID, domain.OrderStatusPending)
	require.ErrorIs(t, err, domain.ErrConflict)

	require.Equal(t, domain.OrderStatusProcessing, getOrder(t, store, order.ID).Status)

	due, err := q.Due(ctx)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestClaim_ConcurrentWorkers(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setup(t)
	order := enqueue(t, q, domain.OrderSideBuy)

	const workers = 10
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		other []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Claim(ctx, order.ID, domain.OrderStatusPending)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			other = append(other, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	for _, err := range other {
		require.ErrorIs(t, err, domain.ErrConflict)
	}
}

func TestRecordFailure_TransientBacksOffUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q, store, clk := setup(t)
	order := enqueue(t, q, domain.OrderSideBuy)

	status := domain.OrderStatusPending
	expected := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute}
	for i, delay := range expected {
		claimed, err := q.Claim(ctx, order.ID, status)
		require.NoError(t, err, "attempt %d", i+1)

		failed, err := q.RecordFailure(ctx, claimed, Failure{Err: &domain.TransientExchangeError{Op: "place", Err: errors.New("timeout")}})
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusRetry, failed.Status)
		require.Equal(t, i+1, failed.Attempts)
		require.Equal(t, clk.Now().Add(delay), failed.NextRetryAt)

		_, err = q.Claim(ctx, order.ID, domain.OrderStatusRetry)
		require.ErrorIs(t, err, domain.ErrConflict, "claimed before backoff elapsed")

		clk.Advance(delay)
		status = domain.OrderStatusRetry
	}

	claimed, err := q.Claim(ctx, order.ID, status)
	require.NoError(t, err)
	failed, err := q.RecordFailure(ctx, claimed, Failure{Err: errors.New("connection reset")})
	require.NoError(t, err)

	require.Equal(t, domain.OrderStatusFailed, failed.Status)
	require.Equal(t, DefaultMaxAttempts, failed.Attempts)
	require.Equal(t, "connection reset", failed.LastError)

	clk.Advance(time.Hour)
	due, err := q.Due(ctx)
	require.NoError(t, err)
	require.Empty(t, due)

	for _, s := range []domain.OrderStatus{domain.OrderStatusFailed, domain.OrderStatusRetry, domain.OrderStatusPending} {
		_, err = q.Claim(ctx, order.ID, s)
		require.ErrorIs(t, err, domain.ErrConflict)
	}
	require.Equal(t, domain.OrderStatusFailed, getOrder(t, store, order.ID).Status)
}

func TestRecordFailure_CredentialFailover(t *testing.T) {
	ctx := context.Background()
	q, _, clk := setup(t)
	order := enqueue(t, q, domain.OrderSideBuy)

	claimed, err := q.Claim(ctx, order.ID, domain.OrderStatusPending)
	require.NoError(t, err)
	failed, err := q.RecordFailure(ctx, claimed, Failure{
		Err:                &domain.CredentialError{CredentialID: "key-a", Err: errors.New("invalid api key")},
		CredentialID:       "key-a",
		UntriedCredentials: 1,
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRetry, failed.Status)
	require.Equal(t, clk.Now(), failed.NextRetryAt)
	require.Equal(t, []string{"key-a"}, failed.FailedCredentials)

	claimed, err = q.Claim(ctx, order.ID, domain.OrderStatusRetry)
	require.NoError(t, err)
	failed, err = q.RecordFailure(ctx, claimed, Failure{
		Err:          &domain.CredentialError{CredentialID: "key-b", Err: errors.New("ip not whitelisted")},
		CredentialID: "key-b",
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFailed, failed.Status)
	require.Equal(t, []string{"key-a", "key-b"}, failed.FailedCredentials)

	cleared, err := q.ClearFailedCredentials(ctx, order.ID)
	require.NoError(t, err)
	require.Empty(t, cleared.FailedCredentials)
	require.Equal(t, domain.OrderStatusFailed, cleared.Status)
}

func TestRecordFailure_PermanentExitFailsBot(t *testing.T) {
	ctx := context.Background()
	q, store, _ := setup(t)

	bot := storetest.Bot("b1")
	bot.Status = domain.BotStatusExiting
	putBot(t, store, bot)

	order := enqueue(t, q, domain.OrderSideSell)
	claimed, err := q.Claim(ctx, order.ID, domain.OrderStatusPending)
	require.NoError(t, err)

	failed, err := q.RecordFailure(ctx, claimed, Failure{Err: domain.NewPermanentOrderError("insufficient balance")})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFailed, failed.Status)
	require.Equal(t, 0, failed.Attempts)

	require.NoError(t, store.View(ctx, func(tx positions.Tx) error {
		got, err := tx.Bot("b1")
		require.NoError(t, err)
		require.Equal(t, domain.BotStatusExitFailed, got.Status)
		require.Contains(t, got.LastError, "insufficient balance")
		return nil
	}))
}

func TestAwaitFill_DoesNotConsumeAttempts(t *testing.T) {
	ctx := context.Background()
	q, _, clk := setup(t)
	order := enqueue(t, q, domain.OrderSideBuy)

	claimed, err := q.Claim(ctx, order.ID, domain.OrderStatusPending)
	require.NoError(t, err)
	claimed, err = q.RecordSubmitted(ctx, claimed, "ex-1", "key-a")
	require.NoError(t, err)
	require.True(t, claimed.Submitted)

	waiting, err := q.AwaitFill(ctx, claimed)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRetry, waiting.Status)
	require.Equal(t, 0, waiting.Attempts)
	require.Equal(t, "ex-1", waiting.ExchangeOrderID)
	require.Equal(t, clk.Now().Add(DefaultPollDelay), waiting.NextRetryAt)
}

func TestMutateClaimed_RejectsStaleClaim(t *testing.T) {
	ctx := context.Background()
	q, _, clk := setup(t)
	order := enqueue(t, q, domain.OrderSideBuy)

	stale, err := q.Claim(ctx, order.ID, domain.OrderStatusPending)
	require.NoError(t, err)

	clk.Advance(DefaultStuckTimeout)
	n, err := q.RecoverStuck(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	clk.Advance(time.Second)
	_, err = q.Claim(ctx, order.ID, domain.OrderStatusRetry)
	require.NoError(t, err)

	_, err = q.RecordFailure(ctx, stale, Failure{Err: errors.New("late")})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestRecoverStuck(t *testing.T) {
	ctx := context.Background()
	q, store, clk := setup(t)
	stuck := enqueue(t, q, domain.OrderSideBuy)
	fresh := enqueue(t, q, domain.OrderSideSell)

	_, err := q.Claim(ctx, stuck.ID, domain.OrderStatusPending)
	require.NoError(t, err)

	clk.Advance(DefaultStuckTimeout - time.Second)
	_, err = q.Claim(ctx, fresh.ID, domain.OrderStatusPending)
	require.NoError(t, err)

	n, err := q.RecoverStuck(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	clk.Advance(time.Second)
	n, err = q.RecoverStuck(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recovered := getOrder(t, store, stuck.ID)
	require.Equal(t, domain.OrderStatusRetry, recovered.Status)
	require.Equal(t, clk.Now(), recovered.NextRetryAt)
	require.Equal(t, 1, recovered.Attempts)
	require.Contains(t, recovered.LastError, "stuck")

	require.Equal(t, domain.OrderStatusProcessing, getOrder(t, store, fresh.ID).Status)

	due, err := q.Due(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, stuck.ID, due[0].ID)
}

func TestRecoverStuck_FailsWhenAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	q, store, clk := setup(t)

	bot := storetest.Bot("b1")
	bot.Status = domain.BotStatusExiting
	putBot(t, store, bot)

	order := enqueue(t, q, domain.OrderSideSell)
	status := domain.OrderStatusPending
	for i := 0; i < DefaultMaxAttempts; i++ {
		_, err := q.Claim(ctx, order.ID, status)
		require.NoError(t, err)
		clk.Advance(DefaultStuckTimeout)
		_, err = q.RecoverStuck(ctx)
		require.NoError(t, err)
		status = domain.OrderStatusRetry
	}

	got := getOrder(t, store, order.ID)
	require.Equal(t, domain.OrderStatusFailed, got.Status)
	require.Equal(t, DefaultMaxAttempts, got.Attempts)

	require.NoError(t, store.View(ctx, func(tx positions.Tx) error {
		b, err := tx.Bot("b1")
		require.NoError(t, err)
		require.Equal(t, domain.BotStatusExitFailed, b.Status)
		return nil
	}))
}

func TestDue_OrderedByCreation(t *testing.T) {
	ctx := context.Background()
	q, _, clk := setup(t)

	first := q.NewOrder(storetest.Bot("b2"), domain.OrderSideBuy, decimal.NewFromInt(1), decimal.NewFromInt(1), false)
	clk.Advance(time.Second)
	second := q.NewOrder(storetest.Bot("b1"), domain.OrderSideBuy, decimal.NewFromInt(1), decimal.NewFromInt(1), false)

	require.NoError(t, q.Enqueue(ctx, second))
	require.NoError(t, q.Enqueue(ctx, first))

	due, err := q.Due(ctx)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, first.ID, due[0].ID)
	require.Equal(t, second.ID, due[1].ID)
}
