// Package storetest holds the behaviour every positions.Store implementation must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
)

// Factory returns a fresh empty store. The suite closes it.
type Factory func(t *testing.T) positions.Store

// Bot returns a valid active bot for tests.
func Bot(id string) domain.Bot {
	return domain.Bot{
		ID:                 id,
		UserID:             "user-1",
		Exchange:           "simulate",
		Pair:               domain.Pair{From: "BTC", To: "USDT"},
		Status:             domain.BotStatusActive,
		InitialOrderAmount: decimal.NewFromInt(100),
		TradeMultiplier:    decimal.NewFromInt(2),
		MaxEntries:         5,
		StepPercent:        decimal.NewFromInt(1),
		StepMultiplier:     decimal.NewFromInt(2),
		TakeProfitPercent:  decimal.NewFromInt(3),
		ExitPercentage:     decimal.NewFromInt(100),
		CycleID:            "cycle-" + id,
		CycleNumber:        1,
	}
}

// Order returns a valid pending order for tests.
func Order(id, botID string, side domain.OrderSide) domain.PendingOrder {
	return domain.PendingOrder{
		ID:            id,
		ClientOrderID: "c" + id,
		BotID:         botID,
		Pair:          domain.Pair{From: "BTC", To: "USDT"},
		Side:          side,
		Type:          domain.OrderTypeMarket,
		Volume:        decimal.NewFromInt(1),
		Status:        domain.OrderStatusPending,
		MaxAttempts:   5,
	}
}

// Run executes the contract suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	open := func(t *testing.T) positions.Store {
		s := factory(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("bot round trip and not found", func(t *testing.T) {
		s := open(t)

		err := s.View(ctx, func(tx positions.Tx) error {
			_, err := tx.Bot("missing")
			return err
		})
		require.ErrorIs(t, err, domain.ErrNotFound)

		bot := Bot("b1")
		bot.TotalInvested = decimal.RequireFromString("123.456789")
		require.NoError(t, s.Update(ctx, func(tx positions.Tx) error { return tx.PutBot(bot) }))

		var got domain.Bot
		require.NoError(t, s.View(ctx, func(tx positions.Tx) error {
			var err error
			got, err = tx.Bot("b1")
			return err
		}))
		require.Equal(t, bot.ID, got.ID)
		require.Equal(t, bot.Pair, got.Pair)
		require.True(t, bot.TotalInvested.Equal(got.TotalInvested))
	})

	t.Run("query bots by status", func(t *testing.T) {
		s := open(t)

		paused := Bot("b2")
		paused.Status = domain.BotStatusPaused
		require.NoError(t, s.Update(ctx, func(tx positions.Tx) error {
			if err := tx.PutBot(Bot("b1")); err != nil {
				return err
			}
			if err := tx.PutBot(paused); err != nil {
				return err
			}
			return tx.PutBot(Bot("b3"))
		}))

		var active []domain.Bot
		require.NoError(t, s.View(ctx, func(tx positions.Tx) error {
			var err error
			active, err = tx.Bots(positions.BotFilter{Status: domain.BotStatusActive})
			return err
		}))
		require.Len(t, active, 2)
		for _, b := range active {
			require.Equal(t, domain.BotStatusActive, b.Status)
		}
	})

	t.Run("failed update writes nothing", func(t *testing.T) {
		s := open(t)
		boom := errors.New("boom")

		err := s.Update(ctx, func(tx positions.Tx) error {
			if err := tx.PutBot(Bot("b1")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		err = s.View(ctx, func(tx positions.Tx) error {
			_, err := tx.Bot("b1")
			return err
		})
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("orders filter", func(t *testing.T) {
		s := open(t)

		done := Order("o3", "b1", domain.OrderSideBuy)
		done.Status = domain.OrderStatusCompleted
		retry := Order("o4", "b2", domain.OrderSideSell)
		retry.Status = domain.OrderStatusRetry

		require.NoError(t, s.Update(ctx, func(tx positions.Tx) error {
			for _, o := range []domain.PendingOrder{
				Order("o1", "b1", domain.OrderSideBuy),
				Order("o2", "b1", domain.OrderSideSell),
				done,
				retry,
			} {
				if err := tx.PutOrder(o); err != nil {
					return err
				}
			}
			return nil
		}))

		require.NoError(t, s.View(ctx, func(tx positions.Tx) error {
			buys, err := tx.Orders(positions.OpenOrders("b1", domain.OrderSideBuy))
			require.NoError(t, err)
			require.Len(t, buys, 1)
			require.Equal(t, "o1", buys[0].ID)

			all, err := tx.Orders(positions.OrderFilter{BotID: "b1"})
			require.NoError(t, err)
			require.Len(t, all, 3)

			due, err := tx.Orders(positions.OrderFilter{Statuses: []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusRetry}})
			require.NoError(t, err)
			require.Len(t, due, 3)
			return nil
		}))
	})

	t.Run("entries keep insertion order", func(t *testing.T) {
		s := open(t)

		require.NoError(t, s.Update(ctx, func(tx positions.Tx) error {
			for i := 1; i <= 12; i++ {
				if err := tx.AppendEntry(domain.Entry{BotID: "b1", EntryNumber: i, Price: decimal.NewFromInt(int64(100 - i))}); err != nil {
					return err
				}
			}
			return tx.AppendEntry(domain.Entry{BotID: "b2", EntryNumber: 1})
		}))

		require.NoError(t, s.View(ctx, func(tx positions.Tx) error {
			entries, err := tx.Entries("b1")
			require.NoError(t, err)
			require.Len(t, entries, 12)
			for i, e := range entries {
				require.Equal(t, i+1, e.EntryNumber)
			}
			return nil
		}))
	})

	t.Run("delete bot removes ledger and orders", func(t *testing.T) {
		s := open(t)

		require.NoError(t, s.Update(ctx, func(tx positions.Tx) error {
			for _, id := range []string{"b1", "b2"} {
				if err := tx.PutBot(Bot(id)); err != nil {
					return err
				}
				if err := tx.AppendEntry(domain.Entry{BotID: id, EntryNumber: 1}); err != nil {
					return err
				}
				if err := tx.PutOrder(Order("o-"+id, id, domain.OrderSideBuy)); err != nil {
					return err
				}
			}
			return nil
		}))

		require.NoError(t, s.DeleteBot(ctx, "b1"))
		require.ErrorIs(t, s.DeleteBot(ctx, "b1"), domain.ErrNotFound)

		require.NoError(t, s.View(ctx, func(tx positions.Tx) error {
			_, err := tx.Bot("b1")
			require.ErrorIs(t, err, domain.ErrNotFound)

			entries, err := tx.Entries("b1")
			require.NoError(t, err)
			require.Empty(t, entries)

			orders, err := tx.Orders(positions.OrderFilter{BotID: "b1"})
			require.NoError(t, err)
			require.Empty(t, orders)

			_, err = tx.Bot("b2")
			require.NoError(t, err)
			entries, err = tx.Entries("b2")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			return nil
		}))
	})

	t.Run("concurrent compare and swap has one winner", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Update(ctx, func(tx positions.Tx) error {
			return tx.PutOrder(Order("o1", "b1", domain.OrderSideBuy))
		}))

		const workers = 8
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		errs := make(chan error, workers)
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := s.Update(ctx, func(tx positions.Tx) error {
					o, err := tx.Order("o1")
					if err != nil {
						return err
					}
					if o.Status != domain.OrderStatusPending {
						return domain.ErrConflict
					}
					o.Status = domain.OrderStatusProcessing
					o.ClaimedAt = time.Now()
					return tx.PutOrder(o)
				})
				if err == nil {
					wins.Add(1)
					return
				}
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		require.Equal(t, int32(1), wins.Load())
		for err := range errs {
			require.ErrorIs(t, err, domain.ErrConflict)
		}
	})

	t.Run("concurrent enqueue keeps one open order per side", func(t *testing.T) {
		s := open(t)

		const workers = 8
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		errs := make(chan error, workers)
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				err := s.Update(ctx, func(tx positions.Tx) error {
					outstanding, err := tx.Orders(positions.OpenOrders("b1", domain.OrderSideBuy))
					if err != nil {
						return err
					}
					if len(outstanding) > 0 {
						return domain.ErrOrderOutstanding
					}
					return tx.PutOrder(Order(fmt.Sprintf("o%d", i), "b1", domain.OrderSideBuy))
				})
				if err == nil {
					wins.Add(1)
					return
				}
				errs <- err
			}(i)
		}
		close(start)
		wg.Wait()
		close(errs)

		require.Equal(t, int32(1), wins.Load())
		for err := range errs {
			if !errors.Is(err, domain.ErrConflict) {
				require.ErrorIs(t, err, domain.ErrOrderOutstanding)
			}
		}

		require.NoError(t, s.View(ctx, func(tx positions.Tx) error {
			outstanding, err := tx.Orders(positions.OpenOrders("b1", domain.OrderSideBuy))
			require.NoError(t, err)
			require.Len(t, outstanding, 1)
			return nil
		}))

		require.NoError(t, s.Update(ctx, func(tx positions.Tx) error {
			return tx.PutOrder(Order("sell", "b1", domain.OrderSideSell))
		}), "the other side stays free")
	})
}
