// Package tracker applies confirmed exchange fills to bot cost basis.
// The order completion, the bot aggregates and the ledger entry are written in one transaction,
// so a fill is either fully applied or not at all and can never be applied twice.
package tracker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/metrics"
	"github.com/vadiminshakov/ladder/internal/services/queue"
	"github.com/vadiminshakov/ladder/internal/storage/journal"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
)

// Execution what the exchange reported for a filled order.
type Execution struct {
	ExchangeOrderID string
	CredentialID    string
	Price           decimal.Decimal
	Volume          decimal.Decimal
	// Partial the exchange closed the order with less than the requested volume.
	Partial bool
}

// Result what the fill did.
type Result struct {
	Order domain.PendingOrder
	Bot   domain.Bot
	// Entry set for buy fills.
	Entry *domain.Entry
	// Archived set when a sell fill completed the cycle.
	Archived *domain.ArchivedCycle
}

// Tracker applies fills.
type Tracker struct {
	store   positions.Store
	dust    decimal.Decimal
	journal queue.Journal
	metrics *metrics.Metrics
	l       *zap.Logger
	now     func() time.Time
}

// New creates a tracker. dust is the configured remaining volume below which a position counts as closed.
func New(l *zap.Logger, store positions.Store, dust decimal.Decimal, j queue.Journal, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:   store,
		dust:    dust,
		journal: j,
		metrics: m,
		l:       l,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DustThreshold is the larger of the configured dust and the instrument's minimum order size:
// anything below the minimum size could never be sold anyway.
func (t *Tracker) DustThreshold(info domain.InstrumentInfo) decimal.Decimal {
	return decimal.Max(t.dust, info.MinOrderSize)
}

// Complete marks the claimed order completed and applies its fill to the bot.
func (t *Tracker) Complete(ctx context.Context, claimed domain.PendingOrder, exec Execution, info domain.InstrumentInfo) (Result, error) {
	if !exec.Price.IsPositive() || !exec.Volume.IsPositive() {
		return Result{}, errors.Errorf("order %s: execution must have positive price and volume, got %s @ %s",
			claimed.ID, exec.Volume.String(), exec.Price.String())
	}

	var res Result
	err := t.store.Update(ctx, func(tx positions.Tx) error {
		res = Result{}
		now := t.now()

		order, err := tx.Order(claimed.ID)
		if err != nil {
			return err
		}
		if err := queue.CheckClaim(order, claimed); err != nil {
			return err
		}

		order.Status = domain.OrderStatusCompleted
		order.ExecutedPrice = exec.Price
		order.ExecutedVolume = exec.Volume
		order.Submitted = true
		order.ClaimedAt = time.Time{}
		order.LastError = ""
		order.UpdatedAt = now
		if exec.ExchangeOrderID != "" {
			order.ExchangeOrderID = exec.ExchangeOrderID
		}
		if exec.CredentialID != "" {
			order.CredentialID = exec.CredentialID
		}
		res.Order = order

		if err := tx.PutOrder(order); err != nil {
			return err
		}

		bot, err := tx.Bot(order.BotID)
		if errors.Is(err, domain.ErrNotFound) {
			t.l.Warn("fill for deleted bot", zap.String("order", order.ID), zap.String("bot", order.BotID))
			return nil
		}
		if err != nil {
			return err
		}

		switch order.Side {
		case domain.OrderSideBuy:
			entry, err := bot.ApplyBuyFill(domain.BuyFill{
				OrderID:         order.ID,
				ExchangeOrderID: order.ExchangeOrderID,
				Price:           exec.Price,
				Quantity:        exec.Volume,
				Partial:         exec.Partial,
				Time:            now,
			})
			if err != nil {
				return errors.Wrap(err, "apply buy fill")
			}
			if err := tx.AppendEntry(entry); err != nil {
				return err
			}
			res.Entry = &entry
		case domain.OrderSideSell:
			outcome, err := bot.ApplySellFill(domain.SellFill{
				Price:    exec.Price,
				Quantity: exec.Volume,
				Time:     now,
			}, t.DustThreshold(info))
			if err != nil {
				return errors.Wrap(err, "apply sell fill")
			}
			res.Archived = outcome.Archived
		}

		bot.LastError = ""
		res.Bot = bot

		return tx.PutBot(bot)
	})
	if err != nil {
		return Result{}, errors.Wrapf(err, "complete order %s", claimed.ID)
	}

	t.metrics.Attempt("completed")
	t.metrics.Terminal(string(res.Order.Side), string(res.Order.Status))
	t.report(res)

	return res, nil
}

func (t *Tracker) report(res Result) {
	fields := []zap.Field{
		zap.String("order", res.Order.ID),
		zap.String("bot", res.Order.BotID),
		zap.String("side", string(res.Order.Side)),
		zap.String("price", res.Order.ExecutedPrice.String()),
		zap.String("volume", res.Order.ExecutedVolume.String()),
	}
	if res.Bot.ID != "" {
		fields = append(fields,
			zap.String("status", string(res.Bot.Status)),
			zap.Int("entries", res.Bot.CurrentEntryCount),
			zap.String("avg_price", res.Bot.AverageEntryPrice.String()),
			zap.String("total_volume", res.Bot.TotalVolume.String()),
		)
	}
	if res.Archived != nil {
		fields = append(fields, zap.String("realized_pnl", res.Archived.RealizedPnL.String()))
	}
	t.l.Info("order filled", fields...)

	if t.journal == nil {
		return
	}

	action := "filled"
	if res.Archived != nil {
		action = "cycle_completed"
	}
	err := t.journal.Append(journal.Event{
		Type:     journal.EventOrder,
		BotID:    res.Order.BotID,
		OrderID:  res.Order.ID,
		Action:   action,
		Status:   string(res.Order.Status),
		Price:    res.Order.ExecutedPrice,
		Quantity: res.Order.ExecutedVolume,
		Attempts: res.Order.Attempts,
		Time:     res.Order.UpdatedAt,
	})
	if err != nil {
		t.l.Warn("failed to journal fill", zap.String("order", res.Order.ID), zap.Error(err))
	}
}
