// Package operator implements explicit operator actions on bots and orders.
// Every action is one state mutation in one store transaction and is journaled.
package operator

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/services/evaluator"
	"github.com/vadiminshakov/ladder/internal/services/queue"
	"github.com/vadiminshakov/ladder/internal/storage/journal"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
)

// ErrNoPosition is returned by ForceExit when the bot holds nothing to sell.
var ErrNoPosition = errors.New("bot holds no position")

// Operator applies operator actions.
type Operator struct {
	store   positions.Store
	queue   *queue.Queue
	feed    evaluator.PriceFeed
	journal queue.Journal
	l       *zap.Logger
}

func New(l *zap.Logger, store positions.Store, q *queue.Queue, feed evaluator.PriceFeed, j queue.Journal) *Operator {
	return &Operator{store: store, queue: q, feed: feed, journal: j, l: l}
}

// CreateBot validates and stores a new bot with a fresh cycle.
func (o *Operator) CreateBot(ctx context.Context, bot domain.Bot) (domain.Bot, error) {
	now := o.queue.Now()
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	bot.Status = domain.BotStatusActive
	bot.CycleNumber = 0
	bot.Cycles = nil
	bot.StartCycle(uuid.NewString(), now)
	bot.CreatedAt = now
	bot.UpdatedAt = now

	if err := bot.Validate(); err != nil {
		return domain.Bot{}, err
	}

	err := o.store.Update(ctx, func(tx positions.Tx) error {
		_, err := tx.Bot(bot.ID)
		if err == nil {
			return errors.Wrapf(domain.ErrConflict, "bot %s already exists", bot.ID)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return tx.PutBot(bot)
	})
	if err != nil {
		return domain.Bot{}, err
	}

	o.record(bot.ID, "", "create", bot.Status)
	return bot, nil
}

// DeleteBot removes the bot, its ledger and its orders.
func (o *Operator) DeleteBot(ctx context.Context, id string) error {
	if _, err := o.Bot(ctx, id); err != nil {
		return err
	}

	if err := o.store.DeleteBot(ctx, id); err != nil {
		return errors.Wrapf(err, "delete bot %s", id)
	}

	o.record(id, "", "delete", "")
	return nil
}

// Pause stops evaluation of an active bot. Orders already in flight are not cancelled.
func (o *Operator) Pause(ctx context.Context, id string) (domain.Bot, error) {
	return o.transition(ctx, id, "pause", domain.BotStatusPaused, nil)
}

// Resume returns a paused bot to evaluation.
func (o *Operator) Resume(ctx context.Context, id string) (domain.Bot, error) {
	return o.transition(ctx, id, "resume", domain.BotStatusActive, func(b *domain.Bot) error {
		if b.Status != domain.BotStatusPaused {
			return &domain.TransitionError{From: b.Status, To: domain.BotStatusActive}
		}
		return nil
	})
}

// RetryExit returns an exit_failed bot to active; the exit condition is evaluated again from scratch.
func (o *Operator) RetryExit(ctx context.Context, id string) (domain.Bot, error) {
	return o.transition(ctx, id, "retry_exit", domain.BotStatusActive, func(b *domain.Bot) error {
		if b.Status != domain.BotStatusExitFailed {
			return &domain.TransitionError{From: b.Status, To: domain.BotStatusActive}
		}
		b.LastError = ""
		return nil
	})
}

// Restart opens a new cycle on a completed bot.
func (o *Operator) Restart(ctx context.Context, id string) (domain.Bot, error) {
	return o.transition(ctx, id, "restart", domain.BotStatusActive, func(b *domain.Bot) error {
		if b.Status != domain.BotStatusCompleted {
			return &domain.TransitionError{From: b.Status, To: domain.BotStatusActive}
		}
		b.StartCycle(uuid.NewString(), o.queue.Now())
		return nil
	})
}

// ForceExit sells the full remaining volume of an active bot at market, whatever the price.
func (o *Operator) ForceExit(ctx context.Context, id string) (domain.Bot, domain.PendingOrder, error) {
	bot, err := o.Bot(ctx, id)
	if err != nil {
		return domain.Bot{}, domain.PendingOrder{}, err
	}

	quoted, err := o.feed.GetPrice(ctx, bot.Exchange, bot.Pair)
	if err != nil {
		o.l.Warn("no price for forced exit, quoting the average entry price", zap.String("bot", id), zap.Error(err))
		quoted = bot.AverageEntryPrice
	}

	var order domain.PendingOrder
	err = o.store.Update(ctx, func(tx positions.Tx) error {
		current, err := tx.Bot(id)
		if err != nil {
			return err
		}
		if !current.HasPosition() {
			return errors.Wrapf(ErrNoPosition, "bot %s", id)
		}
		if err := current.TransitionTo(domain.BotStatusExiting, o.queue.Now()); err != nil {
			return err
		}
		if err := tx.PutBot(current); err != nil {
			return err
		}

		order = o.queue.NewOrder(current, domain.OrderSideSell, current.TotalVolume, quoted, true)
		bot = current

		return o.queue.EnqueueTx(tx, order)
	})
	if err != nil {
		return domain.Bot{}, domain.PendingOrder{}, err
	}

	o.queue.Enqueued(order)
	o.l.Info("forced exit enqueued",
		zap.String("bot", id),
		zap.String("quantity", order.Volume.String()),
		zap.String("quoted", quoted.String()))
	o.recordOrder(id, order, "force_exit", bot.Status, quoted)

	return bot, order, nil
}

// ClearFailedCredentials resets the failed credential set of an order.
func (o *Operator) ClearFailedCredentials(ctx context.Context, orderID string) (domain.PendingOrder, error) {
	order, err := o.queue.ClearFailedCredentials(ctx, orderID)
	if err != nil {
		return domain.PendingOrder{}, err
	}

	o.recordOrder(order.BotID, order, "clear_failed_credentials", "", decimal.Zero)
	return order, nil
}

// Bot returns one bot.
func (o *Operator) Bot(ctx context.Context, id string) (domain.Bot, error) {
	var bot domain.Bot
	err := o.store.View(ctx, func(tx positions.Tx) error {
		var err error
		bot, err = tx.Bot(id)
		return err
	})
	return bot, err
}

// Bots lists bots matching filter.
func (o *Operator) Bots(ctx context.Context, filter positions.BotFilter) ([]domain.Bot, error) {
	var bots []domain.Bot
	err := o.store.View(ctx, func(tx positions.Tx) error {
		var err error
		bots, err = tx.Bots(filter)
		return err
	})
	return bots, err
}

// Entries returns the entry ledger of a bot in fill order.
func (o *Operator) Entries(ctx context.Context, botID string) ([]domain.Entry, error) {
	var entries []domain.Entry
	err := o.store.View(ctx, func(tx positions.Tx) error {
		var err error
		entries, err = tx.Entries(botID)
		return err
	})
	return entries, err
}

// Orders lists orders matching filter.
func (o *Operator) Orders(ctx context.Context, filter positions.OrderFilter) ([]domain.PendingOrder, error) {
	return o.queue.Orders(ctx, filter)
}

func (o *Operator) transition(ctx context.Context, id, action string, next domain.BotStatus, check func(b *domain.Bot) error) (domain.Bot, error) {
	var bot domain.Bot
	err := o.store.Update(ctx, func(tx positions.Tx) error {
		current, err := tx.Bot(id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(&current); err != nil {
				return err
			}
		}
		if err := current.TransitionTo(next, o.queue.Now()); err != nil {
			return err
		}
		bot = current
		return tx.PutBot(current)
	})
	if err != nil {
		return domain.Bot{}, err
	}

	o.l.Info("operator action applied", zap.String("bot", id), zap.String("action", action), zap.String("status", string(bot.Status)))
	o.record(id, "", action, bot.Status)

	return bot, nil
}

func (o *Operator) record(botID, orderID, action string, status domain.BotStatus) {
	o.append(journal.Event{
		Type:    journal.EventOperator,
		BotID:   botID,
		OrderID: orderID,
		Action:  action,
		Status:  string(status),
		Time:    o.queue.Now(),
	})
}

func (o *Operator) recordOrder(botID string, order domain.PendingOrder, action string, status domain.BotStatus, price decimal.Decimal) {
	o.append(journal.Event{
		Type:     journal.EventOperator,
		BotID:    botID,
		OrderID:  order.ID,
		Action:   action,
		Status:   string(status),
		Price:    price,
		Quantity: order.Volume,
		Time:     o.queue.Now(),
	})
}

func (o *Operator) append(ev journal.Event) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Append(ev); err != nil {
		o.l.Warn("failed to journal operator action", zap.String("bot", ev.BotID), zap.String("action", ev.Action), zap.Error(err))
	}
}
