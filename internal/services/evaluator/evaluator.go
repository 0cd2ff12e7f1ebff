// Package evaluator runs the ladder engine over every active bot and turns its decisions into queued orders.
package evaluator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/metrics"
	"github.com/vadiminshakov/ladder/internal/services/engine"
	"github.com/vadiminshakov/ladder/internal/services/queue"
	"github.com/vadiminshakov/ladder/internal/storage/journal"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
)

const defaultConcurrency = 8

// PriceFeed returns the last price of a pair on an exchange.
type PriceFeed interface {
	GetPrice(ctx context.Context, exchange string, pair domain.Pair) (decimal.Decimal, error)
}

// Config evaluator tuning.
type Config struct {
	Concurrency int
	// AutoRetryExitFailed moves exit_failed bots back to active once ExitFailedCooldown has passed.
	AutoRetryExitFailed bool
	ExitFailedCooldown  time.Duration
}

// Evaluator evaluates bots.
type Evaluator struct {
	store   positions.Store
	queue   *queue.Queue
	feed    PriceFeed
	cfg     Config
	journal queue.Journal
	metrics *metrics.Metrics
	l       *zap.Logger
}

// Option configures optional collaborators.
type Option func(*Evaluator)

func WithJournal(j queue.Journal) Option {
	return func(e *Evaluator) { e.journal = j }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

func New(l *zap.Logger, store positions.Store, q *queue.Queue, feed PriceFeed, cfg Config, opts ...Option) *Evaluator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	e := &Evaluator{
		store: store,
		queue: q,
		feed:  feed,
		cfg:   cfg,
		l:     l,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateAllActiveBots evaluates every active bot once. Bots are evaluated concurrently and
// one bot's failure never affects the others; only failing to list bots is returned.
func (e *Evaluator) EvaluateAllActiveBots(ctx context.Context) error {
	defer e.metrics.ObserveTick("evaluate", time.Now())

	if e.cfg.AutoRetryExitFailed {
		if err := e.retryExitFailed(ctx); err != nil {
			e.l.Error("failed to retry exit_failed bots", zap.Error(err))
		}
	}

	var bots []domain.Bot
	counts := make(map[string]int)
	err := e.store.View(ctx, func(tx positions.Tx) error {
		all, err := tx.Bots(positions.BotFilter{})
		if err != nil {
			return err
		}
		bots = bots[:0]
		for _, b := range all {
			counts[string(b.Status)]++
			if b.Status == domain.BotStatusActive {
				bots = append(bots, b)
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "list active bots")
	}
	e.metrics.SetBotCounts(counts)

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, bot := range bots {
		g.Go(func() error {
			if err := e.EvaluateBot(ctx, bot); err != nil {
				e.l.Error("bot evaluation failed", zap.String("bot", bot.ID), zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

// EvaluateBot runs one decision for bot and acts on it.
func (e *Evaluator) EvaluateBot(ctx context.Context, bot domain.Bot) error {
	price, err := e.feed.GetPrice(ctx, bot.Exchange, bot.Pair)
	if err != nil {
		// a missing price only skips this tick
		e.l.Warn("no price for bot", zap.String("bot", bot.ID), zap.String("pair", bot.Pair.String()), zap.Error(err))
		price = decimal.Zero
	}

	open, err := e.openOrders(ctx, bot.ID)
	if err != nil {
		return err
	}

	d := engine.Decide(bot, price, e.queue.Now(), open)
	e.metrics.Decision(d.Kind.String())

	e.l.Debug("bot evaluated",
		zap.String("bot", bot.ID),
		zap.String("price", price.String()),
		zap.String("decision", d.Kind.String()),
		zap.String("reason", d.Reason),
		zap.String("trigger_price", d.TriggerPrice.String()))

	switch d.Kind {
	case engine.KindEnter:
		return e.enter(ctx, bot, price, d)
	case engine.KindExit:
		return e.exit(ctx, bot, price, d)
	default:
		return nil
	}
}

// enter enqueues the buy unless the bot changed since the snapshot the decision was taken on.
func (e *Evaluator) enter(ctx context.Context, bot domain.Bot, price decimal.Decimal, d engine.Decision) error {
	order := e.queue.NewOrder(bot, domain.OrderSideBuy, d.Amount.Div(price), price, false)

	err := e.store.Update(ctx, func(tx positions.Tx) error {
		if err := unchanged(tx, bot); err != nil {
			return err
		}
		return e.queue.EnqueueTx(tx, order)
	})
	if err != nil {
		if errors.Is(err, domain.ErrOrderOutstanding) || errors.Is(err, domain.ErrConflict) {
			e.l.Debug("entry skipped", zap.String("bot", bot.ID), zap.Error(err))
			return nil
		}
		return errors.Wrapf(err, "enqueue entry %d", bot.CurrentEntryCount+1)
	}

	e.queue.Enqueued(order)
	e.l.Info("entry enqueued",
		zap.String("bot", bot.ID),
		zap.Int("entry", bot.CurrentEntryCount+1),
		zap.String("amount", d.Amount.String()),
		zap.String("price", price.String()),
		zap.String("reason", d.Reason))
	e.record(bot, order, price, d)

	return nil
}

// exit moves the bot to exiting and enqueues the sell in one transaction.
func (e *Evaluator) exit(ctx context.Context, bot domain.Bot, price decimal.Decimal, d engine.Decision) error {
	order := e.queue.NewOrder(bot, domain.OrderSideSell, d.Quantity, price, true)

	err := e.store.Update(ctx, func(tx positions.Tx) error {
		if err := unchanged(tx, bot); err != nil {
			return err
		}
		current, err := tx.Bot(bot.ID)
		if err != nil {
			return err
		}

		if err := current.TransitionTo(domain.BotStatusExiting, e.queue.Now()); err != nil {
			return err
		}
		current.CurrentTakeProfitPrice = d.TriggerPrice
		if err := tx.PutBot(current); err != nil {
			return err
		}

		return e.queue.EnqueueTx(tx, order)
	})
	if err != nil {
		if errors.Is(err, domain.ErrOrderOutstanding) || errors.Is(err, domain.ErrConflict) {
			e.l.Debug("exit skipped", zap.String("bot", bot.ID), zap.Error(err))
			return nil
		}
		return errors.Wrap(err, "enqueue exit")
	}

	e.queue.Enqueued(order)
	e.l.Info("exit enqueued",
		zap.String("bot", bot.ID),
		zap.String("quantity", d.Quantity.String()),
		zap.String("price", price.String()),
		zap.String("take_profit", d.TriggerPrice.String()))
	e.record(bot, order, price, d)

	return nil
}

// unchanged fails with domain.ErrConflict when a fill or an operator action touched the bot
// after the snapshot was read.
func unchanged(tx positions.Tx, snapshot domain.Bot) error {
	current, err := tx.Bot(snapshot.ID)
	if err != nil {
		return err
	}
	if current.Status != domain.BotStatusActive || !current.UpdatedAt.Equal(snapshot.UpdatedAt) ||
		current.CurrentEntryCount != snapshot.CurrentEntryCount || !current.LastEntryPrice.Equal(snapshot.LastEntryPrice) {
		return errors.Wrapf(domain.ErrConflict, "bot %s changed since evaluation", snapshot.ID)
	}
	return nil
}

func (e *Evaluator) openOrders(ctx context.Context, botID string) (engine.OpenOrders, error) {
	var open engine.OpenOrders
	err := e.store.View(ctx, func(tx positions.Tx) error {
		buys, err := tx.Orders(positions.OpenOrders(botID, domain.OrderSideBuy))
		if err != nil {
			return err
		}
		sells, err := tx.Orders(positions.OpenOrders(botID, domain.OrderSideSell))
		if err != nil {
			return err
		}
		open = engine.OpenOrders{Buy: len(buys) > 0, Sell: len(sells) > 0}
		return nil
	})
	if err != nil {
		return engine.OpenOrders{}, errors.Wrapf(err, "open orders of bot %s", botID)
	}
	return open, nil
}

// retryExitFailed gives exit_failed bots another take-profit attempt after the cooldown.
func (e *Evaluator) retryExitFailed(ctx context.Context) error {
	now := e.queue.Now()

	var retried []string
	err := e.store.Update(ctx, func(tx positions.Tx) error {
		retried = retried[:0]
		bots, err := tx.Bots(positions.BotFilter{Status: domain.BotStatusExitFailed})
		if err != nil {
			return err
		}
		for _, bot := range bots {
			if now.Sub(bot.UpdatedAt) < e.cfg.ExitFailedCooldown {
				continue
			}
			if err := bot.TransitionTo(domain.BotStatusActive, now); err != nil {
				return err
			}
			if err := tx.PutBot(bot); err != nil {
				return err
			}
			retried = append(retried, bot.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range retried {
		e.l.Info("exit_failed bot returned to active after cooldown", zap.String("bot", id))
		e.appendJournal(journal.Event{
			Type:   journal.EventOperator,
			BotID:  id,
			Action: "auto_retry_exit",
			Status: string(domain.BotStatusActive),
			Time:   now,
		})
	}

	return nil
}

func (e *Evaluator) record(bot domain.Bot, order domain.PendingOrder, price decimal.Decimal, d engine.Decision) {
	e.appendJournal(journal.Event{
		Type:     journal.EventDecision,
		BotID:    bot.ID,
		OrderID:  order.ID,
		Action:   d.Kind.String(),
		Reason:   d.Reason,
		Price:    price,
		Amount:   d.Amount,
		Quantity: order.Volume,
		Time:     order.CreatedAt,
	})
}

func (e *Evaluator) appendJournal(ev journal.Event) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(ev); err != nil {
		e.l.Warn("failed to journal event", zap.String("bot", ev.BotID), zap.String("action", ev.Action), zap.Error(err))
	}
}
