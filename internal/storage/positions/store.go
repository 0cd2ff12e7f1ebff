// Package positions defines the position store: bots, their entry ledgers and the order queue.
// Every mutation happens inside a transaction so read-check-write sequences are atomic.
package positions

import (
	"context"

	"github.com/vadiminshakov/ladder/internal/domain"
)

// BotFilter selects bots. Zero fields match everything.
type BotFilter struct {
	Status   domain.BotStatus
	UserID   string
	Exchange string
}

// Match reports whether bot satisfies the filter.
func (f BotFilter) Match(bot domain.Bot) bool {
	if f.Status != "" && bot.Status != f.Status {
		return false
	}
	if f.UserID != "" && bot.UserID != f.UserID {
		return false
	}
	if f.Exchange != "" && bot.Exchange != f.Exchange {
		return false
	}
	return true
}

// OrderFilter selects orders. Zero fields match everything.
type OrderFilter struct {
	BotID    string
	Side     domain.OrderSide
	Statuses []domain.OrderStatus
}

// OpenOrders selects the orders still occupying the (bot, side) slot.
func OpenOrders(botID string, side domain.OrderSide) OrderFilter {
	return OrderFilter{
		BotID:    botID,
		Side:     side,
		Statuses: []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusRetry},
	}
}

// Match reports whether order satisfies the filter.
func (f OrderFilter) Match(order domain.PendingOrder) bool {
	if f.BotID != "" && order.BotID != f.BotID {
		return false
	}
	if f.Side != "" && order.Side != f.Side {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if order.Status == s {
			return true
		}
	}
	return false
}

// Tx is a unit of work against the store. Reads observe the transaction's snapshot,
// writes become visible atomically on commit.
type Tx interface {
	// Bot returns domain.ErrNotFound when the bot does not exist.
	Bot(id string) (domain.Bot, error)
	PutBot(bot domain.Bot) error
	Bots(filter BotFilter) ([]domain.Bot, error)

	// Order returns domain.ErrNotFound when the order does not exist.
	Order(id string) (domain.PendingOrder, error)
	PutOrder(order domain.PendingOrder) error
	Orders(filter OrderFilter) ([]domain.PendingOrder, error)

	// AppendEntry adds to the bot's immutable entry ledger.
	AppendEntry(entry domain.Entry) error
	// Entries returns the bot's ledger in insertion order.
	Entries(botID string) ([]domain.Entry, error)
}

// Store is the single source of truth shared by the evaluator, the tracker and the worker.
type Store interface {
	// Update runs fn in a read-write transaction. A concurrent write to the same
	// documents makes Update fail with domain.ErrConflict and nothing is written.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	// DeleteBot removes the bot, its ledger and its orders in one batch.
	DeleteBot(ctx context.Context, id string) error
	Close() error
}
