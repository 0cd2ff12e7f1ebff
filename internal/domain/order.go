package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType market or limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus queue state of a pending order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusRetry      OrderStatus = "retry"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
)

// IsOpen reports whether the order still occupies its (bot, side) slot.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusPending || s == OrderStatusProcessing || s == OrderStatusRetry
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed
}

// IsValid checks if the status is known.
func (s OrderStatus) IsValid() bool {
	return s.IsOpen() || s.IsTerminal()
}

// PendingOrder is one in-flight submission tracked by the order queue.
type PendingOrder struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	BotID         string          `json:"bot_id"`
	Pair          Pair            `json:"pair"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Volume        decimal.Decimal `json:"volume"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
	// QuotedPrice is the price observed when the decision was made.
	QuotedPrice decimal.Decimal `json:"quoted_price"`
	// IsExit marks sells that drive the bot's exit state machine.
	IsExit bool `json:"is_exit,omitempty"`

	Status            OrderStatus `json:"status"`
	Attempts          int         `json:"attempts"`
	MaxAttempts       int         `json:"max_attempts"`
	FailedCredentials []string    `json:"failed_credentials,omitempty"`
	NextRetryAt       time.Time   `json:"next_retry_at"`
	ClaimedAt         time.Time   `json:"claimed_at,omitempty"`
	LastError         string      `json:"last_error,omitempty"`

	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	CredentialID    string          `json:"credential_id,omitempty"`
	Submitted       bool            `json:"submitted,omitempty"`
	ExecutedPrice   decimal.Decimal `json:"executed_price,omitempty"`
	ExecutedVolume  decimal.Decimal `json:"executed_volume,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the invariants every enqueued order must satisfy.
func (o *PendingOrder) Validate() error {
	switch {
	case o.ID == "" || o.ClientOrderID == "":
		return NewPermanentOrderError("order ids are required")
	case o.BotID == "":
		return NewPermanentOrderError("bot id is required")
	case o.Side != OrderSideBuy && o.Side != OrderSideSell:
		return NewPermanentOrderError("unknown side %q", o.Side)
	case o.Type != OrderTypeMarket && o.Type != OrderTypeLimit:
		return NewPermanentOrderError("unknown type %q", o.Type)
	case !o.Volume.IsPositive():
		return NewPermanentOrderError("volume must be positive, got %s", o.Volume.String())
	case o.Type == OrderTypeLimit && !o.LimitPrice.IsPositive():
		return NewPermanentOrderError("limit order requires a positive price")
	case o.MaxAttempts < 1:
		return NewPermanentOrderError("max attempts must be >= 1")
	}
	return nil
}

// HasFailedCredential reports whether the credential already failed for this order.
func (o *PendingOrder) HasFailedCredential(id string) bool {
	for _, failed := range o.FailedCredentials {
		if failed == id {
			return true
		}
	}
	return false
}

// MarkCredentialFailed adds id to the per-order circuit breaker.
func (o *PendingOrder) MarkCredentialFailed(id string) {
	if id == "" || o.HasFailedCredential(id) {
		return
	}
	o.FailedCredentials = append(o.FailedCredentials, id)
}

// IsDue reports whether the worker may pick the order up at now.
func (o *PendingOrder) IsDue(now time.Time) bool {
	switch o.Status {
	case OrderStatusPending:
		return true
	case OrderStatusRetry:
		return !now.Before(o.NextRetryAt)
	default:
		return false
	}
}
