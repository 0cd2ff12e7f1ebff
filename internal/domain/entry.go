package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FillStatus how completely the exchange filled the order behind an entry.
type FillStatus string

const (
	FillStatusFilled          FillStatus = "filled"
	FillStatusPartiallyFilled FillStatus = "partially_filled"
)

// Entry is an immutable record of one confirmed buy fill.
type Entry struct {
	BotID           string          `json:"bot_id"`
	CycleID         string          `json:"cycle_id"`
	EntryNumber     int             `json:"entry_number"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	OrderAmount     decimal.Decimal `json:"order_amount"`
	FillStatus      FillStatus      `json:"fill_status"`
	Timestamp       time.Time       `json:"timestamp"`
	OrderID         string          `json:"order_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
}
