// Package gateway is the exchange boundary: balances, instrument rules, order placement and lookup.
// Exchange specific symbols, error codes and statuses never leave this package.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/ladder/internal/domain"
)

// OrderStatus normalized exchange order state.
type OrderStatus string

const (
	// OrderStatusOpen accepted and still working, possibly partially filled.
	OrderStatusOpen OrderStatus = "open"
	// OrderStatusFilled fully executed.
	OrderStatusFilled OrderStatus = "filled"
	// OrderStatusClosed canceled, expired or rejected by the exchange; ExecutedVolume may be non-zero.
	OrderStatusClosed OrderStatus = "closed"
)

// OrderRequest order to place. Volume is in base currency, Price is the limit price for
// limit orders and the reference price for market orders.
type OrderRequest struct {
	Pair          domain.Pair
	Side          domain.OrderSide
	Type          domain.OrderType
	Volume        decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// OrderAck exchange acknowledgement of a placed order.
type OrderAck struct {
	OrderID string
}

// OrderState what the exchange knows about an order.
type OrderState struct {
	OrderID        string
	Status         OrderStatus
	ExecutedPrice  decimal.Decimal
	ExecutedVolume decimal.Decimal
}

// Gateway talks to one exchange account.
// Errors are classified: *domain.TransientExchangeError, *domain.CredentialError or
// *domain.PermanentOrderError. QueryOrder returns domain.ErrOrderNotFoundOnExchange for unknown ids.
type Gateway interface {
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetInstrumentInfo(ctx context.Context, pair domain.Pair) (domain.InstrumentInfo, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	QueryOrder(ctx context.Context, pair domain.Pair, clientOrderID string) (OrderState, error)
}

// Pricer defines an interface for getting the price of a trading pair.
type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}

// averagePrice quote spent divided by base executed.
func averagePrice(quote, base decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	return quote.Div(base)
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
