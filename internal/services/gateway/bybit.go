package gateway

import (
	"context"

	"github.com/hirokisan/bybit/v2"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/ladder/internal/clients"
	"github.com/vadiminshakov/ladder/internal/domain"
)

const bybitCategory = "spot"

// BybitGateway spot gateway over the Bybit v5 API.
type BybitGateway struct {
	client       *bybit.Client
	credentialID string
}

func NewBybitGateway(client *bybit.Client, credentialID string) *BybitGateway {
	return &BybitGateway{client: client, credentialID: credentialID}
}

func (g *BybitGateway) GetBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	coin := bybit.Coin(clients.Asset(clients.ExchangeBybit, asset))

	res, err := g.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5UNIFIED, []bybit.Coin{coin})
	if err != nil {
		return decimal.Zero, classifyBybit("get bybit wallet balance", g.credentialID, err)
	}

	for _, account := range res.Result.List {
		for _, c := range account.Coin {
			if string(c.Coin) == string(coin) {
				return parseDecimal(c.WalletBalance), nil
			}
		}
	}

	return decimal.Zero, nil
}

func (g *BybitGateway) GetInstrumentInfo(_ context.Context, pair domain.Pair) (domain.InstrumentInfo, error) {
	symbol := bybit.SymbolV5(clients.Symbol(clients.ExchangeBybit, pair))

	res, err := g.client.V5().Market().GetInstrumentsInfo(bybit.V5GetInstrumentsInfoParam{
		Category: bybitCategory,
		Symbol:   &symbol,
	})
	if err != nil {
		return domain.InstrumentInfo{}, classifyBybit("get bybit instruments info", g.credentialID, err)
	}
	if res.Result.Spot == nil || len(res.Result.Spot.List) == 0 {
		return domain.InstrumentInfo{}, domain.NewPermanentOrderError("bybit does not list symbol %s", symbol)
	}

	instrument := res.Result.Spot.List[0]
	return domain.InstrumentInfo{
		LotPrecision:   domain.PrecisionFromStep(instrument.LotSizeFilter.BasePrecision),
		PricePrecision: domain.PrecisionFromStep(instrument.PriceFilter.TickSize),
		MinOrderSize:   parseDecimal(instrument.LotSizeFilter.MinOrderQty),
	}, nil
}

// PlaceOrder places a spot order. Market buys on Bybit spot are sized in quote currency,
// so the base volume is converted with the reference price.
func (g *BybitGateway) PlaceOrder(_ context.Context, req OrderRequest) (OrderAck, error) {
	side := bybit.SideBuy
	if req.Side == domain.OrderSideSell {
		side = bybit.SideSell
	}

	param := bybit.V5CreateOrderParam{
		Category:    bybitCategory,
		Symbol:      bybit.SymbolV5(clients.Symbol(clients.ExchangeBybit, req.Pair)),
		Side:        side,
		OrderType:   bybit.OrderTypeMarket,
		Qty:         req.Volume.String(),
		OrderLinkID: &req.ClientOrderID,
	}

	switch {
	case req.Type == domain.OrderTypeLimit:
		price := req.Price.String()
		param.OrderType = bybit.OrderTypeLimit
		param.Price = &price
	case req.Side == domain.OrderSideBuy:
		if !req.Price.IsPositive() {
			return OrderAck{}, domain.NewPermanentOrderError("bybit market buy needs a reference price")
		}
		param.Qty = req.Volume.Mul(req.Price).RoundFloor(2).String()
	}

	res, err := g.client.V5().Order().CreateOrder(param)
	if err != nil {
		return OrderAck{}, classifyBybit("place bybit order", g.credentialID, err)
	}

	return OrderAck{OrderID: res.Result.OrderID}, nil
}

func (g *BybitGateway) QueryOrder(_ context.Context, pair domain.Pair, clientOrderID string) (OrderState, error) {
	symbol := bybit.SymbolV5(clients.Symbol(clients.ExchangeBybit, pair))

	res, err := g.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
		Category:    bybitCategory,
		Symbol:      &symbol,
		OrderLinkID: &clientOrderID,
	})
	if err != nil {
		return OrderState{}, classifyBybit("query bybit order", g.credentialID, err)
	}
	if len(res.Result.List) == 0 {
		return OrderState{}, domain.ErrOrderNotFoundOnExchange
	}

	order := res.Result.List[0]
	state := OrderState{
		OrderID:        order.OrderID,
		ExecutedVolume: parseDecimal(order.CumExecQty),
		ExecutedPrice:  parseDecimal(order.AvgPrice),
	}

	switch string(order.OrderStatus) {
	case "Filled":
		state.Status = OrderStatusFilled
	case "Cancelled", "Rejected", "Deactivated", "PartiallyFilledCanceled":
		state.Status = OrderStatusClosed
	default:
		state.Status = OrderStatusOpen
	}

	return state, nil
}
