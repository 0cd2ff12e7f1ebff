package gateway

import (
	"context"
	"strconv"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/ladder/internal/clients"
	"github.com/vadiminshakov/ladder/internal/domain"
)

// BinanceGateway spot gateway for one Binance API key.
type BinanceGateway struct {
	client       *binance.Client
	credentialID string
}

func NewBinanceGateway(client *binance.Client, credentialID string) *BinanceGateway {
	return &BinanceGateway{client: client, credentialID: credentialID}
}

func (g *BinanceGateway) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	account, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, classifyBinance("get binance account balance", g.credentialID, err)
	}

	want := clients.Asset(clients.ExchangeBinance, asset)
	for _, balance := range account.Balances {
		if balance.Asset == want {
			return parseDecimal(balance.Free), nil
		}
	}

	return decimal.Zero, nil
}

func (g *BinanceGateway) GetInstrumentInfo(ctx context.Context, pair domain.Pair) (domain.InstrumentInfo, error) {
	symbol := clients.Symbol(clients.ExchangeBinance, pair)

	res, err := g.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return domain.InstrumentInfo{}, classifyBinance("get binance exchange info", g.credentialID, err)
	}

	for _, s := range res.Symbols {
		if s.Symbol != symbol {
			continue
		}

		info := domain.InstrumentInfo{}
		if lot := s.LotSizeFilter(); lot != nil {
			info.LotPrecision = domain.PrecisionFromStep(lot.StepSize)
			info.MinOrderSize = parseDecimal(lot.MinQuantity)
		}
		if price := s.PriceFilter(); price != nil {
			info.PricePrecision = domain.PrecisionFromStep(price.TickSize)
		}
		return info, nil
	}

	return domain.InstrumentInfo{}, domain.NewPermanentOrderError("binance does not list symbol %s", symbol)
}

func (g *BinanceGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	side := binance.SideTypeBuy
	if req.Side == domain.OrderSideSell {
		side = binance.SideTypeSell
	}

	svc := g.client.NewCreateOrderService().
		Symbol(clients.Symbol(clients.ExchangeBinance, req.Pair)).
		Side(side).
		Quantity(req.Volume.String()).
		NewClientOrderID(req.ClientOrderID)

	if req.Type == domain.OrderTypeLimit {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.Price.String())
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return OrderAck{}, classifyBinance("place binance order", g.credentialID, err)
	}

	return OrderAck{OrderID: strconv.FormatInt(res.OrderID, 10)}, nil
}

func (g *BinanceGateway) QueryOrder(ctx context.Context, pair domain.Pair, clientOrderID string) (OrderState, error) {
	order, err := g.client.NewGetOrderService().
		Symbol(clients.Symbol(clients.ExchangeBinance, pair)).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return OrderState{}, classifyBinance("query binance order", g.credentialID, err)
	}

	executed := parseDecimal(order.ExecutedQuantity)
	state := OrderState{
		OrderID:        strconv.FormatInt(order.OrderID, 10),
		ExecutedVolume: executed,
		ExecutedPrice:  averagePrice(parseDecimal(order.CummulativeQuoteQuantity), executed),
	}

	switch order.Status {
	case binance.OrderStatusTypeFilled:
		state.Status = OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		state.Status = OrderStatusClosed
	default:
		state.Status = OrderStatusOpen
	}

	return state, nil
}
