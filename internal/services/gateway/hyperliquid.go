package gateway

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/jxskiss/base62"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"

	"github.com/vadiminshakov/ladder/internal/clients"
	"github.com/vadiminshakov/ladder/internal/domain"
)

const (
	hyperliquidSlippage = 0.005
	// hyperliquid does not expose lot rules per spot pair through this client,
	// sizes are floored to the precision the exchange accepts for majors
	hyperliquidLotPrecision   = 4
	hyperliquidPricePrecision = 5
)

// HyperliquidGateway places IOC limit orders with a slippage price to emulate market orders.
type HyperliquidGateway struct {
	ex           *hyperliquid.Exchange
	info         *hyperliquid.Info
	accountAddr  string
	credentialID string
}

func NewHyperliquidGateway(client *clients.HyperliquidClient, credentialID string) (*HyperliquidGateway, error) {
	if client == nil || client.Exchange() == nil {
		return nil, errors.New("hyperliquid exchange is nil")
	}

	return &HyperliquidGateway{
		ex:           client.Exchange(),
		info:         client.Info(),
		accountAddr:  client.AccountAddress(),
		credentialID: credentialID,
	}, nil
}

// cloid converts a base62 client order id (16 bytes) into a Hyperliquid cloid (0x + 32 hex chars).
func cloid(clientOrderID string) (string, error) {
	raw, err := base62.DecodeString(clientOrderID)
	if err != nil {
		return "", domain.NewPermanentOrderError("client order id %q is not base62: %v", clientOrderID, err)
	}

	buf := make([]byte, 16)
	if len(raw) > len(buf) {
		raw = raw[len(raw)-len(buf):]
	}
	copy(buf[len(buf)-len(raw):], raw)

	return "0x" + hex.EncodeToString(buf), nil
}

func (g *HyperliquidGateway) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	st, err := g.info.SpotUserState(ctx, g.accountAddr)
	if err != nil {
		return decimal.Zero, g.classify("get hyperliquid spot user state", err)
	}

	want := clients.Asset(clients.ExchangeHyperliquid, asset)
	for _, b := range st.Balances {
		if strings.EqualFold(clients.CanonicalAsset(b.Coin), want) {
			return parseDecimal(b.Total), nil
		}
	}

	return decimal.Zero, nil
}

func (g *HyperliquidGateway) GetInstrumentInfo(_ context.Context, _ domain.Pair) (domain.InstrumentInfo, error) {
	return domain.InstrumentInfo{
		LotPrecision:   hyperliquidLotPrecision,
		PricePrecision: hyperliquidPricePrecision,
	}, nil
}

func (g *HyperliquidGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	coin := clients.Symbol(clients.ExchangeHyperliquid, req.Pair)
	isBuy := req.Side == domain.OrderSideBuy

	id, err := cloid(req.ClientOrderID)
	if err != nil {
		return OrderAck{}, err
	}

	size, _ := req.Volume.Round(8).Float64()

	var px float64
	if req.Type == domain.OrderTypeLimit {
		px, _ = req.Price.Float64()
	} else {
		px, err = g.ex.SlippagePrice(ctx, coin, isBuy, hyperliquidSlippage, nil)
		if err != nil {
			return OrderAck{}, g.classify("hyperliquid slippage price", err)
		}
	}

	tif := hyperliquid.TifIoc
	if req.Type == domain.OrderTypeLimit {
		tif = hyperliquid.TifGtc
	}

	_, err = g.ex.Order(ctx, hyperliquid.CreateOrderRequest{
		Coin:          coin,
		IsBuy:         isBuy,
		Price:         px,
		Size:          size,
		ClientOrderID: &id,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: tif},
		},
	}, nil)
	if err != nil {
		return OrderAck{}, g.classify("place hyperliquid order", err)
	}

	return OrderAck{OrderID: id}, nil
}

func (g *HyperliquidGateway) QueryOrder(ctx context.Context, pair domain.Pair, clientOrderID string) (OrderState, error) {
	id, err := cloid(clientOrderID)
	if err != nil {
		return OrderState{}, err
	}

	res, err := g.info.QueryOrderByCloid(ctx, g.accountAddr, id)
	if err != nil {
		return OrderState{}, g.classify("query hyperliquid order", err)
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		return OrderState{}, domain.ErrOrderNotFoundOnExchange
	}

	state := OrderState{OrderID: id}
	switch res.Order.Status {
	case hyperliquid.OrderStatusValueFilled:
		state.Status = OrderStatusFilled
		state.ExecutedVolume = parseDecimal(res.Order.Order.OrigSz)
	case hyperliquid.OrderStatusValueOpen:
		state.Status = OrderStatusOpen
		return state, nil
	default:
		// IOC remainder canceled: origSz - sz executed
		state.Status = OrderStatusClosed
		state.ExecutedVolume = parseDecimal(res.Order.Order.OrigSz).Sub(parseDecimal(res.Order.Order.Sz))
	}

	if state.ExecutedVolume.IsPositive() {
		// order status carries no average fill price, the mid right after the fill is used instead
		mids, err := g.info.AllMids(ctx)
		if err != nil {
			return OrderState{}, g.classify("get hyperliquid mids", err)
		}
		state.ExecutedPrice = parseDecimal(mids[clients.Symbol(clients.ExchangeHyperliquid, pair)])
	}

	return state, nil
}

// classify maps hyperliquid failures. The SDK reports API rejections as plain errors.
func (g *HyperliquidGateway) classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "does not exist") && strings.Contains(msg, "user"),
		strings.Contains(msg, "signature"),
		strings.Contains(msg, "unauthorized"):
		return &domain.CredentialError{CredentialID: g.credentialID, Err: err}
	case strings.Contains(msg, "insufficient"),
		strings.Contains(msg, "minimum value"),
		strings.Contains(msg, "invalid size"),
		strings.Contains(msg, "unknown asset"):
		return &domain.PermanentOrderError{Reason: op, Err: err}
	default:
		return classifyNetwork(op, err)
	}
}
