package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/clients"
	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/storage/simstate"
)

// default instrument rules of the simulated exchange
const (
	simulateLotPrecision   = 6
	simulatePricePrecision = 2
)

// SimulateGateway paper trading account: market orders fill at the feed price,
// limit orders fill once the feed price crosses the limit.
type SimulateGateway struct {
	mu         sync.Mutex
	logger     *zap.Logger
	pricer     Pricer
	wallet     map[string]decimal.Decimal
	orders     map[string]simstate.StoredOrder
	instrument domain.InstrumentInfo
	stateStore *simstate.Store
}

// NewSimulateGateway creates a simulated account. initial is only used when no state was persisted.
func NewSimulateGateway(l *zap.Logger, pricer Pricer, stateStore *simstate.Store,
	initial map[string]decimal.Decimal, instrument *domain.InstrumentInfo) (*SimulateGateway, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if pricer == nil {
		return nil, errors.New("pricer is required for SimulateGateway")
	}

	info := domain.InstrumentInfo{LotPrecision: simulateLotPrecision, PricePrecision: simulatePricePrecision}
	if instrument != nil {
		info = *instrument
	}

	g := &SimulateGateway{
		logger:     l,
		pricer:     pricer,
		wallet:     make(map[string]decimal.Decimal),
		orders:     make(map[string]simstate.StoredOrder),
		instrument: info,
		stateStore: stateStore,
	}
	for asset, amount := range initial {
		g.wallet[clients.CanonicalAsset(asset)] = amount
	}

	if err := g.restoreState(); err != nil {
		l.Warn("failed to restore simulate state", zap.Error(err))
	}

	return g, nil
}

func (g *SimulateGateway) GetBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wallet[clients.CanonicalAsset(asset)], nil
}

func (g *SimulateGateway) GetInstrumentInfo(_ context.Context, _ domain.Pair) (domain.InstrumentInfo, error) {
	return g.instrument, nil
}

func (g *SimulateGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if !req.Volume.IsPositive() {
		return OrderAck{}, domain.NewPermanentOrderError("order volume must be positive, got %s", req.Volume.String())
	}

	price, err := g.pricer.GetPrice(ctx, req.Pair)
	if err != nil {
		return OrderAck{}, &domain.TransientExchangeError{Op: "simulate price", Err: err}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if o, ok := g.orders[req.ClientOrderID]; ok {
		return OrderAck{OrderID: o.OrderID}, nil
	}

	order := simstate.StoredOrder{
		OrderID: "sim-" + uuid.NewString(),
		Pair:    req.Pair.String(),
		Side:    string(req.Side),
	}

	fillPrice, marketable := g.fillPrice(req.Side, req.Type, req.Price, price)
	if marketable {
		if err := g.settle(req.Pair, req.Side, req.Volume, fillPrice); err != nil {
			return OrderAck{}, err
		}
		order.Price = fillPrice
		order.Volume = req.Volume
	} else {
		// resting limit order keeps the requested terms until it crosses
		order.Price = req.Price
		order.Volume = req.Volume.Neg()
	}

	g.orders[req.ClientOrderID] = order
	g.persist()

	g.logger.Info("simulated order placed",
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("side", string(req.Side)),
		zap.String("volume", req.Volume.String()),
		zap.String("price", order.Price.String()),
		zap.Bool("filled", marketable))

	return OrderAck{OrderID: order.OrderID}, nil
}

func (g *SimulateGateway) QueryOrder(ctx context.Context, pair domain.Pair, clientOrderID string) (OrderState, error) {
	g.mu.Lock()
	o, ok := g.orders[clientOrderID]
	g.mu.Unlock()
	if !ok {
		return OrderState{}, domain.ErrOrderNotFoundOnExchange
	}

	if o.Volume.IsNegative() {
		price, err := g.pricer.GetPrice(ctx, pair)
		if err != nil {
			return OrderState{}, &domain.TransientExchangeError{Op: "simulate price", Err: err}
		}

		g.mu.Lock()
		defer g.mu.Unlock()

		o = g.orders[clientOrderID]
		side := domain.OrderSide(o.Side)
		if _, marketable := g.fillPrice(side, domain.OrderTypeLimit, o.Price, price); !marketable || !o.Volume.IsNegative() {
			return g.state(o), nil
		}
		volume := o.Volume.Neg()
		if err := g.settle(pair, side, volume, o.Price); err != nil {
			return OrderState{OrderID: o.OrderID, Status: OrderStatusClosed}, nil
		}
		o.Volume = volume
		g.orders[clientOrderID] = o
		g.persist()
	}

	return g.state(o), nil
}

func (g *SimulateGateway) state(o simstate.StoredOrder) OrderState {
	if o.Volume.IsNegative() {
		return OrderState{OrderID: o.OrderID, Status: OrderStatusOpen}
	}
	return OrderState{
		OrderID:        o.OrderID,
		Status:         OrderStatusFilled,
		ExecutedPrice:  o.Price,
		ExecutedVolume: o.Volume,
	}
}

// fillPrice returns the execution price and whether the order executes right away.
func (g *SimulateGateway) fillPrice(side domain.OrderSide, typ domain.OrderType, limit, market decimal.Decimal) (decimal.Decimal, bool) {
	if typ != domain.OrderTypeLimit {
		return market, true
	}
	if side == domain.OrderSideBuy && market.LessThanOrEqual(limit) {
		return limit, true
	}
	if side == domain.OrderSideSell && market.GreaterThanOrEqual(limit) {
		return limit, true
	}
	return decimal.Zero, false
}

// settle moves funds between base and quote. Caller holds g.mu.
func (g *SimulateGateway) settle(pair domain.Pair, side domain.OrderSide, volume, price decimal.Decimal) error {
	base, quote := clients.CanonicalAsset(pair.From), clients.CanonicalAsset(pair.To)
	notional := volume.Mul(price)

	switch side {
	case domain.OrderSideBuy:
		if g.wallet[quote].LessThan(notional) {
			return &domain.PermanentOrderError{Reason: fmt.Sprintf("insufficient %s balance: have %s need %s",
				quote, g.wallet[quote].String(), notional.String())}
		}
		g.wallet[quote] = g.wallet[quote].Sub(notional)
		g.wallet[base] = g.wallet[base].Add(volume)
	case domain.OrderSideSell:
		if g.wallet[base].LessThan(volume) {
			return &domain.PermanentOrderError{Reason: fmt.Sprintf("insufficient %s balance: have %s need %s",
				base, g.wallet[base].String(), volume.String())}
		}
		g.wallet[base] = g.wallet[base].Sub(volume)
		g.wallet[quote] = g.wallet[quote].Add(notional)
	default:
		return domain.NewPermanentOrderError("unknown order side %q", side)
	}

	return nil
}

func (g *SimulateGateway) restoreState() error {
	if g.stateStore == nil {
		return nil
	}

	state, err := g.stateStore.Load()
	if err != nil || state == nil {
		return err
	}

	if len(state.Wallet) > 0 {
		g.wallet = state.Wallet
	}
	if state.Orders != nil {
		g.orders = state.Orders
	}

	return nil
}

// persist saves wallet and orders. Caller holds g.mu.
func (g *SimulateGateway) persist() {
	if g.stateStore == nil {
		return
	}

	if err := g.stateStore.Save(simstate.State{Wallet: g.wallet, Orders: g.orders}); err != nil {
		g.logger.Warn("failed to persist simulate state", zap.Error(err))
	}
}
