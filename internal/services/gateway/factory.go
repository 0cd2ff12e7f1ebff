package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/clients"
	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/services/pricer"
	"github.com/vadiminshakov/ladder/internal/storage/simstate"
)

// FactoryConfig everything needed to reach the configured exchanges.
type FactoryConfig struct {
	Credentials []domain.Credential
	// Instruments overrides exchange instrument rules, keyed by exchange name.
	Instruments   map[string]map[domain.Pair]domain.InstrumentInfo
	InstrumentTTL time.Duration

	SimulateStateDir string
	SimulateBalances map[string]decimal.Decimal
}

// Factory builds gateways and price feeds, one gateway per credential, cached for the process lifetime.
type Factory struct {
	l   *zap.Logger
	cfg FactoryConfig

	// build creates a gateway; it runs without mu held
	build func(ctx context.Context, cred domain.Credential) (Gateway, error)

	mu       sync.Mutex
	gateways map[string]Gateway
	pricers  map[string]Pricer
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithPricer replaces the price feed of an exchange.
func WithPricer(exchange string, p Pricer) FactoryOption {
	return func(f *Factory) { f.pricers[exchange] = p }
}

// WithGateway replaces the gateway of a credential.
func WithGateway(credentialID string, g Gateway) FactoryOption {
	return func(f *Factory) { f.gateways[credentialID] = g }
}

func NewFactory(l *zap.Logger, cfg FactoryConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		l:        l,
		cfg:      cfg,
		gateways: make(map[string]Gateway),
		pricers:  make(map[string]Pricer),
	}
	f.build = f.newGateway
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Credentials returns the credentials of userID on exchange in configuration order.
func (f *Factory) Credentials(userID, exchange string) []domain.Credential {
	var out []domain.Credential
	for _, c := range f.cfg.Credentials {
		if c.UserID == userID && c.Exchange == exchange {
			out = append(out, c)
		}
	}
	return out
}

// Gateway returns the cached gateway of cred, building it on first use.
// Callers racing on the first use all get the gateway that was cached first.
func (f *Factory) Gateway(ctx context.Context, cred domain.Credential) (Gateway, error) {
	f.mu.Lock()
	g, ok := f.gateways[cred.ID]
	f.mu.Unlock()
	if ok {
		return g, nil
	}

	built, err := f.build(ctx, cred)
	if err != nil {
		return nil, err
	}
	built = withInstrumentCache(built, f.cfg.InstrumentTTL, f.cfg.Instruments[cred.Exchange])

	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.gateways[cred.ID]; ok {
		return g, nil
	}
	g = built
	f.gateways[cred.ID] = g

	f.l.Info("exchange gateway created",
		zap.String("credential", cred.ID),
		zap.String("exchange", cred.Exchange))

	return g, nil
}

func (f *Factory) newGateway(ctx context.Context, cred domain.Credential) (Gateway, error) {
	switch cred.Exchange {
	case clients.ExchangeBinance:
		return NewBinanceGateway(clients.NewBinanceClient(cred.APIKey, cred.APISecret, cred.BaseURL), cred.ID), nil
	case clients.ExchangeBybit:
		return NewBybitGateway(clients.NewBybitClient(cred.APIKey, cred.APISecret, cred.BaseURL), cred.ID), nil
	case clients.ExchangeHyperliquid:
		client, err := clients.NewHyperliquidClient(ctx, cred.APISecret, cred.BaseURL)
		if err != nil {
			// a key that cannot be parsed will never work
			return nil, &domain.CredentialError{CredentialID: cred.ID, Err: err}
		}
		return NewHyperliquidGateway(client, cred.ID)
	case clients.ExchangeSimulate:
		feed, err := f.pricer(ctx, clients.ExchangeSimulate)
		if err != nil {
			return nil, err
		}
		store, err := simstate.NewStore(f.cfg.SimulateStateDir, cred.ID)
		if err != nil {
			return nil, err
		}
		return NewSimulateGateway(f.l.With(zap.String("credential", cred.ID)), feed, store, f.cfg.SimulateBalances, nil)
	default:
		return nil, &domain.ConfigurationError{Field: "exchange", Reason: fmt.Sprintf("unsupported exchange %q", cred.Exchange)}
	}
}

// GetPrice returns the last price of pair on exchange.
func (f *Factory) GetPrice(ctx context.Context, exchange string, pair domain.Pair) (decimal.Decimal, error) {
	p, err := f.pricer(ctx, exchange)
	if err != nil {
		return decimal.Zero, err
	}

	return p.GetPrice(ctx, pair)
}

// pricer returns the cached price feed of exchange, creating it outside the lock on first use.
func (f *Factory) pricer(ctx context.Context, exchange string) (Pricer, error) {
	f.mu.Lock()
	p, ok := f.pricers[exchange]
	f.mu.Unlock()
	if ok {
		return p, nil
	}

	var feed Pricer
	switch exchange {
	case clients.ExchangeBinance, clients.ExchangeSimulate:
		// paper trading follows real Binance prices
		feed = pricer.NewBinancePricer(clients.NewSimulateClient().BinanceClient())
	case clients.ExchangeBybit:
		feed = pricer.NewBybitPricer(clients.NewBybitClient("", "", ""))
	case clients.ExchangeHyperliquid:
		cred, ok := f.firstCredential(exchange)
		if !ok {
			return nil, errors.New("hyperliquid price feed needs a configured credential")
		}
		client, err := clients.NewHyperliquidClient(ctx, cred.APISecret, cred.BaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "init hyperliquid price feed")
		}
		feed = pricer.NewHyperliquidPricer(client.Info())
	default:
		return nil, &domain.ConfigurationError{Field: "exchange", Reason: fmt.Sprintf("unsupported exchange %q", exchange)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pricers[exchange]; ok {
		return p, nil
	}
	p = pricer.NewRetrying(f.l.With(zap.String("exchange", exchange)), feed)
	f.pricers[exchange] = p

	return p, nil
}

func (f *Factory) firstCredential(exchange string) (domain.Credential, bool) {
	for _, c := range f.cfg.Credentials {
		if c.Exchange == exchange {
			return c, true
		}
	}
	return domain.Credential{}, false
}
