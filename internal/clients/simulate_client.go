package clients

import (
	"github.com/adshao/go-binance/v2"
)

// SimulateClient wraps a public exchange client used as the price source of paper trading.
type SimulateClient struct {
	// use Binance public API for real market prices
	binanceClient *binance.Client
}

// NewSimulateClient creates a new simulate client.
func NewSimulateClient() *SimulateClient {
	// no API keys, public data only
	return &SimulateClient{binanceClient: binance.NewClient("", "")}
}

// BinanceClient returns the underlying Binance client.
func (c *SimulateClient) BinanceClient() *binance.Client {
	return c.binanceClient
}
