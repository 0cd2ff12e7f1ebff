package clients

import (
	"github.com/adshao/go-binance/v2"
)

// NewBinanceClient creates a spot client. A non-empty baseURL points it at a testnet or proxy.
func NewBinanceClient(apiKey, apiSecret, baseURL string) *binance.Client {
	client := binance.NewClient(apiKey, apiSecret)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return client
}
