package clients

import (
	"github.com/hirokisan/bybit/v2"
)

// NewBybitClient creates an authenticated client. A non-empty baseURL overrides the mainnet endpoint.
func NewBybitClient(apiKey, apiSecret, baseURL string) *bybit.Client {
	client := bybit.NewClient().WithAuth(apiKey, apiSecret)
	if baseURL != "" {
		client = client.WithBaseURL(baseURL)
	}
	return client
}
