package clients

import (
	"strings"

	"github.com/vadiminshakov/ladder/internal/domain"
)

// Exchange names accepted in configuration.
const (
	ExchangeBinance     = "binance"
	ExchangeBybit       = "bybit"
	ExchangeHyperliquid = "hyperliquid"
	ExchangeSimulate    = "simulate"
)

// assetAliases canonical spelling of assets that exchanges name differently.
var assetAliases = map[string]string{
	"XBT":  "BTC",
	"XDG":  "DOGE",
	"UBTC": "BTC",
	"UETH": "ETH",
}

// hyperliquid spot and perp books are quoted in USDC only
var hyperliquidQuote = "USDC"

// CanonicalAsset maps exchange specific spellings to the canonical asset code.
func CanonicalAsset(asset string) string {
	a := strings.ToUpper(strings.TrimSpace(asset))
	if canonical, ok := assetAliases[a]; ok {
		return canonical
	}
	return a
}

// Symbol returns the exchange's spelling of pair.
func Symbol(exchange string, pair domain.Pair) string {
	from, to := CanonicalAsset(pair.From), CanonicalAsset(pair.To)

	switch exchange {
	case ExchangeHyperliquid:
		return from
	default:
		return from + to
	}
}

// Asset returns the exchange's spelling of a single asset.
func Asset(exchange, asset string) string {
	a := CanonicalAsset(asset)
	if exchange == ExchangeHyperliquid && (a == "USDT" || a == "USD") {
		return hyperliquidQuote
	}
	return a
}
