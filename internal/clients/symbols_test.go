package clients

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/ladder/internal/domain"
)

func TestSymbol(t *testing.T) {
	pair := domain.Pair{From: "xbt", To: "usdt"}

	require.Equal(t, "BTCUSDT", Symbol(ExchangeBinance, pair))
	require.Equal(t, "BTCUSDT", Symbol(ExchangeBybit, pair))
	require.Equal(t, "BTC", Symbol(ExchangeHyperliquid, pair))
	require.Equal(t, "BTCUSDT", Symbol(ExchangeSimulate, pair))
}

func TestAsset(t *testing.T) {
	require.Equal(t, "BTC", Asset(ExchangeBinance, "XBT"))
	require.Equal(t, "USDC", Asset(ExchangeHyperliquid, "usdt"))
	require.Equal(t, "ETH", Asset(ExchangeHyperliquid, "UETH"))
	require.Equal(t, "USDT", Asset(ExchangeBybit, "usdt"))
}
