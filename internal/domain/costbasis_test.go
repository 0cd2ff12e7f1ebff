package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testBot() Bot {
	return Bot{
		ID:                  "bot-1",
		UserID:              "user-1",
		Exchange:            "binance",
		Pair:                Pair{From: "BTC", To: "USDT"},
		Status:              BotStatusActive,
		InitialOrderAmount:  decimal.NewFromInt(100),
		TradeMultiplier:     decimal.NewFromInt(2),
		MaxEntries:          5,
		StepPercent:         decimal.NewFromInt(1),
		StepMultiplier:      decimal.NewFromInt(2),
		TakeProfitPercent:   decimal.NewFromInt(3),
		ExitPercentage:      decimal.NewFromInt(100),
		ReEntryDelayMinutes: 0,
		CycleID:             "cycle-1",
		CycleNumber:         1,
	}
}

func TestApplyBuyFill_RunningTotals(t *testing.T) {
	bot := testBot()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	entry, err := bot.ApplyBuyFill(BuyFill{OrderID: "o1", Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Time: now})
	require.NoError(t, err)
	require.Equal(t, 1, entry.EntryNumber)
	require.Equal(t, FillStatusFilled, entry.FillStatus)
	require.Equal(t, "cycle-1", entry.CycleID)

	_, err = bot.ApplyBuyFill(BuyFill{OrderID: "o2", Price: decimal.NewFromInt(80), Quantity: decimal.NewFromInt(2), Time: now.Add(time.Minute)})
	require.NoError(t, err)

	require.Equal(t, 2, bot.CurrentEntryCount)
	require.True(t, decimal.NewFromInt(260).Equal(bot.TotalInvested))
	require.True(t, decimal.NewFromInt(3).Equal(bot.TotalVolume))
	require.True(t, bot.TotalInvested.Div(bot.TotalVolume).Equal(bot.AverageEntryPrice))
	require.True(t, decimal.NewFromInt(80).Equal(bot.LastEntryPrice))
	require.Equal(t, now.Add(time.Minute), bot.LastEntryTime)

	// avg 86.666.. * 1.03
	expectedTP := bot.AverageEntryPrice.Mul(decimal.RequireFromString("1.03"))
	require.True(t, expectedTP.Equal(bot.CurrentTakeProfitPrice), "tp %s", bot.CurrentTakeProfitPrice)
}

func TestApplyBuyFill_Rejects(t *testing.T) {
	t.Run("non-positive price", func(t *testing.T) {
		bot := testBot()
		_, err := bot.ApplyBuyFill(BuyFill{Price: decimal.Zero, Quantity: decimal.NewFromInt(1)})
		require.Error(t, err)
	})

	t.Run("non-positive quantity", func(t *testing.T) {
		bot := testBot()
		_, err := bot.ApplyBuyFill(BuyFill{Price: decimal.NewFromInt(1), Quantity: decimal.Zero})
		require.Error(t, err)
	})

	t.Run("max entries", func(t *testing.T) {
		bot := testBot()
		bot.MaxEntries = 1
		_, err := bot.ApplyBuyFill(BuyFill{Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)})
		require.NoError(t, err)
		_, err = bot.ApplyBuyFill(BuyFill{Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)})
		require.Error(t, err)
		require.Equal(t, 1, bot.CurrentEntryCount)
	})
}

func TestApplyBuyFill_PartialFill(t *testing.T) {
	bot := testBot()
	entry, err := bot.ApplyBuyFill(BuyFill{Price: decimal.NewFromInt(100), Quantity: decimal.RequireFromString("0.4"), Partial: true})
	require.NoError(t, err)
	require.Equal(t, FillStatusPartiallyFilled, entry.FillStatus)
	require.True(t, decimal.NewFromInt(40).Equal(entry.OrderAmount))
}

func TestApplySellFill_PartialExitReturnsToActive(t *testing.T) {
	bot := testBot()
	bot.ExitPercentage = decimal.NewFromInt(50)
	_, err := bot.ApplyBuyFill(BuyFill{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.NoError(t, bot.TransitionTo(BotStatusExiting, time.Now()))

	out, err := bot.ApplySellFill(SellFill{Price: decimal.NewFromInt(103), Quantity: decimal.NewFromInt(5)}, decimal.RequireFromString("0.0001"))
	require.NoError(t, err)

	require.False(t, out.Completed)
	require.Nil(t, out.Archived)
	require.Equal(t, BotStatusActive, bot.Status)
	require.True(t, decimal.NewFromInt(5).Equal(bot.TotalVolume))
	require.True(t, decimal.NewFromInt(500).Equal(bot.TotalInvested))
	// average is unchanged by a proportional reduction
	require.True(t, decimal.NewFromInt(100).Equal(bot.AverageEntryPrice))
	require.True(t, decimal.NewFromInt(515).Equal(bot.CycleProceeds))
}

func TestApplySellFill_FullExitArchivesCycle(t *testing.T) {
	bot := testBot()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bot.CycleStartedAt = start

	_, err := bot.ApplyBuyFill(BuyFill{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	_, err = bot.ApplyBuyFill(BuyFill{Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(2)})
	require.NoError(t, err)
	require.NoError(t, bot.TransitionTo(BotStatusExiting, start))

	end := start.Add(time.Hour)
	out, err := bot.ApplySellFill(SellFill{Price: decimal.NewFromInt(103), Quantity: decimal.NewFromInt(3), Time: end}, decimal.RequireFromString("0.0001"))
	require.NoError(t, err)

	require.True(t, out.Completed)
	require.NotNil(t, out.Archived)
	require.Equal(t, BotStatusCompleted, bot.Status)
	require.Equal(t, 0, bot.CurrentEntryCount)
	require.True(t, bot.TotalVolume.IsZero())
	require.True(t, bot.TotalInvested.IsZero())
	require.True(t, bot.AverageEntryPrice.IsZero())

	archived := out.Archived
	require.Equal(t, 2, archived.Entries)
	require.True(t, decimal.NewFromInt(298).Equal(archived.TotalInvested))
	require.True(t, decimal.NewFromInt(309).Equal(archived.Proceeds))
	require.True(t, decimal.NewFromInt(11).Equal(archived.RealizedPnL))
	require.Equal(t, start, archived.StartedAt)
	require.Equal(t, end, archived.CompletedAt)
	require.Len(t, bot.Cycles, 1)
}

func TestApplySellFill_DustRemainderCompletes(t *testing.T) {
	bot := testBot()
	_, err := bot.ApplyBuyFill(BuyFill{Price: decimal.NewFromInt(100), Quantity: decimal.RequireFromString("1.00005")})
	require.NoError(t, err)
	require.NoError(t, bot.TransitionTo(BotStatusExiting, time.Now()))

	out, err := bot.ApplySellFill(SellFill{Price: decimal.NewFromInt(103), Quantity: decimal.NewFromInt(1)}, decimal.RequireFromString("0.001"))
	require.NoError(t, err)
	require.True(t, out.Completed)
	require.Equal(t, BotStatusCompleted, bot.Status)
	require.True(t, bot.TotalVolume.IsZero())
}

func TestApplySellFill_OversellCappedAtVolume(t *testing.T) {
	bot := testBot()
	_, err := bot.ApplyBuyFill(BuyFill{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2)})
	require.NoError(t, err)
	require.NoError(t, bot.TransitionTo(BotStatusExiting, time.Now()))

	out, err := bot.ApplySellFill(SellFill{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(5)}, decimal.Zero)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(2).Equal(out.SoldQuantity))
	require.True(t, out.Completed)
}

func TestApplySellFill_NoVolume(t *testing.T) {
	bot := testBot()
	_, err := bot.ApplySellFill(SellFill{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}, decimal.Zero)
	require.Error(t, err)
}
