package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const percentageMultiplier = 100

// BuyFill confirmed execution of a buy order.
type BuyFill struct {
	OrderID         string
	ExchangeOrderID string
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Partial         bool
	Time            time.Time
}

// SellFill confirmed execution of a sell order.
type SellFill struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Time     time.Time
}

// SellOutcome what a sell fill did to the bot.
type SellOutcome struct {
	SoldQuantity decimal.Decimal
	Completed    bool
	Archived     *ArchivedCycle
}

// ApplyBuyFill adds a confirmed buy to the running aggregates and returns the ledger entry for it.
// The average is always recomputed from the running totals.
func (b *Bot) ApplyBuyFill(fill BuyFill) (Entry, error) {
	if !fill.Price.IsPositive() {
		return Entry{}, fmt.Errorf("fill price must be positive, got %s", fill.Price.String())
	}
	if !fill.Quantity.IsPositive() {
		return Entry{}, fmt.Errorf("fill quantity must be positive, got %s", fill.Quantity.String())
	}
	if b.CurrentEntryCount >= b.MaxEntries {
		return Entry{}, fmt.Errorf("bot %s already holds %d of %d entries", b.ID, b.CurrentEntryCount, b.MaxEntries)
	}

	cost := fill.Price.Mul(fill.Quantity)

	b.TotalInvested = b.TotalInvested.Add(cost)
	b.TotalVolume = b.TotalVolume.Add(fill.Quantity)
	b.AverageEntryPrice = b.TotalInvested.Div(b.TotalVolume)
	b.CurrentEntryCount++
	b.LastEntryPrice = fill.Price
	b.LastEntryTime = fill.Time
	b.CurrentTakeProfitPrice = b.takeProfitPrice()
	b.UpdatedAt = fill.Time

	status := FillStatusFilled
	if fill.Partial {
		status = FillStatusPartiallyFilled
	}

	return Entry{
		BotID:           b.ID,
		CycleID:         b.CycleID,
		EntryNumber:     b.CurrentEntryCount,
		Price:           fill.Price,
		Quantity:        fill.Quantity,
		OrderAmount:     cost,
		FillStatus:      status,
		Timestamp:       fill.Time,
		OrderID:         fill.OrderID,
		ExchangeOrderID: fill.ExchangeOrderID,
	}, nil
}

// ApplySellFill reduces volume and invested capital by the sold fraction.
// When the remainder falls below dust the cycle is archived and the bot completes.
func (b *Bot) ApplySellFill(fill SellFill, dust decimal.Decimal) (SellOutcome, error) {
	if !fill.Quantity.IsPositive() {
		return SellOutcome{}, fmt.Errorf("fill quantity must be positive, got %s", fill.Quantity.String())
	}
	if !b.TotalVolume.IsPositive() {
		return SellOutcome{}, fmt.Errorf("bot %s has no volume to sell", b.ID)
	}

	sold := decimal.Min(fill.Quantity, b.TotalVolume)
	fraction := sold.Div(b.TotalVolume)
	costOfSold := b.TotalInvested.Mul(fraction)

	b.TotalVolume = b.TotalVolume.Sub(sold)
	b.TotalInvested = b.TotalInvested.Sub(costOfSold)
	b.CycleProceeds = b.CycleProceeds.Add(fill.Price.Mul(sold))
	b.CycleCostOfSold = b.CycleCostOfSold.Add(costOfSold)
	b.CycleVolumeSold = b.CycleVolumeSold.Add(sold)
	b.UpdatedAt = fill.Time

	outcome := SellOutcome{SoldQuantity: sold}

	if b.TotalVolume.LessThan(dust) || b.TotalVolume.IsZero() {
		archived := b.archiveCycle(fill.Time)
		outcome.Completed = true
		outcome.Archived = &archived
		if b.Status == BotStatusExiting {
			b.Status = BotStatusCompleted
		}
		return outcome, nil
	}

	if b.Status == BotStatusExiting {
		b.Status = BotStatusActive
	}

	return outcome, nil
}

// archiveCycle stores the cycle summary and zeroes the aggregates.
// Cost of a dust remainder is written off into the cycle's invested capital.
func (b *Bot) archiveCycle(now time.Time) ArchivedCycle {
	invested := b.CycleCostOfSold.Add(b.TotalInvested)
	archived := ArchivedCycle{
		CycleID:       b.CycleID,
		Number:        b.CycleNumber,
		Entries:       b.CurrentEntryCount,
		TotalInvested: invested,
		TotalVolume:   b.CycleVolumeSold,
		Proceeds:      b.CycleProceeds,
		RealizedPnL:   b.CycleProceeds.Sub(invested),
		StartedAt:     b.CycleStartedAt,
		CompletedAt:   now,
	}
	b.Cycles = append(b.Cycles, archived)
	b.resetAggregates()
	return archived
}

func (b *Bot) takeProfitPrice() decimal.Decimal {
	if b.AverageEntryPrice.IsZero() {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(percentageMultiplier)
	return b.AverageEntryPrice.Mul(hundred.Add(b.TakeProfitPercent)).Div(hundred)
}
