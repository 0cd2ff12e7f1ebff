// Package engine implements the DCA ladder decision function.
// It is pure: the caller supplies the bot snapshot, the live price and the clock.
package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/ladder/internal/domain"
)

const percentageMultiplier = 100

// Kind of decision.
type Kind int

const (
	KindNone Kind = iota
	KindEnter
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindEnter:
		return "enter"
	case KindExit:
		return "exit"
	default:
		return "none"
	}
}

// OpenOrders reports which sides already have an order in flight for the bot.
type OpenOrders struct {
	Buy  bool
	Sell bool
}

// Decision result of one evaluation.
type Decision struct {
	Kind Kind
	// Amount quote currency to spend on an entry.
	Amount decimal.Decimal
	// Quantity base currency to sell on an exit.
	Quantity decimal.Decimal
	// TriggerPrice entry target or take-profit price the decision was checked against.
	TriggerPrice decimal.Decimal
	Reason       string
}

// Decide evaluates entry and exit rules for an active bot.
func Decide(bot domain.Bot, price decimal.Decimal, now time.Time, open OpenOrders) Decision {
	if bot.Status != domain.BotStatusActive {
		return none("bot_not_active")
	}
	if !price.IsPositive() {
		return none("no_price")
	}

	// exit is checked first: it can only fire above the average, entries only below the last fill
	if exit := decideExit(bot, price, open); exit.Kind == KindExit {
		return exit
	}

	return decideEntry(bot, price, now, open)
}

func decideEntry(bot domain.Bot, price decimal.Decimal, now time.Time, open OpenOrders) Decision {
	if open.Buy {
		return none("buy_outstanding")
	}
	if bot.CurrentEntryCount >= bot.MaxEntries {
		return none("max_entries_reached")
	}

	amount := EntryAmount(bot)

	if bot.CurrentEntryCount == 0 {
		return Decision{Kind: KindEnter, Amount: amount, TriggerPrice: price, Reason: "first_entry"}
	}

	delay := time.Duration(bot.ReEntryDelayMinutes) * time.Minute
	if now.Sub(bot.LastEntryTime) < delay {
		return none("re_entry_delay")
	}

	target := TargetEntryPrice(bot)
	if !target.IsPositive() {
		return none("no_last_entry_price")
	}
	if price.GreaterThan(target) {
		return Decision{Kind: KindNone, TriggerPrice: target, Reason: "price_above_target"}
	}

	return Decision{Kind: KindEnter, Amount: amount, TriggerPrice: target, Reason: "price_reached_target"}
}

func decideExit(bot domain.Bot, price decimal.Decimal, open OpenOrders) Decision {
	if !bot.HasPosition() {
		return none("no_position")
	}

	tp := TakeProfitPrice(bot)
	if price.LessThan(tp) {
		return Decision{Kind: KindNone, TriggerPrice: tp, Reason: "price_below_take_profit"}
	}
	if open.Sell {
		return Decision{Kind: KindNone, TriggerPrice: tp, Reason: "sell_outstanding"}
	}

	qty := ExitQuantity(bot)
	if !qty.IsPositive() {
		return none("no_quantity_to_sell")
	}

	return Decision{Kind: KindExit, Quantity: qty, TriggerPrice: tp, Reason: "take_profit_reached"}
}

// StepPercent required drop between rung n and rung n+1, zero based:
// the second entry waits for stepPercent, the third for stepPercent*stepMultiplier and so on.
func StepPercent(bot domain.Bot, n int) decimal.Decimal {
	return bot.StepPercent.Mul(bot.StepMultiplier.Pow(decimal.NewFromInt(int64(n))))
}

// TargetEntryPrice price at which the next entry fires. It is anchored to the last filled
// entry price and never to the live price, otherwise the target would move with the market.
func TargetEntryPrice(bot domain.Bot) decimal.Decimal {
	if bot.CurrentEntryCount == 0 || !bot.LastEntryPrice.IsPositive() {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(percentageMultiplier)
	drop := StepPercent(bot, bot.CurrentEntryCount-1)
	return bot.LastEntryPrice.Mul(hundred.Sub(drop)).Div(hundred)
}

// TakeProfitPrice average entry price scaled by the take-profit percent.
func TakeProfitPrice(bot domain.Bot) decimal.Decimal {
	hundred := decimal.NewFromInt(percentageMultiplier)
	return bot.AverageEntryPrice.Mul(hundred.Add(bot.TakeProfitPercent)).Div(hundred)
}

// EntryAmount quote amount of the next entry: initialOrderAmount * tradeMultiplier^n.
func EntryAmount(bot domain.Bot) decimal.Decimal {
	return bot.InitialOrderAmount.Mul(bot.TradeMultiplier.Pow(decimal.NewFromInt(int64(bot.CurrentEntryCount))))
}

// ExitQuantity base volume to sell on take profit.
func ExitQuantity(bot domain.Bot) decimal.Decimal {
	return bot.TotalVolume.Mul(bot.ExitPercentage).Div(decimal.NewFromInt(percentageMultiplier))
}

func none(reason string) Decision {
	return Decision{Kind: KindNone, Reason: reason}
}
