package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotStatus lifecycle state of a ladder bot.
type BotStatus string

const (
	BotStatusActive     BotStatus = "active"
	BotStatusPaused     BotStatus = "paused"
	BotStatusExiting    BotStatus = "exiting"
	BotStatusExitFailed BotStatus = "exit_failed"
	BotStatusCompleted  BotStatus = "completed"
)

// allowed status transitions, keyed by source status.
var botTransitions = map[BotStatus][]BotStatus{
	BotStatusActive:     {BotStatusPaused, BotStatusExiting},
	BotStatusPaused:     {BotStatusActive},
	BotStatusExiting:    {BotStatusCompleted, BotStatusExitFailed, BotStatusActive},
	BotStatusExitFailed: {BotStatusActive},
	BotStatusCompleted:  {BotStatusActive},
}

// IsValid checks if the status is known.
func (s BotStatus) IsValid() bool {
	_, ok := botTransitions[s]
	return ok
}

// CanTransition reports whether s may move to next.
// exiting->active only happens after a partial exit left a non-dust remainder,
// completed->active only through an explicit restart.
func (s BotStatus) CanTransition(next BotStatus) bool {
	for _, allowed := range botTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ArchivedCycle summary of a finished ladder.
type ArchivedCycle struct {
	CycleID       string          `json:"cycle_id"`
	Number        int             `json:"number"`
	Entries       int             `json:"entries"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
	Proceeds      decimal.Decimal `json:"proceeds"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// Bot is the configuration and running state of one trading position.
type Bot struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Exchange string    `json:"exchange"`
	Pair     Pair      `json:"pair"`
	Status   BotStatus `json:"status"`

	InitialOrderAmount  decimal.Decimal `json:"initial_order_amount"`
	TradeMultiplier     decimal.Decimal `json:"trade_multiplier"`
	MaxEntries          int             `json:"max_entries"`
	StepPercent         decimal.Decimal `json:"step_percent"`
	StepMultiplier      decimal.Decimal `json:"step_multiplier"`
	TakeProfitPercent   decimal.Decimal `json:"take_profit_percent"`
	ExitPercentage      decimal.Decimal `json:"exit_percentage"`
	ReEntryDelayMinutes int             `json:"re_entry_delay_minutes"`

	CurrentEntryCount      int             `json:"current_entry_count"`
	AverageEntryPrice      decimal.Decimal `json:"average_entry_price"`
	TotalInvested          decimal.Decimal `json:"total_invested"`
	TotalVolume            decimal.Decimal `json:"total_volume"`
	LastEntryPrice         decimal.Decimal `json:"last_entry_price"`
	LastEntryTime          time.Time       `json:"last_entry_time"`
	CurrentTakeProfitPrice decimal.Decimal `json:"current_take_profit_price"`

	CycleID        string          `json:"cycle_id"`
	CycleNumber    int             `json:"cycle_number"`
	CycleStartedAt time.Time       `json:"cycle_started_at"`
	CycleProceeds  decimal.Decimal `json:"cycle_proceeds"`
	// cost basis and volume of everything sold so far in the cycle
	CycleCostOfSold decimal.Decimal `json:"cycle_cost_of_sold"`
	CycleVolumeSold decimal.Decimal `json:"cycle_volume_sold"`
	Cycles          []ArchivedCycle `json:"cycles,omitempty"`

	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks bot parameters. Every failure is a *ConfigurationError.
func (b *Bot) Validate() error {
	hundred := decimal.NewFromInt(percentageMultiplier)
	switch {
	case b.ID == "":
		return &ConfigurationError{Field: "id", Reason: "is required"}
	case b.Exchange == "":
		return &ConfigurationError{Field: "exchange", Reason: "is required"}
	case b.Pair.From == "" || b.Pair.To == "":
		return &ConfigurationError{Field: "pair", Reason: "must have base and quote"}
	case !b.Status.IsValid():
		return &ConfigurationError{Field: "status", Reason: "unknown value " + string(b.Status)}
	case !b.InitialOrderAmount.IsPositive():
		return &ConfigurationError{Field: "initial_order_amount", Reason: "must be positive"}
	case b.TradeMultiplier.LessThan(decimal.NewFromInt(1)):
		return &ConfigurationError{Field: "trade_multiplier", Reason: "must be >= 1"}
	case b.MaxEntries < 1:
		return &ConfigurationError{Field: "max_entries", Reason: "must be >= 1"}
	case !b.StepPercent.IsPositive() || b.StepPercent.GreaterThanOrEqual(hundred):
		return &ConfigurationError{Field: "step_percent", Reason: "must be in (0, 100)"}
	case b.StepMultiplier.LessThan(decimal.NewFromInt(1)):
		return &ConfigurationError{Field: "step_multiplier", Reason: "must be >= 1"}
	case !b.TakeProfitPercent.IsPositive():
		return &ConfigurationError{Field: "take_profit_percent", Reason: "must be positive"}
	case !b.ExitPercentage.IsPositive() || b.ExitPercentage.GreaterThan(hundred):
		return &ConfigurationError{Field: "exit_percentage", Reason: "must be in (0, 100]"}
	case b.ReEntryDelayMinutes < 0:
		return &ConfigurationError{Field: "re_entry_delay_minutes", Reason: "must not be negative"}
	case b.CurrentEntryCount < 0 || b.CurrentEntryCount > b.MaxEntries:
		return &ConfigurationError{Field: "current_entry_count", Reason: "must be within [0, max_entries]"}
	}

	// the deepest rung must still be a positive price
	if b.MaxEntries > 1 {
		deepest := b.StepPercent.Mul(b.StepMultiplier.Pow(decimal.NewFromInt(int64(b.MaxEntries - 2))))
		if deepest.GreaterThanOrEqual(hundred) {
			return &ConfigurationError{Field: "step_multiplier", Reason: "drives the deepest entry step to 100% or more"}
		}
	}

	return nil
}

// TransitionTo moves the bot to next if allowed.
func (b *Bot) TransitionTo(next BotStatus, now time.Time) error {
	if !b.Status.CanTransition(next) {
		return &TransitionError{From: b.Status, To: next}
	}
	b.Status = next
	b.UpdatedAt = now
	return nil
}

// HasPosition reports whether the bot currently holds volume.
func (b *Bot) HasPosition() bool {
	return b.CurrentEntryCount > 0 && b.TotalVolume.IsPositive()
}

// StartCycle resets running aggregates and opens a new cycle.
func (b *Bot) StartCycle(cycleID string, now time.Time) {
	b.CycleID = cycleID
	b.CycleNumber++
	b.CycleStartedAt = now
	b.CycleProceeds = decimal.Zero
	b.CycleCostOfSold = decimal.Zero
	b.CycleVolumeSold = decimal.Zero
	b.resetAggregates()
}

func (b *Bot) resetAggregates() {
	b.CurrentEntryCount = 0
	b.AverageEntryPrice = decimal.Zero
	b.TotalInvested = decimal.Zero
	b.TotalVolume = decimal.Zero
	b.LastEntryPrice = decimal.Zero
	b.LastEntryTime = time.Time{}
	b.CurrentTakeProfitPrice = decimal.Zero
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	From BotStatus
	To   BotStatus
}

func (e *TransitionError) Error() string {
	return "cannot move bot from " + string(e.From) + " to " + string(e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
