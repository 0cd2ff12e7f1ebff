package main

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/storage/journal"
)

const timeLayout = "2006-01-02 15:04:05"

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	return t
}

func renderBots(out io.Writer, bots []domain.Bot) {
	t := newTable(out)
	t.AppendHeader(table.Row{"ID", "Exchange", "Pair", "Status", "Entries", "Avg price", "Volume", "Invested", "Take profit", "Cycle"})
	for _, b := range bots {
		t.AppendRow(table.Row{
			b.ID, b.Exchange, b.Pair.String(), colorStatus(string(b.Status)),
			formatEntries(b.CurrentEntryCount, b.MaxEntries),
			b.AverageEntryPrice.String(), b.TotalVolume.String(), b.TotalInvested.String(),
			b.CurrentTakeProfitPrice.String(), b.CycleNumber,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "", "Total", len(bots)})
	t.Render()
}

func renderBot(out io.Writer, b domain.Bot) {
	t := newTable(out)
	t.AppendRows([]table.Row{
		{"ID", b.ID},
		{"User", b.UserID},
		{"Exchange", b.Exchange},
		{"Pair", b.Pair.String()},
		{"Status", colorStatus(string(b.Status))},
		{"Initial amount", b.InitialOrderAmount.String()},
		{"Trade multiplier", b.TradeMultiplier.String()},
		{"Step", b.StepPercent.String() + "% x" + b.StepMultiplier.String()},
		{"Take profit", b.TakeProfitPercent.String() + "%"},
		{"Exit share", b.ExitPercentage.String() + "%"},
		{"Re-entry delay", (time.Duration(b.ReEntryDelayMinutes) * time.Minute).String()},
		{"Entries", formatEntries(b.CurrentEntryCount, b.MaxEntries)},
		{"Average price", b.AverageEntryPrice.String()},
		{"Volume", b.TotalVolume.String()},
		{"Invested", b.TotalInvested.String()},
		{"Last entry", b.LastEntryPrice.String() + " at " + formatTime(b.LastEntryTime)},
		{"Take profit price", b.CurrentTakeProfitPrice.String()},
		{"Cycle", b.CycleNumber},
		{"Last error", b.LastError},
	})
	t.Render()

	if len(b.Cycles) == 0 {
		return
	}

	c := newTable(out)
	c.SetTitle("Completed cycles")
	c.AppendHeader(table.Row{"#", "Entries", "Invested", "Proceeds", "PnL", "Started", "Completed"})
	for _, cycle := range b.Cycles {
		c.AppendRow(table.Row{
			cycle.Number, cycle.Entries, cycle.TotalInvested.String(), cycle.Proceeds.String(),
			colorPnL(cycle.RealizedPnL.String(), cycle.RealizedPnL.IsNegative()),
			formatTime(cycle.StartedAt), formatTime(cycle.CompletedAt),
		})
	}
	c.Render()
}

func renderEntries(out io.Writer, entries []domain.Entry) {
	t := newTable(out)
	t.AppendHeader(table.Row{"#", "Price", "Quantity", "Amount", "Fill", "Time", "Exchange order"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.EntryNumber, e.Price.String(), e.Quantity.String(), e.OrderAmount.String(),
			e.FillStatus, formatTime(e.Timestamp), e.ExchangeOrderID,
		})
	}
	t.Render()
}

func renderOrders(out io.Writer, orders []domain.PendingOrder) {
	t := newTable(out)
	t.AppendHeader(table.Row{"ID", "Bot", "Side", "Volume", "Status", "Attempts", "Next retry", "Credential", "Last error"})
	for _, o := range orders {
		t.AppendRow(table.Row{
			o.ID, o.BotID, o.Side, o.Volume.String(), colorStatus(string(o.Status)),
			formatEntries(o.Attempts, o.MaxAttempts), formatTime(o.NextRetryAt), o.CredentialID, o.LastError,
		})
	}
	t.Render()
}

func renderOrder(out io.Writer, o domain.PendingOrder) {
	renderOrders(out, []domain.PendingOrder{o})
}

func renderJournal(out io.Writer, records []journal.Record) {
	t := newTable(out)
	t.AppendHeader(table.Row{"Index", "Time", "Type", "Bot", "Order", "Action", "Status", "Reason"})
	for _, r := range records {
		ev := r.Event
		t.AppendRow(table.Row{r.Index, formatTime(ev.Time), ev.Type, ev.BotID, ev.OrderID, ev.Action, ev.Status, ev.Reason})
	}
	t.Render()
}

func colorStatus(status string) string {
	switch status {
	case string(domain.BotStatusActive), string(domain.OrderStatusCompleted):
		return text.FgGreen.Sprint(status)
	case string(domain.BotStatusExitFailed), string(domain.OrderStatusFailed):
		return text.FgRed.Sprint(status)
	case string(domain.BotStatusExiting), string(domain.OrderStatusRetry), string(domain.OrderStatusProcessing):
		return text.FgYellow.Sprint(status)
	default:
		return status
	}
}

func colorPnL(s string, negative bool) string {
	if negative {
		return text.FgRed.Sprint(s)
	}
	return text.FgGreen.Sprint(s)
}

func formatEntries(n, max int) string {
	return fmt.Sprintf("%d/%d", n, max)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}
