// Command ladderctl inspects and operates a running ladder daemon through its admin API.
//
// Usage:
//
//	ladderctl [--addr http://localhost:8080] <command> [args]
//
// Commands:
//
//	bots [--status S]              list bots
//	bot <id>                       show one bot with its completed cycles
//	create <file.json>             create a bot from a JSON document
//	delete <id>                    delete a bot, its ledger and orders
//	pause|resume <id>              stop or restart evaluation
//	retry-exit <id>                return an exit_failed bot to active
//	restart <id>                   open a new cycle on a completed bot
//	force-exit <id>                sell the whole position at market
//	entries <id>                   show the entry ledger
//	orders [--bot ID] [--status S] list queued orders
//	clear-credentials <order-id>   forget the credentials an order failed with
//	journal [--after N] [--bot ID] show the audit journal
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/ladder/internal/domain"
)

const defaultAddr = "http://localhost:8080"

var errUsage = errors.New("usage: ladderctl [--addr URL] <bots|bot|create|delete|pause|resume|retry-exit|restart|force-exit|entries|orders|clear-credentials|journal> [args]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("ladderctl", flag.ContinueOnError)
	addr := global.String("addr", envOr("LADDER_ADDR", defaultAddr), "admin API address")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		return errUsage
	}

	c := newClient(*addr)
	cmd, rest := global.Arg(0), global.Args()[1:]

	switch cmd {
	case "bots":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		status := fs.String("status", "", "filter by status")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		bots, err := c.bots(ctx, *status)
		if err != nil {
			return err
		}
		renderBots(out, bots)

	case "bot":
		id, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		bot, err := c.bot(ctx, id)
		if err != nil {
			return err
		}
		renderBot(out, bot)

	case "create":
		path, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		bot, err := readBot(path)
		if err != nil {
			return err
		}
		created, err := c.createBot(ctx, bot)
		if err != nil {
			return err
		}
		renderBot(out, created)

	case "delete":
		id, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		if err := c.deleteBot(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(out, "bot %s deleted\n", id)

	case "pause", "resume", "retry-exit", "restart":
		id, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		bot, err := c.botAction(ctx, id, cmd)
		if err != nil {
			return err
		}
		renderBot(out, bot)

	case "force-exit":
		id, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		resp, err := c.forceExit(ctx, id)
		if err != nil {
			return err
		}
		renderOrder(out, resp.Order)

	case "entries":
		id, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		entries, err := c.entries(ctx, id)
		if err != nil {
			return err
		}
		renderEntries(out, entries)

	case "orders":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		botID := fs.String("bot", "", "filter by bot id")
		status := fs.String("status", "", "comma separated statuses")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		var statuses []string
		if *status != "" {
			statuses = strings.Split(*status, ",")
		}
		orders, err := c.orders(ctx, *botID, statuses)
		if err != nil {
			return err
		}
		renderOrders(out, orders)

	case "clear-credentials":
		id, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		order, err := c.clearCredentials(ctx, id)
		if err != nil {
			return err
		}
		renderOrder(out, order)

	case "journal":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		after := fs.Uint64("after", 0, "show events after this index")
		botID := fs.String("bot", "", "filter by bot id")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		records, err := c.journal(ctx, *after, *botID)
		if err != nil {
			return err
		}
		renderJournal(out, records)

	default:
		return errUsage
	}

	return nil
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", errors.Errorf("%s expects exactly one argument", cmd)
	}
	return args[0], nil
}

func readBot(path string) (domain.Bot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Bot{}, err
	}
	var bot domain.Bot
	if err := json.Unmarshal(raw, &bot); err != nil {
		return domain.Bot{}, errors.Wrapf(err, "decode %s", path)
	}
	return bot, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
