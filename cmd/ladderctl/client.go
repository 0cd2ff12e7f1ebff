package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/storage/journal"
	"github.com/vadiminshakov/ladder/internal/web"
)

const requestTimeout = 10 * time.Second

// client talks to the daemon's admin API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

func (c *client) bots(ctx context.Context, status string) ([]domain.Bot, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var bots []domain.Bot
	return bots, c.do(ctx, http.MethodGet, "/bots", q, nil, &bots)
}

func (c *client) bot(ctx context.Context, id string) (domain.Bot, error) {
	var bot domain.Bot
	return bot, c.do(ctx, http.MethodGet, "/bots/"+url.PathEscape(id), nil, nil, &bot)
}

func (c *client) createBot(ctx context.Context, bot domain.Bot) (domain.Bot, error) {
	var created domain.Bot
	return created, c.do(ctx, http.MethodPost, "/bots", nil, bot, &created)
}

func (c *client) deleteBot(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/bots/"+url.PathEscape(id), nil, nil, nil)
}

// botAction posts one of pause, resume, retry-exit or restart.
func (c *client) botAction(ctx context.Context, id, action string) (domain.Bot, error) {
	var bot domain.Bot
	return bot, c.do(ctx, http.MethodPost, "/bots/"+url.PathEscape(id)+"/"+action, nil, nil, &bot)
}

func (c *client) forceExit(ctx context.Context, id string) (web.ForceExitResponse, error) {
	var resp web.ForceExitResponse
	return resp, c.do(ctx, http.MethodPost, "/bots/"+url.PathEscape(id)+"/force-exit", nil, nil, &resp)
}

func (c *client) entries(ctx context.Context, id string) ([]domain.Entry, error) {
	var entries []domain.Entry
	return entries, c.do(ctx, http.MethodGet, "/bots/"+url.PathEscape(id)+"/entries", nil, nil, &entries)
}

func (c *client) orders(ctx context.Context, botID string, statuses []string) ([]domain.PendingOrder, error) {
	q := url.Values{}
	if botID != "" {
		q.Set("bot_id", botID)
	}
	for _, s := range statuses {
		q.Add("status", s)
	}
	var orders []domain.PendingOrder
	return orders, c.do(ctx, http.MethodGet, "/orders", q, nil, &orders)
}

func (c *client) clearCredentials(ctx context.Context, orderID string) (domain.PendingOrder, error) {
	var order domain.PendingOrder
	return order, c.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/clear-credentials", nil, nil, &order)
}

func (c *client) journal(ctx context.Context, after uint64, botID string) ([]journal.Record, error) {
	q := url.Values{}
	q.Set("after", fmt.Sprint(after))
	if botID != "" {
		q.Set("bot_id", botID)
	}
	var records []journal.Record
	return records, c.do(ctx, http.MethodGet, "/journal", q, nil, &records)
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr web.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return errors.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return errors.Errorf("%s %s: %s: %s", method, path, resp.Status, apiErr.Error)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}
