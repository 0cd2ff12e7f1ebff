package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/services/operator"
	"github.com/vadiminshakov/ladder/internal/services/queue"
	"github.com/vadiminshakov/ladder/internal/storage/journal"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
	"github.com/vadiminshakov/ladder/internal/storage/positions/badgerstore"
	"github.com/vadiminshakov/ladder/internal/storage/positions/storetest"
	"github.com/vadiminshakov/ladder/internal/web"
)

type feed struct{}

func (feed) GetPrice(context.Context, string, domain.Pair) (decimal.Decimal, error) {
	return decimal.NewFromInt(110), nil
}

type memJournal struct {
	records []journal.Record
}

func (j *memJournal) Append(ev journal.Event) error {
	j.records = append(j.records, journal.Record{Index: uint64(len(j.records) + 1), Event: ev})
	return nil
}

func (j *memJournal) EventsAfter(index uint64, _ string) ([]journal.Record, error) {
	if index >= uint64(len(j.records)) {
		return nil, nil
	}
	return j.records[index:], nil
}

func daemon(t *testing.T, bots ...domain.Bot) string {
	t.Helper()
	text.DisableColors()

	store, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Update(context.Background(), func(tx positions.Tx) error {
		for _, b := range bots {
			if err := tx.PutBot(b); err != nil {
				return err
			}
		}
		return nil
	}))

	j := &memJournal{}
	q := queue.New(zap.NewNop(), store, queue.Config{})
	op := operator.New(zap.NewNop(), store, q, feed{}, j)

	srv := httptest.NewServer(web.NewServer(zap.NewNop(), ":0", op, j, nil).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func ctl(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), append([]string{"--addr", addr}, args...), &out)
	return out.String(), err
}

func TestBotsAndActions(t *testing.T) {
	positioned := storetest.Bot("eth")
	positioned.CurrentEntryCount = 1
	positioned.TotalVolume = decimal.NewFromInt(2)
	positioned.TotalInvested = decimal.NewFromInt(200)
	positioned.AverageEntryPrice = decimal.NewFromInt(100)

	addr := daemon(t, storetest.Bot("btc"), positioned)

	out, err := ctl(t, addr, "bots")
	require.NoError(t, err)
	assert.Contains(t, out, "btc")
	assert.Contains(t, out, "eth")
	assert.Contains(t, out, "BTC_USDT")

	out, err = ctl(t, addr, "pause", "btc")
	require.NoError(t, err)
	assert.Contains(t, out, "paused")

	out, err = ctl(t, addr, "bots", "--status", "paused")
	require.NoError(t, err)
	assert.Contains(t, out, "btc")
	assert.NotContains(t, out, "eth")

	_, err = ctl(t, addr, "pause", "btc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	out, err = ctl(t, addr, "force-exit", "eth")
	require.NoError(t, err)
	assert.Contains(t, out, "sell")

	out, err = ctl(t, addr, "orders", "--bot", "eth", "--status", "pending,retry")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")

	out, err = ctl(t, addr, "journal")
	require.NoError(t, err)
	assert.Contains(t, out, "force_exit")

	out, err = ctl(t, addr, "delete", "btc")
	require.NoError(t, err)
	assert.Contains(t, out, "bot btc deleted")

	_, err = ctl(t, addr, "bot", "btc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCreateFromFile(t *testing.T) {
	addr := daemon(t)

	raw, err := json.Marshal(storetest.Bot("sol"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bot.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	out, err := ctl(t, addr, "create", path)
	require.NoError(t, err)
	assert.Contains(t, out, "sol")
	assert.Contains(t, out, "active")

	out, err = ctl(t, addr, "entries", "sol")
	require.NoError(t, err)
	assert.Contains(t, out, "PRICE")
}

func TestUsage(t *testing.T) {
	err := run(context.Background(), nil, &bytes.Buffer{})
	require.ErrorIs(t, err, errUsage)

	_, err = ctl(t, "http://127.0.0.1:1", "unknown")
	require.ErrorIs(t, err, errUsage)

	_, err = ctl(t, "http://127.0.0.1:1", "bot")
	require.Error(t, err)
}
