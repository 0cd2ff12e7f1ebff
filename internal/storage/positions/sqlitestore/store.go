// Package sqlitestore implements the position store on SQLite (pure Go driver).
// Documents are stored as JSON next to the columns used for filtering.
// The pool is limited to a single connection, which serializes transactions.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
)

const schema = `
CREATE TABLE IF NOT EXISTS bots (
	id       TEXT PRIMARY KEY,
	user_id  TEXT NOT NULL,
	exchange TEXT NOT NULL,
	status   TEXT NOT NULL,
	doc      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status);

CREATE TABLE IF NOT EXISTS orders (
	id     TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	side   TEXT NOT NULL,
	status TEXT NOT NULL,
	doc    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_bot ON orders(bot_id, side, status);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS entries (
	seq    INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id TEXT NOT NULL,
	doc    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_bot ON entries(bot_id, seq);
`

// busyTimeout bounds the wait for a write lock held by another process.
var busyTimeout = 5 * time.Second

// Store is the SQLite implementation of positions.Store.
type Store struct {
	db *sql.DB
}

var _ positions.Store = (*Store)(nil)

// Open opens the database at path and runs migrations. An empty path opens an in-memory database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		// every connection waits for the write lock at BEGIN, never on upgrade
		dsn = fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_txlock=immediate", path, busyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if path != "" {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	return &Store{db: db}, nil
}

// Update runs fn in a read-write transaction.
func (s *Store) Update(ctx context.Context, fn func(tx positions.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return busy(errors.Wrap(err, "begin transaction"))
	}

	if err := fn(&tx{ctx: ctx, tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return busy(err)
	}

	return busy(errors.Wrap(sqlTx.Commit(), "commit transaction"))
}

// busy reports a lock held by another process as a lost race.
func busy(err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return errors.Wrap(domain.ErrConflict, sqliteErr.Error())
	}
	return err
}

// View runs fn in a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(tx positions.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer sqlTx.Rollback()

	return fn(&tx{ctx: ctx, tx: sqlTx})
}

// DeleteBot removes the bot, its ledger and its orders in one transaction.
func (s *Store) DeleteBot(ctx context.Context, id string) error {
	return s.Update(ctx, func(t positions.Tx) error {
		if _, err := t.Bot(id); err != nil {
			return err
		}

		sqlTx := t.(*tx)
		for _, q := range []string{
			"DELETE FROM entries WHERE bot_id = ?",
			"DELETE FROM orders WHERE bot_id = ?",
			"DELETE FROM bots WHERE id = ?",
		} {
			if _, err := sqlTx.tx.ExecContext(ctx, q, id); err != nil {
				return errors.Wrapf(err, "delete bot %s", id)
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *tx) Bot(id string) (domain.Bot, error) {
	var bot domain.Bot
	if err := t.getDoc("SELECT doc FROM bots WHERE id = ?", id, &bot); err != nil {
		return domain.Bot{}, errors.Wrapf(err, "bot %s", id)
	}
	return bot, nil
}

func (t *tx) PutBot(bot domain.Bot) error {
	if bot.ID == "" {
		return errors.New("bot id is required")
	}
	doc, err := json.Marshal(bot)
	if err != nil {
		return errors.Wrap(err, "marshal bot")
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO bots (id, user_id, exchange, status, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id, exchange = excluded.exchange,
			status = excluded.status, doc = excluded.doc`,
		bot.ID, bot.UserID, bot.Exchange, string(bot.Status), string(doc))

	return errors.Wrapf(err, "put bot %s", bot.ID)
}

func (t *tx) Bots(filter positions.BotFilter) ([]domain.Bot, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Exchange != "" {
		where = append(where, "exchange = ?")
		args = append(args, filter.Exchange)
	}

	query := "SELECT doc FROM bots" + whereClause(where) + " ORDER BY id"

	var bots []domain.Bot
	err := t.queryDocs(query, args, func(doc []byte) error {
		var bot domain.Bot
		if err := json.Unmarshal(doc, &bot); err != nil {
			return errors.Wrap(err, "decode bot")
		}
		bots = append(bots, bot)
		return nil
	})

	return bots, err
}

func (t *tx) Order(id string) (domain.PendingOrder, error) {
	var order domain.PendingOrder
	if err := t.getDoc("SELECT doc FROM orders WHERE id = ?", id, &order); err != nil {
		return domain.PendingOrder{}, errors.Wrapf(err, "order %s", id)
	}
	return order, nil
}

func (t *tx) PutOrder(order domain.PendingOrder) error {
	if order.ID == "" {
		return errors.New("order id is required")
	}
	doc, err := json.Marshal(order)
	if err != nil {
		return errors.Wrap(err, "marshal order")
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO orders (id, bot_id, side, status, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			bot_id = excluded.bot_id, side = excluded.side,
			status = excluded.status, doc = excluded.doc`,
		order.ID, order.BotID, string(order.Side), string(order.Status), string(doc))

	return errors.Wrapf(err, "put order %s", order.ID)
}

func (t *tx) Orders(filter positions.OrderFilter) ([]domain.PendingOrder, error) {
	var (
		where []string
		args  []any
	)
	if filter.BotID != "" {
		where = append(where, "bot_id = ?")
		args = append(args, filter.BotID)
	}
	if filter.Side != "" {
		where = append(where, "side = ?")
		args = append(args, string(filter.Side))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := "SELECT doc FROM orders" + whereClause(where) + " ORDER BY id"

	var orders []domain.PendingOrder
	err := t.queryDocs(query, args, func(doc []byte) error {
		var order domain.PendingOrder
		if err := json.Unmarshal(doc, &order); err != nil {
			return errors.Wrap(err, "decode order")
		}
		orders = append(orders, order)
		return nil
	})

	return orders, err
}

func (t *tx) AppendEntry(entry domain.Entry) error {
	if entry.BotID == "" {
		return errors.New("entry bot id is required")
	}
	doc, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal entry")
	}

	_, err = t.tx.ExecContext(t.ctx, "INSERT INTO entries (bot_id, doc) VALUES (?, ?)", entry.BotID, string(doc))
	return errors.Wrapf(err, "append entry for bot %s", entry.BotID)
}

func (t *tx) Entries(botID string) ([]domain.Entry, error) {
	var entries []domain.Entry
	err := t.queryDocs("SELECT doc FROM entries WHERE bot_id = ? ORDER BY seq", []any{botID}, func(doc []byte) error {
		var entry domain.Entry
		if err := json.Unmarshal(doc, &entry); err != nil {
			return errors.Wrap(err, "decode entry")
		}
		entries = append(entries, entry)
		return nil
	})
	return entries, err
}

func (t *tx) getDoc(query, id string, v any) error {
	var doc string
	err := t.tx.QueryRowContext(t.ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(doc), v)
}

func (t *tx) queryDocs(query string, args []any, fn func(doc []byte) error) error {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "query")
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return errors.Wrap(err, "scan")
		}
		if err := fn([]byte(doc)); err != nil {
			return err
		}
	}

	return rows.Err()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
