// Package badgerstore implements the position store on top of BadgerDB.
// Badger transactions are serializable snapshot isolated, so a lost race on the
// same key surfaces as badger.ErrConflict on commit.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
)

const (
	botPrefix      = "bot/"
	orderPrefix    = "order/"
	entryPrefix    = "entry/"
	entrySeqPrefix = "entryseq/"
	// written by every order write of a (bot, side), read by every order query of the bot
	slotPrefix = "orderslot/"
)

var sides = []domain.OrderSide{domain.OrderSideBuy, domain.OrderSideSell}

func slotKey(botID string, side domain.OrderSide) []byte {
	return []byte(slotPrefix + botID + "/" + string(side))
}

// Store is the BadgerDB implementation of positions.Store.
type Store struct {
	db *badger.DB
}

var _ positions.Store = (*Store)(nil)

// Open opens (or creates) a store in dir. An empty dir opens an in-memory store.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	// badger's own logging is noisy, errors are still returned from every call
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger store at %q", dir)
	}

	return &Store{db: db}, nil
}

// Update runs fn in a read-write transaction.
func (s *Store) Update(ctx context.Context, fn func(tx positions.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&tx{txn: txn})
	})
	if errors.Is(err, badger.ErrConflict) {
		return errors.Wrap(domain.ErrConflict, "badger commit")
	}

	return err
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx positions.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		return fn(&tx{txn: txn})
	})
}

// DeleteBot removes the bot document, its ledger and all its orders with a write batch.
func (s *Store) DeleteBot(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		t := &tx{txn: txn}
		if _, err := t.Bot(id); err != nil {
			return err
		}

		keys = append(keys, []byte(botPrefix+id), []byte(entrySeqPrefix+id))
		for _, side := range sides {
			keys = append(keys, slotKey(id, side))
		}

		prefix := []byte(entryPrefix + id + "/")
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: prefix})
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		orders, err := t.Orders(positions.OrderFilter{BotID: id})
		if err != nil {
			return err
		}
		for _, o := range orders {
			keys = append(keys, []byte(orderPrefix+o.ID))
		}

		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			wb.Cancel()
			return errors.Wrapf(err, "delete key %s", key)
		}
	}

	return errors.Wrap(wb.Flush(), "flush delete batch")
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type tx struct {
	txn *badger.Txn
}

func (t *tx) Bot(id string) (domain.Bot, error) {
	var bot domain.Bot
	if err := t.get(botPrefix+id, &bot); err != nil {
		return domain.Bot{}, errors.Wrapf(err, "bot %s", id)
	}
	return bot, nil
}

func (t *tx) PutBot(bot domain.Bot) error {
	if bot.ID == "" {
		return errors.New("bot id is required")
	}
	return t.set(botPrefix+bot.ID, bot)
}

func (t *tx) Bots(filter positions.BotFilter) ([]domain.Bot, error) {
	var bots []domain.Bot
	err := t.scan(botPrefix, func(val []byte) error {
		var bot domain.Bot
		if err := json.Unmarshal(val, &bot); err != nil {
			return errors.Wrap(err, "decode bot")
		}
		if filter.Match(bot) {
			bots = append(bots, bot)
		}
		return nil
	})
	return bots, err
}

func (t *tx) Order(id string) (domain.PendingOrder, error) {
	var order domain.PendingOrder
	if err := t.get(orderPrefix+id, &order); err != nil {
		return domain.PendingOrder{}, errors.Wrapf(err, "order %s", id)
	}
	return order, nil
}

func (t *tx) PutOrder(order domain.PendingOrder) error {
	if order.ID == "" {
		return errors.New("order id is required")
	}
	if order.BotID != "" {
		if err := t.txn.Set(slotKey(order.BotID, order.Side), []byte(order.ID)); err != nil {
			return errors.Wrap(err, "write order slot")
		}
	}
	return t.set(orderPrefix+order.ID, order)
}

func (t *tx) Orders(filter positions.OrderFilter) ([]domain.PendingOrder, error) {
	if err := t.readSlots(filter); err != nil {
		return nil, err
	}

	var orders []domain.PendingOrder
	err := t.scan(orderPrefix, func(val []byte) error {
		var order domain.PendingOrder
		if err := json.Unmarshal(val, &order); err != nil {
			return errors.Wrap(err, "decode order")
		}
		if filter.Match(order) {
			orders = append(orders, order)
		}
		return nil
	})
	return orders, err
}

func (t *tx) readSlots(filter positions.OrderFilter) error {
	if filter.BotID == "" {
		return nil
	}
	for _, side := range sides {
		if filter.Side != "" && filter.Side != side {
			continue
		}
		if _, err := t.txn.Get(slotKey(filter.BotID, side)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrap(err, "read order slot")
		}
	}
	return nil
}

func (t *tx) AppendEntry(entry domain.Entry) error {
	if entry.BotID == "" {
		return errors.New("entry bot id is required")
	}

	seqKey := []byte(entrySeqPrefix + entry.BotID)
	var seq uint64
	item, err := t.txn.Get(seqKey)
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			seq = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return errors.Wrap(err, "read entry sequence")
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return errors.Wrap(err, "read entry sequence")
	}

	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := t.txn.Set(seqKey, buf); err != nil {
		return errors.Wrap(err, "write entry sequence")
	}

	return t.set(fmt.Sprintf("%s%s/%020d", entryPrefix, entry.BotID, seq), entry)
}

func (t *tx) Entries(botID string) ([]domain.Entry, error) {
	var entries []domain.Entry
	err := t.scan(entryPrefix+botID+"/", func(val []byte) error {
		var entry domain.Entry
		if err := json.Unmarshal(val, &entry); err != nil {
			return errors.Wrap(err, "decode entry")
		}
		entries = append(entries, entry)
		return nil
	})
	return entries, err
}

func (t *tx) get(key string, v any) error {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}

	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (t *tx) set(key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	return t.txn.Set([]byte(key), payload)
}

func (t *tx) scan(prefix string, fn func(val []byte) error) error {
	p := []byte(prefix)
	it := t.txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: p})
	defer it.Close()

	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}

	return nil
}
