// Package journal keeps an append-only audit trail of ladder activity in a WAL:
// engine decisions, order queue transitions and operator actions.
package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
)

const (
	DefaultDir   = "./wal/journal"
	segmentLimit = 100
	maxSegments  = 10

	keySeparator = "_"
)

// EventType category of a journal event.
type EventType string

const (
	EventDecision EventType = "decision"
	EventOrder    EventType = "order"
	EventOperator EventType = "operator"
)

// Event one audit record.
type Event struct {
	Type     EventType       `json:"type"`
	BotID    string          `json:"bot_id"`
	OrderID  string          `json:"order_id,omitempty"`
	Action   string          `json:"action"`
	Status   string          `json:"status,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Price    decimal.Decimal `json:"price,omitempty"`
	Amount   decimal.Decimal `json:"amount,omitempty"`
	Quantity decimal.Decimal `json:"quantity,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	Time     time.Time       `json:"time"`
}

// Record event together with its WAL index.
type Record struct {
	Index uint64 `json:"index"`
	Event Event  `json:"event"`
}

// WALStore persists journal events in a WAL.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed journal.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "journal_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init journal WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Append writes the event to the WAL.
func (s *WALStore) Append(event Event) error {
	if s == nil || s.wal == nil {
		return errors.New("journal is not initialized")
	}
	if event.Type == "" || event.BotID == "" {
		return fmt.Errorf("journal event type and bot id are required")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal journal event")
	}

	key := string(event.Type) + keySeparator + event.BotID

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// EventsAfter returns events written after index, optionally restricted to one bot.
func (s *WALStore) EventsAfter(index uint64, botID string) ([]Record, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("journal is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	var records []Record
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil || key == "" || len(payload) == 0 {
			// rotated away
			continue
		}
		if _, keyBot, _ := strings.Cut(key, keySeparator); botID != "" && keyBot != botID {
			continue
		}

		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, errors.Wrap(err, "decode journal event")
		}
		records = append(records, Record{Index: idx, Event: event})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("journal is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
