// Package queue implements the durable order queue: enqueue with a per (bot, side) guard,
// compare-and-swap claiming, failure classification with backoff and the stuck order guard.
package queue

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/metrics"
	"github.com/vadiminshakov/ladder/internal/storage/journal"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
	"github.com/vadiminshakov/ladder/pkg/retrier"
)

const (
	DefaultMaxAttempts  = 5
	DefaultBaseBackoff  = 30 * time.Second
	DefaultMaxBackoff   = 10 * time.Minute
	DefaultMultiplier   = 2.0
	DefaultStuckTimeout = 10 * time.Minute
	DefaultPollDelay    = 15 * time.Second
)

// Journal receives audit events. Implemented by journal.WALStore.
type Journal interface {
	Append(event journal.Event) error
}

// Config queue tuning.
type Config struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Multiplier   float64
	StuckTimeout time.Duration
	// PollDelay wait before re-querying an order the exchange accepted but has not filled.
	PollDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = DefaultStuckTimeout
	}
	if c.PollDelay <= 0 {
		c.PollDelay = DefaultPollDelay
	}
}

// Failure describes a failed submission attempt.
type Failure struct {
	Err error
	// CredentialID credential the attempt used, if any.
	CredentialID string
	// UntriedCredentials number of credentials of the bot's owner that are not yet in the
	// order's failed set, counted after CredentialID was added to it.
	UntriedCredentials int
}

// Queue is the order queue over the position store.
type Queue struct {
	store        positions.Store
	backoff      *retrier.Retrier
	maxAttempts  int
	stuckTimeout time.Duration
	pollDelay    time.Duration
	journal      Journal
	metrics      *metrics.Metrics
	l            *zap.Logger
	now          func() time.Time
}

// Option configures optional collaborators.
type Option func(*Queue)

// WithJournal records queue transitions in j.
func WithJournal(j Journal) Option {
	return func(q *Queue) {
		q.journal = j
	}
}

// WithMetrics records queue counters in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue.
func New(l *zap.Logger, store positions.Store, cfg Config, opts ...Option) *Queue {
	cfg.setDefaults()

	q := &Queue{
		store: store,
		backoff: retrier.New(
			retrier.WithInitialInterval(cfg.BaseBackoff),
			retrier.WithMaxInterval(cfg.MaxBackoff),
			retrier.WithMultiplier(cfg.Multiplier),
			retrier.WithMaxRetries(cfg.MaxAttempts),
		),
		maxAttempts:  cfg.MaxAttempts,
		stuckTimeout: cfg.StuckTimeout,
		pollDelay:    cfg.PollDelay,
		l:            l,
		now:          func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Now returns the queue clock's current time.
func (q *Queue) Now() time.Time {
	return q.now()
}

// NewOrder builds a pending market order for bot.
// quoted is the price observed when the decision was taken.
func (q *Queue) NewOrder(bot domain.Bot, side domain.OrderSide, volume, quoted decimal.Decimal, isExit bool) domain.PendingOrder {
	id := uuid.New()
	now := q.now()

	return domain.PendingOrder{
		ID:            id.String(),
		ClientOrderID: ClientOrderID(id),
		BotID:         bot.ID,
		Pair:          bot.Pair,
		Side:          side,
		Type:          domain.OrderTypeMarket,
		Volume:        volume,
		QuotedPrice:   quoted,
		IsExit:        isExit,
		Status:        domain.OrderStatusPending,
		MaxAttempts:   q.maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ClientOrderID derives the idempotency key sent to exchanges from the order uuid.
// Base62 keeps it within the 36 character limit of client order ids.
func ClientOrderID(id uuid.UUID) string {
	return base62.EncodeToString(id[:])
}

// EnqueueTx stores order inside tx unless the bot already has an open order of the same side.
func (q *Queue) EnqueueTx(tx positions.Tx, order domain.PendingOrder) error {
	if err := order.Validate(); err != nil {
		return err
	}

	open, err := tx.Orders(positions.OpenOrders(order.BotID, order.Side))
	if err != nil {
		return errors.Wrap(err, "query open orders")
	}
	if len(open) > 0 {
		return errors.Wrapf(domain.ErrOrderOutstanding, "bot %s %s order %s", order.BotID, order.Side, open[0].ID)
	}

	return tx.PutOrder(order)
}

// Enqueue stores order in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, order domain.PendingOrder) error {
	if err := q.store.Update(ctx, func(tx positions.Tx) error {
		return q.EnqueueTx(tx, order)
	}); err != nil {
		return err
	}

	q.Enqueued(order)
	return nil
}

// Enqueued records the audit trail of an order committed by EnqueueTx.
func (q *Queue) Enqueued(order domain.PendingOrder) {
	q.metrics.Enqueued(string(order.Side))
	q.record(order, "enqueued", "")
}

// Due lists pending orders and retry orders whose delay elapsed, oldest first.
func (q *Queue) Due(ctx context.Context) ([]domain.PendingOrder, error) {
	now := q.now()

	var due []domain.PendingOrder
	err := q.store.View(ctx, func(tx positions.Tx) error {
		orders, err := tx.Orders(positions.OrderFilter{
			Statuses: []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusRetry},
		})
		if err != nil {
			return err
		}
		for _, o := range orders {
			if o.IsDue(now) {
				due = append(due, o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list due orders")
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	return due, nil
}

// Claim moves the order from its observed status to processing.
// It fails with domain.ErrConflict when another worker got there first.
func (q *Queue) Claim(ctx context.Context, id string, observed domain.OrderStatus) (domain.PendingOrder, error) {
	var claimed domain.PendingOrder

	err := q.store.Update(ctx, func(tx positions.Tx) error {
		order, err := tx.Order(id)
		if err != nil {
			return err
		}

		now := q.now()
		if order.Status != observed || !order.IsDue(now) {
			return errors.Wrapf(domain.ErrConflict, "order %s is %s", id, order.Status)
		}
		if order.Attempts >= order.MaxAttempts {
			return errors.Wrapf(domain.ErrConflict, "order %s exhausted %d attempts", id, order.Attempts)
		}

		order.Status = domain.OrderStatusProcessing
		order.ClaimedAt = now
		order.UpdatedAt = now
		claimed = order

		return tx.PutOrder(order)
	})
	if err != nil {
		return domain.PendingOrder{}, err
	}

	q.record(claimed, "claimed", "")
	return claimed, nil
}

// RecordSubmitted persists the exchange reference of a placed order while it is still processing.
func (q *Queue) RecordSubmitted(ctx context.Context, claimed domain.PendingOrder, exchangeOrderID, credentialID string) (domain.PendingOrder, error) {
	return q.mutateClaimed(ctx, claimed, func(_ positions.Tx, order *domain.PendingOrder) error {
		order.Submitted = true
		order.ExchangeOrderID = exchangeOrderID
		order.CredentialID = credentialID
		return nil
	})
}

// AwaitFill returns an accepted but unfilled order to retry after the poll delay.
// Waiting is not a failure and does not consume an attempt.
func (q *Queue) AwaitFill(ctx context.Context, claimed domain.PendingOrder) (domain.PendingOrder, error) {
	order, err := q.mutateClaimed(ctx, claimed, func(_ positions.Tx, order *domain.PendingOrder) error {
		order.Status = domain.OrderStatusRetry
		order.NextRetryAt = q.now().Add(q.pollDelay)
		order.ClaimedAt = time.Time{}
		return nil
	})
	if err != nil {
		return order, err
	}

	q.metrics.Attempt("awaiting_fill")
	q.record(order, "awaiting_fill", "")
	return order, nil
}

// RecordFailure applies the retry policy for f to a claimed order.
// When the order becomes failed and drives an exit, the bot moves to exit_failed in the same transaction.
func (q *Queue) RecordFailure(ctx context.Context, claimed domain.PendingOrder, f Failure) (domain.PendingOrder, error) {
	class := domain.Classify(f.Err)

	order, err := q.mutateClaimed(ctx, claimed, func(tx positions.Tx, order *domain.PendingOrder) error {
		now := q.now()
		order.LastError = f.Err.Error()
		order.ClaimedAt = time.Time{}

		switch class {
		case domain.ClassPermanent, domain.ClassConfiguration:
			order.Status = domain.OrderStatusFailed
		case domain.ClassCredential:
			order.Attempts++
			order.MarkCredentialFailed(f.CredentialID)
			order.Status = domain.OrderStatusRetry
			order.NextRetryAt = now
			if f.UntriedCredentials <= 0 {
				order.Status = domain.OrderStatusFailed
			}
		default:
			order.Attempts++
			order.Status = domain.OrderStatusRetry
			order.NextRetryAt = now.Add(q.backoff.Backoff(order.Attempts))
		}

		if order.Attempts >= order.MaxAttempts {
			order.Status = domain.OrderStatusFailed
		}

		if order.Status == domain.OrderStatusFailed {
			return failExit(tx, *order, now)
		}
		return nil
	})
	if err != nil {
		return order, err
	}

	q.metrics.Attempt(class.String())
	if order.Status == domain.OrderStatusFailed {
		q.metrics.Terminal(string(order.Side), string(order.Status))
		q.l.Error("order failed",
			zap.String("order", order.ID),
			zap.String("bot", order.BotID),
			zap.String("side", string(order.Side)),
			zap.String("class", class.String()),
			zap.Int("attempts", order.Attempts),
			zap.Error(f.Err),
		)
	} else {
		q.l.Warn("order attempt failed, will retry",
			zap.String("order", order.ID),
			zap.String("bot", order.BotID),
			zap.String("class", class.String()),
			zap.Int("attempts", order.Attempts),
			zap.Time("next_retry_at", order.NextRetryAt),
			zap.Error(f.Err),
		)
	}
	q.record(order, string(order.Status), order.LastError)

	return order, nil
}

// RecoverStuck resets orders left in processing longer than the stuck timeout to retry
// with immediate eligibility. The reset counts as an attempt.
func (q *Queue) RecoverStuck(ctx context.Context) (int, error) {
	var recovered []domain.PendingOrder

	err := q.store.Update(ctx, func(tx positions.Tx) error {
		recovered = recovered[:0]

		processing, err := tx.Orders(positions.OrderFilter{Statuses: []domain.OrderStatus{domain.OrderStatusProcessing}})
		if err != nil {
			return err
		}

		now := q.now()
		for _, order := range processing {
			if now.Sub(order.ClaimedAt) < q.stuckTimeout {
				continue
			}

			order.Attempts++
			order.Status = domain.OrderStatusRetry
			order.NextRetryAt = now
			order.LastError = "stuck in processing since " + order.ClaimedAt.Format(time.RFC3339)
			order.ClaimedAt = time.Time{}
			order.UpdatedAt = now
			if order.Attempts >= order.MaxAttempts {
				order.Status = domain.OrderStatusFailed
				if err := failExit(tx, order, now); err != nil {
					return err
				}
			}

			if err := tx.PutOrder(order); err != nil {
				return err
			}
			recovered = append(recovered, order)
		}

		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "recover stuck orders")
	}

	q.metrics.StuckRecovered(len(recovered))
	for _, order := range recovered {
		q.l.Warn("recovered stuck order",
			zap.String("order", order.ID),
			zap.String("bot", order.BotID),
			zap.String("status", string(order.Status)),
			zap.Int("attempts", order.Attempts),
		)
		q.record(order, "stuck_recovered", order.LastError)
	}

	return len(recovered), nil
}

// ClearFailedCredentials empties the order's per-credential circuit breaker.
func (q *Queue) ClearFailedCredentials(ctx context.Context, id string) (domain.PendingOrder, error) {
	var order domain.PendingOrder

	err := q.store.Update(ctx, func(tx positions.Tx) error {
		var err error
		order, err = tx.Order(id)
		if err != nil {
			return err
		}

		order.FailedCredentials = nil
		order.UpdatedAt = q.now()
		return tx.PutOrder(order)
	})
	if err != nil {
		return domain.PendingOrder{}, err
	}

	q.record(order, "credentials_cleared", "")
	return order, nil
}

// Orders lists orders matching filter.
func (q *Queue) Orders(ctx context.Context, filter positions.OrderFilter) ([]domain.PendingOrder, error) {
	var orders []domain.PendingOrder
	err := q.store.View(ctx, func(tx positions.Tx) error {
		var err error
		orders, err = tx.Orders(filter)
		return err
	})
	return orders, err
}

// mutateClaimed applies fn to the order only if it is still held by the claim that produced claimed.
func (q *Queue) mutateClaimed(ctx context.Context, claimed domain.PendingOrder, fn func(tx positions.Tx, order *domain.PendingOrder) error) (domain.PendingOrder, error) {
	var updated domain.PendingOrder

	err := q.store.Update(ctx, func(tx positions.Tx) error {
		order, err := tx.Order(claimed.ID)
		if err != nil {
			return err
		}
		if err := CheckClaim(order, claimed); err != nil {
			return err
		}

		if err := fn(tx, &order); err != nil {
			return err
		}
		order.UpdatedAt = q.now()
		updated = order

		return tx.PutOrder(order)
	})

	return updated, err
}

// CheckClaim verifies current is still processing under the claim held by claimed.
func CheckClaim(current, claimed domain.PendingOrder) error {
	if current.Status != domain.OrderStatusProcessing || !current.ClaimedAt.Equal(claimed.ClaimedAt) {
		return errors.Wrapf(domain.ErrConflict, "order %s is no longer held by this worker", claimed.ID)
	}
	return nil
}

// failExit moves the bot of a failed exit order to exit_failed.
func failExit(tx positions.Tx, order domain.PendingOrder, now time.Time) error {
	if !order.IsExit {
		return nil
	}

	bot, err := tx.Bot(order.BotID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if bot.Status != domain.BotStatusExiting {
		return nil
	}

	if err := bot.TransitionTo(domain.BotStatusExitFailed, now); err != nil {
		return err
	}
	bot.LastError = order.LastError

	return tx.PutBot(bot)
}

func (q *Queue) record(order domain.PendingOrder, action, reason string) {
	if q.journal == nil {
		return
	}

	err := q.journal.Append(journal.Event{
		Type:     journal.EventOrder,
		BotID:    order.BotID,
		OrderID:  order.ID,
		Action:   action,
		Status:   string(order.Status),
		Reason:   reason,
		Price:    order.ExecutedPrice,
		Quantity: order.Volume,
		Attempts: order.Attempts,
		Time:     q.now(),
	})
	if err != nil {
		q.l.Warn("failed to journal order event", zap.String("order", order.ID), zap.Error(err))
	}
}
