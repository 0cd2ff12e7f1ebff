// Package worker drains the order queue: it submits due orders to the exchange,
// polls their state and hands fills to the tracker.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/metrics"
	"github.com/vadiminshakov/ladder/internal/services/gateway"
	"github.com/vadiminshakov/ladder/internal/services/queue"
	"github.com/vadiminshakov/ladder/internal/services/tracker"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
)

const defaultConcurrency = 4

// Gateways resolves credentials and the exchange gateway of each of them.
type Gateways interface {
	Credentials(userID, exchange string) []domain.Credential
	Gateway(ctx context.Context, cred domain.Credential) (gateway.Gateway, error)
}

// Worker processes the order queue.
type Worker struct {
	store       positions.Store
	queue       *queue.Queue
	tracker     *tracker.Tracker
	gateways    Gateways
	metrics     *metrics.Metrics
	concurrency int
	l           *zap.Logger
}

func New(l *zap.Logger, store positions.Store, q *queue.Queue, t *tracker.Tracker, g Gateways,
	m *metrics.Metrics, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Worker{
		store:       store,
		queue:       q,
		tracker:     t,
		gateways:    g,
		metrics:     m,
		concurrency: concurrency,
		l:           l,
	}
}

// ProcessOrderQueue runs one pass: recover stuck orders, then process every due order.
// A failing order never stops the others; only store failures listing the queue are returned.
func (w *Worker) ProcessOrderQueue(ctx context.Context) error {
	defer w.metrics.ObserveTick("process_queue", time.Now())

	if _, err := w.queue.RecoverStuck(ctx); err != nil {
		w.l.Error("failed to recover stuck orders", zap.Error(err))
	}

	due, err := w.queue.Due(ctx)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	w.l.Debug("processing due orders", zap.Int("count", len(due)))

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, order := range due {
		g.Go(func() error {
			if err := w.processOrder(ctx, order); err != nil {
				w.l.Error("order processing failed",
					zap.String("order", order.ID),
					zap.String("bot", order.BotID),
					zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

func (w *Worker) processOrder(ctx context.Context, observed domain.PendingOrder) error {
	claimed, err := w.queue.Claim(ctx, observed.ID, observed.Status)
	if errors.Is(err, domain.ErrConflict) {
		w.l.Debug("order claimed elsewhere", zap.String("order", observed.ID))
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "claim")
	}

	bot, err := w.loadBot(ctx, claimed.BotID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return w.fail(ctx, claimed, queue.Failure{Err: domain.NewPermanentOrderError("bot %s no longer exists", claimed.BotID)})
		}
		return w.fail(ctx, claimed, queue.Failure{Err: err})
	}

	creds := w.gateways.Credentials(bot.UserID, bot.Exchange)
	if claimed.Submitted && claimed.CredentialID != "" {
		return w.track(ctx, claimed, creds)
	}

	cred, untried, ok := pickCredential(creds, claimed)
	if !ok {
		if len(creds) == 0 {
			return w.fail(ctx, claimed, queue.Failure{Err: &domain.ConfigurationError{
				Field:  "credentials",
				Reason: fmt.Sprintf("no credentials for user %s on %s", bot.UserID, bot.Exchange),
			}})
		}
		return w.fail(ctx, claimed, queue.Failure{Err: &domain.CredentialError{
			Err: errors.Errorf("all %d credentials of user %s failed", len(creds), bot.UserID),
		}})
	}

	err = w.submit(ctx, claimed, cred)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrConflict) {
		// lost the claim to stuck recovery, the next holder takes over
		w.l.Warn("order claim lost during processing", zap.String("order", claimed.ID), zap.Error(err))
		return nil
	}

	return w.fail(ctx, claimed, queue.Failure{Err: err, CredentialID: cred.ID, UntriedCredentials: untried})
}

// submit places the order through cred, or picks up an earlier placement of it.
func (w *Worker) submit(ctx context.Context, claimed domain.PendingOrder, cred domain.Credential) error {
	gw, err := w.gateways.Gateway(ctx, cred)
	if err != nil {
		return err
	}

	info, err := gw.GetInstrumentInfo(ctx, claimed.Pair)
	if err != nil {
		return err
	}

	// an earlier attempt may have reached the exchange before the worker lost track of it
	if claimed.Attempts > 0 || claimed.Submitted || claimed.ExchangeOrderID != "" {
		state, err := gw.QueryOrder(ctx, claimed.Pair, claimed.ClientOrderID)
		switch {
		case err == nil:
			w.l.Info("found earlier placement on exchange",
				zap.String("order", claimed.ID),
				zap.String("exchange_order_id", state.OrderID),
				zap.String("status", string(state.Status)))
			return w.settle(ctx, claimed, cred, state, info)
		case !errors.Is(err, domain.ErrOrderNotFoundOnExchange):
			return err
		}
	}

	req, err := w.prepare(ctx, gw, claimed, info)
	if err != nil {
		return err
	}

	ack, err := gw.PlaceOrder(ctx, req)
	if err != nil {
		return err
	}

	w.l.Info("order placed",
		zap.String("order", claimed.ID),
		zap.String("bot", claimed.BotID),
		zap.String("side", string(claimed.Side)),
		zap.String("volume", req.Volume.String()),
		zap.String("credential", cred.ID),
		zap.String("exchange_order_id", ack.OrderID))

	claimed, err = w.queue.RecordSubmitted(ctx, claimed, ack.OrderID, cred.ID)
	if err != nil {
		return err
	}

	state, err := gw.QueryOrder(ctx, claimed.Pair, claimed.ClientOrderID)
	if err != nil {
		// the next attempt follows the order through cred and will not place twice
		return pinned(err)
	}
	if state.OrderID == "" {
		state.OrderID = ack.OrderID
	}

	return w.settle(ctx, claimed, cred, state, info)
}

// track follows an order already accepted by the exchange through the credential that placed it.
// The order lives in that account, so there is no failover and no second placement.
func (w *Worker) track(ctx context.Context, claimed domain.PendingOrder, creds []domain.Credential) error {
	cred, ok := credentialByID(creds, claimed.CredentialID)
	if !ok {
		return w.fail(ctx, claimed, queue.Failure{Err: &domain.ConfigurationError{
			Field:  "credentials",
			Reason: fmt.Sprintf("credential %s holding order %s is no longer configured", claimed.CredentialID, claimed.ID),
		}})
	}

	err := w.follow(ctx, claimed, cred)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrConflict) {
		w.l.Warn("order claim lost during processing", zap.String("order", claimed.ID), zap.Error(err))
		return nil
	}

	return w.fail(ctx, claimed, queue.Failure{Err: pinned(err), CredentialID: cred.ID})
}

func (w *Worker) follow(ctx context.Context, claimed domain.PendingOrder, cred domain.Credential) error {
	gw, err := w.gateways.Gateway(ctx, cred)
	if err != nil {
		return err
	}

	info, err := gw.GetInstrumentInfo(ctx, claimed.Pair)
	if err != nil {
		return err
	}

	state, err := gw.QueryOrder(ctx, claimed.Pair, claimed.ClientOrderID)
	if err != nil {
		return err
	}
	if state.OrderID == "" {
		state.OrderID = claimed.ExchangeOrderID
	}

	return w.settle(ctx, claimed, cred, state, info)
}

// pinned turns lookup failures of a placed order into transient ones: the credential must not
// be marked failed and a missing order is retried, not placed again.
func pinned(err error) error {
	if domain.Classify(err) == domain.ClassCredential || errors.Is(err, domain.ErrOrderNotFoundOnExchange) {
		return &domain.TransientExchangeError{Op: "follow placed order", Err: errors.New(err.Error())}
	}
	return err
}

func credentialByID(creds []domain.Credential, id string) (domain.Credential, bool) {
	for _, c := range creds {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Credential{}, false
}

// prepare rounds the order to instrument precision and checks the account can cover it.
func (w *Worker) prepare(ctx context.Context, gw gateway.Gateway, order domain.PendingOrder, info domain.InstrumentInfo) (gateway.OrderRequest, error) {
	volume := info.RoundVolume(order.Volume)

	switch order.Side {
	case domain.OrderSideBuy:
		balance, err := gw.GetBalance(ctx, order.Pair.To)
		if err != nil {
			return gateway.OrderRequest{}, err
		}
		price := order.QuotedPrice
		if order.Type == domain.OrderTypeLimit {
			price = order.LimitPrice
		}
		if notional := volume.Mul(price); balance.LessThan(notional) {
			return gateway.OrderRequest{}, domain.NewPermanentOrderError("insufficient %s balance: have %s need %s",
				order.Pair.To, balance.String(), notional.String())
		}
	case domain.OrderSideSell:
		balance, err := gw.GetBalance(ctx, order.Pair.From)
		if err != nil {
			return gateway.OrderRequest{}, err
		}
		// fees taken in base can leave slightly less than the ledger holds
		if free := info.RoundVolume(balance); volume.GreaterThan(free) {
			w.l.Warn("sell volume capped to free balance",
				zap.String("order", order.ID),
				zap.String("requested", volume.String()),
				zap.String("free", free.String()))
			volume = free
		}
	}

	if !volume.IsPositive() || volume.LessThan(info.MinOrderSize) {
		return gateway.OrderRequest{}, domain.NewPermanentOrderError("volume %s is below the minimum order size %s",
			volume.String(), info.MinOrderSize.String())
	}

	req := gateway.OrderRequest{
		Pair:          order.Pair,
		Side:          order.Side,
		Type:          order.Type,
		Volume:        volume,
		Price:         order.QuotedPrice,
		ClientOrderID: order.ClientOrderID,
	}
	if order.Type == domain.OrderTypeLimit {
		req.Price = info.RoundPrice(order.LimitPrice)
	}

	return req, nil
}

// settle acts on what the exchange reports about a placed order.
func (w *Worker) settle(ctx context.Context, claimed domain.PendingOrder, cred domain.Credential,
	state gateway.OrderState, info domain.InstrumentInfo) error {
	switch {
	case state.Status == gateway.OrderStatusOpen:
		_, err := w.queue.AwaitFill(ctx, claimed)
		return err
	case state.Status == gateway.OrderStatusClosed && !state.ExecutedVolume.IsPositive():
		return domain.NewPermanentOrderError("exchange closed order %s without a fill", state.OrderID)
	}

	price := state.ExecutedPrice
	if !price.IsPositive() {
		w.l.Warn("exchange reported no execution price, using quoted price",
			zap.String("order", claimed.ID),
			zap.String("quoted", claimed.QuotedPrice.String()))
		price = claimed.QuotedPrice
	}

	_, err := w.tracker.Complete(ctx, claimed, tracker.Execution{
		ExchangeOrderID: state.OrderID,
		CredentialID:    cred.ID,
		Price:           price,
		Volume:          state.ExecutedVolume,
		Partial:         state.Status == gateway.OrderStatusClosed,
	}, info)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		// the fill happened, retrying the placement would be wrong
		w.l.Error("failed to apply fill, order stays processing until stuck recovery",
			zap.String("order", claimed.ID),
			zap.Error(err))
		return nil
	}

	return err
}

func (w *Worker) fail(ctx context.Context, claimed domain.PendingOrder, f queue.Failure) error {
	if _, err := w.queue.RecordFailure(ctx, claimed, f); err != nil {
		return errors.Wrapf(err, "record failure %q", f.Err.Error())
	}
	return nil
}

func (w *Worker) loadBot(ctx context.Context, id string) (domain.Bot, error) {
	var bot domain.Bot
	err := w.store.View(ctx, func(tx positions.Tx) error {
		var err error
		bot, err = tx.Bot(id)
		return err
	})
	return bot, err
}

// pickCredential returns the first credential not in the order's failed set and how many
// others would remain untried if it fails too.
func pickCredential(creds []domain.Credential, order domain.PendingOrder) (domain.Credential, int, bool) {
	var (
		picked domain.Credential
		found  bool
		left   int
	)
	for _, c := range creds {
		if order.HasFailedCredential(c.ID) {
			continue
		}
		if !found {
			picked, found = c, true
			continue
		}
		left++
	}
	return picked, left, found
}
