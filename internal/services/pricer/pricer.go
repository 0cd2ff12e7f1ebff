// Package pricer provides last-trade prices per pair from exchange public APIs.
package pricer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/pkg/retrier"
)

type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}

// Retrying retries a price lookup a few times before giving up on the tick.
type Retrying struct {
	next    Pricer
	retrier *retrier.Retrier
	l       *zap.Logger
}

func NewRetrying(l *zap.Logger, next Pricer) *Retrying {
	return &Retrying{
		next: next,
		l:    l,
		retrier: retrier.New(
			retrier.WithMaxRetries(2),
			retrier.WithInitialInterval(200*time.Millisecond),
			retrier.WithMaxInterval(time.Second),
		),
	}
}

func (p *Retrying) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	price, err := retrier.DoWithData(p.retrier, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return p.next.GetPrice(ctx, pair)
	})
	if err != nil {
		p.l.Warn("price lookup failed", zap.String("pair", pair.String()), zap.Error(err))
		return decimal.Zero, errors.Wrapf(err, "get price for %s", pair.String())
	}
	if !price.IsPositive() {
		return decimal.Zero, errors.Errorf("non-positive price %s for %s", price.String(), pair.String())
	}

	return price, nil
}
