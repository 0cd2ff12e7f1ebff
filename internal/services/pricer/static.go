package pricer

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/ladder/internal/domain"
)

// Static serves prices set by hand. Used for paper trading replays and tests.
type Static struct {
	mu     sync.RWMutex
	prices map[domain.Pair]decimal.Decimal
}

func NewStatic() *Static {
	return &Static{prices: make(map[domain.Pair]decimal.Decimal)}
}

func (p *Static) Set(pair domain.Pair, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[pair] = price
}

func (p *Static) GetPrice(_ context.Context, pair domain.Pair) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[pair]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	return price, nil
}
