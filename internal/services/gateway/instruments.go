package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/pkg/retrier"
)

const defaultInstrumentTTL = time.Hour

type cachedInstrument struct {
	info      domain.InstrumentInfo
	fetchedAt time.Time
}

// instrumentCache decorates a Gateway: configured overrides win, lookups are cached for ttl
// and transient failures are retried in-call.
type instrumentCache struct {
	Gateway

	ttl       time.Duration
	overrides map[domain.Pair]domain.InstrumentInfo
	retrier   *retrier.Retrier
	now       func() time.Time

	mu    sync.Mutex
	cache map[domain.Pair]cachedInstrument
}

func withInstrumentCache(g Gateway, ttl time.Duration, overrides map[domain.Pair]domain.InstrumentInfo) *instrumentCache {
	if ttl <= 0 {
		ttl = defaultInstrumentTTL
	}

	return &instrumentCache{
		Gateway:   g,
		ttl:       ttl,
		overrides: overrides,
		retrier: retrier.New(
			retrier.WithMaxRetries(2),
			retrier.WithInitialInterval(250*time.Millisecond),
			retrier.WithRetryIf(func(err error) bool { return domain.Classify(err) == domain.ClassTransient }),
		),
		now:   time.Now,
		cache: make(map[domain.Pair]cachedInstrument),
	}
}

func (c *instrumentCache) GetInstrumentInfo(ctx context.Context, pair domain.Pair) (domain.InstrumentInfo, error) {
	if info, ok := c.overrides[pair]; ok {
		return info, nil
	}

	c.mu.Lock()
	cached, ok := c.cache[pair]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.fetchedAt) < c.ttl {
		return cached.info, nil
	}

	info, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (domain.InstrumentInfo, error) {
		return c.Gateway.GetInstrumentInfo(ctx, pair)
	})
	if err != nil {
		return domain.InstrumentInfo{}, err
	}

	c.mu.Lock()
	c.cache[pair] = cachedInstrument{info: info, fetchedAt: c.now()}
	c.mu.Unlock()

	return info, nil
}
