package chain

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/singleflight"
)

// TTLCache holds one value that is refreshed once it is older than ttl.
// Concurrent callers that find the value expired share a single refresh.
type TTLCache[T any] struct {
	ttl   time.Duration
	clock clock.Clock

	mu        sync.Mutex
	value     T
	expiresAt time.Time
	loaded    bool

	group singleflight.Group
}

func NewTTLCache[T any](ttl time.Duration, clk clock.Clock) *TTLCache[T] {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &TTLCache[T]{ttl: ttl, clock: clk}
}

// Get returns the cached value and its expiry, calling refresh when there
// is no live value.
func (c *TTLCache[T]) Get(ctx context.Context, refresh func(context.Context) (T, error)) (T, time.Time, error) {
	c.mu.Lock()
	if c.loaded && c.clock.Now().Before(c.expiresAt) {
		v, exp := c.value, c.expiresAt
		c.mu.Unlock()
		return v, exp, nil
	}
	c.mu.Unlock()

	res, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		v, err := refresh(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.value = v
		c.expiresAt = c.clock.Now().Add(c.ttl)
		c.loaded = true
		exp := c.expiresAt
		c.mu.Unlock()
		return cached[T]{value: v, expiresAt: exp}, nil
	})
	if err != nil {
		var zero T
		return zero, time.Time{}, err
	}
	entry := res.(cached[T])
	return entry.value, entry.expiresAt, nil
}

func (c *TTLCache[T]) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}

func (c *TTLCache[T]) Now() time.Time {
	return c.clock.Now()
}

type cached[T any] struct {
	value     T
	expiresAt time.Time
}
