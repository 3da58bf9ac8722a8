package dns

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type record struct {
	addrs     []netip.Addr
	fetchedAt time.Time
}

// Cached keeps successful answers of Next for TTL and coalesces concurrent
// lookups of the same name into one. Failures are not cached.
type Cached struct {
	Next Resolver
	TTL  time.Duration

	mu      sync.RWMutex
	records map[string]record
	group   singleflight.Group
	now     func() time.Time
}

func NewCached(next Resolver, ttl time.Duration) *Cached {
	return &Cached{
		Next:    next,
		TTL:     ttl,
		records: map[string]record{},
		now:     time.Now,
	}
}

func (c *Cached) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	key := normalize(host)

	c.mu.RLock()
	rec, ok := c.records[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(rec.fetchedAt) < c.TTL {
		return append([]netip.Addr(nil), rec.addrs...), nil
	}

	// The shared lookup must not die with whichever caller started it.
	lookupCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		addrs, err := c.Next.Resolve(lookupCtx, host)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.records[key] = record{addrs: addrs, fetchedAt: c.now()}
		c.mu.Unlock()
		return addrs, nil
	})
	select {
	case <-ctx.Done():
		return nil, &ResolutionError{Host: host, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]netip.Addr(nil), res.Val.([]netip.Addr)...), nil
	}
}

// Forget drops the cached answer for host.
func (c *Cached) Forget(host string) {
	c.mu.Lock()
	delete(c.records, normalize(host))
	c.mu.Unlock()
}
