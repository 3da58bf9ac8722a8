// Package cache resolves keys to decoded objects through a memory tier of
// decoded values over a disk tier of raw bytes, fetching misses at most once
// per key at a time.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nimingban/internal/config"
)

var (
	ErrEmptyKey     = errors.New("cache: empty key")
	ErrEmptyPayload = errors.New("cache: empty payload")
	ErrTooLarge     = errors.New("cache: entry larger than tier")
	ErrClosed       = errors.New("cache: closed")
)

// DecodeError wraps a payload the Helper rejected. Nothing is cached for Key.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("cache: decode %s: %v", e.Key, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Helper turns stored bytes into objects and accounts for their memory.
type Helper[T any] interface {
	Decode(b []byte) (T, error)
	Size(v T) int64
}

// Fetcher loads the raw bytes for a key from the network.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, key string) ([]byte, error) { return f(ctx, key) }

type Options struct {
	// MemoryMax bounds the memory tier; zero disables it.
	MemoryMax int64
	// DiskDir holds the disk tier; empty disables it.
	DiskDir string
	DiskMax int64
	// StatsEvery logs a usage line periodically when positive.
	StatsEvery time.Duration
}

// MemoryCapacity returns min(limit, fraction of the memory currently
// available). Without a readable figure it returns limit.
func MemoryCapacity(limit int64, fraction float64) int64 {
	avail, ok := availableMemoryBytes()
	if !ok || fraction <= 0 {
		return limit
	}
	return min(limit, int64(float64(avail)*fraction))
}

type flight[T any] struct {
	done    chan struct{}
	val     T
	err     error
	waiters int
	cancel  context.CancelFunc
}

type Cache[T any] struct {
	helper  Helper[T]
	fetcher Fetcher

	mem  *memoryTier[T]
	disk *diskTier

	mu      sync.Mutex
	flights map[string]*flight[T]

	stats  *statsCollector
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed sync.Once

	log zerolog.Logger
	bad zerolog.Logger
}

func New[T any](opts Options, helper Helper[T], fetcher Fetcher) (*Cache[T], error) {
	if helper == nil {
		return nil, errors.New("cache: helper required")
	}
	if fetcher == nil {
		return nil, errors.New("cache: fetcher required")
	}
	l := log.With().Str("component", "cache").Logger()
	c := &Cache[T]{
		helper:  helper,
		fetcher: fetcher,
		mem:     newMemoryTier[T](opts.MemoryMax),
		flights: map[string]*flight[T]{},
		stats:   newStatsCollector(),
		stopCh:  make(chan struct{}),
		log:     l,
		bad:     l.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Minute}),
	}
	if opts.DiskDir != "" {
		disk, err := newDiskTier(opts.DiskDir, opts.DiskMax, l)
		if err != nil {
			return nil, err
		}
		c.disk = disk
	}
	if opts.StatsEvery > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.statsLoop(opts.StatsEvery)
		}()
	}
	l.Debug().
		Str("memoryMax", config.FormatBytes(uint64(max(opts.MemoryMax, 0)))).
		Str("diskMax", config.FormatBytes(uint64(max(opts.DiskMax, 0)))).
		Str("diskDir", opts.DiskDir).
		Msg("Object cache ready")
	return c, nil
}

// Close stops background work and closes the disk tier. Pending fetches are
// cancelled.
func (c *Cache[T]) Close() error {
	var err error
	c.closed.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		for _, f := range c.flights {
			f.cancel()
		}
		c.mu.Unlock()
		c.wg.Wait()
		if c.disk != nil {
			err = c.disk.close()
		}
	})
	return err
}

// Get resolves key to an object: memory tier, then disk tier, then a joined
// or new network fetch. Cancelling ctx abandons this caller's interest; the
// fetch itself is cancelled only when no caller is left waiting for it.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	if key == "" {
		return zero, ErrEmptyKey
	}

	if v, ok := c.mem.Get(key); ok {
		c.stats.memoryHits.Add(1)
		return v, nil
	}
	if v, ok := c.fromDisk(key); ok {
		c.stats.diskHits.Add(1)
		return v, nil
	}

	c.mu.Lock()
	select {
	case <-c.stopCh:
		c.mu.Unlock()
		return zero, ErrClosed
	default:
	}
	f, joined := c.flights[key]
	if !joined {
		// a fetch may have landed between the tier checks and here
		if v, ok := c.mem.Get(key); ok {
			c.mu.Unlock()
			c.stats.memoryHits.Add(1)
			return v, nil
		}
		fctx, cancel := context.WithCancel(context.Background())
		f = &flight[T]{done: make(chan struct{}), cancel: cancel}
		c.flights[key] = f
		c.wg.Add(1)
		go c.fetch(fctx, key, f)
	} else {
		c.stats.joined.Add(1)
	}
	f.waiters++
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}
	f.waiters--
	if f.waiters == 0 {
		f.cancel()
		// later callers start afresh instead of joining a dying fetch
		if c.flights[key] == f {
			delete(c.flights, key)
		}
	}
	return zero, ctx.Err()
}

// fromDisk decodes a disk-tier hit and promotes it to memory. Bytes the
// helper rejects are dropped from disk unless a fetch replaced them meanwhile.
func (c *Cache[T]) fromDisk(key string) (T, bool) {
	var zero T
	if c.disk == nil {
		return zero, false
	}
	b, ok := c.disk.Get(key)
	if !ok {
		return zero, false
	}
	v, err := c.decode(key, b)
	if err != nil {
		if c.disk.DeleteIfSame(key, b) {
			c.bad.Warn().Err(err).Str("key", key).Msg("Dropped undecodable disk cache entry")
		}
		return zero, false
	}
	c.mem.Put(key, v, c.helper.Size(v))
	return v, true
}

func (c *Cache[T]) fetch(ctx context.Context, key string, f *flight[T]) {
	defer c.wg.Done()
	defer f.cancel()

	c.stats.fetches.Add(1)
	start := time.Now()
	var v T
	b, err := c.fetcher.Fetch(ctx, key)
	if err == nil {
		v, err = c.decode(key, b)
	}
	if err == nil {
		c.stats.observe(len(b))
		// disk first: memory only ever holds what disk can reproduce
		if c.disk != nil {
			if derr := c.disk.Put(key, b); derr != nil && !errors.Is(derr, ErrTooLarge) {
				c.bad.Warn().Err(derr).Str("key", key).Msg("Disk cache write failed")
			}
		}
		c.mem.Put(key, v, c.helper.Size(v))
		c.log.Trace().Str("key", key).Int("bytes", len(b)).Dur("took", time.Since(start)).Msg("Fetched")
	} else {
		c.stats.failures.Add(1)
		c.log.Debug().Err(err).Str("key", key).Msg("Fetch failed")
	}

	c.mu.Lock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	f.val, f.err = v, err
	close(f.done)
	c.mu.Unlock()
}

func (c *Cache[T]) decode(key string, b []byte) (v T, err error) {
	if len(b) == 0 {
		return v, &DecodeError{Key: key, Err: ErrEmptyPayload}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &DecodeError{Key: key, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	v, err = c.helper.Decode(b)
	if err != nil {
		var zero T
		return zero, &DecodeError{Key: key, Err: err}
	}
	return v, nil
}

// Peek returns the memory-tier object for key without touching other tiers.
func (c *Cache[T]) Peek(key string) (T, bool) {
	return c.mem.Get(key)
}

// Contains reports whether key is held by either tier.
func (c *Cache[T]) Contains(key string) bool {
	if c.mem.Has(key) {
		return true
	}
	return c.disk != nil && c.disk.Has(key)
}

// ClearMemory empties the memory tier. The disk tier is kept, so later gets
// are served without the network.
func (c *Cache[T]) ClearMemory() {
	n := c.mem.Len()
	c.mem.Clear()
	c.log.Debug().Int("entries", n).Msg("Memory tier cleared")
}

// Remove drops key from both tiers.
func (c *Cache[T]) Remove(key string) {
	c.mem.Delete(key)
	if c.disk != nil {
		c.disk.Delete(key)
	}
}

func (c *Cache[T]) Stats() Stats {
	s := Stats{
		MemoryEntries: c.mem.Len(),
		MemoryBytes:   c.mem.TotalSize(),
		MemoryMax:     c.mem.maxBytes,
	}
	if c.disk != nil {
		s.DiskEntries = c.disk.Len()
		s.DiskBytes = c.disk.TotalSize()
		s.DiskMax = c.disk.maxBytes
	}
	c.mu.Lock()
	s.InFlight = len(c.flights)
	c.mu.Unlock()
	c.stats.fill(&s)
	return s
}

// cachedKeysCount counts keys present in either tier.
func (c *Cache[T]) cachedKeysCount() int {
	memKeys := c.mem.Keys()
	if c.disk == nil {
		return len(memKeys)
	}
	diskCount := c.disk.Len()
	intersect := 0
	for _, k := range memKeys {
		if c.disk.Has(k) {
			intersect++
		}
	}
	return len(memKeys) + diskCount - intersect
}

func (c *Cache[T]) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			s := c.Stats()
			evt := c.log.Info().
				Int("keys", c.cachedKeysCount()).
				Str("ram", config.FormatBytes(uint64(s.MemoryBytes))).
				Str("disk", config.FormatBytes(uint64(s.DiskBytes))).
				Str("respMin", config.FormatBytes(s.MinPayloadBytes)).
				Str("respAvg", config.FormatBytes(s.AvgPayloadBytes)).
				Str("respMax", config.FormatBytes(s.MaxPayloadBytes)).
				Uint64("memHits", s.MemoryHits).
				Uint64("diskHits", s.DiskHits).
				Uint64("fetches", s.Fetches).
				Uint64("failures", s.Failures)
			if rss, ok := processRSSBytes(); ok {
				evt = evt.Str("rss", config.FormatBytes(rss))
			}
			evt.Msg("Cache stats")
		}
	}
}
