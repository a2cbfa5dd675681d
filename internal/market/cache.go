package market

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/coinflux/coinflux/internal/exchange"
)

// CandleSource fetches candles from the exchange. *exchange.Gateway
// satisfies it.
type CandleSource interface {
	GetCandles(ctx context.Context, pair string, granularity, limit int) ([]exchange.Candle, error)
}

// Result is a cache read. Stale marks a value served past its TTL because
// the refresh failed; callers may ignore it.
type Result struct {
	Candles   []exchange.Candle
	Stale     bool
	FetchedAt time.Time
}

// Stats is a snapshot of cache counters. The hit rate is first-class:
// parallel bot evaluations stand or fall on it.
type Stats struct {
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	CoalescedWaits uint64  `json:"coalesced_waits"`
	Evictions      uint64  `json:"evictions"`
	Size           int     `json:"size"`
	HitRate        float64 `json:"hit_rate"`
}

// Config tunes the cache
type Config struct {
	TTL        time.Duration // default 30s
	StaleGrace time.Duration // how long past TTL a stale entry may serve
	MaxEntries int           // LRU hard cap
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		TTL:        30 * time.Second,
		StaleGrace: 5 * time.Minute,
		MaxEntries: 500,
	}
}

var (
	metricsOnce sync.Once
	cacheOps    *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		cacheOps = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_cache_ops_total",
				Help: "Market data cache operations by outcome",
			},
			[]string{"outcome"},
		)
	})
}

type entry struct {
	key       string
	candles   []exchange.Candle
	fetchedAt time.Time
}

// Cache deduplicates candle fetches across concurrent bot evaluations.
// Per-key singleflight guarantees one in-flight fetch per key; everyone
// else waits on the same result.
type Cache struct {
	source CandleSource
	cfg    Config
	logger zerolog.Logger
	sf     singleflight.Group

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recent

	hits      uint64
	misses    uint64
	coalesced uint64
	evictions uint64
}

// New creates a cache over the given source
func New(source CandleSource, cfg Config, logger zerolog.Logger) *Cache {
	initMetrics()
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.StaleGrace <= 0 {
		cfg.StaleGrace = DefaultConfig().StaleGrace
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	return &Cache{
		source:  source,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

func cacheKey(pair string, granularity, limit int) string {
	return fmt.Sprintf("%s:%d:%d", pair, granularity, limit)
}

// Get returns candles for the key, fetching at most once per key
// concurrently. A failed refresh falls back to a stale entry within the
// grace window.
func (c *Cache) Get(ctx context.Context, pair string, granularity, limit int) (*Result, error) {
	key := cacheKey(pair, granularity, limit)

	if candles, fetchedAt, ok := c.lookup(key, c.cfg.TTL); ok {
		c.count(&c.hits, "hit")
		return &Result{Candles: candles, FetchedAt: fetchedAt}, nil
	}
	c.count(&c.misses, "miss")

	v, err, shared := c.sf.Do(key, func() (interface{}, error) {
		candles, err := c.source.GetCandles(ctx, pair, granularity, limit)
		if err != nil {
			return nil, err
		}
		c.insert(key, candles)
		return &Result{Candles: candles, FetchedAt: time.Now()}, nil
	})
	if shared {
		c.count(&c.coalesced, "coalesced_wait")
	}
	if err == nil {
		return v.(*Result), nil
	}

	// Fetch failed; a stale entry within the grace window still beats
	// nothing.
	if candles, fetchedAt, ok := c.lookup(key, c.cfg.TTL+c.cfg.StaleGrace); ok {
		c.logger.Warn().
			Err(err).
			Str("key", key).
			Time("fetched_at", fetchedAt).
			Msg("Serving stale candles after fetch failure")
		c.count(nil, "stale_serve")
		return &Result{Candles: candles, Stale: true, FetchedAt: fetchedAt}, nil
	}
	return nil, fmt.Errorf("failed to fetch candles for %s: %w", key, err)
}

// Invalidate clears entries for one pair, or everything when pair is empty
func (c *Cache) Invalidate(pair string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pair == "" {
		c.entries = make(map[string]*list.Element)
		c.lru.Init()
		return
	}
	prefix := pair + ":"
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(el)
			delete(c.entries, key)
		}
	}
}

// Stats returns a snapshot of the counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:           c.hits,
		Misses:         c.misses,
		CoalescedWaits: c.coalesced,
		Evictions:      c.evictions,
		Size:           len(c.entries),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// lookup returns the entry if its age is within maxAge, promoting it in
// the LRU.
func (c *Cache) lookup(key string, maxAge time.Duration) ([]exchange.Candle, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, time.Time{}, false
	}
	e := el.Value.(*entry)
	if time.Since(e.fetchedAt) > maxAge {
		return nil, time.Time{}, false
	}
	c.lru.MoveToFront(el)
	return e.candles, e.fetchedAt, true
}

func (c *Cache) insert(key string, candles []exchange.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.candles = candles
		e.fetchedAt = time.Now()
		c.lru.MoveToFront(el)
		return
	}

	c.entries[key] = c.lru.PushFront(&entry{key: key, candles: candles, fetchedAt: time.Now()})
	for len(c.entries) > c.cfg.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
		c.evictions++
		cacheOps.WithLabelValues("eviction").Inc()
	}
}

func (c *Cache) count(counter *uint64, outcome string) {
	if counter != nil {
		c.mu.Lock()
		*counter++
		c.mu.Unlock()
	}
	cacheOps.WithLabelValues(outcome).Inc()
}
