// Package query is the fetch layer: a cache of read results keyed by query
// identity, with explicit invalidation and change subscriptions.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/jwalitptl/alerts-api/pkg/errors"
	"github.com/jwalitptl/alerts-api/pkg/logger"
	"github.com/jwalitptl/alerts-api/pkg/metrics"
)

var (
	ErrClosed       = errors.New("query client closed")
	ErrUnknownQuery = errors.New("unknown query")
)

// Fetcher loads the current rows of one query.
type Fetcher func(ctx context.Context) (interface{}, error)

type Options struct {
	// RefetchInterval > 0 refetches the query in the background on a ticker.
	RefetchInterval time.Duration
}

// State is the last known result of a query. On failure Data is nil and Err
// wraps the backend error as a fetch error.
type State struct {
	Data      interface{}
	Err       error
	Stale     bool
	UpdatedAt time.Time
}

type Config struct {
	StaleTime       time.Duration
	CleanupInterval time.Duration
	Logger          *logger.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

type registration struct {
	fetcher Fetcher
	opts    Options

	// started counts fetches begun; applied is the newest one stored.
	started uint64
	applied uint64

	// deliverMu serialises subscriber calls for this key.
	deliverMu sync.Mutex

	nextSub     int
	subscribers map[int]func(State)
}

type Client struct {
	store   *cache.Cache
	group   singleflight.Group
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queries map[string]*registration
	closed  bool
}

func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	staleTime := cfg.StaleTime
	if staleTime <= 0 {
		staleTime = cache.NoExpiration
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		store:   cache.New(staleTime, cfg.CleanupInterval),
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		ctx:     ctx,
		cancel:  cancel,
		queries: make(map[string]*registration),
	}
}

// Register adds a query. Registering an existing key replaces its fetcher.
func (c *Client) Register(key string, fetcher Fetcher, opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if q, ok := c.queries[key]; ok {
		q.fetcher = fetcher
		q.opts = opts
		return
	}
	c.queries[key] = &registration{
		fetcher:     fetcher,
		opts:        opts,
		subscribers: make(map[int]func(State)),
	}

	if opts.RefetchInterval > 0 {
		c.wg.Add(1)
		go c.poll(key, opts.RefetchInterval)
	}
}

// Fetch returns the cached state when it is fresh and otherwise runs the
// fetcher. Concurrent fetches of one key share a single backend read.
// A failed read is reported in State.Err, not as the returned error.
func (c *Client) Fetch(ctx context.Context, key string) (State, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return State{}, ErrClosed
	}
	q, ok := c.queries[key]
	if !ok {
		c.mu.Unlock()
		return State{}, fmt.Errorf("%w: %s", ErrUnknownQuery, key)
	}
	c.mu.Unlock()

	if st, ok := c.lookup(key); ok && !st.Stale && st.Err == nil {
		c.observe(key, "hit", 0)
		return st, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.run(key, q), nil
	})
	select {
	case res := <-ch:
		return res.Val.(State), nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Peek returns the stored state without fetching.
func (c *Client) Peek(key string) (State, bool) {
	return c.lookup(key)
}

// Prefetch starts a background read of every key.
func (c *Client) Prefetch(keys ...string) {
	for _, key := range keys {
		c.refetch(key)
	}
}

// Invalidate marks key stale before returning and then refetches it in the
// background. Reads issued after Invalidate never see the old entry as fresh.
func (c *Client) Invalidate(key string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.queries[key]; !ok {
		c.mu.Unlock()
		return
	}
	if st, ok := c.lookup(key); ok {
		st.Stale = true
		c.store.Set(key, st, cache.DefaultExpiration)
	}
	c.mu.Unlock()

	// An in-flight read may predate the write that caused the invalidation.
	c.group.Forget(key)
	if c.metrics != nil {
		c.metrics.CacheInvalidations.WithLabelValues(key).Inc()
	}
	c.log.Debug("query invalidated", "query", key)

	c.refetch(key)
}

// Subscribe calls fn with the new state after every completed fetch of key.
// Calls for one key are sequential; fn must not Fetch that key itself.
func (c *Client) Subscribe(key string, fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[key]
	if !ok || c.closed {
		return func() {}
	}
	id := q.nextSub
	q.nextSub++
	q.subscribers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(q.subscribers, id)
			c.mu.Unlock()
		})
	}
}

// Close stops interval refetches. Results of fetches still in flight are
// dropped and no subscriber is called afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, q := range c.queries {
		q.subscribers = map[int]func(State){}
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.store.Flush()
}

func (c *Client) lookup(key string) (State, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return State{}, false
	}
	return v.(State), true
}

func (c *Client) refetch(key string) {
	c.mu.Lock()
	q, ok := c.queries[key]
	closed := c.closed
	c.mu.Unlock()
	if !ok || closed {
		return
	}
	go c.group.Do(key, func() (interface{}, error) {
		return c.run(key, q), nil
	})
}

func (c *Client) poll(key string, interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.refetch(key)
		}
	}
}

// run performs one backend read and publishes the result unless the client
// has been closed or a newer read already completed.
func (c *Client) run(key string, q *registration) State {
	c.mu.Lock()
	q.started++
	gen := q.started
	fetcher := q.fetcher
	c.mu.Unlock()

	start := time.Now()
	data, err := fetcher(c.ctx)
	st := State{UpdatedAt: c.now()}
	if err != nil {
		st.Err = apperrors.NewFetch(key, err)
		c.log.Error(err, "query fetch failed", "query", key)
		c.observe(key, "error", time.Since(start))
	} else {
		st.Data = data
		c.observe(key, "success", time.Since(start))
	}

	c.mu.Lock()
	if c.closed || gen < q.applied {
		c.mu.Unlock()
		return st
	}
	q.applied = gen
	c.store.Set(key, st, cache.DefaultExpiration)
	c.mu.Unlock()

	c.deliver(q, gen, st)
	return st
}

// deliver hands st to the subscribers unless a newer read was stored in the
// meantime, so subscribers never see an older state after a newer one.
func (c *Client) deliver(q *registration, gen uint64, st State) {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()

	c.mu.Lock()
	if c.closed || gen != q.applied {
		c.mu.Unlock()
		return
	}
	subs := make([]func(State), 0, len(q.subscribers))
	for _, fn := range q.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

func (c *Client) observe(key, status string, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.FetchTotal.WithLabelValues(key, status).Inc()
	if status != "hit" {
		c.metrics.FetchLatency.WithLabelValues(key).Observe(d.Seconds())
	}
}
