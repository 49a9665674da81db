package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"marketdata/internal/observ"
	"marketdata/internal/quotes"
)

// Tiered is the two-tier quote cache: a fast in-process map consulted first,
// backed by a durable store that survives restarts and repopulates the
// memory tier on miss.
//
// The extended TTL (ExtendedFactor x base) is only honored when the caller
// explicitly passes allowExtended; it is never silently substituted for a
// normal miss.
type Tiered struct {
	mu    sync.RWMutex
	mem   map[string]Entry
	store *Store

	// per-key write locks serialize read-modify-write of the durable blob
	// for the same symbol
	keyMu sync.Map // string -> *sync.Mutex

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	now func() time.Time
}

func New(store *Store) *Tiered {
	c := &Tiered{
		mem:   make(map[string]Entry),
		store: store,
		now:   time.Now,
	}
	return c
}

// DurableKey is the store key for a symbol, matching the market_{SYMBOL}
// layout of the persisted blob.
func DurableKey(symbol string) string {
	return "market_" + quotes.NormalizeSymbol(symbol)
}

func memKey(symbol string, class quotes.AssetClass) string {
	return quotes.NormalizeSymbol(symbol) + "|" + string(class)
}

// Get returns a cached quote if fresh. With allowExtended the stale-serving
// ceiling applies instead; this is the sole legitimate path for stale data
// and only the orchestrator's degraded mode uses it.
func (c *Tiered) Get(symbol string, class quotes.AssetClass, allowExtended bool) (quotes.Quote, bool) {
	mk := memKey(symbol, class)

	c.mu.RLock()
	e, ok := c.mem[mk]
	c.mu.RUnlock()

	fromDurable := false
	if !ok {
		// Process-cache miss: consult the durable tier.
		var err error
		e, ok, err = c.store.Get(DurableKey(symbol))
		if err != nil || !ok || e.Data.AssetClass != class {
			observ.IncCounter("quote_cache_miss_total", map[string]string{"tier": "both"})
			return quotes.Quote{}, false
		}
		fromDurable = true
	}

	age := c.now().Sub(time.UnixMilli(e.Timestamp))
	ttl := time.Duration(e.TTLMs) * time.Millisecond
	limit := ttl
	if allowExtended {
		limit = ttl * ExtendedFactor
	}
	if age > limit {
		observ.IncCounter("quote_cache_miss_total", map[string]string{"tier": "expired"})
		return quotes.Quote{}, false
	}

	// Repopulate the memory tier only with entries that can still serve;
	// dead durable entries would otherwise sit in mem until the sweeper.
	if fromDurable {
		c.mu.Lock()
		c.mem[mk] = e
		c.mu.Unlock()
	}

	stale := age > ttl
	observ.IncCounter("quote_cache_hit_total", map[string]string{
		"stale": map[bool]string{true: "true", false: "false"}[stale],
	})
	if stale {
		observ.IncCounter("quote_cache_stale_read_total", nil)
	}
	return e.Data.WithProvenance(quotes.ProvenanceCache), true
}

// Put writes through both tiers.
func (c *Tiered) Put(q quotes.Quote, ttl time.Duration) error {
	e := c.entry(q, ttl)
	mk := memKey(q.Symbol, q.AssetClass)

	mu := c.lockFor(mk)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	c.mem[mk] = e
	c.mu.Unlock()

	observ.IncCounter("quote_cache_set_total", map[string]string{"provider": q.Provider})
	return c.store.Put(DurableKey(q.Symbol), e)
}

// PutLocal writes the memory tier only. Batch refreshes use it per symbol
// and then amortize the durable I/O with one PutBatch.
func (c *Tiered) PutLocal(q quotes.Quote, ttl time.Duration) {
	mk := memKey(q.Symbol, q.AssetClass)
	c.mu.Lock()
	c.mem[mk] = c.entry(q, ttl)
	c.mu.Unlock()
}

// PutBatch stores a set of quotes as a single durable write.
func (c *Tiered) PutBatch(qs []quotes.Quote, ttlFor func(quotes.AssetClass) time.Duration) error {
	if len(qs) == 0 {
		return nil
	}
	entries := make(map[string]Entry, len(qs))
	c.mu.Lock()
	for _, q := range qs {
		e := c.entry(q, ttlFor(q.AssetClass))
		c.mem[memKey(q.Symbol, q.AssetClass)] = e
		entries[DurableKey(q.Symbol)] = e
	}
	c.mu.Unlock()

	observ.IncCounterBy("quote_cache_batch_set_total", nil, float64(len(qs)))
	return c.store.PutBatch(entries, c.now().UnixMilli())
}

// Invalidate drops a symbol from both tiers.
func (c *Tiered) Invalidate(symbol string, class quotes.AssetClass) {
	mk := memKey(symbol, class)
	mu := c.lockFor(mk)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	delete(c.mem, mk)
	c.mu.Unlock()
	_ = c.store.Delete(DurableKey(symbol))
}

// Size returns the number of entries in the memory tier.
func (c *Tiered) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mem)
}

// StartSweeper launches the background removal of entries older than
// 2 x their ttl. Best-effort: it never blocks foreground requests and is
// safe to skip under load.
func (c *Tiered) StartSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.sweepCancel = cancel
	c.sweepDone = make(chan struct{})

	go func() {
		defer close(c.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// StopSweeper stops the background sweep and waits for it to exit.
func (c *Tiered) StopSweeper() {
	if c.sweepCancel == nil {
		return
	}
	c.sweepCancel()
	<-c.sweepDone
}

func (c *Tiered) sweep() {
	now := c.now()
	stale := func(e Entry) bool {
		return now.Sub(time.UnixMilli(e.Timestamp)) > 2*time.Duration(e.TTLMs)*time.Millisecond
	}

	c.mu.Lock()
	evicted := 0
	for k, e := range c.mem {
		if stale(e) {
			delete(c.mem, k)
			evicted++
		}
	}
	c.mu.Unlock()

	removed, err := c.store.Sweep(stale)
	if err != nil {
		observ.Log("cache_sweep_error", map[string]any{"error": err.Error()})
	}
	if evicted+removed > 0 {
		observ.Log("cache_sweep", map[string]any{"memory": evicted, "durable": removed})
		observ.IncCounterBy("quote_cache_evictions_total", nil, float64(evicted+removed))
	}
}

func (c *Tiered) entry(q quotes.Quote, ttl time.Duration) Entry {
	return Entry{
		Data:      q,
		Timestamp: c.now().UnixMilli(),
		TTLMs:     ttl.Milliseconds(),
	}
}

func (c *Tiered) lockFor(key string) *sync.Mutex {
	// Normalize so BTC|crypto and btc|crypto serialize together.
	key = strings.ToUpper(key)
	v, _ := c.keyMu.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}
