// Package orchestrator coordinates the acquisition path: cache lookup,
// request coalescing, then the ordered provider cascade gated by circuit
// breakers, rate limits and credential quotas. It only ever returns data a
// provider actually produced or a cached copy of it; on total failure it
// returns a typed error, never a synthesized quote.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marketdata/internal/adapters"
	"marketdata/internal/breaker"
	"marketdata/internal/cache"
	"marketdata/internal/dedup"
	"marketdata/internal/keyring"
	"marketdata/internal/observ"
	"marketdata/internal/quotes"
	"marketdata/internal/ratelimit"
)

// Config holds the cascade tuning knobs.
type Config struct {
	MaxRetries       int           `yaml:"max_retries"`       // transient retries per provider
	RetryBackoff     time.Duration `yaml:"-"`                 // base backoff, doubled per retry
	RetryBackoffMs   int           `yaml:"retry_backoff_ms"`
	MaxWait          time.Duration `yaml:"-"`                 // wait budget when the last provider is throttled
	MaxWaitMs        int           `yaml:"max_wait_ms"`
	CallTimeout      time.Duration `yaml:"-"`                 // per provider call
	CallTimeoutMs    int           `yaml:"call_timeout_ms"`
	BatchConcurrency int           `yaml:"batch_concurrency"`
	DegradedWindow   time.Duration `yaml:"-"`                 // how long a capacity outage keeps degraded mode on
	DegradedWindowMs int           `yaml:"degraded_window_ms"`
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = durOr(c.RetryBackoffMs, 200*time.Millisecond)
	}
	if c.MaxWait <= 0 {
		c.MaxWait = durOr(c.MaxWaitMs, 2*time.Second)
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = durOr(c.CallTimeoutMs, 5*time.Second)
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 4
	}
	if c.DegradedWindow <= 0 {
		c.DegradedWindow = durOr(c.DegradedWindowMs, 2*time.Minute)
	}
	return c
}

func durOr(ms int, fallback time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// Deps are the wired collaborators. Rings holds one credential pool per
// provider that requires one.
type Deps struct {
	Cascades map[quotes.AssetClass][]adapters.Adapter
	Breakers *breaker.Registry
	Limiter  *ratelimit.Limiter
	Rings    map[string]*keyring.Ring
	Cache    *cache.Tiered
	TTL      *cache.TTLPolicy
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	dedup *dedup.Deduplicator

	mu            sync.Mutex
	degradedUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		dedup: dedup.New(),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Stats is the operational snapshot served by the stats endpoint.
type Stats struct {
	CacheSize int                         `json:"cache_size"`
	Breakers  map[string]breaker.State    `json:"breakers"`
	Quota     map[string][]keyring.Status `json:"quota"`
	Degraded  bool                        `json:"degraded"`
}

// GetQuote returns a quote for the symbol: fresh cache first, otherwise one
// live fetch through the provider cascade shared by all concurrent callers.
func (o *Orchestrator) GetQuote(ctx context.Context, symbol string, class quotes.AssetClass) (quotes.Quote, error) {
	symbol = quotes.NormalizeSymbol(symbol)
	if q, ok := o.deps.Cache.Get(symbol, class, false); ok {
		return q, nil
	}

	fp := dedup.Fingerprint("quote", class, symbol)
	return o.dedup.Do(ctx, fp, func() (quotes.Quote, error) {
		return o.acquire(ctx, symbol, class, true)
	})
}

// BatchRequest names one symbol of a batch refresh.
type BatchRequest struct {
	Symbol     string
	AssetClass quotes.AssetClass
}

// GetQuotesBatch fetches many symbols with bounded concurrency. Symbols that
// cannot be served are omitted from the result rather than filled with
// placeholders. Live results are written durably as one batch at the end.
func (o *Orchestrator) GetQuotesBatch(ctx context.Context, reqs []BatchRequest) map[string]quotes.Quote {
	out := make(map[string]quotes.Quote, len(reqs))
	var live []quotes.Quote
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.BatchConcurrency)
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			symbol := quotes.NormalizeSymbol(req.Symbol)
			q, err := o.batchOne(gctx, symbol, req.AssetClass)
			if err != nil {
				observ.Log("batch_symbol_failed", map[string]any{
					"symbol": symbol,
					"error":  err.Error(),
				})
				return nil
			}
			mu.Lock()
			out[symbol] = q
			if q.Provenance == quotes.ProvenanceLive {
				live = append(live, q)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(live) > 0 {
		if err := o.deps.Cache.PutBatch(live, o.deps.TTL.For); err != nil {
			observ.Log("batch_persist_error", map[string]any{"error": err.Error()})
		}
	}
	return out
}

func (o *Orchestrator) batchOne(ctx context.Context, symbol string, class quotes.AssetClass) (quotes.Quote, error) {
	if q, ok := o.deps.Cache.Get(symbol, class, false); ok {
		return q, nil
	}
	fp := dedup.Fingerprint("quote", class, symbol)
	return o.dedup.Do(ctx, fp, func() (quotes.Quote, error) {
		return o.acquire(ctx, symbol, class, false)
	})
}

// InvalidateCache drops a symbol from both cache tiers, whichever asset
// class it was stored under.
func (o *Orchestrator) InvalidateCache(symbol string) {
	o.deps.Cache.Invalidate(symbol, quotes.AssetCrypto)
	o.deps.Cache.Invalidate(symbol, quotes.AssetEquity)
}

// Stats reports cache size, breaker states, quota utilization and whether
// degraded mode is active.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		CacheSize: o.deps.Cache.Size(),
		Breakers:  o.deps.Breakers.States(),
		Quota:     make(map[string][]keyring.Status, len(o.deps.Rings)),
		Degraded:  o.degraded(),
	}
	for name, ring := range o.deps.Rings {
		s.Quota[name] = ring.Utilization()
	}
	return s
}

// acquire runs the full cascade for one symbol. With durable set, a live
// result is written through both cache tiers; batch callers pass false and
// persist once at the end.
func (o *Orchestrator) acquire(ctx context.Context, symbol string, class quotes.AssetClass, durable bool) (quotes.Quote, error) {
	// A call that settled between our miss and joining the group may have
	// populated the cache already.
	if q, ok := o.deps.Cache.Get(symbol, class, false); ok {
		return q, nil
	}

	// While degraded, serve the extended tier before spending time on a
	// cascade that is known to be out of capacity.
	if o.degraded() {
		if q, ok := o.deps.Cache.Get(symbol, class, true); ok {
			observ.IncCounter("quote_degraded_served_total", nil)
			observ.Log("degraded_cache_hit", map[string]any{"symbol": symbol, "provider": q.Provider})
			return q, nil
		}
	}

	cascade := o.deps.Cascades[class]
	if len(cascade) == 0 {
		return quotes.Quote{}, quotes.NewValidationError("", symbol, "no providers configured for "+string(class), nil)
	}

	var failures []string
	capacityOnly := true
	for i, a := range cascade {
		isLast := i == len(cascade)-1
		q, err := o.tryProvider(ctx, a, symbol, isLast)
		if err == nil {
			ttl := o.deps.TTL.For(class)
			if durable {
				if perr := o.deps.Cache.Put(q, ttl); perr != nil {
					observ.Log("cache_write_error", map[string]any{"symbol": symbol, "error": perr.Error()})
				}
			} else {
				o.deps.Cache.PutLocal(q, ttl)
			}
			observ.IncCounter("quote_fetch_total", map[string]string{"provider": a.Name(), "outcome": "ok"})
			return q, nil
		}
		if ctx.Err() != nil {
			return quotes.Quote{}, err
		}

		kind := quotes.KindOf(err)
		if kind != quotes.KindRateLimited && kind != quotes.KindQuotaExhausted {
			capacityOnly = false
		}
		failures = append(failures, err.Error())
		observ.IncCounter("quote_fetch_total", map[string]string{"provider": a.Name(), "outcome": string(kind)})
		if !isLast {
			observ.Log("provider_fallback", map[string]any{
				"symbol": symbol,
				"from":   a.Name(),
				"to":     cascade[i+1].Name(),
				"reason": string(kind),
			})
		}
	}

	// Every provider failing purely on capacity means the outage is on our
	// side of the quota, so stale-but-real data beats an error for a while.
	if capacityOnly {
		o.enterDegraded()
	}
	if o.degraded() {
		if q, ok := o.deps.Cache.Get(symbol, class, true); ok {
			observ.IncCounter("quote_degraded_served_total", nil)
			observ.Log("degraded_cache_hit", map[string]any{"symbol": symbol, "provider": q.Provider})
			return q, nil
		}
	}

	observ.IncCounter("quote_exhausted_total", nil)
	return quotes.Quote{}, quotes.NewExhaustedError(symbol, strings.Join(failures, "; "))
}

// tryProvider makes up to 1+MaxRetries attempts against one provider,
// retrying only transient failures with doubling backoff.
func (o *Orchestrator) tryProvider(ctx context.Context, a adapters.Adapter, symbol string, isLast bool) (quotes.Quote, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := o.cfg.RetryBackoff << (attempt - 1)
			if err := o.sleep(ctx, backoff); err != nil {
				return quotes.Quote{}, lastErr
			}
			observ.IncCounter("quote_retry_total", map[string]string{"provider": a.Name()})
		}
		q, err := o.callOnce(ctx, a, symbol, isLast)
		if err == nil {
			return q, nil
		}
		lastErr = err
		if quotes.KindOf(err) != quotes.KindTransient {
			return quotes.Quote{}, err
		}
	}
	return quotes.Quote{}, lastErr
}

func (o *Orchestrator) callOnce(ctx context.Context, a adapters.Adapter, symbol string, isLast bool) (quotes.Quote, error) {
	name := a.Name()
	br := o.deps.Breakers.For(name)

	// Fail fast before consuming a rate token or touching a credential.
	if br.State() == breaker.StateOpen {
		return quotes.Quote{}, quotes.NewCircuitOpenError(name)
	}

	var credID, key string
	var ring *keyring.Ring
	if a.RequiresCredential() {
		ring = o.deps.Rings[name]
		if ring != nil {
			var err error
			credID, key, err = ring.Acquire()
			if err != nil {
				return quotes.Quote{}, err
			}
		}
	}

	ok, retryAfter := o.deps.Limiter.CheckAndReserve(name, credID)
	if !ok {
		// Only the last provider is worth waiting on; earlier in the
		// cascade, falling through is faster than sitting on the token ETA.
		if !isLast || retryAfter <= 0 || retryAfter > o.cfg.MaxWait {
			return quotes.Quote{}, quotes.NewRateLimitedError(name, symbol, "admission rejected", retryAfter)
		}
		if err := o.sleep(ctx, retryAfter); err != nil {
			return quotes.Quote{}, quotes.NewRateLimitedError(name, symbol, "admission rejected", retryAfter)
		}
		if ok, retryAfter = o.deps.Limiter.CheckAndReserve(name, credID); !ok {
			return quotes.Quote{}, quotes.NewRateLimitedError(name, symbol, "admission rejected after wait", retryAfter)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	start := o.now()
	q, err := br.Execute(func() (quotes.Quote, error) {
		q, ferr := a.FetchQuote(cctx, symbol, key)
		if ferr != nil {
			return quotes.Quote{}, ferr
		}
		if verr := quotes.Validate(q); verr != nil {
			return quotes.Quote{}, quotes.NewValidationError(name, symbol, "rejected quote", verr)
		}
		return q, nil
	})
	observ.RecordDuration("provider_latency", o.now().Sub(start), map[string]string{"provider": name})

	if ring != nil && credID != "" && quotes.KindOf(err) != quotes.KindCircuitOpen {
		ring.Report(credID, err == nil, quotes.KindOf(err))
	}
	return q, err
}

func (o *Orchestrator) enterDegraded() {
	o.mu.Lock()
	defer o.mu.Unlock()
	until := o.now().Add(o.cfg.DegradedWindow)
	if until.After(o.degradedUntil) {
		o.degradedUntil = until
		observ.Log("degraded_mode_entered", map[string]any{
			"until": until.UTC().Format(time.RFC3339),
		})
		observ.SetGauge("degraded_mode", 1, nil)
	}
}

func (o *Orchestrator) degraded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	active := o.now().Before(o.degradedUntil)
	if !active && !o.degradedUntil.IsZero() {
		o.degradedUntil = time.Time{}
		observ.SetGauge("degraded_mode", 0, nil)
	}
	return active
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
