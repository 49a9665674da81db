package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marketdata/internal/observ"
)

// Config holds the admission limits for one provider. Credentialed providers
// get an independent window per credential.
type Config struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

func (c Config) withDefaults() Config {
	if c.PerMinute <= 0 {
		c.PerMinute = 60
	}
	if c.Burst <= 0 {
		c.Burst = c.PerMinute
	}
	return c
}

// Limiter provides non-blocking admission control per (provider, credential)
// pair. Reserving is atomic: two concurrent checks cannot both be admitted
// when only one slot remains, because the underlying token bucket hands out
// reservations under its own lock.
type Limiter struct {
	mu       sync.Mutex
	configs  map[string]Config
	defaults Config
	limiters map[string]*rate.Limiter
}

func New(perProvider map[string]Config) *Limiter {
	return &Limiter{
		configs:  perProvider,
		defaults: Config{}.withDefaults(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// CheckAndReserve admits or rejects one request for the given provider and
// optional credential. On rejection retryAfter is the token refill ETA; the
// orchestrator uses it to decide between waiting, rotating and falling back.
func (l *Limiter) CheckAndReserve(provider, credential string) (bool, time.Duration) {
	lim := l.limiterFor(provider, credential)

	r := lim.Reserve()
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.Delay(); delay > 0 {
		// No token available right now; give the slot back so the window
		// count stays honest.
		r.Cancel()
		observ.IncCounter("ratelimit_rejected_total", map[string]string{"provider": provider})
		return false, delay
	}
	observ.IncCounter("ratelimit_admitted_total", map[string]string{"provider": provider})
	return true, 0
}

func (l *Limiter) limiterFor(provider, credential string) *rate.Limiter {
	key := provider
	if credential != "" {
		key = provider + "/" + credential
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		cfg, found := l.configs[provider]
		if !found {
			cfg = l.defaults
		}
		cfg = cfg.withDefaults()
		lim = rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60.0), cfg.Burst)
		l.limiters[key] = lim
	}
	return lim
}
