package keyring

import (
	"fmt"
	"time"

	"sync"

	"marketdata/internal/observ"
	"marketdata/internal/quotes"
)

const dayFormat = "2006-01-02"

// DefaultBlockCooldown is how long a credential sits out after the provider
// rate-limits or quota-flags it.
const DefaultBlockCooldown = 60 * time.Second

// credential is one API key with independent daily-quota bookkeeping.
// All mutation happens under the ring's mutex.
type credential struct {
	id           string
	key          string
	dailyUsage   int
	dailyQuota   int
	blockedUntil time.Time
	lastReset    string // calendar day of the last usage reset
}

// Status is a read-only view of one credential for stats reporting.
type Status struct {
	ID         string `json:"id"`
	DailyUsage int    `json:"daily_usage"`
	DailyQuota int    `json:"daily_quota"`
	Blocked    bool   `json:"blocked"`
}

// Ring manages the credential pool for one quota-constrained provider.
// Selection levels load across keys by picking the lowest daily usage.
type Ring struct {
	mu            sync.Mutex
	provider      string
	creds         []*credential
	clock         Clock
	blockCooldown time.Duration
}

func New(provider string, keys []string, dailyQuota int, clock Clock) *Ring {
	if clock == nil {
		clock = SystemClock()
	}
	r := &Ring{
		provider:      provider,
		clock:         clock,
		blockCooldown: DefaultBlockCooldown,
	}
	day := clock.Now().Format(dayFormat)
	for i, k := range keys {
		r.creds = append(r.creds, &credential{
			id:         fmt.Sprintf("%s-key-%d", provider, i),
			key:        k,
			dailyQuota: dailyQuota,
			lastReset:  day,
		})
	}
	return r
}

// Acquire returns the usable credential with the lowest daily usage, or a
// quota-exhausted error when every key is blocked or spent.
func (r *Ring) Acquire() (id, key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var best *credential
	for _, c := range r.creds {
		r.maybeReset(c, now)
		if !c.usable(now) {
			continue
		}
		if best == nil || c.dailyUsage < best.dailyUsage {
			best = c
		}
	}
	if best == nil {
		observ.IncCounter("keyring_exhausted_total", map[string]string{"provider": r.provider})
		return "", "", quotes.NewQuotaExhaustedError(r.provider, "no usable credential")
	}
	return best.id, best.key, nil
}

// Report records the outcome of a call made with the given credential.
// Successful calls count against the quota; rate-limit and quota errors
// additionally bench the key for a short cooldown.
func (r *Ring) Report(id string, success bool, kind quotes.ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.byID(id)
	if c == nil {
		return
	}
	now := r.clock.Now()
	r.maybeReset(c, now)

	if success {
		c.dailyUsage++
		return
	}
	if kind == quotes.KindRateLimited || kind == quotes.KindQuotaExhausted {
		c.dailyUsage++
		c.blockedUntil = now.Add(r.blockCooldown)
		observ.Log("credential_blocked", map[string]any{
			"provider":      r.provider,
			"credential":    id,
			"blocked_until": c.blockedUntil.UTC().Format(time.RFC3339),
			"reason":        string(kind),
		})
	}
}

// Utilization reports per-credential quota state for Stats().
func (r *Ring) Utilization() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	out := make([]Status, 0, len(r.creds))
	for _, c := range r.creds {
		r.maybeReset(c, now)
		out = append(out, Status{
			ID:         c.id,
			DailyUsage: c.dailyUsage,
			DailyQuota: c.dailyQuota,
			Blocked:    now.Before(c.blockedUntil),
		})
	}
	return out
}

// Size returns the number of credentials in the pool.
func (r *Ring) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.creds)
}

func (r *Ring) byID(id string) *credential {
	for _, c := range r.creds {
		if c.id == id {
			return c
		}
	}
	return nil
}

// maybeReset applies the once-per-calendar-day rollover the first time a
// credential is touched on a new day. Must be called with the mutex held.
func (r *Ring) maybeReset(c *credential, now time.Time) {
	day := now.Format(dayFormat)
	if c.lastReset == day {
		return
	}
	c.lastReset = day
	c.dailyUsage = 0
	c.blockedUntil = time.Time{}
}

func (c *credential) usable(now time.Time) bool {
	if now.Before(c.blockedUntil) {
		return false
	}
	return c.dailyQuota <= 0 || c.dailyUsage < c.dailyQuota
}
