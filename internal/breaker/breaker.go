package breaker

import (
	"sync"
	"time"

	"marketdata/internal/observ"
	"marketdata/internal/quotes"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"    // Normal operation
	StateOpen     State = "open"      // Failing, reject requests without calling the provider
	StateHalfOpen State = "half_open" // Probing for recovery
)

// Config holds per-provider breaker settings.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before opening
	Cooldown         time.Duration `yaml:"-"`
	CooldownSeconds  int           `yaml:"cooldown_seconds"`
	SuccessThreshold int           `yaml:"success_threshold"` // consecutive probe successes to close
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		if c.CooldownSeconds > 0 {
			c.Cooldown = time.Duration(c.CooldownSeconds) * time.Second
		} else {
			c.Cooldown = 45 * time.Second
		}
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Breaker protects one provider. All transitions happen inside its mutex;
// nothing outside this type mutates the state.
type Breaker struct {
	mu       sync.Mutex
	provider string
	cfg      Config

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probesInFlight       int

	now func() time.Time
}

func New(provider string, cfg Config) *Breaker {
	return &Breaker{
		provider: provider,
		cfg:      cfg.withDefaults(),
		state:    StateClosed,
		now:      time.Now,
	}
}

// Execute runs fn under the breaker. While OPEN it fails fast with a
// circuit-open error and fn is never invoked. The OPEN -> HALF_OPEN
// transition is evaluated lazily at call time; there is no background timer.
func (b *Breaker) Execute(fn func() (quotes.Quote, error)) (quotes.Quote, error) {
	if err := b.admit(); err != nil {
		return quotes.Quote{}, err
	}
	q, err := fn()
	if err != nil {
		b.record(quotes.CountsAsBreakerFailure(err))
		return quotes.Quote{}, err
	}
	b.recordSuccess()
	return q, nil
}

// State returns the current state, applying the lazy cooldown transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Failures returns the current consecutive failure streak.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		// Cap concurrent probes so a thundering herd cannot hammer a
		// provider that is still recovering.
		if b.probesInFlight >= b.cfg.SuccessThreshold {
			return quotes.NewCircuitOpenError(b.provider)
		}
		b.probesInFlight++
		return nil
	default:
		return quotes.NewCircuitOpenError(b.provider)
	}
}

// maybeHalfOpen must be called with the mutex held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.cfg.Cooldown)) {
		b.state = StateHalfOpen
		b.probesInFlight = 0
		b.consecutiveSuccesses = 0
		observ.Log("breaker_half_open", map[string]any{"provider": b.provider})
	}
}

// record handles a completed call that returned an error. Errors that are
// not provider health signals neither count toward the failure streak nor
// reset it.
func (b *Breaker) record(isFailure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}
	if !isFailure {
		return
	}

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		// Any probe failure re-opens and restarts the cooldown.
		b.open()
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.state = StateClosed
		observ.Log("breaker_closed", map[string]any{
			"provider": b.provider,
			"reason":   "successful_probes",
		})
	}
	observ.IncCounter("breaker_success_total", map[string]string{"provider": b.provider})
}

// open must be called with the mutex held.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	observ.Log("breaker_opened", map[string]any{
		"provider": b.provider,
		"failures": b.consecutiveFailures,
		"cooldown": b.cfg.Cooldown.String(),
	})
	observ.IncCounter("breaker_opened_total", map[string]string{"provider": b.provider})
}
