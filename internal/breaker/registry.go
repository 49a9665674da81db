package breaker

import "sync"

// Registry hands out one Breaker per provider id. Per-provider locking lives
// inside each Breaker, so unrelated providers never contend.
type Registry struct {
	mu       sync.Mutex
	defaults Config
	perProv  map[string]Config
	breakers map[string]*Breaker
}

func NewRegistry(defaults Config, perProvider map[string]Config) *Registry {
	return &Registry{
		defaults: defaults,
		perProv:  perProvider,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) For(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		cfg := r.defaults
		if pc, ok := r.perProv[provider]; ok {
			cfg = pc
		}
		b = New(provider, cfg)
		r.breakers[provider] = b
	}
	return b
}

// States reports the current state of every known breaker.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
