package ratelimit

import (
	"sync"
	"time"
)

// Registry keys limiters by provider and answers aggregate questions the
// backfill worker asks before scheduling work.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	clock    func() time.Time
}

// NewRegistry constructs an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		clock:    time.Now,
	}
}

// Register installs a limiter for the provider, replacing any previous one.
func (r *Registry) Register(provider string, cfg Config, opts ...Option) *Limiter {
	limiter := NewLimiter(provider, cfg, opts...)
	r.mu.Lock()
	r.limiters[provider] = limiter
	r.mu.Unlock()
	return limiter
}

// Get returns the limiter for the provider, if registered.
func (r *Registry) Get(provider string) (*Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[provider]
	return l, ok
}

// Statuses snapshots every registered limiter.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.limiters))
	for _, l := range r.limiters {
		out = append(out, l.Status())
	}
	return out
}

// AllLimited reports whether every registered provider is currently
// unavailable, and if so the shortest time until any of them resets.
// An empty registry is never considered limited.
func (r *Registry) AllLimited() (bool, time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.limiters) == 0 {
		return false, 0
	}
	shortest := time.Duration(-1)
	for _, l := range r.limiters {
		st := l.Status()
		blocked := st.IsExplicitlyLimited || st.RequestsInWindow >= st.MaxPerWindow
		if !blocked {
			return false, 0
		}
		if shortest < 0 || st.TimeUntilReset < shortest {
			shortest = st.TimeUntilReset
		}
	}
	if shortest < 0 {
		shortest = 0
	}
	return true, shortest
}
