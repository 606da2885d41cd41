package resilience

import (
	"sort"
	"sync"
)

// Registry hands out one breaker per named dependency so a misbehaving tool
// cannot exhaust another dependency's retry budget.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	opts     Options
	onTrip   func(name string)
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts.withDefaults(),
	}
}

// SetTripHandler installs a callback invoked whenever any breaker opens.
// Must be called before the first Get.
func (r *Registry) SetTripHandler(fn func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTrip = fn
	for _, b := range r.breakers {
		b.onTrip = fn
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.opts)
	b.onTrip = r.onTrip
	r.breakers[name] = b
	return b
}

func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

func (r *Registry) TotalTrips() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, b := range r.breakers {
		total += b.Snapshot().Trips
	}
	return total
}
