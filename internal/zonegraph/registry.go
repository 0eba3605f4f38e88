package zonegraph

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/smartcity/crowdnav/internal/domain"
)

// Registry publishes the current graph version. Reloads build a fresh
// graph and swap the pointer; queries that already hold the previous graph
// finish against it and it is collected once they release it.
type Registry struct {
	current atomic.Pointer[Graph]
	version atomic.Uint64

	mu            sync.Mutex // serializes reloads and hook registration
	beforePublish []func(next, current *Graph)
	onReload      []func(*Graph)
}

// NewRegistry publishes g as version 1.
func NewRegistry(g *Graph) *Registry {
	r := &Registry{}
	g.version = r.version.Add(1)
	r.current.Store(g)
	return r
}

// Current returns the graph queries should run against.
func (r *Registry) Current() *Graph {
	return r.current.Load()
}

// Acquire returns the current graph and marks a query in flight on it.
// The release function must be called exactly once.
func (r *Registry) Acquire() (*Graph, func()) {
	g := r.current.Load()
	g.inflight.Add(1)
	var once sync.Once
	return g, func() {
		once.Do(func() { g.inflight.Add(-1) })
	}
}

// BeforePublish registers a hook run with the validated next graph while
// the current one is still published. State keyed by zone must know the
// new zones by the time queries can see them.
func (r *Registry) BeforePublish(fn func(next, current *Graph)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforePublish = append(r.beforePublish, fn)
}

// OnReload registers a hook run after each successful reload.
func (r *Registry) OnReload(fn func(*Graph)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Reload validates the new topology and publishes it. It never blocks on
// in-flight queries. It returns the new version and the retired graph.
func (r *Registry) Reload(zones []domain.Zone, segments []domain.Segment) (uint64, *Graph, error) {
	g, err := New(zones, segments)
	if err != nil {
		return 0, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g.version = r.version.Add(1)
	for _, fn := range r.beforePublish {
		fn(g, r.current.Load())
	}
	old := r.current.Swap(g)
	log.Printf("zonegraph: published version %d (%d zones, %d segments); version %d has %d queries in flight",
		g.version, len(g.zones), len(g.segments), old.version, old.InFlight())

	for _, fn := range r.onReload {
		fn(g)
	}
	return g.version, old, nil
}
