// Package routing holds the single authoritative RoutingRecord: the
// process-wide statement of which region currently owns the relational and
// cache primaries.
package routing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestrator/failoverd/pkg/orcherr"
)

// Record is a self-consistent, immutable snapshot of the routing state.
// Callers never mutate a Record in place — Read returns a copy.
type Record struct {
	ActiveRegion              string
	RelationalPrimaryEndpoint string
	CacheMasterEndpoint       string
	Version                   uint64
	UpdatedAt                 time.Time
}

// Registry is the sole owner of the RoutingRecord. It enforces
// at-most-one-writer: a Swap in progress causes any concurrent Swap to fail
// with orcherr.CodeBusy rather than block, per spec.md §4.3.
type Registry struct {
	mu      sync.RWMutex
	current Record
	writing atomic.Bool
}

// New creates a Registry seeded from static startup configuration.
func New(initialRegion, relationalEndpoint, cacheEndpoint string) *Registry {
	return &Registry{
		current: Record{
			ActiveRegion:              initialRegion,
			RelationalPrimaryEndpoint: relationalEndpoint,
			CacheMasterEndpoint:       cacheEndpoint,
			Version:                   0,
			UpdatedAt:                 time.Now(),
		},
	}
}

// Read returns a self-consistent snapshot, safe for concurrent callers.
func (r *Registry) Read() Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Swap atomically replaces the active region and both endpoints, increments
// Version, and stamps UpdatedAt. It serialises with respect to concurrent
// Swap calls and with respect to Read; a second concurrent Swap observes
// orcherr.CodeBusy rather than blocking, since the coordinator's own
// at-most-one-in-flight discipline should make concurrent swaps impossible
// in practice — this is defence in depth, not the primary guarantee.
func (r *Registry) Swap(newActiveRegion, newRelationalEndpoint, newCacheEndpoint string) (Record, error) {
	if !r.writing.CompareAndSwap(false, true) {
		return Record{}, orcherr.New(orcherr.CodeBusy, "routing", "swap", "a routing swap is already in progress")
	}
	defer r.writing.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = Record{
		ActiveRegion:              newActiveRegion,
		RelationalPrimaryEndpoint: newRelationalEndpoint,
		CacheMasterEndpoint:       newCacheEndpoint,
		Version:                   r.current.Version + 1,
		UpdatedAt:                 time.Now(),
	}
	return r.current, nil
}
