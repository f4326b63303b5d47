package replica

import "sync"

// Dedup bounds default sizes for the seen-event cache.
const (
	DefaultDedupCapacity = 1000
	DefaultDedupEviction = 100
)

// DedupCache is a bounded set of recently seen event ids. It suppresses
// re-application of an event already processed via another transport. When
// full it evicts the oldest entries by insertion order, an approximate LRU;
// a duplicate arriving after eviction is accepted again, which state
// tolerates because every event variant is an idempotent no-op once its
// effects converged.
type DedupCache struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	capacity int
	eviction int
}

// NewDedupCache constructs a new value for this package.
func NewDedupCache(capacity, eviction int) *DedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	if eviction <= 0 || eviction > capacity {
		eviction = DefaultDedupEviction
		if eviction > capacity {
			eviction = capacity
		}
	}
	return &DedupCache{
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
		capacity: capacity,
		eviction: eviction,
	}
}

// Observe records an event id and reports whether it was already present.
// The check and the insert are one atomic step; two transports racing on the
// same id see exactly one false.
func (c *DedupCache) Observe(eventID string) (duplicate bool) {
	if eventID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[eventID]; ok {
		return true
	}
	if len(c.order) >= c.capacity {
		evicted := c.order[:c.eviction]
		for _, id := range evicted {
			delete(c.seen, id)
		}
		c.order = append(c.order[:0], c.order[c.eviction:]...)
	}
	c.seen[eventID] = struct{}{}
	c.order = append(c.order, eventID)
	return false
}

// Len returns the current number of tracked ids.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
