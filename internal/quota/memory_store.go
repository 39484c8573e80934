package quota

import (
	"context"
	"sync"
)

type counter struct {
	mu   sync.Mutex
	used int64
}

// MemoryStore is an in-process counter store. Counters are keyed by
// (tenant, metric, period); each key has its own lock so reservations
// for different tenants or metrics never contend.
type MemoryStore struct {
	mu       sync.RWMutex
	counters map[string]*counter
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*counter)}
}

func counterKey(tenantID, metric, period string) string {
	return tenantID + ":" + metric + ":" + period
}

func (s *MemoryStore) getCounter(key string) *counter {
	s.mu.RLock()
	c, ok := s.counters[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if c, ok = s.counters[key]; ok {
		return c
	}
	c = &counter{}
	s.counters[key] = c
	return c
}

// Increment applies the charge if it fits under the limit. The check
// and the increment happen under the counter's lock, so no partial
// increment is ever visible to other callers.
func (s *MemoryStore) Increment(_ context.Context, tenantID, metric, period string, amount, limit int64) (int64, bool, error) {
	c := s.getCounter(counterKey(tenantID, metric, period))
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit != Unlimited && c.used+amount > limit {
		return c.used, false, nil
	}
	c.used += amount
	return c.used, true, nil
}

// Used returns the current count for the key.
func (s *MemoryStore) Used(_ context.Context, tenantID, metric, period string) (int64, error) {
	s.mu.RLock()
	c, ok := s.counters[counterKey(tenantID, metric, period)]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used, nil
}
