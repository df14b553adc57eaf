// Package memcache is the default in-process cancellation.Cache
// implementation: a TTL-evicting map guarded by a mutex. The retrieved
// pack carries no Redis or other shared-cache client in any teacher or
// example go.mod, so this stays on the standard library rather than
// wiring a client nothing in the corpus grounds; a shared cache (Redis,
// memcached) is a straightforward swap behind the same cancellation.Cache
// interface for a multi-instance deployment.
package memcache

import (
	"context"
	"sync"
	"time"

	"github.com/cncaiprojem/projem-sub008/internal/domain"
)

type entry struct {
	record    domain.CancellationRecord
	expiresAt time.Time
}

// Cache implements cancellation.Cache with lazy expiry: stale entries are
// dropped on the next Get/Set that touches them rather than by a
// background sweep, since the cancellation cache is a fast-path hint the
// Job Store always backstops.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
}

func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

func (c *Cache) Set(ctx context.Context, jobID string, record domain.CancellationRecord, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jobID] = entry{record: record, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *Cache) Get(ctx context.Context, jobID string) (*domain.CancellationRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[jobID]
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, jobID)
		return nil, nil
	}
	rec := e.record
	return &rec, nil
}
