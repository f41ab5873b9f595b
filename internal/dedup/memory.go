package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryDeduper keeps reservations in a map. It is suitable for a single
// bridge instance: tests, local development, and the memory queue provider.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryDeduper constructs an in-process deduper with the given TTL.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDeduper{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// WithClock overrides the time source for tests.
func (d *MemoryDeduper) WithClock(now func() time.Time) *MemoryDeduper {
	d.now = now
	return d
}

// Reserve claims the key unless an unexpired reservation already holds it.
func (d *MemoryDeduper) Reserve(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if expiry, ok := d.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	return true, nil
}

// Release frees the key.
func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

// Close is a no-op.
func (d *MemoryDeduper) Close() error { return nil }
