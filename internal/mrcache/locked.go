package mrcache

import "sync"

// LockedCache wraps a Cache with a mutex for the device-level instance,
// which control-plane operations may touch concurrently with a fast path.
// The control plane is low frequency, so a coarse lock is acceptable here.
type LockedCache struct {
	mu sync.Mutex
	c  *Cache
}

// NewLocked creates a mutex-guarded cache.
func NewLocked(capacity int, level string, release ReleaseFunc) (*LockedCache, error) {
	c, err := New(capacity, level, release)
	if err != nil {
		return nil, err
	}

	return &LockedCache{c: c}, nil
}

// Resolve looks up addr under the lock.
func (l *LockedCache) Resolve(addr uintptr) (Registration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.c.Resolve(addr)
}

// Insert adds a range under the lock.
func (l *LockedCache) Insert(start, end uintptr, reg Registration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.c.Insert(start, end, reg)
}

// Clear releases all entries under the lock.
func (l *LockedCache) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.c.Clear()
}

// Len returns the resident entry count under the lock.
func (l *LockedCache) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.c.Len()
}
