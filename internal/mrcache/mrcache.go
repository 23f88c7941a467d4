// Package mrcache caches DMA memory registrations by address range.
//
// The fast path resolves every buffer address through one of these caches
// before posting work to the hardware. A hit returns the registration handle
// in O(log n); a miss means the caller must perform the (expensive) hardware
// registration and insert the result. The cache never registers memory
// itself.
//
// A cache instance is single-writer: only the thread owning a queue's fast
// path mutates it. The device-level instance, shared with the control plane,
// is wrapped in LockedCache.
package mrcache

import (
	"errors"
	"sort"

	"github.com/piwi3910/manapmd/internal/hal"
	"github.com/piwi3910/manapmd/internal/metrics"
)

var (
	ErrInvalidCapacity = errors.New("cache capacity must be positive")
	ErrInvalidRange    = errors.New("address range is empty or inverted")
	ErrOverlap         = errors.New("address range overlaps a resident entry")
)

// Registration is the cached result of a hardware memory registration.
type Registration struct {
	Handle hal.MRHandle
	LKey   uint32
}

// ReleaseFunc is invoked with the range and registration of every entry
// the cache gives up, either on capacity eviction or on Clear. The cache
// never holds a handle for a slot it has evicted. The range lets an owner
// revoke lookup references held by other caches before the handle dies.
type ReleaseFunc func(start, end uintptr, reg Registration)

type entry struct {
	start, end uintptr // [start, end)
	reg        Registration
	seq        uint64
}

// Cache maps non-overlapping address ranges to registration handles with a
// fixed maximum capacity. Entries are evicted least-recently-inserted first.
type Cache struct {
	entries []entry // sorted by start
	cap     int
	seq     uint64
	release ReleaseFunc
	level   string
}

// New creates a cache holding at most capacity entries. The release hook
// may be nil when the owner deregisters through other means.
func New(capacity int, level string, release ReleaseFunc) (*Cache, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}

	return &Cache{
		entries: make([]entry, 0, capacity),
		cap:     capacity,
		release: release,
		level:   level,
	}, nil
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Resolve returns the registration of the unique entry whose range contains
// addr, or a miss.
func (c *Cache) Resolve(addr uintptr) (Registration, bool) {
	// First entry with start > addr; the candidate is the one before it.
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].start > addr
	})
	if i == 0 {
		metrics.RecordCacheMiss(c.level)
		return Registration{}, false
	}

	e := &c.entries[i-1]
	if addr >= e.end {
		metrics.RecordCacheMiss(c.level)
		return Registration{}, false
	}

	metrics.RecordCacheHit(c.level)

	return e.reg, true
}

// Insert adds a registration for [start, end). Ranges must not overlap any
// resident entry. At capacity, the least-recently-inserted entry is evicted
// and its registration handed to the release hook before the insert.
func (c *Cache) Insert(start, end uintptr, reg Registration) error {
	if end <= start {
		return ErrInvalidRange
	}

	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].start >= start
	})

	if i > 0 && c.entries[i-1].end > start {
		return ErrOverlap
	}

	if i < len(c.entries) && c.entries[i].start < end {
		return ErrOverlap
	}

	if len(c.entries) >= c.cap {
		c.evictOldest()
		// Eviction shifts the slice; recompute the insertion point.
		i = sort.Search(len(c.entries), func(i int) bool {
			return c.entries[i].start >= start
		})
	}

	c.seq++
	c.entries = append(c.entries, entry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = entry{start: start, end: end, reg: reg, seq: c.seq}

	return nil
}

// Remove drops the entry whose range contains addr without invoking the
// release hook; the caller coordinates the registration's lifetime.
// Reports whether an entry was resident.
func (c *Cache) Remove(addr uintptr) bool {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].start > addr
	})
	if i == 0 || addr >= c.entries[i-1].end {
		return false
	}

	c.entries = append(c.entries[:i-1], c.entries[i:]...)

	return true
}

// Clear releases every resident entry. Idempotent: clearing an empty cache
// is a no-op.
func (c *Cache) Clear() {
	for i := range c.entries {
		if c.release != nil {
			e := &c.entries[i]
			c.release(e.start, e.end, e.reg)
		}
	}

	c.entries = c.entries[:0]
}

func (c *Cache) evictOldest() {
	oldest := 0

	for i := 1; i < len(c.entries); i++ {
		if c.entries[i].seq < c.entries[oldest].seq {
			oldest = i
		}
	}

	victim := c.entries[oldest]
	c.entries = append(c.entries[:oldest], c.entries[oldest+1:]...)

	metrics.RecordCacheEviction(c.level)

	if c.release != nil {
		c.release(victim.start, victim.end, victim.reg)
	}
}
