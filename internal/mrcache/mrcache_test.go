package mrcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/manapmd/internal/hal"
)

func reg(h uintptr) Registration {
	return Registration{Handle: hal.MRHandle(h), LKey: uint32(h)}
}

func TestCacheResolveHitAndMiss(t *testing.T) {
	c, err := New(8, "test", nil)
	require.NoError(t, err)

	require.NoError(t, c.Insert(0x1000, 0x2000, reg(1)))
	require.NoError(t, c.Insert(0x3000, 0x4000, reg(2)))

	r, ok := c.Resolve(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint32(1), r.LKey)

	r, ok = c.Resolve(0x1fff)
	require.True(t, ok)
	assert.Equal(t, uint32(1), r.LKey)

	// End of range is exclusive.
	_, ok = c.Resolve(0x2000)
	assert.False(t, ok)

	// Gap between entries.
	_, ok = c.Resolve(0x2800)
	assert.False(t, ok)

	r, ok = c.Resolve(0x3500)
	require.True(t, ok)
	assert.Equal(t, uint32(2), r.LKey)
}

func TestCacheRejectsInvalidRanges(t *testing.T) {
	c, err := New(4, "test", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Insert(0x2000, 0x2000, reg(1)), ErrInvalidRange)
	assert.ErrorIs(t, c.Insert(0x2000, 0x1000, reg(1)), ErrInvalidRange)

	require.NoError(t, c.Insert(0x1000, 0x3000, reg(1)))

	assert.ErrorIs(t, c.Insert(0x2000, 0x4000, reg(2)), ErrOverlap)
	assert.ErrorIs(t, c.Insert(0x0800, 0x1001, reg(2)), ErrOverlap)
	assert.ErrorIs(t, c.Insert(0x1000, 0x3000, reg(2)), ErrOverlap)

	// Adjacent ranges do not overlap.
	assert.NoError(t, c.Insert(0x3000, 0x4000, reg(3)))
}

func TestCacheInvalidCapacity(t *testing.T) {
	_, err := New(0, "test", nil)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = New(-1, "test", nil)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestCacheEvictsOldestInsertion(t *testing.T) {
	var released []Registration

	c, err := New(2, "test", func(start, end uintptr, r Registration) {
		released = append(released, r)
	})
	require.NoError(t, err)

	require.NoError(t, c.Insert(0x1000, 0x2000, reg(1)))
	require.NoError(t, c.Insert(0x5000, 0x6000, reg(2)))

	// Third insert evicts the first entry regardless of address order.
	require.NoError(t, c.Insert(0x3000, 0x4000, reg(3)))

	require.Len(t, released, 1)
	assert.Equal(t, hal.MRHandle(1), released[0].Handle)

	// The evicted handle is never returned again.
	_, ok := c.Resolve(0x1800)
	assert.False(t, ok)

	_, ok = c.Resolve(0x3800)
	assert.True(t, ok)

	_, ok = c.Resolve(0x5800)
	assert.True(t, ok)

	assert.Equal(t, 2, c.Len())
}

func TestCacheReleaseReportsRange(t *testing.T) {
	var start, end uintptr

	c, err := New(1, "test", func(s, e uintptr, r Registration) {
		start, end = s, e
	})
	require.NoError(t, err)

	require.NoError(t, c.Insert(0x1000, 0x2000, reg(1)))
	require.NoError(t, c.Insert(0x3000, 0x4000, reg(2)))

	assert.Equal(t, uintptr(0x1000), start)
	assert.Equal(t, uintptr(0x2000), end)
}

func TestCacheRemoveBypassesReleaseHook(t *testing.T) {
	released := 0

	c, err := New(4, "test", func(uintptr, uintptr, Registration) {
		released++
	})
	require.NoError(t, err)

	require.NoError(t, c.Insert(0x1000, 0x2000, reg(1)))
	require.NoError(t, c.Insert(0x3000, 0x4000, reg(2)))

	assert.True(t, c.Remove(0x1800))
	assert.Zero(t, released)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Resolve(0x1800)
	assert.False(t, ok)

	// The range is gone; removing it again reports a miss.
	assert.False(t, c.Remove(0x1800))

	// The other entry is untouched.
	_, ok = c.Resolve(0x3800)
	assert.True(t, ok)

	// The freed range can be reinserted.
	require.NoError(t, c.Insert(0x1000, 0x2000, reg(3)))
}

func TestCacheClearReleasesEverything(t *testing.T) {
	var released []Registration

	c, err := New(8, "test", func(start, end uintptr, r Registration) {
		released = append(released, r)
	})
	require.NoError(t, err)

	require.NoError(t, c.Insert(0x1000, 0x2000, reg(1)))
	require.NoError(t, c.Insert(0x3000, 0x4000, reg(2)))
	require.NoError(t, c.Insert(0x5000, 0x6000, reg(3)))

	c.Clear()

	assert.Len(t, released, 3)
	assert.Equal(t, 0, c.Len())

	// Clearing again is a no-op.
	c.Clear()
	assert.Len(t, released, 3)

	// The cache remains usable after a clear.
	require.NoError(t, c.Insert(0x1000, 0x2000, reg(4)))
	_, ok := c.Resolve(0x1000)
	assert.True(t, ok)
}

func TestLockedCacheBasicOperations(t *testing.T) {
	c, err := NewLocked(4, "device", nil)
	require.NoError(t, err)

	require.NoError(t, c.Insert(0x1000, 0x2000, reg(7)))

	r, ok := c.Resolve(0x1400)
	require.True(t, ok)
	assert.Equal(t, uint32(7), r.LKey)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
