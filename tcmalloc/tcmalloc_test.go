package tcmalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"heapkit.dev/tcmalloc/sizeclass"
)

func TestAllocZeroSizeReturnsSentinel(t *testing.T) {
	a := New()
	ptr, err := a.Alloc(0, 1)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&zeroSentinel), ptr)
	require.NoError(t, a.Dealloc(ptr))
}

func TestAllocSmallRoundTrip(t *testing.T) {
	a := New()
	ptr, err := a.Alloc(48, 8)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	b := (*[48]byte)(ptr)
	for i := range b {
		b[i] = 0xAB
	}
	require.NoError(t, a.Dealloc(ptr))
}

func TestAllocLargeRoundTrip(t *testing.T) {
	a := New()
	const size = 1 << 20 // exceeds MaxSmallSize, exercises the page-heap path
	ptr, err := a.Alloc(size, 8)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	s := a.lookup(ptr)
	require.NotNil(t, s)
	require.Equal(t, 0, s.SizeClass)
	require.False(t, s.Free)

	require.NoError(t, a.Dealloc(ptr))
}

func TestAllocZeroedZerosMemory(t *testing.T) {
	a := New()
	ptr, err := a.Alloc(64, 8)
	require.NoError(t, err)
	b := (*[64]byte)(ptr)
	for i := range b {
		b[i] = 0xFF
	}
	require.NoError(t, a.Dealloc(ptr))

	ptr2, err := a.AllocZeroed(64, 8)
	require.NoError(t, err)
	b2 := (*[64]byte)(ptr2)
	for _, v := range b2 {
		require.Zero(t, v)
	}
}

func TestDeallocInvalidPointerReturnsError(t *testing.T) {
	a := New()
	var stray [8]byte
	err := a.Dealloc(unsafe.Pointer(&stray[0]))
	require.ErrorIs(t, err, ErrInvalidFree)
}

func TestReallocGrowsAndPreservesPrefix(t *testing.T) {
	a := New()
	ptr, err := a.Alloc(16, 8)
	require.NoError(t, err)
	b := (*[16]byte)(ptr)
	for i := range b {
		b[i] = byte(i)
	}

	bigger, err := a.Realloc(ptr, 256, 8)
	require.NoError(t, err)
	require.NotNil(t, bigger)

	b2 := (*[16]byte)(bigger)
	for i := range b2 {
		require.Equal(t, byte(i), b2[i])
	}
}

func TestReallocSameClassReturnsOriginalPointer(t *testing.T) {
	a := New()
	ptr, err := a.Alloc(20, 8)
	require.NoError(t, err)

	// 20 and 24 both map to the 24-byte size class, so the in-place
	// fast path must hand back the same pointer (spec.md §4.7).
	q, err := a.Realloc(ptr, 24, 8)
	require.NoError(t, err)
	require.Equal(t, ptr, q)
	require.NoError(t, a.Dealloc(q))
}

func TestReallocLargeShrinkWithinSpanReturnsOriginalPointer(t *testing.T) {
	a := New()
	const size = 1 << 20
	ptr, err := a.Alloc(size, 8)
	require.NoError(t, err)

	q, err := a.Realloc(ptr, size-sizeclass.PageSize, 8)
	require.NoError(t, err)
	require.Equal(t, ptr, q)
	require.NoError(t, a.Dealloc(q))
}

func TestReallocToZeroFreesAndReturnsSentinel(t *testing.T) {
	a := New()
	ptr, err := a.Alloc(32, 8)
	require.NoError(t, err)

	ptr2, err := a.Realloc(ptr, 0, 8)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&zeroSentinel), ptr2)
}

func TestReallocNilBehavesLikeAlloc(t *testing.T) {
	a := New()
	ptr, err := a.Realloc(nil, 32, 8)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.NoError(t, a.Dealloc(ptr))
}

func TestSnapshotReflectsAllocations(t *testing.T) {
	a := New()
	before := a.Snapshot()

	ptr, err := a.Alloc(1<<20, 8)
	require.NoError(t, err)

	after := a.Snapshot()
	require.Greater(t, after.ReservedBytes, before.ReservedBytes)

	require.NoError(t, a.Dealloc(ptr))
}

func TestDefaultSingletonIsStable(t *testing.T) {
	require.Same(t, Default(), Default())
}

func TestWithShardCountOverridesShardCount(t *testing.T) {
	a := New(WithShardCount(16))
	require.Equal(t, 16, a.pool.ShardCount())
}

func TestWithReleaseThresholdAutoReleases(t *testing.T) {
	a := New(WithReleaseThreshold(1))

	ptr, err := a.Alloc(1<<20, 8)
	require.NoError(t, err)
	require.NoError(t, a.Dealloc(ptr))

	require.Zero(t, a.Snapshot().ReservedBytes)
}

func TestStatsMatchesSnapshot(t *testing.T) {
	a := New()
	require.Equal(t, Stats(a.Snapshot()), a.Stats())
}
