package pageheap

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"heapkit.dev/tcmalloc/pagemap"
	"heapkit.dev/tcmalloc/sizeclass"
)

// fakeProvider backs pages with regular Go heap memory instead of real
// mmap, so page-heap tests exercise split/coalesce/grow logic without
// depending on the OS.
type fakeProvider struct {
	released []uintptr
}

func (p *fakeProvider) AllocatePages(n uintptr) (uintptr, error) {
	buf := make([]byte, n*sizeclass.PageSize+sizeclass.PageSize)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (addr + sizeclass.PageSize - 1) &^ (sizeclass.PageSize - 1)
	return aligned, nil
}

func (p *fakeProvider) ReleasePages(addr, n uintptr) error {
	p.released = append(p.released, addr)
	return nil
}

func newTestHeap(grow uintptr) (*PageHeap, *fakeProvider) {
	fp := &fakeProvider{}
	h := New(pagemap.New(), fp, grow)
	return h, fp
}

func TestAllocateSpanGrowsAndSplits(t *testing.T) {
	h, _ := newTestHeap(64)

	s, err := h.AllocateSpan(4)
	require.NoError(t, err)
	require.Equal(t, uintptr(4), s.NumPages)

	stats := h.Stats()
	require.Equal(t, uintptr(64*sizeclass.PageSize), stats.ReservedBytes)
	require.Equal(t, uintptr(60*sizeclass.PageSize), stats.FreeBytes)
}

func TestDeallocateSpanCoalescesAdjacent(t *testing.T) {
	h, _ := newTestHeap(64)

	a, err := h.AllocateSpan(10)
	require.NoError(t, err)
	b, err := h.AllocateSpan(10)
	require.NoError(t, err)
	require.Equal(t, a.StartPage+a.NumPages, b.StartPage, "test assumes contiguous carve order")

	h.DeallocateSpan(a)
	h.DeallocateSpan(b)

	// Invariant (spec.md §8.4): no free span is adjacent to another
	// free span. After freeing both contiguous spans they must have
	// merged into one, leaving the full 64 pages reclaimable as a
	// single span.
	merged, err := h.AllocateSpan(20)
	require.NoError(t, err)
	require.Equal(t, a.StartPage, merged.StartPage)
	require.Equal(t, uintptr(20), merged.NumPages)
}

func TestDeallocateSpanNoAdjacentFreeSpansRemain(t *testing.T) {
	h, _ := newTestHeap(64)

	a, err := h.AllocateSpan(8)
	require.NoError(t, err)
	b, err := h.AllocateSpan(8)
	require.NoError(t, err)
	c, err := h.AllocateSpan(8)
	require.NoError(t, err)

	h.DeallocateSpan(a)
	h.DeallocateSpan(c)
	h.DeallocateSpan(b) // merges all three

	require.Equal(t, uintptr(64)*sizeclass.PageSize, h.Stats().FreeBytes)
	require.Equal(t, 1, h.small[64].Len(), "a, b, c and the tail must coalesce into one 64-page span")
}

func TestAllocateSpanReusesExactFit(t *testing.T) {
	h, _ := newTestHeap(16)

	s, err := h.AllocateSpan(16)
	require.NoError(t, err)
	h.DeallocateSpan(s)

	before := h.Stats()
	s2, err := h.AllocateSpan(16)
	require.NoError(t, err)
	require.Equal(t, s.StartPage, s2.StartPage, "exact-size reuse should not grow from the provider")
	require.Equal(t, before.ReservedBytes, h.Stats().ReservedBytes, "exact-size reuse should not change reserved bytes")
}

func TestScavengeReleasesLargeFreeSpans(t *testing.T) {
	h, fp := newTestHeap(200)

	s, err := h.AllocateSpan(200)
	require.NoError(t, err)
	h.DeallocateSpan(s)

	released := h.Scavenge(MaxSmallPages + 1)
	require.Equal(t, uintptr(200), released)
	require.Len(t, fp.released, 1)
	require.Zero(t, h.Stats().FreeBytes)
	require.Zero(t, h.Stats().ReservedBytes)
}

func TestScavengeReleasesSmallListSpans(t *testing.T) {
	h, fp := newTestHeap(128)

	// A 128-page span (1 MiB) lands in the small free list, indexed
	// exactly by page count, not in the large list; Scavenge must still
	// be able to reach it.
	s, err := h.AllocateSpan(128)
	require.NoError(t, err)
	h.DeallocateSpan(s)

	released := h.Scavenge(1)
	require.Equal(t, uintptr(128), released)
	require.Len(t, fp.released, 1)
	require.Zero(t, h.Stats().FreeBytes)
	require.Zero(t, h.Stats().ReservedBytes)
}

func TestScavengeLeavesSmallSpansAlone(t *testing.T) {
	h, fp := newTestHeap(16)

	s, err := h.AllocateSpan(4)
	require.NoError(t, err)
	h.DeallocateSpan(s)

	released := h.Scavenge(MaxSmallPages + 1)
	require.Zero(t, released)
	require.Empty(t, fp.released)
}

func TestAllocateSpanOutOfMemoryPropagates(t *testing.T) {
	h := New(pagemap.New(), failingProvider{}, 8)
	_, err := h.AllocateSpan(4)
	require.Error(t, err)
}

type failingProvider struct{}

func (failingProvider) AllocatePages(uintptr) (uintptr, error) {
	return 0, errOOM
}
func (failingProvider) ReleasePages(uintptr, uintptr) error { return nil }

var errOOM = errors.New("fake: provider refuses to grow")
