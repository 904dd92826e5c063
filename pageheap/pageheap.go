// Package pageheap is the Span Manager: it carves spans of requested
// page counts out of free spans it already holds, or out of fresh
// reservations from the page provider, and coalesces adjacent free
// spans back together on release.
package pageheap

import (
	"github.com/pkg/errors"

	"heapkit.dev/tcmalloc/internal/spinlock"
	"heapkit.dev/tcmalloc/pagemap"
	"heapkit.dev/tcmalloc/sizeclass"
	"heapkit.dev/tcmalloc/span"
)

// MaxSmallPages bounds the page-count-indexed free list array; spans
// bigger than this live in the large free list instead. spec.md calls
// this "≈128".
const MaxSmallPages = 128

// DefaultGrowPages is how many pages to request from the provider when
// no free span can satisfy an allocation, amortizing mmap syscalls
// over many small spans. spec.md suggests 64-1024.
const DefaultGrowPages = 64

// ErrOutOfMemory is returned when the page provider refuses a
// reservation and no free span can satisfy the request.
var ErrOutOfMemory = errors.New("pageheap: out of memory")

// Provider is the Page Provider contract (spec.md §4.1): reserve and
// release page-aligned, page-granular runs of memory.
type Provider interface {
	AllocatePages(n uintptr) (uintptr, error)
	ReleasePages(addr, n uintptr) error
}

// PageHeap is the global span manager. All operations run under its
// internal spinlock; callers never need to lock externally.
type PageHeap struct {
	mu spinlock.Spinlock

	small [MaxSmallPages + 1]span.List // index 1..MaxSmallPages, free spans only
	large span.List                    // free spans > MaxSmallPages, sorted ascending by NumPages; equal sizes keep insertion order

	pm       *pagemap.PageMap
	provider Provider

	growPages  uintptr
	generation uint64

	reservedPages uintptr // total pages ever reserved from the OS
	freePages     uintptr // pages currently sitting in a free list
}

// New constructs a PageHeap backed by provider and registering spans
// in pm. growPages of 0 selects DefaultGrowPages.
func New(pm *pagemap.PageMap, provider Provider, growPages uintptr) *PageHeap {
	if growPages == 0 {
		growPages = DefaultGrowPages
	}
	return &PageHeap{pm: pm, provider: provider, growPages: growPages}
}

// Stats is a point-in-time snapshot of page-heap accounting, used by
// the dispatcher's byte-accounting invariant (spec.md §8.5) and by the
// metrics package.
type Stats struct {
	ReservedBytes uintptr
	FreeBytes     uintptr
}

// Stats returns a snapshot of page-heap accounting.
func (h *PageHeap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		ReservedBytes: h.reservedPages * sizeclass.PageSize,
		FreeBytes:     h.freePages * sizeclass.PageSize,
	}
}

// AllocateSpan returns a span of exactly n pages, newly carved from a
// larger free span or from a fresh OS reservation. Returns
// ErrOutOfMemory if the provider refuses to grow.
func (h *PageHeap) AllocateSpan(n uintptr) (*span.Span, error) {
	if n == 0 {
		return nil, errors.New("pageheap: AllocateSpan called with n == 0")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := h.allocateLocked(n)
	if err != nil {
		return nil, err
	}
	h.pm.RegisterSpan(s)
	return s, nil
}

func (h *PageHeap) allocateLocked(n uintptr) (*span.Span, error) {
	if n <= MaxSmallPages && !h.small[n].Empty() {
		s := h.small[n].PopFront()
		h.freePages -= s.NumPages
		s.Free = false
		return s, nil
	}

	for sz := n + 1; sz <= MaxSmallPages; sz++ {
		if !h.small[sz].Empty() {
			s := h.small[sz].PopFront()
			h.freePages -= s.NumPages
			return h.split(s, n), nil
		}
	}

	for it := h.large.Front(); it != nil; it = it.Next {
		if it.NumPages >= n {
			h.large.Remove(it)
			h.freePages -= it.NumPages
			return h.split(it, n), nil
		}
	}

	growN := n
	if h.growPages > growN {
		growN = h.growPages
	}
	addr, err := h.provider.AllocatePages(growN)
	if err != nil {
		return nil, errors.Wrap(ErrOutOfMemory, err.Error())
	}
	s := span.New(addr>>sizeclass.PageShift, growN)
	h.reservedPages += growN
	return h.split(s, n), nil
}

// split returns a head span of exactly n pages from s, reinserting the
// tail (if any) into the appropriate free list. Total page count is
// preserved across the split.
func (h *PageHeap) split(s *span.Span, n uintptr) *span.Span {
	s.Free = false
	if s.NumPages == n {
		return s
	}
	tail := span.New(s.StartPage+n, s.NumPages-n)
	tail.Free = true
	s.NumPages = n
	h.pm.RegisterSpan(tail)
	h.insertFree(tail)
	return s
}

// insertFree places a free span into the small or large free list
// indexed by its current page count.
func (h *PageHeap) insertFree(s *span.Span) {
	h.freePages += s.NumPages
	if s.NumPages <= MaxSmallPages {
		h.small[s.NumPages].PushFront(s)
		return
	}
	for it := h.large.Front(); it != nil; it = it.Next {
		if it.NumPages > s.NumPages {
			h.large.InsertBefore(it, s)
			return
		}
	}
	h.large.PushBack(s)
}

// removeFree detaches a free span from whichever free list currently
// holds it, indexed by its page count.
func (h *PageHeap) removeFree(s *span.Span) {
	h.freePages -= s.NumPages
	if s.NumPages <= MaxSmallPages {
		h.small[s.NumPages].Remove(s)
		return
	}
	h.large.Remove(s)
}

// DeallocateSpan returns s to the page heap's free pool, coalescing it
// with any page-adjacent free neighbor. s must not currently be a
// member of any free list (i.e. it was in use).
func (h *PageHeap) DeallocateSpan(s *span.Span) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s.SizeClass = 0
	s.Free = true
	h.generation++
	s.FreedGen = h.generation

	if s.StartPage > 0 {
		if prev := h.pm.Get(s.StartPage - 1); prev != nil && prev != s && prev.Free {
			h.removeFree(prev)
			prev.NumPages += s.NumPages
			s = prev
		}
	}
	if next := h.pm.Get(s.StartPage + s.NumPages); next != nil && next != s && next.Free {
		h.removeFree(next)
		s.NumPages += next.NumPages
	}

	h.pm.RegisterSpan(s)
	h.insertFree(s)
}

// Scavenge releases free spans of at least minPages back to the OS,
// walking both the page-count-indexed small free lists and the large
// free list so that nothing in [1, MaxSmallPages] is left unreachable
// to the release pass. It is the "basic release policy" spec.md §9
// calls an open question; correctness never depends on calling this.
func (h *PageHeap) Scavenge(minPages uintptr) (releasedPages uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := minPages
	if start < 1 {
		start = 1
	}

	var candidates []*span.Span
	for n := start; n <= MaxSmallPages; n++ {
		for it := h.small[n].Front(); it != nil; it = it.Next {
			candidates = append(candidates, it)
		}
	}
	for it := h.large.Front(); it != nil; it = it.Next {
		if it.NumPages >= minPages {
			candidates = append(candidates, it)
		}
	}
	for _, s := range candidates {
		h.removeFree(s)
		h.pm.UnregisterSpan(s)
		if err := h.provider.ReleasePages(s.Base(), s.NumPages); err != nil {
			// Best-effort: put it back rather than lose track of it.
			h.pm.RegisterSpan(s)
			h.insertFree(s)
			continue
		}
		h.reservedPages -= s.NumPages
		releasedPages += s.NumPages
	}
	return releasedPages
}
