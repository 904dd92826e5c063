// Package pagemap implements the reverse lookup from page number to
// the span that currently owns it. It is a sparse three-level radix
// trie keyed by page number, shaped like the Go runtime's own heap
// arena map: a small fixed root, lazily-allocated middle nodes, and
// lazily-allocated leaves that each cover a 64 MiB address-space slice.
//
// Reads are lock-free and may run concurrently with writes; writers
// must hold the page-heap lock (enforced by the caller, not this
// package) since nodes are mutated via compare-and-swap but the
// overall page-heap/central-cache mutation they accompany is already
// serialized by that lock.
package pagemap

import (
	"sync/atomic"
	"unsafe"

	"heapkit.dev/tcmalloc/span"
)

const (
	leafBits = 13 // 8192 span slots per leaf -> each leaf covers 64 MiB
	l2Bits   = 12 // 4096 mid-level entries per L1 slot
	l1Bits   = 10 // 1024 root entries, fixed and always allocated

	leafSize = 1 << leafBits
	l2Size   = 1 << l2Bits
	l1Size   = 1 << l1Bits

	l2Shift   = leafBits
	l1Shift   = leafBits + l2Bits
	leafMask  = leafSize - 1
	l2Mask    = l2Size - 1
	pageBits  = l1Bits + l2Bits + leafBits
	pageLimit = 1 << pageBits
)

// leaf holds leafSize span pointers, one per page in its 64 MiB
// slice of address space.
type leaf struct {
	spans [leafSize]unsafe.Pointer // *span.Span, atomic
}

// l2node holds pointers to lazily-allocated leaves.
type l2node struct {
	leaves [l2Size]unsafe.Pointer // *leaf, atomic
}

// PageMap is the process-wide page-number -> *span.Span map.
type PageMap struct {
	root [l1Size]unsafe.Pointer // *l2node, atomic
}

// New constructs an empty PageMap. The root table (8 KiB) is the only
// eagerly allocated part; every l2node and leaf is created on first
// write that touches it.
func New() *PageMap {
	return &PageMap{}
}

// Get returns the span owning pageNumber, or nil if unmapped.
// Lock-free; safe to call concurrently with Set/RegisterSpan from any
// number of goroutines.
func (m *PageMap) Get(pageNumber uintptr) *span.Span {
	if pageNumber >= pageLimit {
		return nil
	}
	l1 := pageNumber >> l1Shift
	l2p := atomic.LoadPointer(&m.root[l1])
	if l2p == nil {
		return nil
	}
	l2 := (*l2node)(l2p)
	leafIdx := (pageNumber >> l2Shift) & l2Mask
	leafp := atomic.LoadPointer(&l2.leaves[leafIdx])
	if leafp == nil {
		return nil
	}
	lf := (*leaf)(leafp)
	sp := atomic.LoadPointer(&lf.spans[pageNumber&leafMask])
	return (*span.Span)(sp)
}

// Set installs s as the owner of pageNumber, allocating any missing
// interior nodes along the way. Callers must hold the page-heap lock.
func (m *PageMap) Set(pageNumber uintptr, s *span.Span) {
	if pageNumber >= pageLimit {
		panic("pagemap: page number exceeds addressable range")
	}
	l1 := pageNumber >> l1Shift
	l2 := m.ensureL2(l1)
	leafIdx := (pageNumber >> l2Shift) & l2Mask
	lf := m.ensureLeaf(l2, leafIdx)
	atomic.StorePointer(&lf.spans[pageNumber&leafMask], unsafe.Pointer(s))
}

// ensureL2 returns the l2node for root slot l1, allocating and
// publishing it with release ordering if it doesn't exist yet. Safe
// under the page-heap lock (single writer), but written via CAS so a
// concurrent reader never observes a partially constructed node.
func (m *PageMap) ensureL2(l1 uintptr) *l2node {
	if p := atomic.LoadPointer(&m.root[l1]); p != nil {
		return (*l2node)(p)
	}
	n := &l2node{}
	if !atomic.CompareAndSwapPointer(&m.root[l1], nil, unsafe.Pointer(n)) {
		return (*l2node)(atomic.LoadPointer(&m.root[l1]))
	}
	return n
}

func (m *PageMap) ensureLeaf(l2 *l2node, idx uintptr) *leaf {
	if p := atomic.LoadPointer(&l2.leaves[idx]); p != nil {
		return (*leaf)(p)
	}
	n := &leaf{}
	if !atomic.CompareAndSwapPointer(&l2.leaves[idx], nil, unsafe.Pointer(n)) {
		return (*leaf)(atomic.LoadPointer(&l2.leaves[idx]))
	}
	return n
}

// RegisterSpan sets the mapping for every page s owns.
func (m *PageMap) RegisterSpan(s *span.Span) {
	for p := s.StartPage; p < s.StartPage+s.NumPages; p++ {
		m.Set(p, s)
	}
}

// UnregisterSpan clears the mapping for every page s owns. This is
// optional per spec.md §4.3 (stale entries can only be observed by a
// double-free, which is already undefined behavior). The page heap
// calls it only when it returns a span to the OS, so a pointer into
// released memory gets a clean miss; free spans the page heap still
// holds stay registered, because coalescing finds neighbors through
// this map.
func (m *PageMap) UnregisterSpan(s *span.Span) {
	for p := s.StartPage; p < s.StartPage+s.NumPages; p++ {
		m.Set(p, nil)
	}
}
