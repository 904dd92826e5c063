// Package span implements the Span: a contiguous run of pages owned as
// a unit, plus the doubly-linked list it sits in and the intrusive
// singly-linked free-object list threaded through its unused slots.
//
// A Span is mutated only while its owner's lock is held: the page-heap
// lock for a free or large span, or the owning central-cache bucket's
// lock for a small-class span in use. This package does not itself
// take any lock — callers are responsible for the lock hierarchy
// described in SPEC_FULL.md §5.
package span

import (
	"unsafe"

	"heapkit.dev/tcmalloc/internal/freelist"
	"heapkit.dev/tcmalloc/sizeclass"
)

// Span is a contiguous run of pages owned as a unit.
type Span struct {
	Next, Prev *Span // sibling links for the list this span currently sits in

	StartPage uintptr // first page number this span owns
	NumPages  uintptr // pages in this span

	SizeClass int // 0 == large / free; >0 == small-object class

	freeHead  unsafe.Pointer // head of this span's intrusive free list
	freeCount int            // objects currently free within this span
	elemSize  uintptr        // cached sizeclass.ClassToSize(SizeClass), 0 for large spans

	// FreedGen is a scratch field owned by the page heap: the
	// generation counter value at the moment this span became free.
	// The page heap's release pass (Scavenge) selects spans by page
	// count only and does not read it. Not touched by the span or
	// central-cache tiers.
	FreedGen uint64

	// Free distinguishes "free" from "in-use large allocation", a
	// distinction SizeClass alone can't make since spec.md overloads
	// class 0 as "large or free". Owned solely by the page heap.
	Free bool
}

// New constructs an uncarved span (SizeClass 0, Free false) covering
// [startPage, startPage+numPages); the page heap sets Free itself.
func New(startPage, numPages uintptr) *Span {
	return &Span{StartPage: startPage, NumPages: numPages}
}

// Base returns the first byte address this span owns.
func (s *Span) Base() uintptr { return s.StartPage << sizeclass.PageShift }

// Limit returns the first byte address past this span.
func (s *Span) Limit() uintptr { return s.Base() + s.NumPages*sizeclass.PageSize }

// Bytes returns the span's total size in bytes.
func (s *Span) Bytes() uintptr { return s.NumPages * sizeclass.PageSize }

// Capacity returns the total number of class-sized objects this span
// can hold once carved, or 0 for a large/uncarved span.
func (s *Span) Capacity() int {
	if s.SizeClass == 0 || s.elemSize == 0 {
		return 0
	}
	return int(s.Bytes() / s.elemSize)
}

// FreeCount returns the number of currently-free objects in this span.
func (s *Span) FreeCount() int { return s.freeCount }

// Full reports whether every object in this span is currently
// allocated (freeCount == 0). Undefined for a span that has not been
// carved into a size class yet.
func (s *Span) Full() bool { return s.freeCount == 0 }

// Empty reports whether every object in this span is currently free.
func (s *Span) Empty() bool { return s.SizeClass != 0 && s.freeCount == s.Capacity() }

// Carve partitions this already-allocated span into equally sized
// objects of the given class, threading each object's first word into
// an intrusive free list. Called exactly once, the first time a fresh
// span is assigned to a size class.
func (s *Span) Carve(class int) {
	info := sizeclass.ClassInfo(class)
	s.SizeClass = class
	s.elemSize = uintptr(info.Size)

	n := s.Capacity()
	base := s.Base()
	var chain freelist.Chain
	// Link back-to-front so the free list pops in ascending address
	// order, which keeps early allocations closer together and makes
	// test assertions about allocation order predictable.
	for i := n - 1; i >= 0; i-- {
		chain.Push(unsafe.Pointer(base + uintptr(i)*s.elemSize))
	}
	s.freeHead = chain.Head
	s.freeCount = chain.Count
}

// PopFree detaches and returns one object from this span's free list.
// Returns nil if the span has no free objects.
func (s *Span) PopFree() unsafe.Pointer {
	chain := freelist.Chain{Head: s.freeHead, Count: s.freeCount}
	obj := chain.Pop()
	s.freeHead, s.freeCount = chain.Head, chain.Count
	return obj
}

// PushFree returns a single object to this span's free list.
func (s *Span) PushFree(obj unsafe.Pointer) {
	chain := freelist.Chain{Head: s.freeHead, Count: s.freeCount}
	chain.Push(obj)
	s.freeHead, s.freeCount = chain.Head, chain.Count
}

// Owns reports whether addr falls within this span's byte range.
func (s *Span) Owns(addr uintptr) bool {
	return addr >= s.Base() && addr < s.Limit()
}

// List is an intrusive doubly-linked list of spans, the same shape as
// the teacher's mSpanList: a sentinel-free head/tail pair threaded
// through each Span's Next/Prev fields. A span is a member of at most
// one List at a time.
type List struct {
	first, last *Span
	length      int
}

// Len returns the number of spans currently in the list.
func (l *List) Len() int { return l.length }

// Empty reports whether the list has no spans.
func (l *List) Empty() bool { return l.first == nil }

// PushFront inserts s at the head of the list.
func (l *List) PushFront(s *Span) {
	s.Prev = nil
	s.Next = l.first
	if l.first != nil {
		l.first.Prev = s
	} else {
		l.last = s
	}
	l.first = s
	l.length++
}

// PopFront removes and returns the head of the list, or nil if empty.
func (l *List) PopFront() *Span {
	s := l.first
	if s == nil {
		return nil
	}
	l.Remove(s)
	return s
}

// Remove detaches s from the list. s must currently be a member of l.
func (l *List) Remove(s *Span) {
	if s.Prev != nil {
		s.Prev.Next = s.Next
	} else {
		l.first = s.Next
	}
	if s.Next != nil {
		s.Next.Prev = s.Prev
	} else {
		l.last = s.Prev
	}
	s.Next, s.Prev = nil, nil
	l.length--
}

// Front returns the head of the list without removing it, or nil.
func (l *List) Front() *Span { return l.first }

// PushBack inserts s at the tail of the list.
func (l *List) PushBack(s *Span) {
	s.Next = nil
	s.Prev = l.last
	if l.last != nil {
		l.last.Next = s
	} else {
		l.first = s
	}
	l.last = s
	l.length++
}

// InsertBefore inserts s immediately before mark, which must currently
// be a member of l.
func (l *List) InsertBefore(mark, s *Span) {
	s.Prev = mark.Prev
	s.Next = mark
	if mark.Prev != nil {
		mark.Prev.Next = s
	} else {
		l.first = s
	}
	mark.Prev = s
	l.length++
}

// Each calls fn for every span in the list, front to back. fn must not
// mutate the list.
func (l *List) Each(fn func(*Span)) {
	for s := l.first; s != nil; s = s.Next {
		fn(s)
	}
}
