// Package central implements the Central Cache: one bucket per size
// class, holding the spans currently in use for that class (split into
// non-empty and empty lists) plus a flat transfer buffer of objects
// detached from any span. It is the layer thread-cache shards refill
// from and drain to in batches.
package central

import (
	"unsafe"

	"heapkit.dev/tcmalloc/internal/freelist"
	"heapkit.dev/tcmalloc/internal/spinlock"
	"heapkit.dev/tcmalloc/pagemap"
	"heapkit.dev/tcmalloc/pageheap"
	"heapkit.dev/tcmalloc/sizeclass"
	"heapkit.dev/tcmalloc/span"
)

// flushThresholdBatches is the multiple of a class's batch size at which a
// bucket splays its transfer buffer back into spans rather than
// letting it grow unboundedly (spec.md §4.4).
const flushThresholdBatches = 2

// Bucket is the central free list for one size class.
type Bucket struct {
	mu    spinlock.Spinlock
	class int
	info  sizeclass.Info

	nonEmpty span.List // spans with at least one free object
	empty    span.List // spans fully handed out

	transfer freelist.Chain // objects detached from any span

	heap *pageheap.PageHeap
	pm   *pagemap.PageMap
}

// New constructs the bucket for class, backed by heap for span growth
// and pm for owning-span lookups during InsertRange.
func New(class int, heap *pageheap.PageHeap, pm *pagemap.PageMap) *Bucket {
	return &Bucket{class: class, info: sizeclass.ClassInfo(class), heap: heap, pm: pm}
}

// Class returns the size class this bucket serves.
func (b *Bucket) Class() int { return b.class }

// TransferBytes returns the bytes currently parked in this bucket's
// flat transfer buffer: objects detached from their owning span's free
// list but not yet handed to any thread cache, so no span's FreeCount
// accounts for them.
func (b *Bucket) TransferBytes() uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uintptr(b.transfer.Count) * uintptr(b.info.Size)
}

// RemoveRange fulfills up to maxCount objects, preferring the flat
// transfer buffer, then popping from non-empty spans, then growing a
// fresh span from the page heap. Returns fewer than maxCount only if
// the page heap can't grow further.
func (b *Bucket) RemoveRange(maxCount int) (actual int, head unsafe.Pointer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out freelist.Chain

	if !b.transfer.Empty() {
		taken := b.transfer.Take(maxCount - out.Count)
		out.PrependChain(taken.Head, taken.Count)
	}

	for out.Count < maxCount {
		s := b.nonEmpty.Front()
		if s == nil {
			if !b.growLocked() {
				break
			}
			continue
		}
		obj := s.PopFree()
		out.Push(obj)
		if s.Full() {
			b.nonEmpty.Remove(s)
			b.empty.PushFront(s)
		}
	}

	return out.Count, out.Head
}

// growLocked asks the page heap for a fresh span sized to this class
// and carves it into objects on the non-empty list. Returns false if
// the page heap is out of memory.
func (b *Bucket) growLocked() bool {
	s, err := b.heap.AllocateSpan(uintptr(b.info.Pages))
	if err != nil {
		return false
	}
	s.Carve(b.class)
	b.nonEmpty.PushFront(s)
	return true
}

// InsertRange returns count objects (chained from head) to this
// bucket: each is pushed back onto its owning span's free list; a span
// that becomes completely free is returned to the page heap, and a
// span that moves from full to partially-free is promoted from the
// empty list to the non-empty list.
func (b *Bucket) InsertRange(head unsafe.Pointer, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	chain := freelist.Chain{Head: head, Count: count}
	for {
		obj := chain.Pop()
		if obj == nil {
			break
		}
		b.insertOneLocked(obj)
	}
	b.maybeFlushLocked()
}

func (b *Bucket) insertOneLocked(obj unsafe.Pointer) {
	s := b.pm.Get(pageNumber(obj))
	if s == nil || s.SizeClass != b.class {
		// Not a span we own: defensive no-op per spec.md §7 InvalidFree.
		return
	}
	wasEmpty := s.Full()
	s.PushFree(obj)

	if s.FreeCount() == s.Capacity() {
		if wasEmpty {
			b.empty.Remove(s)
		} else {
			b.nonEmpty.Remove(s)
		}
		b.heap.DeallocateSpan(s)
		return
	}
	if wasEmpty {
		b.empty.Remove(s)
		b.nonEmpty.PushFront(s)
	}
}

// maybeFlushLocked caps the flat transfer buffer: once it holds more
// than flushThresholdBatches*BatchSize objects, the excess is splayed
// back into the owning spans. InsertRange always splays immediately,
// so the transfer buffer is only ever populated by the front-end's
// own batched releases (see PutRange).
func (b *Bucket) maybeFlushLocked() {
	limit := int(b.info.BatchSize) * flushThresholdBatches
	if limit == 0 || b.transfer.Count <= limit {
		return
	}
	excess := b.transfer.Take(b.transfer.Count - limit)
	chain := excess
	for {
		obj := chain.Pop()
		if obj == nil {
			break
		}
		b.insertOneLocked(obj)
	}
}

// PutRange accepts a pre-batched chain (e.g. a thread-cache shard's
// overflow release) directly into the transfer buffer, the
// lower-overhead path spec.md §4.4/§4.5 describes for common-case
// exchange.
func (b *Bucket) PutRange(head unsafe.Pointer, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transfer.PrependChain(head, count)
	b.maybeFlushLocked()
}

func pageNumber(obj unsafe.Pointer) uintptr {
	return uintptr(obj) >> sizeclass.PageShift
}
