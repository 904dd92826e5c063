package central

import (
	"unsafe"

	"heapkit.dev/tcmalloc/internal/spinlock"
)

// transferCacheSlots bounds how many batches a TransferCache holds per
// class; a latency optimization, not a correctness requirement (spec.md
// §4.5) — the allocator must stay correct at capacity 0.
const transferCacheSlots = 8

type batch struct {
	head  unsafe.Pointer
	count int
	full  bool
}

// TransferCache is a small bounded ring of pre-sized object batches
// that lets a thread-cache shard exchange a full batch with its
// central bucket without ever touching the bucket's span lists. It is
// guarded by a spinlock rather than being truly lock-free (spec.md
// permits any realization since "its presence is a performance
// feature, not a correctness requirement"); TryPut/TryGet never block
// and fall through to the bucket on contention or when empty/full,
// preserving the spec's fallback semantics.
type TransferCache struct {
	mu    spinlock.Spinlock
	slots [transferCacheSlots]batch
}

// NewTransferCache constructs an empty ring.
func NewTransferCache() *TransferCache {
	return &TransferCache{}
}

// TryPut stores a batch of count objects (chained from head) in a free
// slot. Returns false if every slot is occupied or the ring's lock is
// held by another caller, in which case the caller should fall through
// to the central bucket.
func (t *TransferCache) TryPut(head unsafe.Pointer, count int) bool {
	if !t.mu.TryLock() {
		return false
	}
	defer t.mu.Unlock()
	for i := range t.slots {
		if !t.slots[i].full {
			t.slots[i] = batch{head: head, count: count, full: true}
			return true
		}
	}
	return false
}

// TryGet removes and returns one stored batch, or (nil, 0, false) if
// the ring is empty or its lock is held by another caller, in which
// case the caller should fall through to the central bucket.
func (t *TransferCache) TryGet() (head unsafe.Pointer, count int, ok bool) {
	if !t.mu.TryLock() {
		return nil, 0, false
	}
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].full {
			b := t.slots[i]
			t.slots[i] = batch{}
			return b.head, b.count, true
		}
	}
	return nil, 0, false
}
