// Package threadcache implements the per-shard Thread Front-End: the
// fast, usually-lock-contended-free path that serves small
// allocations straight out of per-class free lists.
//
// Go offers no portable, sanctioned way to pin a goroutine to an OS
// thread or read the runtime's internal per-P id the way the teacher's
// per-thread cache keys off getg().m.p, so SPEC_FULL.md §4.6 resolves
// this by sharding the front-end across a fixed power-of-two array of
// Cache instances (sized off runtime.GOMAXPROCS) selected by an atomic
// round-robin counter instead of by thread identity. spec.md §9
// explicitly allows this: "a parallel front-end keyed by the current
// CPU id is an acceptable substitute for true thread-local state."
package threadcache

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"heapkit.dev/tcmalloc/central"
	"heapkit.dev/tcmalloc/internal/freelist"
	"heapkit.dev/tcmalloc/internal/spinlock"
	"heapkit.dev/tcmalloc/sizeclass"
)

// initialMaxLength is the starting cap on how many objects a single
// class's free list in one shard may hold before it overflows to the
// central cache (spec.md §4.6: "max_length, initially 1, grows
// adaptively").
const initialMaxLength = 1

// maxMaxLength bounds the adaptive growth of a class's per-shard cap,
// preventing a bursty allocation pattern from pinning unbounded memory
// in a single shard indefinitely.
const maxMaxLength = 1 << 14

// classState is one size class's slice of a shard: a short free list
// plus the adaptive watermark controlling how large that list may grow
// before the shard pushes a batch back to the central cache.
type classState struct {
	chain     freelist.Chain
	maxLength int
}

// Cache is one shard of the thread front-end: an independent,
// spinlock-guarded set of per-class free lists. Multiple goroutines
// may land on the same shard; correctness never depends on affinity,
// only throughput does.
type Cache struct {
	mu       spinlock.Spinlock
	classes  [sizeclass.NumClasses]classState
	central  *[sizeclass.NumClasses]*central.Bucket
	transfer *[sizeclass.NumClasses]*central.TransferCache

	// maxBytes bounds this shard's total cached bytes across all
	// classes; 0 means no explicit cap beyond maxMaxLength. Checked
	// on Deallocate, the point at which a shard's footprint grows.
	maxBytes uintptr
}

func newCache(buckets *[sizeclass.NumClasses]*central.Bucket, transfers *[sizeclass.NumClasses]*central.TransferCache, maxBytes uintptr) *Cache {
	c := &Cache{central: buckets, transfer: transfers, maxBytes: maxBytes}
	for i := range c.classes {
		c.classes[i].maxLength = initialMaxLength
	}
	return c
}

// Allocate returns one object of the given class from this shard,
// refilling from the transfer cache or central bucket on a local miss.
func (c *Cache) Allocate(class int) unsafe.Pointer {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &c.classes[class]
	if st.chain.Empty() {
		c.refillLocked(class)
		if st.chain.Empty() {
			return nil // central cache and page heap are both exhausted
		}
	}
	return st.chain.Pop()
}

// Deallocate returns obj (of the given class) to this shard, spilling
// to the central cache if the class's list has grown past its current
// watermark.
func (c *Cache) Deallocate(class int, obj unsafe.Pointer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &c.classes[class]
	st.chain.Push(obj)
	if st.chain.Count > st.maxLength {
		c.overflowLocked(class)
	}
	if c.maxBytes > 0 && c.bytesLocked() > c.maxBytes {
		c.overflowLocked(class)
	}
}

// refillLocked pulls a batch of objects for class into this shard,
// trying the transfer cache first and falling back to the central
// bucket, then grows the class's watermark (spec.md §4.6: a cache
// miss is itself the adaptive-growth signal).
func (c *Cache) refillLocked(class int) {
	st := &c.classes[class]

	if tc := c.transfer[class]; tc != nil {
		if head, count, ok := tc.TryGet(); ok {
			st.chain.PrependChain(head, count)
		}
	}
	if st.chain.Empty() {
		want := st.maxLength
		if want < 1 {
			want = 1
		}
		n, head := c.central[class].RemoveRange(want)
		if n > 0 {
			st.chain.PrependChain(head, n)
		}
	}
	c.growWatermarkLocked(class)
}

// overflowLocked releases half of class's held objects back to the
// central tier: the transfer cache first (cheap, no span bookkeeping),
// falling back to the bucket's InsertRange when the ring is full.
func (c *Cache) overflowLocked(class int) {
	st := &c.classes[class]
	release := st.chain.Count / 2
	if release < 1 {
		release = 1
	}
	batch := st.chain.Take(release)

	if tc := c.transfer[class]; tc != nil && tc.TryPut(batch.Head, batch.Count) {
		return
	}
	c.central[class].PutRange(batch.Head, batch.Count)
}

// growWatermarkLocked doubles class's cap on a refill, up to
// maxMaxLength, so a shard under sustained allocation pressure holds
// progressively larger batches and hits the central tier less often.
func (c *Cache) growWatermarkLocked(class int) {
	st := &c.classes[class]
	st.maxLength *= 2
	if st.maxLength > maxMaxLength {
		st.maxLength = maxMaxLength
	}
}

// Scavenge releases every currently-held object in every class back to
// the central tier and resets watermarks. Pool.ScavengeAll calls it
// for every shard (from Allocator.Release and Allocator.Shutdown).
func (c *Cache) Scavenge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for class := range c.classes {
		st := &c.classes[class]
		if !st.chain.Empty() {
			c.central[class].PutRange(st.chain.Head, st.chain.Count)
			st.chain = freelist.Chain{}
		}
		st.maxLength = initialMaxLength
	}
}

// Bytes reports the total size in bytes of objects currently cached in
// this shard across all classes, used to operationalize a byte-cap
// policy (spec.md §4.6).
func (c *Cache) Bytes() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesLocked()
}

func (c *Cache) bytesLocked() uintptr {
	var total uintptr
	for class := range c.classes {
		total += uintptr(c.classes[class].chain.Count) * uintptr(sizeclass.ClassInfo(class).Size)
	}
	return total
}

// Pool is the full thread front-end: a power-of-two array of shards
// selected by atomic round-robin, fronting one central.Bucket and
// central.TransferCache per size class.
type Pool struct {
	shards   []*Cache
	mask     uint32
	cursor   uint32
	maxBytes uintptr
}

// shardCountFor rounds n*4 up to the next power of two, per
// SPEC_FULL.md §4.6's shard-sizing rule, with a floor of 1.
func shardCountFor(n int) int {
	if n < 1 {
		return 1
	}
	return roundUpPow2(n * 4)
}

// roundUpPow2 returns the smallest power of two >= n, with a floor of 1.
func roundUpPow2(n int) int {
	if n < 1 {
		return 1
	}
	count := 1
	for count < n {
		count <<= 1
	}
	return count
}

// NewPool constructs a shard pool sized off runtime.GOMAXPROCS(0),
// fronting buckets (one Bucket and TransferCache per size class).
// maxBytes caps how many bytes a single shard may hold before
// overflowLocked's halving pressure effectively becomes the binding
// constraint; 0 means no explicit cap beyond maxMaxLength.
func NewPool(buckets *[sizeclass.NumClasses]*central.Bucket, maxBytes uintptr) *Pool {
	return NewPoolWithShards(buckets, maxBytes, 0)
}

// NewPoolWithShards is NewPool with an explicit shard count, for
// callers that want to override the runtime.GOMAXPROCS-derived
// default (e.g. tcmalloc.WithShardCount). shardCount <= 0 falls back
// to the GOMAXPROCS-derived default (shardCountFor(GOMAXPROCS));
// otherwise it is rounded up to the nearest power of two directly.
func NewPoolWithShards(buckets *[sizeclass.NumClasses]*central.Bucket, maxBytes uintptr, shardCount int) *Pool {
	n := shardCountFor(runtime.GOMAXPROCS(0))
	if shardCount > 0 {
		n = roundUpPow2(shardCount)
	}

	var transfers [sizeclass.NumClasses]*central.TransferCache
	for i := range transfers {
		transfers[i] = central.NewTransferCache()
	}

	p := &Pool{
		shards:   make([]*Cache, n),
		mask:     uint32(n - 1),
		maxBytes: maxBytes,
	}
	for i := range p.shards {
		p.shards[i] = newCache(buckets, &transfers, maxBytes)
	}
	return p
}

// pick selects a shard via atomic round-robin. Correctness never
// depends on which shard a given call lands on.
func (p *Pool) pick() *Cache {
	idx := atomic.AddUint32(&p.cursor, 1) & p.mask
	return p.shards[idx]
}

// Allocate serves one object of the given class from an arbitrary
// shard, returning nil if the allocator is out of memory.
func (p *Pool) Allocate(class int) unsafe.Pointer {
	return p.pick().Allocate(class)
}

// Deallocate returns obj (of the given class) to an arbitrary shard.
// Because shard selection is not identity-based, an object freed here
// may land in a different shard than the one that allocated it; this
// is safe since shards share no state and objects carry no shard
// affinity.
func (p *Pool) Deallocate(class int, obj unsafe.Pointer) {
	p.pick().Deallocate(class, obj)
}

// ScavengeAll drains every shard's held objects back to the central
// tier, used for an explicit idle-release pass or Shutdown.
func (p *Pool) ScavengeAll() {
	for _, c := range p.shards {
		c.Scavenge()
	}
}

// Bytes reports the total bytes cached across every shard.
func (p *Pool) Bytes() uintptr {
	var total uintptr
	for _, c := range p.shards {
		total += c.Bytes()
	}
	return total
}

// ShardCount reports how many shards this pool was constructed with.
func (p *Pool) ShardCount() int { return len(p.shards) }
