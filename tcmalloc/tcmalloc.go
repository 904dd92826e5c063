// Package tcmalloc is the top-level dispatcher: it classifies each
// request by size into the small-object path (thread-cache shards
// backed by central-cache buckets) or the large-object path (direct
// page-heap spans), and exposes the allocator as both a constructible
// value and a package-level singleton, the same shape the teacher
// exposes its runtime-wide allocator state in.
package tcmalloc

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"heapkit.dev/tcmalloc/central"
	"heapkit.dev/tcmalloc/internal/osmem"
	"heapkit.dev/tcmalloc/metrics"
	"heapkit.dev/tcmalloc/pagemap"
	"heapkit.dev/tcmalloc/pageheap"
	"heapkit.dev/tcmalloc/sizeclass"
	"heapkit.dev/tcmalloc/span"
	"heapkit.dev/tcmalloc/threadcache"
)

// ErrOutOfMemory is returned when neither a thread-cache shard, its
// central bucket, nor the page heap can satisfy a request.
var ErrOutOfMemory = errors.New("tcmalloc: out of memory")

// ErrInvalidFree is returned by Dealloc and Realloc when given a
// pointer this allocator did not hand out (spec.md §7 InvalidFree).
var ErrInvalidFree = errors.New("tcmalloc: invalid or already-freed pointer")

// osProvider adapts the free-standing osmem functions to the
// pageheap.Provider interface.
type osProvider struct{}

func (osProvider) AllocatePages(n uintptr) (uintptr, error) { return osmem.AllocatePages(n) }
func (osProvider) ReleasePages(addr, n uintptr) error        { return osmem.ReleasePages(addr, n) }

// zeroSentinel is the address returned for every zero-size allocation
// (spec.md's "zero-size sentinel"): a single shared, never-written,
// never-freed location, distinguishable from any real allocation by
// identity alone.
var zeroSentinel byte

// Allocator is a complete, independently instantiable tcmalloc-style
// heap: a page heap, the central-cache bucket array in front of it,
// and the thread-cache shard pool in front of that.
type Allocator struct {
	log *zap.Logger

	pm      *pagemap.PageMap
	heap    *pageheap.PageHeap
	buckets [sizeclass.NumClasses]*central.Bucket
	pool    *threadcache.Pool

	releaseThreshold uintptr
}

// Option configures an Allocator at construction time.
type Option func(*config)

type config struct {
	growPages        uintptr
	threadCacheMax   uintptr
	shardCount       int
	releaseThreshold uintptr
	logger           *zap.Logger
}

// WithGrowPages overrides how many pages the page heap reserves from
// the OS at a time when no free span can satisfy a request.
func WithGrowPages(pages uintptr) Option {
	return func(c *config) { c.growPages = pages }
}

// WithMaxThreadCacheBytes sets a per-shard byte cap: when a Dealloc
// leaves a thread-cache shard holding more than n bytes, half of that
// size class's list in the shard is released to the central cache.
// Zero (the default) sets no byte cap.
func WithMaxThreadCacheBytes(n uintptr) Option {
	return func(c *config) { c.threadCacheMax = n }
}

// WithShardCount overrides the number of thread-cache shards, rounded
// up to the next power of two. Zero (the default) derives the count
// from runtime.GOMAXPROCS(0) instead (spec.md §9 Open Question
// resolution, SPEC_FULL.md §4.6).
func WithShardCount(n int) Option {
	return func(c *config) { c.shardCount = n }
}

// WithReleaseThreshold sets how many free pages the page heap may
// accumulate before Dealloc's large-object path triggers an automatic
// Release, the "basic release policy" spec.md §9 leaves as a tunable.
// Zero (the default) disables automatic release; callers can still
// call Release explicitly.
func WithReleaseThreshold(pages uintptr) Option {
	return func(c *config) { c.releaseThreshold = pages }
}

// WithLogger overrides the zap.Logger used for allocator lifecycle
// events (construction, and pages released to the OS by Release).
// Span growth and coalescing are not logged. Defaults to
// zap.NewNop() so an Allocator is silent unless asked otherwise.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New constructs an Allocator. With no options it uses
// pageheap.DefaultGrowPages and a silent logger.
func New(opts ...Option) *Allocator {
	cfg := config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	pm := pagemap.New()
	heap := pageheap.New(pm, osProvider{}, cfg.growPages)

	a := &Allocator{log: cfg.logger, pm: pm, heap: heap, releaseThreshold: cfg.releaseThreshold}
	for class := 1; class < sizeclass.NumClasses; class++ {
		a.buckets[class] = central.New(class, heap, pm)
	}
	a.pool = threadcache.NewPoolWithShards(&a.buckets, cfg.threadCacheMax, cfg.shardCount)

	a.log.Debug("allocator constructed", zap.Int("shards", a.pool.ShardCount()))
	return a
}

// classify returns the size class serving a size/align request, or -1
// if the request must take the large-object path. align must already
// be a power of two no larger than sizeclass.PageSize; a larger
// alignment request always falls through to the page-granular path,
// which is naturally aligned to sizeclass.PageSize.
func classify(size, align uintptr) int {
	if align > sizeclass.PageSize || size > sizeclass.MaxSmallSize {
		return -1
	}
	need := size
	if align > need {
		need = align
	}
	class := sizeclass.SizeToClass(need)
	if class == 0 {
		return -1
	}
	// A class serves align only if its object size is itself a
	// multiple of align. Not every class size is a multiple of every
	// smaller power of two (the 24-byte class is not 16-aligned), so
	// such requests fall through to the page-granular path.
	if uintptr(sizeclass.ClassInfo(class).Size)%align != 0 {
		return -1
	}
	return class
}

// Alloc reserves size bytes aligned to align (which must be a power
// of two), returning ErrOutOfMemory if no tier can satisfy it.
func (a *Allocator) Alloc(size, align uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return unsafe.Pointer(&zeroSentinel), nil
	}
	if align == 0 {
		align = 1
	}

	if class := classify(size, align); class > 0 {
		if obj := a.pool.Allocate(class); obj != nil {
			return obj, nil
		}
		return nil, ErrOutOfMemory
	}
	return a.allocLarge(size)
}

func (a *Allocator) allocLarge(size uintptr) (unsafe.Pointer, error) {
	pages := (size + sizeclass.PageSize - 1) / sizeclass.PageSize
	s, err := a.heap.AllocateSpan(pages)
	if err != nil {
		return nil, errors.Wrap(ErrOutOfMemory, err.Error())
	}
	return unsafe.Pointer(s.Base()), nil
}

// AllocZeroed behaves like Alloc but guarantees the returned memory is
// zero-filled, matching the C-ABI's calloc-style entry point.
func (a *Allocator) AllocZeroed(size, align uintptr) (unsafe.Pointer, error) {
	ptr, err := a.Alloc(size, align)
	if err != nil || size == 0 {
		return ptr, err
	}
	zero(ptr, actualSize(a.lookup(ptr), size))
	return ptr, nil
}

// lookup resolves ptr to its owning span via the page map, or nil if
// ptr is not an address this allocator controls.
func (a *Allocator) lookup(ptr unsafe.Pointer) *span.Span {
	return a.pm.Get(uintptr(ptr) >> sizeclass.PageShift)
}

// actualSize returns how many bytes are actually usable at an
// allocation, given its owning span (nil meaning the zero sentinel)
// and the originally requested size as a fallback.
func actualSize(s *span.Span, requested uintptr) uintptr {
	if s == nil {
		return requested
	}
	if s.SizeClass == 0 {
		return s.Bytes()
	}
	return sizeclass.ClassToSize(s.SizeClass)
}

// Dealloc releases ptr, which must have been returned by Alloc,
// AllocZeroed, or Realloc on this Allocator and not already freed.
func (a *Allocator) Dealloc(ptr unsafe.Pointer) error {
	if ptr == unsafe.Pointer(&zeroSentinel) {
		return nil
	}
	s := a.lookup(ptr)
	if s == nil {
		return ErrInvalidFree
	}
	if s.SizeClass == 0 {
		a.heap.DeallocateSpan(s)
		a.maybeAutoRelease()
		return nil
	}
	a.pool.Deallocate(s.SizeClass, ptr)
	return nil
}

// maybeAutoRelease implements the tunable "basic release policy"
// spec.md §9 leaves open: when releaseThreshold is set and the page
// heap has accumulated at least that many free pages, scavenge them
// back to the OS. A no-op when WithReleaseThreshold was never set.
func (a *Allocator) maybeAutoRelease() {
	if a.releaseThreshold == 0 {
		return
	}
	if a.heap.Stats().FreeBytes/sizeclass.PageSize >= a.releaseThreshold {
		a.Release(a.releaseThreshold)
	}
}

// fitsInPlace reports whether the allocation backed by s already has
// room for newSize at alignment align, so Realloc can return the
// original pointer unchanged: a small-object span if newSize still
// classifies into the same size class, or a large-object span if
// newSize fits within its already-reserved pages.
func (a *Allocator) fitsInPlace(s *span.Span, newSize, align uintptr) bool {
	if s.SizeClass != 0 {
		return classify(newSize, align) == s.SizeClass
	}
	if classify(newSize, align) != -1 {
		return false
	}
	neededPages := (newSize + sizeclass.PageSize - 1) / sizeclass.PageSize
	return neededPages <= s.NumPages
}

// Realloc resizes the allocation at ptr to newSize, preserving the
// lesser of the old and new sizes' worth of content. ptr may be nil,
// in which case Realloc behaves like Alloc.
func (a *Allocator) Realloc(ptr unsafe.Pointer, newSize, align uintptr) (unsafe.Pointer, error) {
	if ptr == nil || ptr == unsafe.Pointer(&zeroSentinel) {
		return a.Alloc(newSize, align)
	}
	if newSize == 0 {
		if err := a.Dealloc(ptr); err != nil {
			return nil, err
		}
		return unsafe.Pointer(&zeroSentinel), nil
	}
	if align == 0 {
		align = 1
	}

	s := a.lookup(ptr)
	if s == nil {
		return nil, ErrInvalidFree
	}

	// Fast path (spec.md §4.7): if the existing allocation already
	// covers newSize at the requested alignment, hand back the same
	// pointer instead of allocating, copying, and freeing.
	if a.fitsInPlace(s, newSize, align) {
		return ptr, nil
	}

	oldSize := actualSize(s, newSize)

	newPtr, err := a.Alloc(newSize, align)
	if err != nil {
		return nil, err
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	copyBytes(newPtr, ptr, n)
	if err := a.Dealloc(ptr); err != nil {
		return nil, err
	}
	return newPtr, nil
}

// Stats is a point-in-time snapshot of allocator-wide accounting,
// spec.md §6's required external accessor.
type Stats struct {
	ReservedBytes     uintptr
	FreeBytes         uintptr
	ThreadCacheBytes  uintptr
	CentralCacheBytes uintptr
	ShardCount        int
}

// Stats returns a snapshot of allocator-wide accounting.
func (a *Allocator) Stats() Stats {
	snap := a.Snapshot()
	return Stats(snap)
}

// Snapshot implements metrics.Source, exposing the allocator's
// internal accounting for the metrics.Collector.
func (a *Allocator) Snapshot() metrics.Snapshot {
	stats := a.heap.Stats()
	return metrics.Snapshot{
		ReservedBytes:     stats.ReservedBytes,
		FreeBytes:         stats.FreeBytes,
		ThreadCacheBytes:  a.pool.Bytes(),
		CentralCacheBytes: a.centralCacheBytes(),
		ShardCount:        a.pool.ShardCount(),
	}
}

// centralCacheBytes sums the transfer-buffer bytes parked across every
// central-cache bucket, the accounting spec.md §8.5 otherwise has no
// way to reconstruct from Snapshot alone during a burst.
func (a *Allocator) centralCacheBytes() uintptr {
	var total uintptr
	for class := 1; class < sizeclass.NumClasses; class++ {
		total += a.buckets[class].TransferBytes()
	}
	return total
}

// Release scavenges every thread-cache shard into the central tier
// and then releases page-heap spans of at least minPages back to the
// OS, returning the number of pages actually released.
func (a *Allocator) Release(minPages uintptr) uintptr {
	a.pool.ScavengeAll()
	released := a.heap.Scavenge(minPages)
	if released > 0 {
		a.log.Debug("released pages to OS", zap.Uint64("pages", uint64(released)))
	}
	return released
}

// Shutdown drains every thread-cache shard back to the central tier.
// The Allocator remains usable afterward; Shutdown is a checkpoint,
// not a destructor.
func (a *Allocator) Shutdown() {
	a.pool.ScavengeAll()
}

var (
	defaultOnce  sync.Once
	defaultAlloc *Allocator
)

// Default returns the package-level singleton Allocator, constructed
// with New()'s defaults on first use.
func Default() *Allocator {
	defaultOnce.Do(func() { defaultAlloc = New() })
	return defaultAlloc
}

// Alloc reserves size bytes aligned to align on the package-level
// singleton allocator. spec.md §6 calls for a process-wide entry
// point; Go has no way to replace runtime.mallocgc itself (see
// Non-goals), so this singleton is as close as a library can get.
func Alloc(size, align uintptr) (unsafe.Pointer, error) { return Default().Alloc(size, align) }

// AllocZeroed is AllocZeroed on the package-level singleton allocator.
func AllocZeroed(size, align uintptr) (unsafe.Pointer, error) {
	return Default().AllocZeroed(size, align)
}

// Dealloc is Dealloc on the package-level singleton allocator.
func Dealloc(ptr unsafe.Pointer) error { return Default().Dealloc(ptr) }

// Realloc is Realloc on the package-level singleton allocator.
func Realloc(ptr unsafe.Pointer, newSize, align uintptr) (unsafe.Pointer, error) {
	return Default().Realloc(ptr, newSize, align)
}

// Shutdown is Shutdown on the package-level singleton allocator.
func Shutdown() { Default().Shutdown() }
