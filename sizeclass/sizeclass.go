// Package sizeclass holds the size-class table and the two lookup
// functions the rest of the allocator dispatches on: SizeToClass and
// ClassToSize. Objects are bucketed into classes to bound internal
// fragmentation and let the central/thread caches batch whole spans of
// same-sized objects instead of tracking arbitrary byte ranges.
package sizeclass

// PageShift and PageSize are compile-time constants: all span and OS
// page accounting in the allocator is in units of PageSize.
const (
	PageShift = 13
	PageSize  = 1 << PageShift // 8 KiB
)

// NumClasses is the number of defined size classes, including the
// class-0 sentinel ("not a small allocation").
const NumClasses = 46

// MaxSmallSize is the largest size serviced through size classes;
// anything bigger is a large allocation handled directly by the page
// heap.
const MaxSmallSize = 262144 // 256 KiB

// Info describes one size class.
type Info struct {
	Size      uint32 // bytes per object, a multiple of 8
	Pages     uint32 // pages per span of this class
	BatchSize uint32 // objects transferred per batch to/from a thread cache
}

// ObjectsPerSpan returns how many objects of this class fit in one of
// its spans.
func (i Info) ObjectsPerSpan() int {
	if i.Size == 0 {
		return 0
	}
	return int(uint64(i.Pages) * PageSize / uint64(i.Size))
}

// classes is the size-class table. Index 0 is the unused sentinel.
// Sizes grow geometrically (8-byte steps to 64, 16-byte steps to 128,
// 32-byte steps to 256, and so on up to 1024-byte steps to 8192), then
// in coarser steps to 256 KiB; from 128 KiB up each class is twice the
// one below it, so a request just past a class boundary there wastes
// up to half its object. batch_size shrinks as objects grow, so the
// bytes moved per inter-tier transfer grow far more slowly than the
// object size (256 B for the 8-byte class, 512 KiB for the largest).
var classes = [NumClasses]Info{
	{Size: 0, Pages: 0, BatchSize: 0},

	// 8-byte steps: 8..64
	{Size: 8, Pages: 1, BatchSize: 32},
	{Size: 16, Pages: 1, BatchSize: 32},
	{Size: 24, Pages: 1, BatchSize: 32},
	{Size: 32, Pages: 1, BatchSize: 32},
	{Size: 40, Pages: 1, BatchSize: 32},
	{Size: 48, Pages: 1, BatchSize: 32},
	{Size: 56, Pages: 1, BatchSize: 32},
	{Size: 64, Pages: 1, BatchSize: 32},

	// 16-byte steps: 80..128
	{Size: 80, Pages: 1, BatchSize: 32},
	{Size: 96, Pages: 1, BatchSize: 32},
	{Size: 112, Pages: 1, BatchSize: 32},
	{Size: 128, Pages: 1, BatchSize: 32},

	// 32-byte steps: 160..256
	{Size: 160, Pages: 1, BatchSize: 32},
	{Size: 192, Pages: 1, BatchSize: 32},
	{Size: 224, Pages: 1, BatchSize: 32},
	{Size: 256, Pages: 1, BatchSize: 32},

	// 64-byte steps: 320..512
	{Size: 320, Pages: 1, BatchSize: 16},
	{Size: 384, Pages: 1, BatchSize: 16},
	{Size: 448, Pages: 1, BatchSize: 16},
	{Size: 512, Pages: 1, BatchSize: 16},

	// 128-byte steps: 640..1024
	{Size: 640, Pages: 1, BatchSize: 16},
	{Size: 768, Pages: 1, BatchSize: 16},
	{Size: 896, Pages: 1, BatchSize: 16},
	{Size: 1024, Pages: 1, BatchSize: 16},

	// 256-byte steps: 1280..2048
	{Size: 1280, Pages: 1, BatchSize: 8},
	{Size: 1536, Pages: 1, BatchSize: 8},
	{Size: 1792, Pages: 1, BatchSize: 8},
	{Size: 2048, Pages: 1, BatchSize: 8},

	// 512-byte steps: 2560..4096
	{Size: 2560, Pages: 1, BatchSize: 4},
	{Size: 3072, Pages: 1, BatchSize: 4},
	{Size: 3584, Pages: 1, BatchSize: 4},
	{Size: 4096, Pages: 1, BatchSize: 4},

	// 1024-byte steps: 5120..8192
	{Size: 5120, Pages: 1, BatchSize: 4},
	{Size: 6144, Pages: 1, BatchSize: 4},
	{Size: 7168, Pages: 1, BatchSize: 4},
	{Size: 8192, Pages: 1, BatchSize: 4},

	// larger, multi-page spans
	{Size: 10240, Pages: 2, BatchSize: 2},
	{Size: 12288, Pages: 2, BatchSize: 2},
	{Size: 16384, Pages: 2, BatchSize: 2},
	{Size: 20480, Pages: 3, BatchSize: 2},

	// large size classes
	{Size: 32768, Pages: 4, BatchSize: 2},
	{Size: 40960, Pages: 5, BatchSize: 2},
	{Size: 65536, Pages: 8, BatchSize: 2},
	{Size: 131072, Pages: 16, BatchSize: 2},
	{Size: 262144, Pages: 32, BatchSize: 2},
}

// smallLookupLen covers sizes 0..1024 in 8-byte steps: index = (size+7)/8.
const smallLookupLen = 129

var smallLookup [smallLookupLen]uint8

func init() {
	for i := 0; i < smallLookupLen; i++ {
		size := uint32(0)
		if i != 0 {
			size = uint32(i) * 8
		}
		smallLookup[i] = uint8(linearClassFor(size, 1))
	}
}

// linearClassFor scans classes[from:] for the smallest class whose size
// is >= the requested size.
func linearClassFor(size uint32, from int) int {
	for c := from; c < NumClasses; c++ {
		if classes[c].Size >= size {
			return c
		}
	}
	return NumClasses - 1
}

// SizeToClass returns the smallest class whose Size is >= n, or 0 if n
// exceeds MaxSmallSize (the large-allocation sentinel). A request of 0
// bytes still needs a class for callers that round zero up to the
// minimum object size before reaching here; SizeToClass(0) returns
// class 1 (the 8-byte class).
func SizeToClass(n uintptr) int {
	if n == 0 {
		return 1
	}
	if n > MaxSmallSize {
		return 0
	}
	if n <= 1024 {
		return int(smallLookup[(n+7)/8])
	}
	// First class whose size exceeds 1024 is index 25; scanning from
	// there is cheap since only ~20 classes sit above 1024 bytes.
	return linearClassFor(uint32(n), 25)
}

// ClassToSize returns the object size for class c. c must be in
// [0, NumClasses).
func ClassToSize(c int) uintptr {
	return uintptr(classes[c].Size)
}

// ClassInfo returns the full Info for class c.
func ClassInfo(c int) Info {
	return classes[c]
}
