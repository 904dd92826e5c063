// Command cabi exports the allocator across the C ABI, so it can be
// built with -buildmode=c-archive or -buildmode=c-shared and linked
// into a non-Go program. It wraps tcmalloc.Default() and translates
// between C's size_t/void* vocabulary and the Go API.
package main

import "C"

import (
	"unsafe"

	"heapkit.dev/tcmalloc/tcmalloc"
)

// defaultAlign is the alignment used by the C entry points, which
// carry no alignment parameter of their own; 16 covers every scalar
// and SIMD type a C caller is likely to store.
const defaultAlign = 16

//export tcm_alloc
func tcm_alloc(size C.size_t) unsafe.Pointer {
	ptr, err := tcmalloc.Default().Alloc(uintptr(size), defaultAlign)
	if err != nil {
		return nil
	}
	return ptr
}

//export tcm_alloc_zeroed
func tcm_alloc_zeroed(size C.size_t) unsafe.Pointer {
	ptr, err := tcmalloc.Default().AllocZeroed(uintptr(size), defaultAlign)
	if err != nil {
		return nil
	}
	return ptr
}

//export tcm_realloc
func tcm_realloc(ptr unsafe.Pointer, newSize C.size_t) unsafe.Pointer {
	out, err := tcmalloc.Default().Realloc(ptr, uintptr(newSize), defaultAlign)
	if err != nil {
		return nil
	}
	return out
}

//export tcm_dealloc
func tcm_dealloc(ptr unsafe.Pointer) C.int {
	if err := tcmalloc.Default().Dealloc(ptr); err != nil {
		return -1
	}
	return 0
}

func main() {}
