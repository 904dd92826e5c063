//go:build unix

package osmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"heapkit.dev/tcmalloc/sizeclass"
)

// AllocatePages reserves and commits n contiguous pages of anonymous,
// zero-initialized, read-write memory and returns its base address.
// Anonymous mmap pages are demand-zeroed by the kernel, so no explicit
// memset is required to satisfy the zero-initialized contract.
//
// Returns (0, err) if the OS refuses the reservation; callers propagate
// this as an allocation failure (nil/null), never partial state.
func AllocatePages(n uintptr) (uintptr, error) {
	if n == 0 {
		return 0, errors.New("osmem: AllocatePages called with n == 0")
	}
	length := int(n * sizeclass.PageSize)
	b, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errors.Wrap(err, "osmem: mmap failed")
	}
	return sliceBase(b), nil
}

// ReleasePages returns n pages starting at addr to the OS. Best-effort:
// failures are reported but the caller has already forgotten the range
// and cannot meaningfully retry.
func ReleasePages(addr, n uintptr) error {
	b := addrSlice(addr, n*sizeclass.PageSize)
	if err := unix.Munmap(b); err != nil {
		return errors.Wrap(err, "osmem: munmap failed")
	}
	return nil
}
