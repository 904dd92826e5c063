//go:build unix

package osmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"heapkit.dev/tcmalloc/sizeclass"
)

func TestAllocatePagesReturnsZeroedWritableMemory(t *testing.T) {
	addr, err := AllocatePages(4)
	require.NoError(t, err)
	require.NotZero(t, addr)
	require.Zero(t, addr%sizeclass.PageSize, "base must be page-aligned")

	b := addrSlice(addr, 4*sizeclass.PageSize)
	for i, v := range b {
		require.Zerof(t, v, "byte %d not zero", i)
	}
	for i := range b {
		b[i] = 0xAA
	}
	require.NoError(t, ReleasePages(addr, 4))
}

func TestAllocatePagesRejectsZero(t *testing.T) {
	_, err := AllocatePages(0)
	require.Error(t, err)
}
