package central

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestTransferCachePutGetRoundTrip(t *testing.T) {
	tc := NewTransferCache()

	var obj [8]byte
	ok := tc.TryPut(unsafe.Pointer(&obj[0]), 4)
	require.True(t, ok)

	head, count, ok := tc.TryGet()
	require.True(t, ok)
	require.Equal(t, 4, count)
	require.Equal(t, unsafe.Pointer(&obj[0]), head)

	_, _, ok = tc.TryGet()
	require.False(t, ok)
}

func TestTransferCacheFullReturnsFalse(t *testing.T) {
	tc := NewTransferCache()
	var objs [transferCacheSlots + 1][8]byte

	for i := 0; i < transferCacheSlots; i++ {
		require.True(t, tc.TryPut(unsafe.Pointer(&objs[i][0]), 1))
	}
	require.False(t, tc.TryPut(unsafe.Pointer(&objs[transferCacheSlots][0]), 1))
}
