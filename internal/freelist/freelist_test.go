package freelist

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func objects(n int) []unsafe.Pointer {
	buf := make([][8]byte, n)
	out := make([]unsafe.Pointer, n)
	for i := range buf {
		out[i] = unsafe.Pointer(&buf[i])
	}
	return out
}

func TestChainPushPop(t *testing.T) {
	objs := objects(3)
	var c Chain
	for _, o := range objs {
		c.Push(o)
	}
	require.Equal(t, 3, c.Count)

	require.Same(t, objs[2], c.Pop())
	require.Same(t, objs[1], c.Pop())
	require.Same(t, objs[0], c.Pop())
	require.True(t, c.Empty())
	require.Nil(t, c.Pop())
}

func TestChainTakeAndPrepend(t *testing.T) {
	objs := objects(5)
	var c Chain
	for _, o := range objs {
		c.Push(o)
	}

	taken := c.Take(2)
	require.Equal(t, 2, taken.Count)
	require.Equal(t, 3, c.Count)

	c.PrependChain(taken.Head, taken.Count)
	require.Equal(t, 5, c.Count)

	var drained []unsafe.Pointer
	for !c.Empty() {
		drained = append(drained, c.Pop())
	}
	require.ElementsMatch(t, objs, drained)
}

func TestChainTakeMoreThanAvailable(t *testing.T) {
	objs := objects(2)
	var c Chain
	for _, o := range objs {
		c.Push(o)
	}
	taken := c.Take(10)
	require.Equal(t, 2, taken.Count)
	require.True(t, c.Empty())
}
