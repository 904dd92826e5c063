package span

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"heapkit.dev/tcmalloc/sizeclass"
)

// backingPages simulates the page-provider memory a real span would
// get from osmem, since span tests must not depend on mmap.
func backingPages(n uintptr) uintptr {
	buf := make([]byte, n*sizeclass.PageSize+sizeclass.PageSize)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (addr + sizeclass.PageSize - 1) &^ (sizeclass.PageSize - 1)
	return aligned
}

func TestCarveAndFreeListRoundTrip(t *testing.T) {
	class := sizeclass.SizeToClass(32)
	info := sizeclass.ClassInfo(class)

	base := backingPages(uintptr(info.Pages))
	s := New(base>>sizeclass.PageShift, uintptr(info.Pages))
	s.Carve(class)

	n := s.Capacity()
	require.Equal(t, info.ObjectsPerSpan(), n)
	require.Equal(t, n, s.FreeCount())
	require.True(t, s.Empty())

	seen := make(map[unsafe.Pointer]bool)
	var objs []unsafe.Pointer
	for i := 0; i < n; i++ {
		obj := s.PopFree()
		require.NotNil(t, obj)
		require.False(t, seen[obj], "object handed out twice")
		seen[obj] = true
		objs = append(objs, obj)
	}
	require.True(t, s.Full())
	require.Nil(t, s.PopFree())

	for _, obj := range objs {
		s.PushFree(obj)
	}
	require.True(t, s.Empty())
}

func TestSpanOwns(t *testing.T) {
	s := New(10, 2)
	require.True(t, s.Owns(s.Base()))
	require.True(t, s.Owns(s.Limit()-1))
	require.False(t, s.Owns(s.Limit()))
	require.False(t, s.Owns(s.Base()-1))
}

func TestListPushPopOrder(t *testing.T) {
	var l List
	a, b, c := New(0, 1), New(1, 1), New(2, 1)
	l.PushFront(a)
	l.PushFront(b)
	l.PushFront(c)
	require.Equal(t, 3, l.Len())

	require.Same(t, c, l.PopFront())
	require.Same(t, b, l.PopFront())
	require.Same(t, a, l.PopFront())
	require.True(t, l.Empty())
}

func TestListRemoveMiddle(t *testing.T) {
	var l List
	a, b, c := New(0, 1), New(1, 1), New(2, 1)
	l.PushFront(a)
	l.PushFront(b)
	l.PushFront(c)

	l.Remove(b)
	require.Equal(t, 2, l.Len())

	var order []*Span
	l.Each(func(s *Span) { order = append(order, s) })
	require.Equal(t, []*Span{c, a}, order)
}
