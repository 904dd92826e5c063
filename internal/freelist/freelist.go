// Package freelist implements the intrusive singly-linked free-object
// list primitive shared by spans, the central cache's transfer buffer,
// the transfer cache's batches, and the thread cache's per-class
// lists: a free object borrows the first word of its own storage to
// point at the next free object. The typed view of that memory is
// only re-established once the slot is handed back out by an
// allocation (spec.md §9, "Re-architecting intrusive lists").
package freelist

import "unsafe"

// Next reads the link word of a free object.
func Next(obj unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(obj)
}

// SetNext writes the link word of a free object.
func SetNext(obj, next unsafe.Pointer) {
	*(*unsafe.Pointer)(obj) = next
}

// Tail walks a chain starting at head and returns its last node, or
// nil if head is nil. count must be the chain's length.
func Tail(head unsafe.Pointer, count int) unsafe.Pointer {
	if head == nil {
		return nil
	}
	node := head
	for i := 1; i < count; i++ {
		node = Next(node)
	}
	return node
}

// Chain is a singly-linked batch of free objects with a known length,
// used to move objects between tiers (central bucket, transfer cache,
// thread cache) without threading them back through span free lists.
type Chain struct {
	Head  unsafe.Pointer
	Count int
}

// Push adds a single object to the front of the chain.
func (c *Chain) Push(obj unsafe.Pointer) {
	SetNext(obj, c.Head)
	c.Head = obj
	c.Count++
}

// Pop removes and returns the front object of the chain, or nil if
// empty.
func (c *Chain) Pop() unsafe.Pointer {
	if c.Head == nil {
		return nil
	}
	obj := c.Head
	c.Head = Next(obj)
	c.Count--
	return obj
}

// PrependChain splices an externally-built chain (head/count) onto the
// front of c.
func (c *Chain) PrependChain(head unsafe.Pointer, count int) {
	if head == nil || count == 0 {
		return
	}
	SetNext(Tail(head, count), c.Head)
	c.Head = head
	c.Count += count
}

// Take detaches up to n objects from the front of c and returns them
// as their own chain.
func (c *Chain) Take(n int) Chain {
	var out Chain
	for out.Count < n {
		obj := c.Pop()
		if obj == nil {
			break
		}
		out.Push(obj)
	}
	return out
}

// Empty reports whether the chain has no objects.
func (c *Chain) Empty() bool { return c.Head == nil }
