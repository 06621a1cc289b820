package dll

import (
	"fmt"

	"github.com/pkg/errors"
)

// Handle identifies a single node inside a Store. The zero Handle, Nil, never refers to a node, so
// it can be used as the "no link" value in node links and in list heads.
type Handle uint32

const Nil Handle = 0

type node[T any] struct {
	prev  Handle
	next  Handle
	live  bool
	value T
}

// Store is the backing storage for any number of doubly-linked lists whose nodes carry a value of type T.
// Each node is owned by its host value: the host is recovered from a node handle in constant time with
// Value, which replaces the pointer arithmetic an embedded C list node would need. A node belongs to at
// most one list at a time.
//
// Store is not safe for concurrent use.
type Store[T any] struct {
	nodes []node[T]
	free  []Handle
	count int
}

// NewStore creates a Store with room for capacity nodes before the backing slice needs to grow
func NewStore[T any](capacity int) *Store[T] {
	return &Store[T]{
		nodes: make([]node[T], 1, capacity+1),
	}
}

func (s *Store[T]) node(h Handle) *node[T] {
	if h == Nil || int(h) >= len(s.nodes) || !s.nodes[h].live {
		panic(fmt.Sprintf("dll: invalid node handle %d", h))
	}

	return &s.nodes[h]
}

// Alloc creates a new, unlinked node carrying value and returns its handle. Handles of released nodes
// are reused.
func (s *Store[T]) Alloc(value T) Handle {
	var h Handle
	if n := len(s.free); n > 0 {
		h = s.free[n-1]
		s.free = s.free[:n-1]
		s.nodes[h] = node[T]{live: true, value: value}
	} else {
		h = Handle(len(s.nodes))
		s.nodes = append(s.nodes, node[T]{live: true, value: value})
	}

	s.count++
	return h
}

// Release returns a node to the store. The node must already be unlinked from any list.
func (s *Store[T]) Release(h Handle) {
	n := s.node(h)
	if n.prev != Nil || n.next != Nil {
		panic(fmt.Sprintf("dll: node %d is released while still linked", h))
	}

	*n = node[T]{}
	s.free = append(s.free, h)
	s.count--
}

// Live reports whether h currently refers to an allocated node
func (s *Store[T]) Live(h Handle) bool {
	return h != Nil && int(h) < len(s.nodes) && s.nodes[h].live
}

// Len returns the number of allocated nodes across every list in the store
func (s *Store[T]) Len() int {
	return s.count
}

// Value returns a pointer to the host value of a node. The pointer is invalidated by the next call to Alloc.
func (s *Store[T]) Value(h Handle) *T {
	return &s.node(h).value
}

func (s *Store[T]) Next(h Handle) Handle {
	return s.node(h).next
}

func (s *Store[T]) Prev(h Handle) Handle {
	return s.node(h).prev
}

// Init clears both links of a node
func (s *Store[T]) Init(h Handle) {
	n := s.node(h)
	n.prev = Nil
	n.next = Nil
}

// InsertAfter links h directly after anchor
func (s *Store[T]) InsertAfter(anchor Handle, h Handle) {
	a := s.node(anchor)
	n := s.node(h)

	n.prev = anchor
	n.next = a.next
	if a.next != Nil {
		s.nodes[a.next].prev = h
	}
	a.next = h
}

// InsertBefore links h directly before anchor. It must not be used when anchor is the head of a list,
// since the list's head reference would not be updated. Use List.Push instead.
func (s *Store[T]) InsertBefore(anchor Handle, h Handle) {
	a := s.node(anchor)
	n := s.node(h)

	n.next = anchor
	n.prev = a.prev
	if a.prev != Nil {
		s.nodes[a.prev].next = h
	}
	a.prev = h
}

// Unlink detaches h from its neighbours and clears its links. It does not know about any list head: if
// h may be a head, use List.Remove.
func (s *Store[T]) Unlink(h Handle) {
	n := s.node(h)

	if n.prev != Nil {
		s.nodes[n.prev].next = n.next
	}
	if n.next != Nil {
		s.nodes[n.next].prev = n.prev
	}

	n.prev = Nil
	n.next = Nil
}

// EachBackward visits h and every node before it, walking prev links. The previous node is read before
// the callback runs, so the callback may unlink the node it was handed. Returning false stops the walk.
func (s *Store[T]) EachBackward(h Handle, fn func(h Handle, value *T) bool) {
	for h != Nil {
		prev := s.node(h).prev
		if !fn(h, &s.nodes[h].value) {
			return
		}
		h = prev
	}
}

// Check walks the list starting at head and verifies that it is well formed: head has no previous node,
// every next link is mirrored by a prev link, and the walk terminates.
func (s *Store[T]) Check(head Handle) error {
	if head == Nil {
		return nil
	}
	if !s.Live(head) {
		return errors.Errorf("list head %d is not a live node", head)
	}
	if s.nodes[head].prev != Nil {
		return errors.Errorf("list head %d has previous node %d", head, s.nodes[head].prev)
	}

	visited := 0
	for h := head; h != Nil; h = s.nodes[h].next {
		visited++
		if visited > s.count {
			return errors.Errorf("list starting at %d does not terminate", head)
		}

		next := s.nodes[h].next
		if next == Nil {
			continue
		}
		if !s.Live(next) {
			return errors.Errorf("node %d links to node %d, which is not live", h, next)
		}
		if s.nodes[next].prev != h {
			return errors.Errorf("node %d lists node %d as its next node, but the reverse reference is broken", h, next)
		}
	}

	return nil
}
