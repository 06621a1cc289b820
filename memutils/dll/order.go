package dll

import "fmt"

// Compare orders two host values. It returns a negative number when left must be placed before right.
// Returning zero or a positive number places right first.
type Compare[T any] func(left, right *T) int

// InsertOrdered inserts h into the priority queue that starts after sentinel. The sentinel carries no data
// and is never compared. h is placed before the first node it must precede according to cmp, or at the
// tail when there is no such node, so a queue built only with InsertOrdered always has its highest
// priority node directly after the sentinel.
func (s *Store[T]) InsertOrdered(sentinel Handle, h Handle, cmp Compare[T]) {
	root := s.node(sentinel)
	if root.next == Nil && root.prev != Nil {
		panic(fmt.Sprintf("dll: priority queue sentinel %d has no next node but has previous node %d", sentinel, root.prev))
	}

	value := &s.node(h).value
	anchor := sentinel
	for n := root.next; n != Nil; n = s.nodes[n].next {
		if cmp(value, &s.nodes[n].value) < 0 {
			break
		}
		anchor = n
	}

	s.InsertAfter(anchor, h)
}

// Sort merge sorts the list that starts at head and returns the new head. The list is split around its
// middle node, found with a slow/fast walk, and the sorted halves are merged with cmp.
func (s *Store[T]) Sort(head Handle, cmp Compare[T]) Handle {
	if head == Nil || s.node(head).next == Nil {
		return head
	}

	second := s.split(head)
	return s.merge(s.Sort(head, cmp), s.Sort(second, cmp), cmp)
}

func (s *Store[T]) split(head Handle) Handle {
	slow, fast := head, head
	for {
		next := s.nodes[fast].next
		if next == Nil || s.nodes[next].next == Nil {
			break
		}
		slow = s.nodes[slow].next
		fast = s.nodes[next].next
	}

	second := s.nodes[slow].next
	s.nodes[slow].next = Nil
	s.nodes[second].prev = Nil
	return second
}

func (s *Store[T]) merge(left, right Handle, cmp Compare[T]) Handle {
	var head, tail Handle

	for left != Nil && right != Nil {
		var pick Handle
		if cmp(&s.nodes[left].value, &s.nodes[right].value) < 0 {
			pick = left
			left = s.nodes[left].next
		} else {
			pick = right
			right = s.nodes[right].next
		}

		s.nodes[pick].prev = tail
		s.nodes[pick].next = Nil
		if tail == Nil {
			head = pick
		} else {
			s.nodes[tail].next = pick
		}
		tail = pick
	}

	rest := left
	if rest == Nil {
		rest = right
	}
	if rest != Nil {
		s.nodes[rest].prev = tail
		if tail == Nil {
			head = rest
		} else {
			s.nodes[tail].next = rest
		}
	}

	return head
}
