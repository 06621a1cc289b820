package dll

// List is a head reference into a Store. A List is a small value: copy it out of a Store with
// Store.List, mutate it, and store Head back wherever the head is persisted.
type List[T any] struct {
	store *Store[T]
	head  Handle
}

// List returns a list view whose first node is head. head may be Nil for an empty list.
func (s *Store[T]) List(head Handle) List[T] {
	return List[T]{store: s, head: head}
}

func (l *List[T]) Head() Handle {
	return l.head
}

func (l *List[T]) IsEmpty() bool {
	return l.head == Nil
}

// Push makes h the new head of the list
func (l *List[T]) Push(h Handle) {
	n := l.store.node(h)
	n.prev = Nil
	n.next = l.head

	if l.head != Nil {
		l.store.nodes[l.head].prev = h
	}
	l.head = h
}

// Append walks to the tail of the list and links h after it
func (l *List[T]) Append(h Handle) {
	tail := l.Tail()
	if tail == Nil {
		l.store.Init(h)
		l.head = h
		return
	}

	l.store.InsertAfter(tail, h)
}

// Remove unlinks h, moving the head forward when h is the head
func (l *List[T]) Remove(h Handle) {
	if l.head == h {
		l.head = l.store.node(h).next
	}

	l.store.Unlink(h)
}

func (l *List[T]) Tail() Handle {
	if l.head == Nil {
		return Nil
	}

	h := l.head
	for next := l.store.nodes[h].next; next != Nil; next = l.store.nodes[h].next {
		h = next
	}
	return h
}

func (l *List[T]) Len() int {
	count := 0
	for h := l.head; h != Nil; h = l.store.nodes[h].next {
		count++
	}
	return count
}

// Each visits every node from the head forward. The next node is read before the callback runs, so the
// callback may remove the node it was handed. Returning false stops the walk.
func (l *List[T]) Each(fn func(h Handle, value *T) bool) {
	for h := l.head; h != Nil; {
		next := l.store.node(h).next
		if !fn(h, &l.store.nodes[h].value) {
			return
		}
		h = next
	}
}

// Sort orders the list with Store.Sort and updates the head
func (l *List[T]) Sort(cmp Compare[T]) {
	l.head = l.store.Sort(l.head, cmp)
}

// Check verifies the structure of the list, see Store.Check
func (l *List[T]) Check() error {
	return l.store.Check(l.head)
}
