package cache

// lruNode is a node in a doubly-linked LRU list. The node stores its key
// for O(1) deletion from the parent map.
type lruNode[K comparable] struct {
	key        K
	prev, next *lruNode[K]
}

// lruList orders keys by recency: head is the most recently used.
// The list is not thread-safe; callers must handle synchronization.
type lruList[K comparable] struct {
	head, tail *lruNode[K]
	len        int
}

func (l *lruList[K]) pushFront(node *lruNode[K]) {
	node.prev = nil
	node.next = l.head
	if l.head != nil {
		l.head.prev = node
	}
	l.head = node
	if l.tail == nil {
		l.tail = node
	}
	l.len++
}

func (l *lruList[K]) moveToFront(node *lruNode[K]) {
	if node == l.head {
		return
	}
	l.unlink(node)
	l.pushFront(node)
}

// removeOldest unlinks and returns the least recently used key.
func (l *lruList[K]) removeOldest() (K, bool) {
	if l.tail == nil {
		var zero K
		return zero, false
	}
	node := l.tail
	l.unlink(node)
	return node.key, true
}

func (l *lruList[K]) unlink(node *lruNode[K]) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		l.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		l.tail = node.prev
	}
	node.prev, node.next = nil, nil
	l.len--
}
