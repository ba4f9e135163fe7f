package cache

// node is one cached entry linked into the recency order.
type node[K comparable, V any] struct {
	key        K
	value      V
	prev, next *node[K, V]
}

// recency orders nodes from most (front) to least (back) recently used.
// Not safe for concurrent use.
type recency[K comparable, V any] struct {
	front, back *node[K, V]
}

func (r *recency[K, V]) pushFront(n *node[K, V]) {
	n.prev, n.next = nil, r.front
	if r.front != nil {
		r.front.prev = n
	}
	r.front = n
	if r.back == nil {
		r.back = n
	}
}

func (r *recency[K, V]) touch(n *node[K, V]) {
	if n == r.front {
		return
	}
	r.unlink(n)
	r.pushFront(n)
}

// popBack unlinks and returns the least recently used node, or nil.
func (r *recency[K, V]) popBack() *node[K, V] {
	n := r.back
	if n != nil {
		r.unlink(n)
	}
	return n
}

func (r *recency[K, V]) unlink(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		r.front = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		r.back = n.prev
	}
	n.prev, n.next = nil, nil
}
