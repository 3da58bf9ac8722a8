package cache

// lruItem is a node of a size-accounted recency list.
type lruItem[V any] struct {
	key  string
	val  V
	size int64
	prev *lruItem[V]
	next *lruItem[V]
}

// lruList orders entries from most (head) to least (tail) recently used.
// It is not safe for concurrent use; tiers guard it with their own mutex.
type lruList[V any] struct {
	items map[string]*lruItem[V]
	head  *lruItem[V]
	tail  *lruItem[V]
	total int64
}

func newLRUList[V any]() *lruList[V] {
	return &lruList[V]{items: map[string]*lruItem[V]{}}
}

func (l *lruList[V]) len() int { return len(l.items) }

func (l *lruList[V]) peek(key string) (*lruItem[V], bool) {
	it, ok := l.items[key]
	return it, ok
}

// touch marks key as just used.
func (l *lruList[V]) touch(it *lruItem[V]) {
	if l.head == it {
		return
	}
	l.unlink(it)
	l.pushFront(it)
}

// set inserts or replaces key as the most recent entry.
func (l *lruList[V]) set(key string, val V, size int64) {
	if it, ok := l.items[key]; ok {
		l.total += size - it.size
		it.val = val
		it.size = size
		l.touch(it)
		return
	}
	it := &lruItem[V]{key: key, val: val, size: size}
	l.items[key] = it
	l.pushFront(it)
	l.total += size
}

// pushBack appends key as the least recent entry. Used when rebuilding a list
// from storage in recency order.
func (l *lruList[V]) pushBack(key string, val V, size int64) {
	it := &lruItem[V]{key: key, val: val, size: size}
	l.items[key] = it
	it.prev = l.tail
	if l.tail != nil {
		l.tail.next = it
	}
	l.tail = it
	if l.head == nil {
		l.head = it
	}
	l.total += size
}

func (l *lruList[V]) remove(key string) (*lruItem[V], bool) {
	it, ok := l.items[key]
	if !ok {
		return nil, false
	}
	l.unlink(it)
	delete(l.items, key)
	l.total -= it.size
	return it, true
}

// oldest returns the least recently used entry, or nil.
func (l *lruList[V]) oldest() *lruItem[V] { return l.tail }

func (l *lruList[V]) keys() []string {
	out := make([]string, 0, len(l.items))
	for it := l.head; it != nil; it = it.next {
		out = append(out, it.key)
	}
	return out
}

func (l *lruList[V]) reset() {
	l.items = map[string]*lruItem[V]{}
	l.head, l.tail = nil, nil
	l.total = 0
}

func (l *lruList[V]) pushFront(it *lruItem[V]) {
	it.prev = nil
	it.next = l.head
	if l.head != nil {
		l.head.prev = it
	}
	l.head = it
	if l.tail == nil {
		l.tail = it
	}
}

func (l *lruList[V]) unlink(it *lruItem[V]) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		l.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		l.tail = it.prev
	}
	it.prev, it.next = nil, nil
}
