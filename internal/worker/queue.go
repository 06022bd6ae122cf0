package worker

import "sync"

// Keyed is an item with a deduplication key.
type Keyed[K comparable] interface {
	QueueKey() K
}

// Queue is a FIFO of pending work items. Adding an item whose key is
// already queued is a no-op; the first writer wins. Poll never blocks.
//
// Items carry no ordering weight: any priority they hold is for callers
// deciding whether to enqueue at all.
type Queue[K comparable, T Keyed[K]] struct {
	mu    sync.Mutex
	items []T
	keys  map[K]struct{}
}

// NewQueue creates an empty queue.
func NewQueue[K comparable, T Keyed[K]]() *Queue[K, T] {
	return &Queue[K, T]{keys: make(map[K]struct{})}
}

// Add appends item unless an item with the same key is queued. It reports
// whether item was added.
func (q *Queue[K, T]) Add(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := item.QueueKey()
	if _, ok := q.keys[k]; ok {
		return false
	}
	q.keys[k] = struct{}{}
	q.items = append(q.items, item)
	return true
}

// Poll removes and returns the head of the queue. ok is false when the
// queue is empty.
func (q *Queue[K, T]) Poll() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item, false
	}
	item = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	delete(q.keys, item.QueueKey())
	return item, true
}

// Size returns the number of queued items.
func (q *Queue[K, T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
