package pipeline

// queue is a FIFO of pending recognition handles. It is not synchronised;
// the pipeline guards it with its own mutex.
type queue[T any] struct {
	items []T
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{items: []T{}}
}

func (q *queue[T]) Enqueue(item T) {
	q.items = append(q.items, item)
}

// Dequeue removes and returns the front element. ok is false when empty.
func (q *queue[T]) Dequeue() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (q *queue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

func (q *queue[T]) Len() int {
	return len(q.items)
}
