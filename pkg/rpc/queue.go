package rpc

import "sync"

// queue is a FIFO pool of recycled values.
type queue[T any] struct {
	lk    sync.Mutex
	items []T
}

func (q *queue[T]) push(v T) {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.items = append(q.items, v)
}

func (q *queue[T]) pop() (v T, ok bool) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

func (q *queue[T]) len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.items)
}
