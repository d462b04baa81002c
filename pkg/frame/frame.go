// Package frame holds the message model exchanged between nodes: a Frame
// is an ordered list of byte buffers, a MultiFrame is a set of Frames keyed
// by small integers, and chunks are the flat wire vocabulary both are
// serialized to.
package frame

import (
	"errors"
	"fmt"
	"iter"
)

var (
	ErrIndexOutOfRange = errors.New("frame: index out of range")
)

type link struct {
	prev, next *link
	data       []byte
}

// Frame is a doubly linked list of byte buffers bounded by two guard
// links which never carry data.
//
// Indices follow Go slice conventions extended to the tail: 0 is the first
// buffer and -1 the last one. Buffers are not copied, callers must not
// mutate a buffer once it is handed to a Frame.
//
// The zero value is an empty Frame. A Frame must not be copied after first
// use and is not safe for concurrent use.
type Frame struct {
	head, tail link
	length     int
}

// New returns a Frame holding buffers in order.
func New(buffers ...[]byte) *Frame {
	f := &Frame{}
	f.init()
	for _, buf := range buffers {
		f.insertAfter(f.tail.prev, buf)
	}
	return f
}

func (f *Frame) init() {
	f.head.next = &f.tail
	f.tail.prev = &f.head
	f.head.prev = nil
	f.tail.next = nil
	f.length = 0
}

func (f *Frame) lazyInit() {
	if f.head.next == nil {
		f.init()
	}
}

func (f *Frame) Len() int {
	return f.length
}

func (f *Frame) IsEmpty() bool {
	return f.length == 0
}

// find returns the link holding the buffer at index.
func (f *Frame) find(index int) (*link, error) {
	f.lazyInit()
	if index >= f.length || index < -f.length {
		return nil, fmt.Errorf("%w: %d (length %d)", ErrIndexOutOfRange, index, f.length)
	}
	cur := &f.head
	steps := index + 1
	forward := true
	if index < 0 {
		cur = &f.tail
		steps = -index
		forward = false
	}

	for range steps {
		if forward {
			cur = cur.next
		} else {
			cur = cur.prev
		}
		if cur == &f.head || cur == &f.tail {
			return nil, fmt.Errorf("%w: %d (length %d)", ErrIndexOutOfRange, index, f.length)
		}
	}
	return cur, nil
}

// insertPosition returns the link after which a buffer must be inserted so
// it ends up at index.
func (f *Frame) insertPosition(index int) (*link, error) {
	f.lazyInit()
	if index > f.length || index < -(f.length+1) {
		return nil, fmt.Errorf("%w: insert at %d (length %d)", ErrIndexOutOfRange, index, f.length)
	}
	if index >= 0 {
		prev := &f.head
		for range index {
			prev = prev.next
			if prev == &f.tail {
				return nil, fmt.Errorf("%w: insert at %d (length %d)", ErrIndexOutOfRange, index, f.length)
			}
		}
		return prev, nil
	}

	prev := &f.tail
	for range -index {
		prev = prev.prev
		if prev == nil {
			return nil, fmt.Errorf("%w: insert at %d (length %d)", ErrIndexOutOfRange, index, f.length)
		}
	}
	return prev, nil
}

func (f *Frame) insertAfter(prev *link, data []byte) {
	l := &link{prev: prev, next: prev.next, data: data}
	prev.next.prev = l
	prev.next = l
	f.length++
}

func (f *Frame) unlink(l *link) {
	l.prev.next = l.next
	l.next.prev = l.prev
	l.prev, l.next = nil, nil
	f.length--
}

// Insert places data so that it can then be found at index. Insert(data, 0)
// prepends and Insert(data, -1) appends.
func (f *Frame) Insert(data []byte, index int) error {
	prev, err := f.insertPosition(index)
	if err != nil {
		return err
	}
	f.insertAfter(prev, data)
	return nil
}

func (f *Frame) Append(data []byte) {
	f.lazyInit()
	f.insertAfter(f.tail.prev, data)
}

func (f *Frame) Prepend(data []byte) {
	f.lazyInit()
	f.insertAfter(&f.head, data)
}

func (f *Frame) Get(index int) ([]byte, error) {
	l, err := f.find(index)
	if err != nil {
		return nil, err
	}
	return l.data, nil
}

// Pop removes and returns the buffer at index.
func (f *Frame) Pop(index int) ([]byte, error) {
	l, err := f.find(index)
	if err != nil {
		return nil, err
	}
	data := l.data
	f.unlink(l)
	return data, nil
}

// Swap replaces the buffer at index and returns the previous one.
func (f *Frame) Swap(index int, data []byte) ([]byte, error) {
	l, err := f.find(index)
	if err != nil {
		return nil, err
	}
	old := l.data
	l.data = data
	return old, nil
}

func (f *Frame) Remove(index int) error {
	_, err := f.Pop(index)
	return err
}

// Rotate moves the first buffer to the end and returns it.
func (f *Frame) Rotate() ([]byte, error) {
	l, err := f.find(0)
	if err != nil {
		return nil, err
	}
	f.unlink(l)
	f.insertAfter(f.tail.prev, l.data)
	return l.data, nil
}

func (f *Frame) Clear() {
	f.init()
}

// Splice moves every buffer of src into f so that the first moved buffer
// sits at index. src is left empty.
func (f *Frame) Splice(src *Frame, index int) error {
	if src == f {
		return fmt.Errorf("%w: cannot splice a frame into itself", ErrIndexOutOfRange)
	}
	prev, err := f.insertPosition(index)
	if err != nil {
		return err
	}
	src.lazyInit()
	if src.length == 0 {
		return nil
	}

	first, last := src.head.next, src.tail.prev
	next := prev.next
	prev.next, first.prev = first, prev
	last.next, next.prev = next, last
	f.length += src.length
	src.init()
	return nil
}

// All yields buffers from head to tail.
func (f *Frame) All() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		f.lazyInit()
		for cur := f.head.next; cur != &f.tail; cur = cur.next {
			if !yield(cur.data) {
				return
			}
		}
	}
}

// Buffers returns a snapshot of the buffers in order.
func (f *Frame) Buffers() [][]byte {
	out := make([][]byte, 0, f.length)
	for buf := range f.All() {
		out = append(out, buf)
	}
	return out
}
