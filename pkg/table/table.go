// Package table provides the int32-keyed stores every router of a node is
// built on.
//
// Keys below the reserved count of a Table are never handed out
// automatically: each of them can be claimed once, and freed again when its
// entry is removed. Keys at or above it come from an atomic counter.
//
// Adding goes through an AddHandle so a caller learns the key before the
// value exists, which lets values embed their own key.
package table

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"
	"sync/atomic"

	"github.com/raskyld/tainin/pkg/critbit"
)

var (
	ErrReservationTaken = errors.New("table: reserved key already claimed")
	ErrNotReserved      = errors.New("table: key is outside the reserved range")
	ErrIDOverflow       = errors.New("table: key space exhausted")
	ErrHandleCommitted  = errors.New("table: add handle already used")
	ErrKeyNotFound      = errors.New("table: key not found")
)

// Hook is invoked with the table lock held. It must not call back into the
// table it is registered on.
type Hook[T any] func(key int32, v T)

type Option[T any] func(*Table[T])

// WithOnAdded runs fn after every committed add.
func WithOnAdded[T any](fn Hook[T]) Option[T] {
	return func(t *Table[T]) {
		t.onAdded = fn
	}
}

// WithOnRemoved runs fn for every entry leaving the table, including
// through Clear.
func WithOnRemoved[T any](fn Hook[T]) Option[T] {
	return func(t *Table[T]) {
		t.onRemoved = fn
	}
}

// Table stores values of type T under int32 keys. It is safe for concurrent
// use.
type Table[T any] struct {
	lk       sync.Mutex
	entries  *critbit.Tree[T]
	claimed  []bool
	next     atomic.Int64
	reserved int32

	onAdded   Hook[T]
	onRemoved Hook[T]
}

// New returns a Table keeping keys [0, reservedCount) for explicit claims.
func New[T any](reservedCount int, opts ...Option[T]) *Table[T] {
	if reservedCount < 0 {
		reservedCount = 0
	}
	t := &Table[T]{
		entries:  critbit.New[T](),
		claimed:  make([]bool, reservedCount),
		reserved: int32(reservedCount),
	}
	t.next.Store(int64(reservedCount))
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ReservedCount is the size of the reserved key range.
func (t *Table[T]) ReservedCount() int {
	return int(t.reserved)
}

// AddHandle allocates a fresh key.
func (t *Table[T]) AddHandle() (*AddHandle[T], error) {
	id := t.next.Add(1) - 1
	if id > math.MaxInt32 {
		return nil, ErrIDOverflow
	}
	return &AddHandle[T]{t: t, key: int32(id)}, nil
}

// ReservedAddHandle claims key, which must be in the reserved range and not
// already claimed.
func (t *Table[T]) ReservedAddHandle(key int32) (*AddHandle[T], error) {
	if key < 0 || key >= t.reserved {
		return nil, fmt.Errorf("%w: %d (reserved %d)", ErrNotReserved, key, t.reserved)
	}

	t.lk.Lock()
	defer t.lk.Unlock()
	if t.claimed[key] {
		return nil, fmt.Errorf("%w: %d", ErrReservationTaken, key)
	}
	t.claimed[key] = true
	return &AddHandle[T]{t: t, key: key, reserved: true}, nil
}

func (t *Table[T]) commit(key int32, v T) error {
	t.lk.Lock()
	defer t.lk.Unlock()
	if !t.entries.TryAdd(critbit.Int32Key(key), v) {
		// only possible when Clear freed a claim another handle took since.
		return fmt.Errorf("%w: %d", ErrReservationTaken, key)
	}
	if t.onAdded != nil {
		t.onAdded(key, v)
	}
	return nil
}

func (t *Table[T]) release(key int32) {
	t.lk.Lock()
	defer t.lk.Unlock()
	t.claimed[key] = false
}

func (t *Table[T]) TryGet(key int32) (v T, found bool) {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.entries.TryGet(critbit.Int32Key(key))
}

func (t *Table[T]) Contains(key int32) bool {
	_, found := t.TryGet(key)
	return found
}

// TryPop removes key, freeing its reservation when it is a reserved key.
func (t *Table[T]) TryPop(key int32) (v T, found bool) {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.pop(key)
}

func (t *Table[T]) pop(key int32) (v T, found bool) {
	v, found = t.entries.TryPop(critbit.Int32Key(key))
	if !found {
		return
	}
	if key >= 0 && key < t.reserved {
		t.claimed[key] = false
	}
	if t.onRemoved != nil {
		t.onRemoved(key, v)
	}
	return v, true
}

func (t *Table[T]) TryRemove(key int32) bool {
	_, found := t.TryPop(key)
	return found
}

// Clear removes every entry and frees every reservation, including the
// ones held by handles not yet committed.
func (t *Table[T]) Clear() {
	t.lk.Lock()
	defer t.lk.Unlock()
	t.clear()
}

func (t *Table[T]) clear() {
	if t.onRemoved != nil {
		for k, v := range t.entries.All() {
			key, _ := k.Int32()
			t.onRemoved(key, v)
		}
	}
	t.entries.Clear()
	clear(t.claimed)
}

func (t *Table[T]) Len() int {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.entries.Len()
}

// All yields a snapshot of the entries in ascending key order. The lock is
// not held while yielding.
func (t *Table[T]) All() iter.Seq2[int32, T] {
	t.lk.Lock()
	keys := make([]int32, 0, t.entries.Len())
	vals := make([]T, 0, t.entries.Len())
	for k, v := range t.entries.All() {
		key, _ := k.Int32()
		keys = append(keys, key)
		vals = append(vals, v)
	}
	t.lk.Unlock()

	return func(yield func(int32, T) bool) {
		for i := range keys {
			if !yield(keys[i], vals[i]) {
				return
			}
		}
	}
}

// AddHandle commits exactly one value under the key it was created with.
type AddHandle[T any] struct {
	t        *Table[T]
	key      int32
	reserved bool
	used     atomic.Bool
}

func (h *AddHandle[T]) Key() int32 {
	return h.key
}

// Add commits v. A second commit fails with ErrHandleCommitted.
func (h *AddHandle[T]) Add(v T) error {
	if !h.used.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: key %d", ErrHandleCommitted, h.key)
	}
	return h.t.commit(h.key, v)
}

// AddFunc builds the value from the key, then commits it. When fn fails the
// handle is consumed and a reservation is freed.
func (h *AddHandle[T]) AddFunc(fn func(key int32) (T, error)) (v T, err error) {
	if !h.used.CompareAndSwap(false, true) {
		return v, fmt.Errorf("%w: key %d", ErrHandleCommitted, h.key)
	}
	v, err = fn(h.key)
	if err != nil {
		if h.reserved {
			h.t.release(h.key)
		}
		return v, err
	}
	return v, h.t.commit(h.key, v)
}

// Discard gives up the handle without committing. A reserved key becomes
// claimable again. It is a no-op on a used handle.
func (h *AddHandle[T]) Discard() {
	if !h.used.CompareAndSwap(false, true) {
		return
	}
	if h.reserved {
		h.t.release(h.key)
	}
}

// Add stores transform(key, in) under a fresh key of t.
func Add[In, T any](t *Table[T], in In, transform func(key int32, in In) (T, error)) (int32, error) {
	h, err := t.AddHandle()
	if err != nil {
		return 0, err
	}
	_, err = h.AddFunc(func(key int32) (T, error) {
		return transform(key, in)
	})
	return h.Key(), err
}

// AddReserved stores transform(key, in) under the reserved key.
func AddReserved[In, T any](t *Table[T], key int32, in In, transform func(key int32, in In) (T, error)) error {
	h, err := t.ReservedAddHandle(key)
	if err != nil {
		return err
	}
	_, err = h.AddFunc(func(key int32) (T, error) {
		return transform(key, in)
	})
	return err
}

// Identity is the transform storing its input unchanged.
func Identity[T any](_ int32, v T) (T, error) {
	return v, nil
}
