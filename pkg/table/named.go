package table

import (
	"fmt"
	"sync"
)

// NamedTable is a Table whose entries may also be addressed by a name.
//
// Names and entries share one lock: a name never points to a removed key
// and a removed key never keeps its name.
type NamedTable[T any] struct {
	lk    sync.Mutex
	t     *Table[T]
	names *NameMap
}

func NewNamed[T any](reservedCount int, opts ...Option[T]) *NamedTable[T] {
	return &NamedTable[T]{
		t:     New(reservedCount, opts...),
		names: NewNameMap(),
	}
}

// Table exposes the underlying Table for reads and unnamed adds. Removing
// entries through it bypasses the name map, use NamedTable.TryPop instead.
func (nt *NamedTable[T]) Table() *Table[T] {
	return nt.t
}

// Add stores v under a fresh key, named when name is not empty.
func (nt *NamedTable[T]) Add(name string, v T) (int32, error) {
	return nt.AddFunc(name, func(int32) (T, error) { return v, nil })
}

// AddFunc is Add for values that embed their key.
func (nt *NamedTable[T]) AddFunc(name string, fn func(key int32) (T, error)) (int32, error) {
	h, err := nt.t.AddHandle()
	if err != nil {
		return 0, err
	}
	return h.Key(), nt.commit(name, h, fn)
}

// AddReserved stores v under the reserved key, named when name is not
// empty.
func (nt *NamedTable[T]) AddReserved(key int32, name string, v T) error {
	h, err := nt.t.ReservedAddHandle(key)
	if err != nil {
		return err
	}
	return nt.commit(name, h, func(int32) (T, error) { return v, nil })
}

func (nt *NamedTable[T]) commit(name string, h *AddHandle[T], fn func(key int32) (T, error)) error {
	if name != "" {
		if err := ValidateName(name); err != nil {
			h.Discard()
			return err
		}
	}

	nt.lk.Lock()
	defer nt.lk.Unlock()
	if name != "" {
		if owner, taken := nt.names.KeyOf(name); taken {
			h.Discard()
			return fmt.Errorf("%w: %q is key %d", ErrNameTaken, name, owner)
		}
	}
	if _, err := h.AddFunc(fn); err != nil {
		return err
	}
	if name != "" {
		// cannot fail, the name was checked under the same lock.
		_ = nt.names.Set(name, h.Key())
	}
	return nil
}

// SetName names, or renames, an existing entry.
func (nt *NamedTable[T]) SetName(key int32, name string) error {
	nt.lk.Lock()
	defer nt.lk.Unlock()
	if !nt.t.Contains(key) {
		return fmt.Errorf("%w: %d", ErrKeyNotFound, key)
	}
	return nt.names.Set(name, key)
}

// Unname drops the name of an entry, keeping the entry.
func (nt *NamedTable[T]) Unname(name string) bool {
	nt.lk.Lock()
	defer nt.lk.Unlock()
	_, found := nt.names.RemoveName(name)
	return found
}

func (nt *NamedTable[T]) TryGet(key int32) (T, bool) {
	return nt.t.TryGet(key)
}

// TryGetByName resolves name and returns its entry along with its key.
func (nt *NamedTable[T]) TryGetByName(name string) (v T, key int32, found bool) {
	nt.lk.Lock()
	defer nt.lk.Unlock()
	key, found = nt.names.KeyOf(name)
	if !found {
		return
	}
	v, found = nt.t.TryGet(key)
	return
}

func (nt *NamedTable[T]) KeyOf(name string) (int32, bool) {
	nt.lk.Lock()
	defer nt.lk.Unlock()
	return nt.names.KeyOf(name)
}

func (nt *NamedTable[T]) NameOf(key int32) (string, bool) {
	nt.lk.Lock()
	defer nt.lk.Unlock()
	return nt.names.NameOf(key)
}

// TryPop removes the entry under key and its name.
func (nt *NamedTable[T]) TryPop(key int32) (T, bool) {
	nt.lk.Lock()
	defer nt.lk.Unlock()
	nt.names.RemoveKey(key)
	return nt.t.TryPop(key)
}

// TryPopByName removes the entry name points to.
func (nt *NamedTable[T]) TryPopByName(name string) (v T, found bool) {
	nt.lk.Lock()
	defer nt.lk.Unlock()
	key, found := nt.names.RemoveName(name)
	if !found {
		return
	}
	return nt.t.TryPop(key)
}

func (nt *NamedTable[T]) Clear() {
	nt.lk.Lock()
	defer nt.lk.Unlock()
	nt.names.Clear()
	nt.t.Clear()
}

func (nt *NamedTable[T]) Len() int {
	return nt.t.Len()
}

// Scan returns the names starting with prefix. It fails with
// ErrNameNotFound when none does.
func (nt *NamedTable[T]) Scan(prefix string) (found []string, err error) {
	nt.lk.Lock()
	defer nt.lk.Unlock()
	for name := range nt.names.Scan(prefix) {
		found = append(found, name)
	}
	if len(found) == 0 {
		err = fmt.Errorf("%w: prefix %q", ErrNameNotFound, prefix)
	}
	return
}
