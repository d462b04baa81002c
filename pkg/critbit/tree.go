// Package critbit implements a generic critical-bit trie over byte keys.
//
// Every internal node records the first byte index at which the keys of its
// two subtrees differ and a mask whose single unset bit selects the
// differing bit in that byte. Walking the tree left to right yields keys in
// ascending byte-lexicographic order.
//
// Bytes past the end of a key read as 0x00, so a key and the same key
// extended with trailing zero bytes are indistinguishable: the second one
// is rejected by TryAdd.
package critbit

import (
	"bytes"
	"iter"
)

type node[V any] interface {
	isNode()
}

type leaf[V any] struct {
	key Key
	val V
}

type inner[V any] struct {
	child [2]node[V]
	index int
	mask  byte
}

func (*leaf[V]) isNode()  {}
func (*inner[V]) isNode() {}

// Tree is a critical-bit trie. It is not safe for concurrent use, callers
// hold their own lock.
type Tree[V any] struct {
	root node[V]
	size int
}

func New[V any]() *Tree[V] {
	return &Tree[V]{}
}

// Len is used to return the number of elements in the tree
func (t *Tree[V]) Len() int {
	return t.size
}

func byteAt(key Key, i int) byte {
	if i < len(key) {
		return key[i]
	}
	return 0
}

// direction is 1 when the bit left unset in mask is set in b.
func direction(mask, b byte) int {
	return (1 + int(mask|b)) >> 8
}

// closest walks down to the leaf sharing the path key would take.
func (t *Tree[V]) closest(key Key) *leaf[V] {
	n := t.root
	for {
		switch cur := n.(type) {
		case *inner[V]:
			n = cur.child[direction(cur.mask, byteAt(key, cur.index))]
		case *leaf[V]:
			return cur
		default:
			return nil
		}
	}
}

// TryAdd inserts key with val. It returns false, leaving the tree
// untouched, when key is already present.
func (t *Tree[V]) TryAdd(key Key, val V) bool {
	if t.root == nil {
		t.root = &leaf[V]{key: key.Clone(), val: val}
		t.size++
		return true
	}

	match := t.closest(key)

	branch := -1
	for i := range max(len(key), len(match.key)) {
		if byteAt(key, i) != byteAt(match.key, i) {
			branch = i
			break
		}
	}
	if branch < 0 {
		return false
	}

	crit := byteAt(key, branch)
	diff := crit ^ byteAt(match.key, branch)
	diff |= diff >> 1
	diff |= diff >> 2
	diff |= diff >> 4
	mask := (diff &^ (diff >> 1)) ^ 0xFF
	dir := direction(mask, crit)

	slot := &t.root
	for {
		cur, ok := (*slot).(*inner[V])
		if !ok {
			break
		}
		if cur.index > branch || (cur.index == branch && cur.mask > mask) {
			break
		}
		slot = &cur.child[direction(cur.mask, byteAt(key, cur.index))]
	}

	split := &inner[V]{index: branch, mask: mask}
	split.child[dir] = &leaf[V]{key: key.Clone(), val: val}
	split.child[1-dir] = *slot
	*slot = split
	t.size++
	return true
}

// TryGet returns the value stored under key.
func (t *Tree[V]) TryGet(key Key) (val V, found bool) {
	if t.root == nil {
		return
	}
	lf := t.closest(key)
	if !bytes.Equal(lf.key, key) {
		return
	}
	return lf.val, true
}

func (t *Tree[V]) Contains(key Key) bool {
	_, found := t.TryGet(key)
	return found
}

// TryUpdate replaces the value of an existing key. The shape of the tree
// never changes.
func (t *Tree[V]) TryUpdate(key Key, val V) bool {
	if t.root == nil {
		return false
	}
	lf := t.closest(key)
	if !bytes.Equal(lf.key, key) {
		return false
	}
	lf.val = val
	return true
}

// TryPop removes key and returns the value it held.
func (t *Tree[V]) TryPop(key Key) (val V, found bool) {
	if t.root == nil {
		return
	}

	// parentSlot points at the child field (or root) holding the parent of
	// the leaf, which is where the sibling gets promoted.
	var parentSlot *node[V]
	var parent *inner[V]
	var dir int
	slot := &t.root
	for {
		cur, ok := (*slot).(*inner[V])
		if !ok {
			break
		}
		parentSlot, parent = slot, cur
		dir = direction(cur.mask, byteAt(key, cur.index))
		slot = &cur.child[dir]
	}

	lf := (*slot).(*leaf[V])
	if !bytes.Equal(lf.key, key) {
		return
	}

	if parent == nil {
		t.root = nil
	} else {
		*parentSlot = parent.child[1-dir]
	}
	t.size--
	return lf.val, true
}

func (t *Tree[V]) TryRemove(key Key) bool {
	_, removed := t.TryPop(key)
	return removed
}

func (t *Tree[V]) Clear() {
	t.root = nil
	t.size = 0
}

// All walks the tree in ascending key order.
func (t *Tree[V]) All() iter.Seq2[Key, V] {
	return walk[V](t.root)
}

func (t *Tree[V]) Keys() iter.Seq[Key] {
	return func(yield func(Key) bool) {
		for k := range t.All() {
			if !yield(k) {
				return
			}
		}
	}
}

func (t *Tree[V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		for _, v := range t.All() {
			if !yield(v) {
				return
			}
		}
	}
}

// WalkPrefix walks, in ascending order, every entry whose key starts with
// prefix.
func (t *Tree[V]) WalkPrefix(prefix Key) iter.Seq2[Key, V] {
	return func(yield func(Key, V) bool) {
		n := t.root
		top := n
		for n != nil {
			cur, ok := n.(*inner[V])
			if !ok {
				break
			}
			n = cur.child[direction(cur.mask, byteAt(prefix, cur.index))]
			if cur.index < len(prefix) {
				top = n
			}
		}
		lf, ok := n.(*leaf[V])
		if !ok || !bytes.HasPrefix(lf.key, prefix) {
			return
		}
		walk[V](top)(yield)
	}
}

func walk[V any](root node[V]) iter.Seq2[Key, V] {
	return func(yield func(Key, V) bool) {
		if root == nil {
			return
		}
		stack := []node[V]{root}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			switch cur := n.(type) {
			case *leaf[V]:
				if !yield(cur.key, cur.val) {
					return
				}
			case *inner[V]:
				stack = append(stack, cur.child[1], cur.child[0])
			}
		}
	}
}
