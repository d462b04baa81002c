package frame

import (
	"iter"

	"github.com/raskyld/tainin/pkg/critbit"
)

// MultiFrame is one logical message: a set of Frames, called sections,
// keyed by int16.
//
// Non-negative keys carry application payload. Negative keys are reserved
// for protocol metadata, see package protocol.
//
// Sections are ordered by the big-endian encoding of their key, so all
// non-negative sections come first, followed by negative ones from -32768
// up to -1.
type MultiFrame struct {
	sections *critbit.Tree[*Frame]
}

func NewMultiFrame() *MultiFrame {
	return &MultiFrame{sections: critbit.New[*Frame]()}
}

func (mf *MultiFrame) tree() *critbit.Tree[*Frame] {
	if mf.sections == nil {
		mf.sections = critbit.New[*Frame]()
	}
	return mf.sections
}

// TryCreate adds an empty section under key. It fails if key is taken.
func (mf *MultiFrame) TryCreate(key int16) (*Frame, bool) {
	f := New()
	if !mf.tree().TryAdd(critbit.Int16Key(key), f) {
		return nil, false
	}
	return f, true
}

// Set creates or replaces the section under key.
func (mf *MultiFrame) Set(key int16, f *Frame) {
	k := critbit.Int16Key(key)
	if !mf.tree().TryUpdate(k, f) {
		mf.tree().TryAdd(k, f)
	}
}

func (mf *MultiFrame) TryGet(key int16) (*Frame, bool) {
	return mf.tree().TryGet(critbit.Int16Key(key))
}

// GetOrCreate returns the section under key, creating it when missing.
func (mf *MultiFrame) GetOrCreate(key int16) *Frame {
	if f, ok := mf.TryGet(key); ok {
		return f
	}
	f, _ := mf.TryCreate(key)
	return f
}

func (mf *MultiFrame) TryPop(key int16) (*Frame, bool) {
	return mf.tree().TryPop(critbit.Int16Key(key))
}

func (mf *MultiFrame) Contains(key int16) bool {
	return mf.tree().Contains(critbit.Int16Key(key))
}

func (mf *MultiFrame) TryRemove(key int16) bool {
	return mf.tree().TryRemove(critbit.Int16Key(key))
}

func (mf *MultiFrame) Clear() {
	mf.tree().Clear()
}

// Len returns the number of sections.
func (mf *MultiFrame) Len() int {
	return mf.tree().Len()
}

// All yields every section in key order.
func (mf *MultiFrame) All() iter.Seq2[int16, *Frame] {
	return func(yield func(int16, *Frame) bool) {
		for k, f := range mf.tree().All() {
			key, err := k.Int16()
			if err != nil {
				// only Int16Key ever enters the tree.
				panic(err)
			}
			if !yield(key, f) {
				return
			}
		}
	}
}
