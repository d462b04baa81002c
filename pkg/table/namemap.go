package table

import (
	"errors"
	"fmt"
	"iter"
	"regexp"

	"github.com/raskyld/tainin/pkg/critbit"
)

const MaxNameLength = 128

var InvalidName = regexp.MustCompile(`[^A-Za-z0-9\-_\.\[\]\(\)<>]+`)

var (
	ErrNameInvalid  = errors.New("table: names must be 1 to 128 chars of alphanum and -_.[]()<>")
	ErrNameTaken    = errors.New("table: name already mapped")
	ErrNameNotFound = errors.New("table: name not mapped")
)

// ValidateName reports whether name can be mapped.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLength || InvalidName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrNameInvalid, name)
	}
	return nil
}

// NameMap is a bijection between names and int32 keys. Both directions are
// always updated together.
//
// NameMap is not safe for concurrent use, NamedTable guards it with the
// same lock as the entries it names.
type NameMap struct {
	byName *critbit.Tree[int32]
	byKey  *critbit.Tree[string]
}

func NewNameMap() *NameMap {
	return &NameMap{
		byName: critbit.New[int32](),
		byKey:  critbit.New[string](),
	}
}

// Set maps name to key. A key already named is renamed. It fails when name
// points to another key.
func (nm *NameMap) Set(name string, key int32) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	nk := critbit.StringKey(name)
	if owner, taken := nm.byName.TryGet(nk); taken {
		if owner == key {
			return nil
		}
		return fmt.Errorf("%w: %q is key %d", ErrNameTaken, name, owner)
	}

	kk := critbit.Int32Key(key)
	if previous, named := nm.byKey.TryGet(kk); named {
		nm.byName.TryRemove(critbit.StringKey(previous))
		nm.byKey.TryUpdate(kk, name)
	} else {
		nm.byKey.TryAdd(kk, name)
	}
	nm.byName.TryAdd(nk, key)
	return nil
}

func (nm *NameMap) KeyOf(name string) (int32, bool) {
	return nm.byName.TryGet(critbit.StringKey(name))
}

func (nm *NameMap) NameOf(key int32) (string, bool) {
	return nm.byKey.TryGet(critbit.Int32Key(key))
}

func (nm *NameMap) RemoveName(name string) (int32, bool) {
	key, found := nm.byName.TryPop(critbit.StringKey(name))
	if !found {
		return 0, false
	}
	nm.byKey.TryRemove(critbit.Int32Key(key))
	return key, true
}

func (nm *NameMap) RemoveKey(key int32) (string, bool) {
	name, found := nm.byKey.TryPop(critbit.Int32Key(key))
	if !found {
		return "", false
	}
	nm.byName.TryRemove(critbit.StringKey(name))
	return name, true
}

func (nm *NameMap) Len() int {
	return nm.byName.Len()
}

func (nm *NameMap) Clear() {
	nm.byName.Clear()
	nm.byKey.Clear()
}

// Scan yields, in name order, every mapping whose name starts with prefix.
func (nm *NameMap) Scan(prefix string) iter.Seq2[string, int32] {
	return func(yield func(string, int32) bool) {
		for k, key := range nm.byName.WalkPrefix(critbit.StringKey(prefix)) {
			name, err := k.Text()
			if err != nil {
				continue
			}
			if !yield(name, key) {
				return
			}
		}
	}
}
