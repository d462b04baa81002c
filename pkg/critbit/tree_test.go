package critbit

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func collectKeys[V any](t *Tree[V]) []Key {
	var keys []Key
	for k := range t.Keys() {
		keys = append(keys, k)
	}
	return keys
}

func TestTree_Empty(t *testing.T) {
	tr := New[int]()
	_, found := tr.TryGet(Key("a"))
	require.False(t, found)
	require.False(t, tr.Contains(Key("a")))
	require.False(t, tr.TryUpdate(Key("a"), 1))
	_, popped := tr.TryPop(Key("a"))
	require.False(t, popped)
	require.False(t, tr.TryRemove(Key("a")))
	require.Empty(t, collectKeys(tr))
	require.Equal(t, 0, tr.Len())
}

func TestTree_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	tr := New[string]()
	inserted := map[string]string{}

	for len(inserted) < 500 {
		raw := make([]byte, 1+rng.IntN(6))
		for i := range raw {
			raw[i] = byte(rng.IntN(256))
		}
		// trailing zeros collide with shorter keys, keep the
		// generated set free of that ambiguity.
		if raw[len(raw)-1] == 0 {
			raw[len(raw)-1] = 1
		}
		if _, dup := inserted[string(raw)]; dup {
			continue
		}
		val := fmt.Sprintf("v%x", raw)
		require.True(t, tr.TryAdd(Key(raw), val))
		inserted[string(raw)] = val
	}

	require.Equal(t, len(inserted), tr.Len())
	for k, v := range inserted {
		got, found := tr.TryGet(Key(k))
		require.True(t, found, "key %x must be found", k)
		require.Equal(t, v, got)
	}

	keys := collectKeys(tr)
	require.Len(t, keys, len(inserted))
	require.True(t, slices.IsSortedFunc(keys, func(a, b Key) int {
		return bytes.Compare(a, b)
	}), "iteration must be in ascending byte order")
	for i := 1; i < len(keys); i++ {
		require.NotEqual(t, keys[i-1], keys[i])
	}
}

func TestTree_PrefixKeys(t *testing.T) {
	t.Run("short first", func(t *testing.T) {
		tr := New[int]()
		require.True(t, tr.TryAdd(Key{0x01}, 1))
		require.True(t, tr.TryAdd(Key{0x01, 0x02}, 2))

		v, ok := tr.TryGet(Key{0x01})
		require.True(t, ok)
		require.Equal(t, 1, v)
		v, ok = tr.TryGet(Key{0x01, 0x02})
		require.True(t, ok)
		require.Equal(t, 2, v)
		require.Equal(t, []Key{{0x01}, {0x01, 0x02}}, collectKeys(tr))
	})

	t.Run("long first", func(t *testing.T) {
		tr := New[int]()
		require.True(t, tr.TryAdd(Key{0x01, 0x02}, 2))
		require.True(t, tr.TryAdd(Key{0x01}, 1))

		v, ok := tr.TryGet(Key{0x01})
		require.True(t, ok)
		require.Equal(t, 1, v)
		v, ok = tr.TryGet(Key{0x01, 0x02})
		require.True(t, ok)
		require.Equal(t, 2, v)
	})

	t.Run("trailing zero is ambiguous", func(t *testing.T) {
		tr := New[int]()
		require.True(t, tr.TryAdd(Key{0x01}, 1))
		require.False(t, tr.TryAdd(Key{0x01, 0x00}, 2))
		require.False(t, tr.Contains(Key{0x01, 0x00}))
		require.Equal(t, 1, tr.Len())
	})
}

func TestTree_Duplicate(t *testing.T) {
	tr := New[int]()
	keys := []Key{Int32Key(5), Int32Key(-1), Int32Key(1 << 20), Int32Key(0)}
	for i, k := range keys {
		require.True(t, tr.TryAdd(k, i))
	}

	require.False(t, tr.TryAdd(Int32Key(5), 42))
	require.Equal(t, len(keys), tr.Len())
	for i, k := range keys {
		v, ok := tr.TryGet(k)
		require.True(t, ok)
		require.Equal(t, i, v, "duplicate insert must not alter values")
	}
}

func TestTree_Pop(t *testing.T) {
	tr := New[int32]()
	for i := int32(0); i < 64; i++ {
		require.True(t, tr.TryAdd(Int32Key(i*7919), i))
	}

	for i := int32(0); i < 64; i += 3 {
		v, ok := tr.TryPop(Int32Key(i * 7919))
		require.True(t, ok)
		require.Equal(t, i, v)
		require.False(t, tr.Contains(Int32Key(i*7919)))
	}

	for i := int32(0); i < 64; i++ {
		v, ok := tr.TryGet(Int32Key(i * 7919))
		if i%3 == 0 {
			require.False(t, ok)
			continue
		}
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.Equal(t, 64-22, tr.Len())

	t.Run("missing key leaves tree intact", func(t *testing.T) {
		before := collectKeys(tr)
		require.False(t, tr.TryRemove(Int32Key(1)))
		require.Equal(t, before, collectKeys(tr))
	})

	t.Run("down to empty", func(t *testing.T) {
		for _, k := range collectKeys(tr) {
			require.True(t, tr.TryRemove(k))
		}
		require.Equal(t, 0, tr.Len())
		require.True(t, tr.TryAdd(Int32Key(3), 3))
		require.True(t, tr.Contains(Int32Key(3)))
	})
}

func TestTree_Update(t *testing.T) {
	tr := New[string]()
	require.True(t, tr.TryAdd(StringKey("alpha"), "a"))
	require.True(t, tr.TryAdd(StringKey("beta"), "b"))
	before := collectKeys(tr)

	require.True(t, tr.TryUpdate(StringKey("beta"), "B"))
	require.False(t, tr.TryUpdate(StringKey("gamma"), "c"))

	v, _ := tr.TryGet(StringKey("beta"))
	require.Equal(t, "B", v)
	require.Equal(t, before, collectKeys(tr))
}

func TestTree_WalkPrefix(t *testing.T) {
	tr := New[int]()
	names := []string{"echo", "echo-v2", "eval", "relay", "rel"}
	for i, n := range names {
		require.True(t, tr.TryAdd(StringKey(n), i))
	}

	var found []string
	for k := range tr.WalkPrefix(StringKey("ec")) {
		s, err := k.Text()
		require.NoError(t, err)
		found = append(found, s)
	}
	require.Equal(t, []string{"echo", "echo-v2"}, found)

	found = found[:0]
	for k := range tr.WalkPrefix(StringKey("rel")) {
		s, _ := k.Text()
		found = append(found, s)
	}
	require.Equal(t, []string{"rel", "relay"}, found)

	for range tr.WalkPrefix(StringKey("zz")) {
		t.Fatal("no key starts with zz")
	}
}

func TestTree_All(t *testing.T) {
	tr := New[int]()
	names := []string{"relay", "echo", "rel", "eval"}
	for i, n := range names {
		require.True(t, tr.TryAdd(StringKey(n), i))
	}

	var got []string
	for k, v := range tr.All() {
		s, err := k.Text()
		require.NoError(t, err)
		require.Equal(t, names[v], s)
		got = append(got, s)
	}
	require.Equal(t, []string{"echo", "eval", "rel", "relay"}, got)

	seen := 0
	for range tr.All() {
		seen++
		break
	}
	require.Equal(t, 1, seen)

	seen = 0
	for range tr.WalkPrefix(StringKey("e")) {
		seen++
		break
	}
	require.Equal(t, 1, seen)
}

func TestTree_KeyIsCopied(t *testing.T) {
	tr := New[int]()
	raw := []byte{0x10, 0x20}
	require.True(t, tr.TryAdd(Key(raw), 1))
	raw[0] = 0xFF
	require.True(t, tr.Contains(Key{0x10, 0x20}))
}
