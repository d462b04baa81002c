package table

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNamedTable_AddAndResolve(t *testing.T) {
	nt := NewNamed[string](2)

	require.NoError(t, nt.AddReserved(0, "static", "s"))
	key, err := nt.Add("echo", "e")
	require.NoError(t, err)
	require.Equal(t, int32(2), key)

	anon, err := nt.Add("", "anonymous")
	require.NoError(t, err)
	_, named := nt.NameOf(anon)
	require.False(t, named)

	v, k, found := nt.TryGetByName("echo")
	require.True(t, found)
	require.Equal(t, "e", v)
	require.Equal(t, key, k)

	_, err = nt.Add("echo", "other")
	require.ErrorIs(t, err, ErrNameTaken)
	_, err = nt.Add("bad name", "other")
	require.ErrorIs(t, err, ErrNameInvalid)
	require.Equal(t, 3, nt.Len(), "failed adds leave no entry behind")

	require.NoError(t, nt.SetName(anon, "late"))
	late, found := nt.KeyOf("late")
	require.True(t, found)
	require.Equal(t, anon, late)
	require.ErrorIs(t, nt.SetName(99, "ghost"), ErrKeyNotFound)

	require.True(t, nt.Unname("late"))
	require.True(t, nt.Table().Contains(anon))
}

func TestNamedTable_RemoveDropsName(t *testing.T) {
	nt := NewNamed[string](0)
	key, err := nt.Add("echo", "e")
	require.NoError(t, err)

	_, ok := nt.TryPop(key)
	require.True(t, ok)
	_, found := nt.KeyOf("echo")
	require.False(t, found)

	key, err = nt.Add("echo", "again")
	require.NoError(t, err)
	v, ok := nt.TryPopByName("echo")
	require.True(t, ok)
	require.Equal(t, "again", v)
	require.False(t, nt.Table().Contains(key))

	_, ok = nt.TryPopByName("echo")
	require.False(t, ok)
}

func TestNamedTable_Scan(t *testing.T) {
	nt := NewNamed[int](0)
	for i, name := range []string{"peer-a", "peer-b", "svc"} {
		_, err := nt.Add(name, i)
		require.NoError(t, err)
	}

	found, err := nt.Scan("peer-")
	require.NoError(t, err)
	require.Equal(t, []string{"peer-a", "peer-b"}, found)

	_, err = nt.Scan("none")
	require.ErrorIs(t, err, ErrNameNotFound)

	nt.Clear()
	require.Zero(t, nt.Len())
	_, err = nt.Scan("")
	require.ErrorIs(t, err, ErrNameNotFound)
}

func TestNamedTable_ConcurrentNames(t *testing.T) {
	nt := NewNamed[int](0)
	var wg sync.WaitGroup
	var lk sync.Mutex
	winners := 0

	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := nt.Add("contended", i); err == nil {
				lk.Lock()
				winners++
				lk.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners)
	require.Equal(t, 1, nt.Len())
}
