package table

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	for _, name := range []string{"echo", "node-1", "svc_a", "v1.2", "[x](y)<z>"} {
		require.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "with space", "slash/", "é", strings.Repeat("a", MaxNameLength+1)} {
		require.ErrorIs(t, ValidateName(name), ErrNameInvalid, name)
	}
	require.NoError(t, ValidateName(strings.Repeat("a", MaxNameLength)))
}

func TestNameMap_Bijection(t *testing.T) {
	nm := NewNameMap()
	require.NoError(t, nm.Set("echo", 10))
	require.NoError(t, nm.Set("echo", 10), "idempotent")
	require.ErrorIs(t, nm.Set("echo", 11), ErrNameTaken)

	// Renaming a key frees its old name.
	require.NoError(t, nm.Set("echo-v2", 10))
	_, found := nm.KeyOf("echo")
	require.False(t, found)
	name, found := nm.NameOf(10)
	require.True(t, found)
	require.Equal(t, "echo-v2", name)
	require.Equal(t, 1, nm.Len())

	require.NoError(t, nm.Set("relay", 12))
	key, found := nm.RemoveName("relay")
	require.True(t, found)
	require.Equal(t, int32(12), key)
	_, found = nm.NameOf(12)
	require.False(t, found)

	name, found = nm.RemoveKey(10)
	require.True(t, found)
	require.Equal(t, "echo-v2", name)
	_, found = nm.KeyOf("echo-v2")
	require.False(t, found)
	require.Zero(t, nm.Len())
}

func TestNameMap_Scan(t *testing.T) {
	nm := NewNameMap()
	for i, name := range []string{"echo", "eval", "echo-v2", "relay"} {
		require.NoError(t, nm.Set(name, int32(i)))
	}

	var names []string
	for name := range nm.Scan("ec") {
		names = append(names, name)
	}
	require.Equal(t, []string{"echo", "echo-v2"}, names)

	names = nil
	for name := range nm.Scan("") {
		names = append(names, name)
	}
	require.Equal(t, []string{"echo", "echo-v2", "eval", "relay"}, names)

	for range nm.Scan("zz") {
		t.Fatal("no name starts with zz")
	}
}
