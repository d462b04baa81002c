package critbit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKey_FixedWidth(t *testing.T) {
	require.Equal(t, Key{0xFF, 0xFF}, Int16Key(-1))
	require.Equal(t, Key{0x00, 0x00, 0x00, 0x05}, Int32Key(5))
	require.Equal(t, Key{0x80, 0, 0, 0, 0, 0, 0, 0}, Int64Key(math.MinInt64))
	require.Equal(t, Key{0x2A}, ByteKey(42))

	v16, err := Int16Key(-3).Int16()
	require.NoError(t, err)
	require.Equal(t, int16(-3), v16)

	v32, err := Int32Key(math.MaxInt32).Int32()
	require.NoError(t, err)
	require.Equal(t, int32(math.MaxInt32), v32)

	v64, err := Int64Key(-77).Int64()
	require.NoError(t, err)
	require.Equal(t, int64(-77), v64)

	b, err := ByteKey(9).Byte()
	require.NoError(t, err)
	require.Equal(t, byte(9), b)

	_, err = Int16Key(1).Int32()
	require.ErrorIs(t, err, ErrKeyWidth)
	_, err = Key{}.Byte()
	require.ErrorIs(t, err, ErrKeyWidth)
}

func TestKey_String(t *testing.T) {
	k := StringKey("Aé")
	require.Equal(t, Key{0x00, 'A', 0x00, 0xE9}, k)

	s, err := k.Text()
	require.NoError(t, err)
	require.Equal(t, "Aé", s)

	_, err = Key{0x00}.Text()
	require.ErrorIs(t, err, ErrKeyString)

	require.Empty(t, StringKey(""))
}
