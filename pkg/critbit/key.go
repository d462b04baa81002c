package critbit

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

var (
	ErrKeyWidth  = errors.New("critbit: key has the wrong width for the requested type")
	ErrKeyString = errors.New("critbit: key is not valid UTF-16BE")
)

// Key is the raw byte representation used to place an entry in a Tree.
//
// Keys are compared by their bytes only, whatever typed value produced
// them. Once handed to a Tree, a Key must not be mutated.
type Key []byte

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// ByteKey encodes a single byte key.
func ByteKey(v byte) Key {
	return Key{v}
}

// Int16Key encodes v as a fixed-width big-endian key.
func Int16Key(v int16) Key {
	return binary.BigEndian.AppendUint16(make(Key, 0, 2), uint16(v))
}

// Int32Key encodes v as a fixed-width big-endian key.
func Int32Key(v int32) Key {
	return binary.BigEndian.AppendUint32(make(Key, 0, 4), uint32(v))
}

// Int64Key encodes v as a fixed-width big-endian key.
func Int64Key(v int64) Key {
	return binary.BigEndian.AppendUint64(make(Key, 0, 8), uint64(v))
}

// StringKey encodes s as UTF-16BE, without byte order mark.
//
// Invalid UTF-8 sequences in s are replaced by U+FFFD.
func StringKey(s string) Key {
	buf, err := utf16be.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// the encoder substitutes invalid runes, it cannot fail on a
		// bounded in-memory input.
		panic(fmt.Sprintf("critbit: utf-16 encoder failed: %s", err))
	}
	return buf
}

func (k Key) Byte() (byte, error) {
	if len(k) != 1 {
		return 0, fmt.Errorf("%w: want 1 byte, got %d", ErrKeyWidth, len(k))
	}
	return k[0], nil
}

func (k Key) Int16() (int16, error) {
	if len(k) != 2 {
		return 0, fmt.Errorf("%w: want 2 bytes, got %d", ErrKeyWidth, len(k))
	}
	return int16(binary.BigEndian.Uint16(k)), nil
}

func (k Key) Int32() (int32, error) {
	if len(k) != 4 {
		return 0, fmt.Errorf("%w: want 4 bytes, got %d", ErrKeyWidth, len(k))
	}
	return int32(binary.BigEndian.Uint32(k)), nil
}

func (k Key) Int64() (int64, error) {
	if len(k) != 8 {
		return 0, fmt.Errorf("%w: want 8 bytes, got %d", ErrKeyWidth, len(k))
	}
	return int64(binary.BigEndian.Uint64(k)), nil
}

// Text decodes k as UTF-16BE. It is the inverse of StringKey.
func (k Key) Text() (string, error) {
	if len(k)%2 != 0 {
		return "", fmt.Errorf("%w: odd length %d", ErrKeyString, len(k))
	}
	buf, err := utf16be.NewDecoder().Bytes(k)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyString, err)
	}
	return string(buf), nil
}

func (k Key) Equal(other Key) bool {
	return bytes.Equal(k, other)
}

func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	return bytes.Clone(k)
}
