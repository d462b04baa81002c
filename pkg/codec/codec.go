// Package codec turns typed payloads into MultiFrame sections and back.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"

	"github.com/raskyld/tainin/pkg/frame"
)

var (
	ErrNoSection    = errors.New("codec: section not found")
	ErrEmptySection = errors.New("codec: section has no buffer")
)

// Codec converts T to and from a single buffer.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(buf []byte) (T, error)
}

// Bytes passes buffers through. With Copy set, both directions hand out a
// copy so the caller may reuse its buffer.
type Bytes struct {
	Copy bool
}

func (b Bytes) Encode(v []byte) ([]byte, error) {
	return b.maybeCopy(v), nil
}

func (b Bytes) Decode(buf []byte) ([]byte, error) {
	return b.maybeCopy(buf), nil
}

func (b Bytes) maybeCopy(buf []byte) []byte {
	if !b.Copy || buf == nil {
		return buf
	}
	cloned := make([]byte, len(buf))
	copy(cloned, buf)
	return cloned
}

// String stores text as its UTF-8 bytes.
type String struct{}

func (String) Encode(v string) ([]byte, error) {
	return []byte(v), nil
}

func (String) Decode(buf []byte) (string, error) {
	return string(buf), nil
}

type JSON[T any] struct{}

func (JSON[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON[T]) Decode(buf []byte) (T, error) {
	var v T
	err := json.Unmarshal(buf, &v)
	return v, err
}

// Proto encodes protobuf messages. Decode allocates a fresh M.
type Proto[M proto.Message] struct{}

func (Proto[M]) Encode(v M) ([]byte, error) {
	return proto.Marshal(v)
}

func (Proto[M]) Decode(buf []byte) (M, error) {
	var zero M
	msg := zero.ProtoReflect().New().Interface().(M)
	err := proto.Unmarshal(buf, msg)
	return msg, err
}

// CBOR uses the core deterministic encoding, so equal values always yield
// equal buffers.
type CBOR[T any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBOR[T any]() (CBOR[T], error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return CBOR[T]{}, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return CBOR[T]{}, err
	}
	return CBOR[T]{enc: enc, dec: dec}, nil
}

func (c CBOR[T]) Encode(v T) ([]byte, error) {
	if c.enc == nil {
		return cbor.Marshal(v)
	}
	return c.enc.Marshal(v)
}

func (c CBOR[T]) Decode(buf []byte) (T, error) {
	var v T
	var err error
	if c.dec == nil {
		err = cbor.Unmarshal(buf, &v)
	} else {
		err = c.dec.Unmarshal(buf, &v)
	}
	return v, err
}

type Msgpack[T any] struct{}

func (Msgpack[T]) Encode(v T) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Msgpack[T]) Decode(buf []byte) (T, error) {
	var v T
	err := msgpack.Unmarshal(buf, &v)
	return v, err
}

// Put replaces the section under key with the encoding of v.
func Put[T any](mf *frame.MultiFrame, key int16, c Codec[T], v T) error {
	buf, err := c.Encode(v)
	if err != nil {
		return fmt.Errorf("codec: encoding section %d: %w", key, err)
	}
	mf.Set(key, frame.New(buf))
	return nil
}

// Append adds the encoding of v at the end of the section under key.
func Append[T any](mf *frame.MultiFrame, key int16, c Codec[T], v T) error {
	buf, err := c.Encode(v)
	if err != nil {
		return fmt.Errorf("codec: encoding section %d: %w", key, err)
	}
	mf.GetOrCreate(key).Append(buf)
	return nil
}

// Get decodes the first buffer of the section under key.
func Get[T any](mf *frame.MultiFrame, key int16, c Codec[T]) (T, error) {
	var zero T
	section, ok := mf.TryGet(key)
	if !ok {
		return zero, fmt.Errorf("%w: %d", ErrNoSection, key)
	}
	buf, err := section.Get(0)
	if err != nil {
		return zero, fmt.Errorf("%w: %d", ErrEmptySection, key)
	}
	v, err := c.Decode(buf)
	if err != nil {
		return zero, fmt.Errorf("codec: decoding section %d: %w", key, err)
	}
	return v, nil
}

// All decodes every buffer of the section under key.
func All[T any](mf *frame.MultiFrame, key int16, c Codec[T]) ([]T, error) {
	section, ok := mf.TryGet(key)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSection, key)
	}
	out := make([]T, 0, section.Len())
	for buf := range section.All() {
		v, err := c.Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("codec: decoding section %d: %w", key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
