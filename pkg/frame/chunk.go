package frame

import (
	"errors"
	"fmt"
	"iter"

	"github.com/raskyld/tainin/pkg/critbit"
)

var (
	ErrMalformedChunk = errors.New("frame: malformed chunk sequence")
)

// Instruction tells a Deserializer how to apply a Chunk.
type Instruction byte

const (
	StartMultiFrame Instruction = iota + 1
	EndMultiFrame
	StartFrame
	EndFrame
	AppendBuffer
)

func (ins Instruction) String() string {
	switch ins {
	case StartMultiFrame:
		return "start_multiframe"
	case EndMultiFrame:
		return "end_multiframe"
	case StartFrame:
		return "start_frame"
	case EndFrame:
		return "end_frame"
	case AppendBuffer:
		return "append_buffer"
	default:
		return fmt.Sprintf("instruction(%d)", byte(ins))
	}
}

// Chunk is the unit a MultiFrame is flattened to before hitting a stream.
type Chunk struct {
	Instruction Instruction
	Data        []byte
}

// Serialize flattens mf into chunks: sections are emitted in key order, each
// buffer of a section as one AppendBuffer chunk.
func Serialize(mf *MultiFrame) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		if !yield(Chunk{Instruction: StartMultiFrame}) {
			return
		}
		for key, f := range mf.All() {
			if !yield(Chunk{Instruction: StartFrame, Data: critbit.Int16Key(key)}) {
				return
			}
			for buf := range f.All() {
				if !yield(Chunk{Instruction: AppendBuffer, Data: buf}) {
					return
				}
			}
			if !yield(Chunk{Instruction: EndFrame}) {
				return
			}
		}
		yield(Chunk{Instruction: EndMultiFrame})
	}
}

// DeserializerState is the position of a Deserializer in a chunk sequence.
type DeserializerState uint8

const (
	StateNone DeserializerState = iota
	StateMultiFrame
	StateFrame
)

func (s DeserializerState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateMultiFrame:
		return "multiframe"
	case StateFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// Deserializer rebuilds MultiFrames from chunks. At most one MultiFrame is
// in progress at any time.
//
// A Deserializer is not safe for concurrent use.
type Deserializer struct {
	state   DeserializerState
	current *MultiFrame
	section *Frame
}

func (d *Deserializer) State() DeserializerState {
	return d.state
}

// Apply feeds one chunk. It returns the MultiFrame completed by this chunk,
// or nil while one is still in progress.
//
// Any chunk that does not fit the sequence discards the partial MultiFrame,
// resets the Deserializer and returns an error wrapping ErrMalformedChunk.
func (d *Deserializer) Apply(c Chunk) (*MultiFrame, error) {
	switch d.state {
	case StateNone:
		if c.Instruction == StartMultiFrame {
			d.current = NewMultiFrame()
			d.state = StateMultiFrame
			return nil, nil
		}
	case StateMultiFrame:
		switch c.Instruction {
		case EndMultiFrame:
			done := d.current
			d.reset()
			return done, nil
		case StartFrame:
			key, err := critbit.Key(c.Data).Int16()
			if err != nil {
				d.reset()
				return nil, fmt.Errorf("%w: bad section key: %w", ErrMalformedChunk, err)
			}
			section, ok := d.current.TryCreate(key)
			if !ok {
				d.reset()
				return nil, fmt.Errorf("%w: section %d appears twice", ErrMalformedChunk, key)
			}
			d.section = section
			d.state = StateFrame
			return nil, nil
		}
	case StateFrame:
		switch c.Instruction {
		case EndFrame:
			d.section = nil
			d.state = StateMultiFrame
			return nil, nil
		case AppendBuffer:
			d.section.Append(c.Data)
			return nil, nil
		}
	}

	state := d.state
	d.reset()
	return nil, fmt.Errorf("%w: %s in state %s", ErrMalformedChunk, c.Instruction, state)
}

// Reset drops any partial MultiFrame.
func (d *Deserializer) Reset() {
	d.reset()
}

func (d *Deserializer) reset() {
	d.state = StateNone
	d.current = nil
	d.section = nil
}

// Deserialize rebuilds exactly one MultiFrame out of chunks.
func Deserialize(chunks iter.Seq[Chunk]) (*MultiFrame, error) {
	var d Deserializer
	for c := range chunks {
		mf, err := d.Apply(c)
		if err != nil {
			return nil, err
		}
		if mf != nil {
			return mf, nil
		}
	}
	return nil, fmt.Errorf("%w: sequence ended in state %s", ErrMalformedChunk, d.state)
}
