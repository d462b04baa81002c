// Package wire frames chunks on a byte stream.
//
// A chunk is written as a control byte, an instruction byte, an optional
// 4 bytes big-endian length and the data. The control byte carries the
// External flag (bit 7), the LongData flag (bit 6) and, when LongData is
// unset, the data length in its low 6 bits.
//
// External chunks carry the frame.Instruction vocabulary and are handed to
// the application. Internal chunks carry an Internal instruction set and
// are consumed by the endpoint itself.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/raskyld/tainin/pkg/frame"
)

const (
	FlagExternal byte = 1 << 7
	FlagLongData byte = 1 << 6

	inlineMask = int(FlagLongData) - 1

	// MaxInlineLength is the largest data length encoded in the control
	// byte, larger data gets a length field.
	MaxInlineLength = 1 << 5

	// DefaultMaxLength bounds the data of one decoded chunk.
	DefaultMaxLength = 16 << 20

	headerSize = 2
	lengthSize = 4
)

var (
	ErrTooLarge = errors.New("wire: chunk length out of bounds")
)

// Internal is the instruction set of internal chunks. Values are flags and
// may be combined.
type Internal byte

const (
	Initial    Internal = 1 << 0
	KeepAlive  Internal = 1 << 1
	Disconnect Internal = 1 << 2
)

func (ins Internal) String() string {
	if ins == 0 {
		return "none"
	}
	var parts []string
	if ins&Initial != 0 {
		parts = append(parts, "initial")
	}
	if ins&KeepAlive != 0 {
		parts = append(parts, "keepalive")
	}
	if ins&Disconnect != 0 {
		parts = append(parts, "disconnect")
	}
	if rest := ins &^ (Initial | KeepAlive | Disconnect); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", byte(rest)))
	}
	return strings.Join(parts, "|")
}

// Chunk is a chunk as it travels on the wire.
type Chunk struct {
	External    bool
	Instruction byte
	Data        []byte
}

// ExternalChunk wraps a frame chunk.
func ExternalChunk(c frame.Chunk) Chunk {
	return Chunk{External: true, Instruction: byte(c.Instruction), Data: c.Data}
}

// InternalChunk builds an endpoint control chunk.
func InternalChunk(ins Internal, data []byte) Chunk {
	return Chunk{Instruction: byte(ins), Data: data}
}

// Frame returns the frame chunk carried by c.
func (c Chunk) Frame() frame.Chunk {
	return frame.Chunk{Instruction: frame.Instruction(c.Instruction), Data: c.Data}
}

func (c Chunk) Internal() Internal {
	return Internal(c.Instruction)
}

// Encoder writes chunks to an io.Writer. It is safe for concurrent use,
// each chunk goes out in a single Write so chunks never interleave.
type Encoder struct {
	lk  sync.Mutex
	w   io.Writer
	buf []byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes c and returns the number of bytes written.
func (e *Encoder) Encode(c Chunk) (int, error) {
	n := len(c.Data)
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}

	e.lk.Lock()
	defer e.lk.Unlock()

	var ctrl byte
	if c.External {
		ctrl |= FlagExternal
	}
	long := n > MaxInlineLength
	if long {
		ctrl |= FlagLongData
	} else {
		ctrl |= byte(n & inlineMask)
	}

	buf := append(e.buf[:0], ctrl, c.Instruction)
	if long {
		buf = binary.BigEndian.AppendUint32(buf, uint32(n))
	}
	buf = append(buf, c.Data...)
	e.buf = buf

	return e.w.Write(buf)
}

// Decoder reads chunks from an io.Reader. It is not safe for concurrent use.
type Decoder struct {
	r         *bufio.Reader
	maxLength int
	hdr       [lengthSize]byte
}

// NewDecoder returns a Decoder rejecting chunks longer than maxLength. A
// non-positive maxLength selects DefaultMaxLength.
func NewDecoder(r io.Reader, maxLength int) *Decoder {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Decoder{
		r:         bufio.NewReader(r),
		maxLength: maxLength,
	}
}

// Decode blocks until a whole chunk is read. The returned data is never
// reused by the Decoder. io.EOF is only returned on a chunk boundary, a
// stream cut in the middle of a chunk yields io.ErrUnexpectedEOF.
func (d *Decoder) Decode() (Chunk, error) {
	hdr := d.hdr[:headerSize]
	if _, err := io.ReadFull(d.r, hdr); err != nil {
		return Chunk{}, err
	}

	c := Chunk{
		External:    hdr[0]&FlagExternal != 0,
		Instruction: hdr[1],
	}

	length := int(hdr[0]) & inlineMask
	if hdr[0]&FlagLongData != 0 {
		raw := d.hdr[:lengthSize]
		if _, err := io.ReadFull(d.r, raw); err != nil {
			return Chunk{}, noEOF(err)
		}
		length = int(int32(binary.BigEndian.Uint32(raw)))
	}

	if length < 0 || length > d.maxLength {
		return Chunk{}, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, length, d.maxLength)
	}

	if length > 0 {
		c.Data = make([]byte, length)
		if _, err := io.ReadFull(d.r, c.Data); err != nil {
			return Chunk{}, noEOF(err)
		}
	}
	return c, nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
