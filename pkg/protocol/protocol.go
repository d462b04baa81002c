// Package protocol fixes the meaning of the reserved MultiFrame sections and
// of the static route keys every node registers, and provides accessors to
// read and stamp them.
//
// Routing and return paths are sections holding one 4 bytes big-endian
// int32 key per buffer. A name path holds one UTF-16BE name per buffer.
package protocol

import (
	"errors"
	"fmt"

	"github.com/raskyld/tainin/pkg/critbit"
	"github.com/raskyld/tainin/pkg/frame"
)

// Section is a reserved MultiFrame key.
type Section int16

const (
	RoutingPath        Section = -1
	ReturnPath         Section = -2
	ResponseIdentifier Section = -3
	NamePath           Section = -4
	ConnectionInfo     Section = -5
)

func (s Section) String() string {
	switch s {
	case RoutingPath:
		return "routing_path"
	case ReturnPath:
		return "return_path"
	case ResponseIdentifier:
		return "response_identifier"
	case NamePath:
		return "name_path"
	case ConnectionInfo:
		return "connection_info"
	default:
		return fmt.Sprintf("section(%d)", int16(s))
	}
}

// Static route keys of a node routing table. They live in the reserved
// range so they never collide with auto assigned keys.
const (
	EndpointTableRoute    int32 = 0
	ConnectionSourceRoute int32 = 1
	CallResponseRoute     int32 = 2
)

// DefaultReservedCount is how many keys each node table keeps aside.
const DefaultReservedCount = 10

var (
	ErrMalformedSection = errors.New("protocol: malformed section")
)

// NextRoutingKey pops the first key of section s. ok is false when the
// section is absent or already consumed.
func NextRoutingKey(mf *frame.MultiFrame, s Section) (key int32, ok bool, err error) {
	f, found := mf.TryGet(int16(s))
	if !found || f.IsEmpty() {
		return 0, false, nil
	}
	buf, err := f.Pop(0)
	if err != nil {
		return 0, false, err
	}
	key, err = critbit.Key(buf).Int32()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s: %w", ErrMalformedSection, s, err)
	}
	return key, true, nil
}

// NextRouteName pops the first name of section s.
func NextRouteName(mf *frame.MultiFrame, s Section) (name string, ok bool, err error) {
	f, found := mf.TryGet(int16(s))
	if !found || f.IsEmpty() {
		return "", false, nil
	}
	buf, err := f.Pop(0)
	if err != nil {
		return "", false, err
	}
	name, err = critbit.Key(buf).Text()
	if err != nil {
		return "", false, fmt.Errorf("%w: %s: %w", ErrMalformedSection, s, err)
	}
	return name, true, nil
}

// PrependReturnPath pushes keys in front of section s so that keys[0]
// becomes its first key. It is a no-op, returning false, when the section
// is absent.
func PrependReturnPath(mf *frame.MultiFrame, s Section, keys ...int32) bool {
	f, found := mf.TryGet(int16(s))
	if !found {
		return false
	}
	for i := len(keys) - 1; i >= 0; i-- {
		f.Prepend(critbit.Int32Key(keys[i]))
	}
	return true
}

// AppendRoutingPath pushes keys at the end of section s when it exists.
func AppendRoutingPath(mf *frame.MultiFrame, s Section, keys ...int32) bool {
	f, found := mf.TryGet(int16(s))
	if !found {
		return false
	}
	for _, key := range keys {
		f.Append(critbit.Int32Key(key))
	}
	return true
}

// SetRoutingPath replaces section s with keys, creating it when missing.
// An empty keys still creates the section, which is how a caller asks for
// a return path to be accumulated.
func SetRoutingPath(mf *frame.MultiFrame, s Section, keys ...int32) {
	f := frame.New()
	for _, key := range keys {
		f.Append(critbit.Int32Key(key))
	}
	mf.Set(int16(s), f)
}

// SetNamePath replaces section s with names.
func SetNamePath(mf *frame.MultiFrame, s Section, names ...string) {
	f := frame.New()
	for _, name := range names {
		f.Append(critbit.StringKey(name))
	}
	mf.Set(int16(s), f)
}

// RoutingKeys decodes every key of section s without consuming it.
func RoutingKeys(mf *frame.MultiFrame, s Section) ([]int32, error) {
	f, found := mf.TryGet(int16(s))
	if !found {
		return nil, nil
	}
	keys := make([]int32, 0, f.Len())
	for buf := range f.All() {
		key, err := critbit.Key(buf).Int32()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedSection, s, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ResponseID returns the first buffer of the ResponseIdentifier section.
func ResponseID(mf *frame.MultiFrame) ([]byte, bool) {
	f, found := mf.TryGet(int16(ResponseIdentifier))
	if !found {
		return nil, false
	}
	id, err := f.Get(0)
	if err != nil {
		return nil, false
	}
	return id, true
}

// SetResponseID stamps id as the first buffer of the ResponseIdentifier
// section, replacing a previous one.
func SetResponseID(mf *frame.MultiFrame, id []byte) {
	f := mf.GetOrCreate(int16(ResponseIdentifier))
	if f.IsEmpty() {
		f.Prepend(id)
		return
	}
	// cannot fail, the section holds at least one buffer.
	_, _ = f.Swap(0, id)
}

// NewReply returns an empty MultiFrame addressed back to the sender of req:
// its routing path is the return path req accumulated and it carries the
// response identifier of req. ok is false when req has no return path.
func NewReply(req *frame.MultiFrame) (reply *frame.MultiFrame, ok bool) {
	back, found := req.TryGet(int16(ReturnPath))
	if !found {
		return nil, false
	}
	reply = frame.NewMultiFrame()
	reply.Set(int16(RoutingPath), frame.New(back.Buffers()...))
	if id, has := ResponseID(req); has {
		SetResponseID(reply, id)
	}
	return reply, true
}

// ConnectionSourceKey reads the key of the connection source an
// info section is addressed to. It is the last buffer of the section.
func ConnectionSourceKey(info *frame.Frame) (int32, error) {
	buf, err := info.Get(-1)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrMalformedSection, ConnectionInfo, err)
	}
	key, err := critbit.Key(buf).Int32()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrMalformedSection, ConnectionInfo, err)
	}
	return key, nil
}

// SetConnectionInfo stores info addressed to the connection source
// sourceKey. The key is appended to info.
func SetConnectionInfo(mf *frame.MultiFrame, info *frame.Frame, sourceKey int32) {
	info.Append(critbit.Int32Key(sourceKey))
	mf.Set(int16(ConnectionInfo), info)
}
