package record

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/yew011/etwpilot-sub000/internal/event"
)

// Decoder turns one raw native record into an event. Implementations must
// not retain raw after returning; the facility reuses the memory.
type Decoder interface {
	Decode(raw []byte) (*event.Event, error)
}

// LayoutDecoder decodes records written in layout version 1.
type LayoutDecoder struct{}

// NewDecoder returns the decoder for the current layout.
func NewDecoder() LayoutDecoder { return LayoutDecoder{} }

// reader walks a record and remembers the first error.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, len(r.b))
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) guid() (g uuid.UUID) {
	if !r.need(16) {
		return
	}
	copy(g[:], r.b[r.off:r.off+16])
	r.off += 16
	return
}

// bytes returns a copy so the event never aliases facility memory.
func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.b[r.off:r.off+n])
	r.off += n
	return out
}

func (r *reader) str16() string {
	n := int(r.u16())
	if !r.need(n) {
		return ""
	}
	s := string(r.b[r.off : r.off+n])
	r.off += n
	return s
}

func (r *reader) str32() string {
	n := int(r.u32())
	if !r.need(n) {
		return ""
	}
	s := string(r.b[r.off : r.off+n])
	r.off += n
	return s
}

// Decode implements Decoder.
func (LayoutDecoder) Decode(raw []byte) (*event.Event, error) {
	r := &reader{b: raw}

	version := r.u16()
	if r.err != nil {
		return nil, r.err
	}
	if version != LayoutV1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if hs := r.u16(); r.err == nil && hs != headerSizeV1 {
		return nil, fmt.Errorf("%w: header size %d", ErrBadHeader, hs)
	}

	ev := &event.Event{}
	ev.EventID = r.u16()
	ev.Version = r.u8()
	ev.Level = r.u8()
	ev.Opcode = r.u8()
	if flags := r.u8(); flags != 0 && r.err == nil {
		return nil, fmt.Errorf("%w: flags 0x%x", ErrBadHeader, flags)
	}
	ev.Keywords = r.u64()
	ev.ProcessID = r.u32()
	ev.ThreadID = r.u32()
	ts := int64(r.u64())
	ev.ProviderID = r.guid()
	ev.ActivityID = r.guid()
	propCount := int(r.u16())
	stackCount := int(r.u16())
	if r.err != nil {
		return nil, r.err
	}
	ev.Timestamp = time.Unix(0, ts).UTC()

	ev.ProviderName = r.str16()
	ev.UserSID = r.str16()

	if propCount > 0 {
		ev.Payload = make([]event.Property, 0, propCount)
	}
	for i := 0; i < propCount && r.err == nil; i++ {
		name := r.str16()
		v, err := r.value(ValueType(r.u8()))
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		ev.Payload = append(ev.Payload, event.Property{Name: name, Value: v})
	}

	if stackCount > 0 && r.need(stackCount*8) {
		ev.Stack = make([]uint64, stackCount)
		for i := range ev.Stack {
			ev.Stack[i] = r.u64()
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	return ev, nil
}

func (r *reader) value(t ValueType) (any, error) {
	if r.err != nil {
		return nil, r.err
	}
	var v any
	switch t {
	case TypeNull:
		v = nil
	case TypeBool:
		v = r.u8() != 0
	case TypeInt64:
		v = int64(r.u64())
	case TypeUint64:
		v = r.u64()
	case TypeFloat64:
		v = math.Float64frombits(r.u64())
	case TypeString:
		v = r.str32()
	case TypeBytes:
		v = r.bytes(int(r.u32()))
	case TypeGUID:
		v = r.guid()
	case TypeTime:
		v = time.Unix(0, int64(r.u64())).UTC()
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownValueType, t)
	}
	return v, r.err
}

// Header is the fixed part of a record, readable without decoding the
// payload.
type Header struct {
	EventID   uint16
	ProcessID uint32
	Provider  uuid.UUID
}

// PeekHeader reads the fixed header fields of raw.
func PeekHeader(raw []byte) (Header, error) {
	if len(raw) < headerSizeV1 {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(raw))
	}
	if v := binary.LittleEndian.Uint16(raw); v != LayoutV1 {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	var h Header
	h.EventID = binary.LittleEndian.Uint16(raw[4:])
	h.ProcessID = binary.LittleEndian.Uint32(raw[18:])
	copy(h.Provider[:], raw[34:50])
	return h, nil
}
