package record

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/yew011/etwpilot-sub000/internal/event"
)

// Append encodes ev in layout version 1 and appends it to dst.
// Property values are normalized: signed integers to int64, unsigned to
// uint64, floats to float64. Values of any other type are rendered with
// fmt and stored as strings.
func Append(dst []byte, ev *event.Event) ([]byte, error) {
	if len(ev.Payload) > math.MaxUint16 {
		return dst, fmt.Errorf("%w: %d properties", ErrTooLarge, len(ev.Payload))
	}
	if len(ev.Stack) > math.MaxUint16 {
		return dst, fmt.Errorf("%w: %d stack frames", ErrTooLarge, len(ev.Stack))
	}

	le := binary.LittleEndian
	dst = le.AppendUint16(dst, LayoutV1)
	dst = le.AppendUint16(dst, headerSizeV1)
	dst = le.AppendUint16(dst, ev.EventID)
	dst = append(dst, ev.Version, ev.Level, ev.Opcode, 0)
	dst = le.AppendUint64(dst, ev.Keywords)
	dst = le.AppendUint32(dst, ev.ProcessID)
	dst = le.AppendUint32(dst, ev.ThreadID)
	dst = le.AppendUint64(dst, uint64(ev.Timestamp.UnixNano()))
	dst = append(dst, ev.ProviderID[:]...)
	dst = append(dst, ev.ActivityID[:]...)
	dst = le.AppendUint16(dst, uint16(len(ev.Payload)))
	dst = le.AppendUint16(dst, uint16(len(ev.Stack)))

	var err error
	if dst, err = appendStr16(dst, ev.ProviderName); err != nil {
		return dst, err
	}
	if dst, err = appendStr16(dst, ev.UserSID); err != nil {
		return dst, err
	}
	for _, p := range ev.Payload {
		if dst, err = appendStr16(dst, p.Name); err != nil {
			return dst, err
		}
		dst = appendValue(dst, p.Value)
	}
	for _, addr := range ev.Stack {
		dst = le.AppendUint64(dst, addr)
	}
	return dst, nil
}

// Encode is Append on a fresh buffer.
func Encode(ev *event.Event) ([]byte, error) {
	return Append(make([]byte, 0, headerSizeV1+64), ev)
}

func appendStr16(dst []byte, s string) ([]byte, error) {
	if len(s) > maxName {
		return dst, fmt.Errorf("%w: string of %d bytes", ErrTooLarge, len(s))
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...), nil
}

func appendValue(dst []byte, v any) []byte {
	le := binary.LittleEndian
	switch x := v.(type) {
	case nil:
		return append(dst, byte(TypeNull))
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return append(dst, byte(TypeBool), b)
	case int:
		return le.AppendUint64(append(dst, byte(TypeInt64)), uint64(int64(x)))
	case int8:
		return le.AppendUint64(append(dst, byte(TypeInt64)), uint64(int64(x)))
	case int16:
		return le.AppendUint64(append(dst, byte(TypeInt64)), uint64(int64(x)))
	case int32:
		return le.AppendUint64(append(dst, byte(TypeInt64)), uint64(int64(x)))
	case int64:
		return le.AppendUint64(append(dst, byte(TypeInt64)), uint64(x))
	case uint:
		return le.AppendUint64(append(dst, byte(TypeUint64)), uint64(x))
	case uint8:
		return le.AppendUint64(append(dst, byte(TypeUint64)), uint64(x))
	case uint16:
		return le.AppendUint64(append(dst, byte(TypeUint64)), uint64(x))
	case uint32:
		return le.AppendUint64(append(dst, byte(TypeUint64)), uint64(x))
	case uint64:
		return le.AppendUint64(append(dst, byte(TypeUint64)), x)
	case float32:
		return le.AppendUint64(append(dst, byte(TypeFloat64)), math.Float64bits(float64(x)))
	case float64:
		return le.AppendUint64(append(dst, byte(TypeFloat64)), math.Float64bits(x))
	case string:
		dst = le.AppendUint32(append(dst, byte(TypeString)), uint32(len(x)))
		return append(dst, x...)
	case []byte:
		dst = le.AppendUint32(append(dst, byte(TypeBytes)), uint32(len(x)))
		return append(dst, x...)
	case uuid.UUID:
		return append(append(dst, byte(TypeGUID)), x[:]...)
	case time.Time:
		return le.AppendUint64(append(dst, byte(TypeTime)), uint64(x.UnixNano()))
	default:
		s := fmt.Sprint(x)
		dst = le.AppendUint32(append(dst, byte(TypeString)), uint32(len(s)))
		return append(dst, s...)
	}
}
