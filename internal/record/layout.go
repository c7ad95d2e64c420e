// Package record defines the binary layout a native facility uses to hand raw
// events to the engine, and the decoder that turns one raw record into an
// event.Event.
//
// All multi-byte integers are little endian. Layout version 1:
//
//	offset size  field
//	0      2     layout version (1)
//	2      2     header size (70)
//	4      2     event id
//	6      1     event version
//	7      1     level
//	8      1     opcode
//	9      1     flags (reserved, must be 0)
//	10     8     keywords
//	18     4     process id
//	22     4     thread id
//	26     8     timestamp, unix nanoseconds UTC
//	34     16    provider GUID (RFC 4122 byte order)
//	50     16    activity GUID (RFC 4122 byte order)
//	66     2     property count
//	68     2     stack frame count
//
// The header is followed by the provider name and the user SID (each a
// uint16 length and UTF-8 bytes), then the properties, then the stack frames
// as uint64 addresses. A property is a uint16 name length, the name, one type
// byte and a type dependent value (see ValueType).
package record

import "errors"

const (
	// LayoutV1 is the only layout version this package reads and writes.
	LayoutV1 uint16 = 1

	headerSizeV1 = 70

	maxName = 1<<16 - 1
)

// ValueType tags a property value in the record.
type ValueType uint8

const (
	TypeNull    ValueType = iota // no value bytes
	TypeBool                     // 1 byte
	TypeInt64                    // 8 bytes
	TypeUint64                   // 8 bytes
	TypeFloat64                  // 8 bytes, IEEE 754 bits
	TypeString                   // uint32 length + UTF-8 bytes
	TypeBytes                    // uint32 length + bytes
	TypeGUID                     // 16 bytes
	TypeTime                     // 8 bytes, unix nanoseconds UTC
)

var (
	ErrTruncated          = errors.New("record truncated")
	ErrUnsupportedVersion = errors.New("unsupported record layout version")
	ErrBadHeader          = errors.New("invalid record header")
	ErrUnknownValueType   = errors.New("unknown property value type")
	ErrTooLarge           = errors.New("record field too large")
)
