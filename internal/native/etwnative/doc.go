// Package etwnative is the native facility backed by real-time ETW sessions
// (github.com/tekert/golang-etw). Every EventRecord is converted to an
// event, its properties decoded by the library and its SID and stack
// trace read from the extended data, then re-encoded in the record layout
// before it reaches the engine. When the library cannot decode a record,
// the raw user data travels as a single "UserData" bytes property.
//
// ETW reports buffer metadata only to its own buffer callback, which the
// consumer does not expose, so the facility reports a buffer boundary
// whenever the events it delivered add up to one session buffer or the
// flush interval passed, whichever comes first.
//
// Off Windows NewFacility returns native.Unsupported.
package etwnative

import (
	"time"

	"github.com/yew011/etwpilot-sub000/internal/native"
)

// Defaults for Options fields left zero.
const (
	DefaultBufferBytes   = 64 * 1024
	DefaultFlushInterval = time.Second
)

// Options configures the facility.
type Options struct {
	// BufferBytes is the size of one reported buffer.
	BufferBytes uint32
	// FlushInterval bounds how long delivered events wait for a buffer
	// boundary.
	FlushInterval time.Duration
	// ProcessName resolves pids for executable name filters. When nil
	// those filters are not applied.
	ProcessName native.ProcessNameFunc
}

func (o Options) withDefaults() Options {
	if o.BufferBytes == 0 {
		o.BufferBytes = DefaultBufferBytes
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	return o
}
