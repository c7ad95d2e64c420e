// Package native defines the contract between the session engine and the
// OS trace facility. A facility opens named sessions; a handle registers
// providers, starts the stream and pumps it with a blocking Consume call.
//
// Implementations: etwnative (Windows, real ETW), recfile (capture file
// replay) and nativetest (scripted fake for tests).
package native

import (
	"errors"

	"github.com/yew011/etwpilot-sub000/internal/provider"
)

// Action is what a BufferFunc tells the facility to do next.
type Action int

const (
	// Continue keeps delivering buffers.
	Continue Action = iota
	// Stop ends the Consume call at this buffer boundary.
	Stop
)

func (a Action) String() string {
	if a == Stop {
		return "stop"
	}
	return "continue"
}

// Buffer is the metadata the facility reports once per delivered buffer.
// Err is set when the metadata could not be read; Filled is then meaningless.
type Buffer struct {
	Filled uint32
	Size   uint32
	Err    error
}

// EventFunc receives one raw event record. raw is only valid for the
// duration of the call.
type EventFunc func(raw []byte)

// BufferFunc is called at every buffer boundary, after the events of the
// buffer were delivered.
type BufferFunc func(Buffer) Action

// Facility opens native trace sessions.
type Facility interface {
	OpenSession(name string) (Handle, error)
}

// Handle is one open native session. Close must be safe to call more than
// once and on a handle that never started. Stop may be called from any
// goroutine and makes a running Consume return at the next opportunity.
type Handle interface {
	AddProvider(p provider.Enabled) error
	Start() error
	Consume(onEvent EventFunc, onBuffer BufferFunc) error
	Stop() error
	Close() error
}

var (
	ErrClosed         = errors.New("native session closed")
	ErrNotStarted     = errors.New("native session not started")
	ErrAlreadyStarted = errors.New("native session already started")
	ErrUnsupported    = errors.New("native trace facility not supported on this platform")
)

// Unsupported is the facility used on platforms without a native trace
// facility. Every OpenSession fails with ErrUnsupported.
type Unsupported struct{}

func (Unsupported) OpenSession(string) (Handle, error) { return nil, ErrUnsupported }
