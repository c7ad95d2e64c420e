package session

import (
	"sync/atomic"
	"time"
)

// Progress is a point-in-time view of a session, published to a Reporter
// on state changes and, at most every progress interval, on buffers.
type Progress struct {
	SessionID uint64
	Name      string
	State     State
	Events    uint64
	Bytes     uint64
	Elapsed   time.Duration
	Reason    StopReason
	Err       error
}

// Reporter receives progress from the consumption goroutine. Report must
// not block; it runs inside the native callback.
type Reporter interface {
	Report(Progress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Progress)

func (f ReporterFunc) Report(p Progress) { f(p) }

// NopReporter discards progress.
type NopReporter struct{}

func (NopReporter) Report(Progress) {}

// ChannelReporter publishes progress on a buffered channel. When the
// channel is full the update is dropped and counted; the consumer drains
// it on its own schedule.
type ChannelReporter struct {
	ch      chan Progress
	dropped atomic.Uint64
}

// NewChannelReporter creates a reporter with a channel of size buffered
// slots.
func NewChannelReporter(size int) *ChannelReporter {
	if size < 1 {
		size = 1
	}
	return &ChannelReporter{ch: make(chan Progress, size)}
}

// C returns the progress channel. It is never closed.
func (r *ChannelReporter) C() <-chan Progress { return r.ch }

func (r *ChannelReporter) Report(p Progress) {
	select {
	case r.ch <- p:
	default:
		r.dropped.Add(1)
	}
}

// Dropped is the number of updates discarded because the channel was full.
func (r *ChannelReporter) Dropped() uint64 { return r.dropped.Load() }
