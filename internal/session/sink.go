package session

import (
	"sync"
	"sync/atomic"

	"github.com/yew011/etwpilot-sub000/internal/event"
)

// Sink is the ordered store of decoded events for one session plus its
// byte counter. One goroutine appends; any number read without locking.
//
// The event slice is republished through an atomic pointer after every
// append, so a reader sees a prefix of the final sequence. The event count
// is the length of the published slice, which keeps it equal to the
// snapshot length at all times.
type Sink struct {
	mu     sync.Mutex // serializes writers
	events atomic.Pointer[[]*event.Event]
	bytes  atomic.Uint64
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) load() []*event.Event {
	if p := s.events.Load(); p != nil {
		return *p
	}
	return nil
}

// Append adds ev at the end. ev must not be modified afterwards.
func (s *Sink) Append(ev *event.Event) {
	s.mu.Lock()
	next := append(s.load(), ev)
	s.events.Store(&next)
	s.mu.Unlock()
}

// AddBytes adds n to the byte counter.
func (s *Sink) AddBytes(n uint64) {
	s.bytes.Add(n)
}

// Snapshot returns the events appended so far. The returned slice has no
// spare capacity, so appending to it never touches the sink.
func (s *Sink) Snapshot() []*event.Event {
	cur := s.load()
	return cur[:len(cur):len(cur)]
}

// Prefix returns at most the first n events.
func (s *Sink) Prefix(n int) []*event.Event {
	cur := s.Snapshot()
	if n < 0 {
		n = 0
	}
	if n < len(cur) {
		return cur[:n:n]
	}
	return cur
}

// Len is the number of events consumed.
func (s *Sink) Len() int { return len(s.load()) }

// Bytes is the number of bytes consumed.
func (s *Sink) Bytes() uint64 { return s.bytes.Load() }

// Counts returns the events and bytes consumed. Each value is read
// atomically; the pair is not a single snapshot.
func (s *Sink) Counts() (events, bytes uint64) {
	return uint64(s.Len()), s.bytes.Load()
}

// Clear empties the sink. It must not run while a session writes to it.
func (s *Sink) Clear() {
	s.mu.Lock()
	s.events.Store(nil)
	s.bytes.Store(0)
	s.mu.Unlock()
}
