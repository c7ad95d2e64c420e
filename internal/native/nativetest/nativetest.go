// Package nativetest provides a scriptable native.Facility for tests. It
// delivers scripted buffers of raw records, honors the native stop contract
// and counts open handles so tests can check that none leak.
package nativetest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yew011/etwpilot-sub000/internal/event"
	"github.com/yew011/etwpilot-sub000/internal/native"
	"github.com/yew011/etwpilot-sub000/internal/provider"
	"github.com/yew011/etwpilot-sub000/internal/record"
)

// Buffer is one scripted native buffer.
type Buffer struct {
	Size   uint32
	Events [][]byte
	// Err is reported as a metadata error for this buffer.
	Err error
}

// Script controls what every handle opened from a Facility does.
type Script struct {
	Buffers []Buffer
	// Interval is the wait before each buffer is delivered.
	Interval time.Duration
	// Loop repeats Buffers until the consumer stops.
	Loop bool
	// Idle makes Consume block until Stop once the script ran out,
	// like a live session that stopped receiving events.
	Idle bool

	OpenErr    error
	AddErr     error
	StartErr   error
	ConsumeErr error
}

// Facility is a scripted native.Facility. Safe for concurrent use.
type Facility struct {
	script Script

	mu      sync.Mutex
	handles []*Handle

	opened atomic.Int64
	closed atomic.Int64
}

// NewFacility returns a facility that plays s on every handle.
func NewFacility(s Script) *Facility {
	return &Facility{script: s}
}

// OpenSession implements native.Facility.
func (f *Facility) OpenSession(name string) (native.Handle, error) {
	if f.script.OpenErr != nil {
		return nil, f.script.OpenErr
	}
	h := &Handle{f: f, name: name, stopCh: make(chan struct{})}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	f.opened.Add(1)
	return h, nil
}

// Opened is the number of handles ever opened.
func (f *Facility) Opened() int { return int(f.opened.Load()) }

// OpenHandles is the number of handles opened and not yet closed.
func (f *Facility) OpenHandles() int { return int(f.opened.Load() - f.closed.Load()) }

// Handles returns the handles opened so far.
func (f *Facility) Handles() []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Handle(nil), f.handles...)
}

// Handle is a scripted native.Handle.
type Handle struct {
	f    *Facility
	name string

	mu        sync.Mutex
	providers []provider.Enabled
	started   bool
	closed    bool

	stopCh   chan struct{}
	stopOnce sync.Once

	buffers    atomic.Int64
	delivered  atomic.Int64
	stopByFunc atomic.Bool
}

// Name is the session name the handle was opened with.
func (h *Handle) Name() string { return h.name }

// Providers returns the providers added to the handle.
func (h *Handle) Providers() []provider.Enabled {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]provider.Enabled(nil), h.providers...)
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Buffers is the number of buffers handed to the buffer callback.
func (h *Handle) Buffers() int { return int(h.buffers.Load()) }

// Delivered is the number of events handed to the event callback.
func (h *Handle) Delivered() int { return int(h.delivered.Load()) }

// StoppedByCallback reports whether Consume ended because the buffer
// callback returned native.Stop.
func (h *Handle) StoppedByCallback() bool { return h.stopByFunc.Load() }

func (h *Handle) AddProvider(p provider.Enabled) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return native.ErrClosed
	}
	if h.f.script.AddErr != nil {
		return h.f.script.AddErr
	}
	h.providers = append(h.providers, p)
	return nil
}

func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		return native.ErrClosed
	case h.started:
		return native.ErrAlreadyStarted
	case h.f.script.StartErr != nil:
		return h.f.script.StartErr
	}
	h.started = true
	return nil
}

func (h *Handle) Consume(onEvent native.EventFunc, onBuffer native.BufferFunc) error {
	h.mu.Lock()
	started, closed := h.started, h.closed
	matcher := native.NewMatcher(h.providers, nil)
	h.mu.Unlock()
	if closed {
		return native.ErrClosed
	}
	if !started {
		return native.ErrNotStarted
	}

	s := h.f.script
	for {
		for _, b := range s.Buffers {
			if !h.wait(s.Interval) {
				return nil
			}
			for _, raw := range b.Events {
				if !matcher.Match(raw) {
					continue
				}
				// The callee must not keep raw; hand it a copy we can clobber.
				scratch := append([]byte(nil), raw...)
				onEvent(scratch)
				clear(scratch)
				h.delivered.Add(1)
			}
			h.buffers.Add(1)
			if onBuffer(native.Buffer{Filled: b.Size, Size: b.Size, Err: b.Err}) == native.Stop {
				h.stopByFunc.Store(true)
				return nil
			}
		}
		if !s.Loop || len(s.Buffers) == 0 {
			break
		}
	}
	if s.ConsumeErr != nil {
		return s.ConsumeErr
	}
	if s.Idle {
		<-h.stopCh
	}
	return nil
}

// wait sleeps for d and reports false if Stop was called meanwhile.
func (h *Handle) wait(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-h.stopCh:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (h *Handle) Stop() error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.f.closed.Add(1)
	return nil
}

// Raw encodes ev in the record layout and panics on failure.
func Raw(ev *event.Event) []byte {
	b, err := record.Encode(ev)
	if err != nil {
		panic(err)
	}
	return b
}

// Buf builds a scripted buffer of the given size holding evs.
func Buf(size uint32, evs ...*event.Event) Buffer {
	b := Buffer{Size: size}
	for _, ev := range evs {
		b.Events = append(b.Events, Raw(ev))
	}
	return b
}
