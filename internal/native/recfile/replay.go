package recfile

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/yew011/etwpilot-sub000/internal/native"
	"github.com/yew011/etwpilot-sub000/internal/provider"
)

// Replay is a native.Facility that plays a capture file back. Every opened
// session reads the file from the start. Events of providers that were not
// added to the session, or that fail its PID or event id filters, are
// skipped.
type Replay struct {
	path string
	pace bool
}

// ReplayOption configures a Replay.
type ReplayOption func(*Replay)

// WithPacing makes the replay wait between buffers as long as the capture
// did, so time based stop policies behave as they did live.
func WithPacing() ReplayOption {
	return func(r *Replay) { r.pace = true }
}

// NewReplay returns a facility replaying the capture at path.
func NewReplay(path string, opts ...ReplayOption) *Replay {
	r := &Replay{path: path}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OpenSession opens the capture file. name is only informative.
func (r *Replay) OpenSession(name string) (native.Handle, error) {
	rd, err := Open(r.path)
	if err != nil {
		return nil, err
	}
	return &replayHandle{rd: rd, pace: r.pace, stopCh: make(chan struct{})}, nil
}

type replayHandle struct {
	pace bool

	mu        sync.Mutex
	rd        *Reader
	providers []provider.Enabled
	started   bool
	closed    bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func (h *replayHandle) AddProvider(p provider.Enabled) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return native.ErrClosed
	}
	h.providers = append(h.providers, p)
	return nil
}

func (h *replayHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return native.ErrClosed
	}
	if h.started {
		return native.ErrAlreadyStarted
	}
	h.started = true
	return nil
}

func (h *replayHandle) Consume(onEvent native.EventFunc, onBuffer native.BufferFunc) error {
	h.mu.Lock()
	rd, started, closed := h.rd, h.started, h.closed
	matcher := native.NewMatcher(h.providers, nil)
	h.mu.Unlock()
	if closed {
		return native.ErrClosed
	}
	if !started {
		return native.ErrNotStarted
	}

	var last time.Time
	for {
		select {
		case <-h.stopCh:
			return nil
		default:
		}

		f, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch f.Kind {
		case FrameEvent:
			if matcher.Match(f.Raw) {
				onEvent(f.Raw)
			}
		case FrameBuffer:
			if h.pace && !last.IsZero() {
				if !h.sleep(f.Time.Sub(last)) {
					return nil
				}
			}
			last = f.Time
			if onBuffer(f.Buffer) == native.Stop {
				return nil
			}
		}
	}
}

func (h *replayHandle) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
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

func (h *replayHandle) Stop() error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	return nil
}

func (h *replayHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.stopOnce.Do(func() { close(h.stopCh) })
	return h.rd.Close()
}

// Catalog returns the providers recorded in the capture at path, so a
// replay can resolve them where the system does not know them.
func Catalog(path string) (*provider.StaticCatalog, error) {
	rd, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	c := provider.NewStaticCatalog()
	for {
		f, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return c, nil
		}
		if err != nil {
			return nil, err
		}
		if f.Kind == FrameProvider {
			c.Add(f.Provider)
		}
	}
}
