//go:build windows

package etwnative

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/tekert/golang-etw/etw"

	"github.com/yew011/etwpilot-sub000/internal/event"
	"github.com/yew011/etwpilot-sub000/internal/logger"
	"github.com/yew011/etwpilot-sub000/internal/native"
	"github.com/yew011/etwpilot-sub000/internal/provider"
)

var libLoggerOnce sync.Once

// Facility opens real-time ETW sessions.
type Facility struct {
	opts Options
	log  log.Logger
}

// NewFacility creates the ETW facility and routes the library's own
// logging into the configured logger.
func NewFacility(opts Options) native.Facility {
	libLoggerOnce.Do(func() {
		etw.SetLoggerHandler(logger.LibraryLogger().Slog().Handler())
	})
	return &Facility{
		opts: opts.withDefaults(),
		log:  logger.NewLoggerWithContext("etw_facility"),
	}
}

// OpenSession implements native.Facility. The native session is created
// on Start; until then nothing is allocated in the kernel.
func (f *Facility) OpenSession(name string) (native.Handle, error) {
	return &handle{
		f:       f,
		name:    name,
		session: etw.NewRealTimeSession(name),
		stopCh:  make(chan struct{}),
		names:   make(map[uuid.UUID]string),
	}, nil
}

type handle struct {
	f       *Facility
	name    string
	session *etw.RealTimeSession

	mu        sync.Mutex
	providers []provider.Enabled
	names     map[uuid.UUID]string
	started   bool
	consuming bool
	closed    bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func (h *handle) AddProvider(p provider.Enabled) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return native.ErrClosed
	}
	if h.started {
		return native.ErrAlreadyStarted
	}
	h.providers = append(h.providers, p)
	h.names[p.GUID] = p.Name
	return nil
}

// toProvider builds the library provider. Event id filters are pushed
// down; pid and executable filters are applied by the consumer matcher.
func toProvider(p provider.Enabled) etw.Provider {
	out := etw.Provider{
		GUID:            toETW(p.GUID),
		Name:            p.Name,
		EnableLevel:     p.Level,
		MatchAnyKeyword: p.MatchAnyKeyword,
		MatchAllKeyword: p.MatchAllKeyword,
	}
	for _, f := range p.Filters {
		if ids, ok := f.(provider.EventIDFilter); ok && len(ids.IDs) > 0 {
			out.Filters = append(out.Filters, etw.NewEventIDFilter(ids.Enable, ids.IDs...))
		}
	}
	return out
}

func (h *handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		return native.ErrClosed
	case h.started:
		return native.ErrAlreadyStarted
	}
	if err := h.session.Start(); err != nil {
		return fmt.Errorf("start trace %s: %w", h.name, err)
	}
	h.started = true
	for _, p := range h.providers {
		if err := h.session.EnableProvider(toProvider(p)); err != nil {
			return fmt.Errorf("enable %s: %w", p, err)
		}
	}
	return nil
}

func (h *handle) Consume(onEvent native.EventFunc, onBuffer native.BufferFunc) error {
	h.mu.Lock()
	switch {
	case h.closed:
		h.mu.Unlock()
		return native.ErrClosed
	case !h.started:
		h.mu.Unlock()
		return native.ErrNotStarted
	case h.consuming:
		h.mu.Unlock()
		return native.ErrAlreadyStarted
	}
	h.consuming = true
	matcher := native.NewMatcher(h.providers, h.f.opts.ProcessName)
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := etw.NewConsumer(ctx).FromSessions(h.session)

	pump := newPump(matcher, onEvent, onBuffer, h.f.opts)
	// The header is converted first; the library then decodes the
	// properties, which complete the held event. After a stop the
	// library is told to skip the decoding.
	c.EventRecordCallback = func(er *etw.EventRecord) bool {
		pump.hold(h.convert(er), eventHeaderSize+uint32(er.UserDataLength))
		return !pump.stopped
	}
	c.EventCallback = func(e *etw.Event) error {
		if e == nil {
			return nil
		}
		pump.complete(payloadFrom(e.EventData, e.UserData))
		e.Release()
		return nil
	}

	if err := pump.run(c, h.stopCh, h.f.log); err != nil {
		return fmt.Errorf("consume %s: %w", h.name, err)
	}
	return nil
}

func (h *handle) Stop() error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	return nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.stopOnce.Do(func() { close(h.stopCh) })
	if !h.started {
		return nil
	}
	if err := h.session.Stop(); err != nil {
		return fmt.Errorf("stop trace %s: %w", h.name, err)
	}
	return nil
}

const eventHeaderSize = uint32(unsafe.Sizeof(etw.EventHeader{}))

// convert builds the event from the record header and extended data. The
// raw user data stands in as the payload until the decoded properties
// arrive; it is copied because the record is only valid during the
// callback.
func (h *handle) convert(er *etw.EventRecord) *event.Event {
	hdr := &er.EventHeader
	provID := fromETW(hdr.ProviderId)
	ev := &event.Event{
		ProviderID:   provID,
		ProviderName: h.names[provID],
		EventID:      hdr.EventDescriptor.Id,
		Version:      hdr.EventDescriptor.Version,
		Level:        hdr.EventDescriptor.Level,
		Opcode:       hdr.EventDescriptor.Opcode,
		Keywords:     hdr.EventDescriptor.Keyword,
		ProcessID:    hdr.ProcessId,
		ThreadID:     hdr.ThreadId,
		ActivityID:   fromETW(hdr.ActivityId),
		Timestamp:    hdr.UTCTimeStamp(),
	}
	if er.UserDataLength > 0 && er.UserData != 0 {
		data := unsafe.Slice((*byte)(unsafe.Pointer(er.UserData)), er.UserDataLength)
		ev.Payload = []event.Property{{Name: "UserData", Value: bytes.Clone(data)}}
	}
	applyExtended(ev, extendedItems(er))
	return ev
}

// extendedItems views the SID and stack trace items of er. The views are
// only valid during the callback.
func extendedItems(er *etw.EventRecord) []extendedItem {
	if er.ExtendedDataCount == 0 {
		return nil
	}
	var items []extendedItem
	for i := uint16(0); i < er.ExtendedDataCount; i++ {
		it, err := er.ExtendedDataItem(i)
		if err != nil || it.DataPtr == 0 || it.DataSize == 0 {
			continue
		}
		switch it.ExtType {
		case extTypeSID, extTypeStackTrace32, extTypeStackTrace64:
			data := unsafe.Slice((*byte)(unsafe.Pointer(it.DataPtr)), it.DataSize)
			items = append(items, extendedItem{Type: it.ExtType, Data: data})
		}
	}
	return items
}
