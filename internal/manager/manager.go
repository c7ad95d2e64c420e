// Package manager keeps the trace sessions of one process in a registry
// and gives the three kinds of callers their entry points: a live session
// read while it runs, a short tool run that returns the first events, and
// a capture that returns the whole result once the session stopped.
package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"github.com/yew011/etwpilot-sub000/internal/event"
	"github.com/yew011/etwpilot-sub000/internal/logger"
	"github.com/yew011/etwpilot-sub000/internal/maps"
	"github.com/yew011/etwpilot-sub000/internal/native"
	"github.com/yew011/etwpilot-sub000/internal/provider"
	"github.com/yew011/etwpilot-sub000/internal/session"
)

// DefaultProgressBuffer is the progress channel size when Options leaves it zero.
const DefaultProgressBuffer = 64

var (
	ErrNotFound = errors.New("session not found")
	ErrClosed   = errors.New("session manager closed")
)

// Options configures a Manager.
type Options struct {
	// MapImpl selects the registry backend, see maps.Implementations.
	MapImpl          string
	NamePrefix       string
	IdleGrace        time.Duration
	ProgressInterval time.Duration
	ProgressBuffer   int
	// CaptureDir, when set, makes every session also write a capture file
	// named <label>-<id>.etwrec into this directory.
	CaptureDir string
}

// Entry is one registered session.
type Entry struct {
	ID       uint64
	Label    string
	Created  time.Time
	Engine   *session.Engine
	Progress *session.ChannelReporter
	// CaptureFile is empty unless the manager writes captures.
	CaptureFile string
}

// Result is what a finished session produced.
type Result struct {
	Entry  *Entry
	Events []*event.Event
	Stats  session.Stats
}

// Manager owns a registry of session engines. All methods are safe for
// concurrent use.
type Manager struct {
	facility native.Facility
	catalog  provider.Catalog
	opts     Options

	sessions maps.ConcurrentMap[uint64, *Entry]
	nextID   atomic.Uint64
	closed   atomic.Bool

	log log.Logger

	// beforeRegister, when set, runs between starting and registering a
	// session. Tests use it to interleave Close.
	beforeRegister func()
}

// New creates a manager that runs sessions on facility and resolves
// providers against catalog.
func New(facility native.Facility, catalog provider.Catalog, opts Options) (*Manager, error) {
	sessions, err := maps.New[uint64, *Entry](opts.MapImpl)
	if err != nil {
		return nil, fmt.Errorf("session registry: %w", err)
	}
	if opts.ProgressBuffer <= 0 {
		opts.ProgressBuffer = DefaultProgressBuffer
	}
	m := &Manager{
		facility: facility,
		catalog:  catalog,
		opts:     opts,
		sessions: sessions,
		log:      logger.NewLoggerWithContext("manager"),
	}
	m.log.Debug().Str("map_impl", opts.MapImpl).Msg("Session manager created")
	return m, nil
}

// StartOption adjusts one session started by the manager.
type StartOption func(*startConfig)

type startConfig struct {
	captureFile string
}

// WithCaptureFile writes the capture log of the session to path instead
// of the file derived from the capture directory.
func WithCaptureFile(path string) StartOption {
	return func(c *startConfig) { c.captureFile = path }
}

func (m *Manager) newEntry(label string, opts []StartOption) *Entry {
	var sc startConfig
	for _, o := range opts {
		o(&sc)
	}
	id := m.nextID.Add(1)
	if label == "" {
		label = "session"
	}
	ent := &Entry{
		ID:       id,
		Label:    label,
		Created:  time.Now(),
		Progress: session.NewChannelReporter(m.opts.ProgressBuffer),
	}
	switch {
	case sc.captureFile != "":
		ent.CaptureFile = sc.captureFile
	case m.opts.CaptureDir != "":
		ent.CaptureFile = filepath.Join(m.opts.CaptureDir, fmt.Sprintf("%s-%d.etwrec", label, id))
	}
	ent.Engine = session.New(m.facility, m.catalog, session.Options{
		ID:               id,
		NamePrefix:       m.opts.NamePrefix,
		Reporter:         ent.Progress,
		IdleGrace:        m.opts.IdleGrace,
		ProgressInterval: m.opts.ProgressInterval,
		CaptureFile:      ent.CaptureFile,
	})
	return ent
}

// StartLive starts a session and registers it. The returned entry's sink
// can be read while the session appends. Sessions that fail to start are
// not registered.
func (m *Manager) StartLive(ctx context.Context, label string, params session.Parameters, opts ...StartOption) (*Entry, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	ent := m.newEntry(label, opts)
	if err := ent.Engine.Start(ctx, params); err != nil {
		m.log.Warn().Err(err).Uint64("id", ent.ID).Str("label", ent.Label).Msg("Session failed to start")
		return nil, err
	}
	if m.beforeRegister != nil {
		m.beforeRegister()
	}
	m.sessions.Store(ent.ID, ent)
	// Close may have listed the sessions between the check above and the
	// Store; such a session would never be stopped.
	if m.closed.Load() {
		_ = m.Remove(ent.ID)
		m.log.Debug().Uint64("id", ent.ID).Msg("Session started while closing, stopped")
		return nil, ErrClosed
	}
	m.log.Info().Uint64("id", ent.ID).Str("label", ent.Label).Str("session", ent.Engine.Name()).
		Msg("Session registered")
	return ent, nil
}

// RunTool runs a short session to completion and returns at most limit
// events from the start of the result set; limit <= 0 returns all of them.
// The session is unregistered before RunTool returns. Cancelling ctx stops
// the session early; what was collected so far is still returned.
func (m *Manager) RunTool(ctx context.Context, params session.Parameters, limit int) (Result, error) {
	ent, err := m.StartLive(ctx, "tool", params)
	if err != nil {
		return Result{}, err
	}
	defer m.Remove(ent.ID)

	err = ent.Engine.Wait(context.Background())
	res := Result{Entry: ent, Stats: ent.Engine.Stats()}
	if limit > 0 {
		res.Events = ent.Engine.Sink().Prefix(limit)
	} else {
		res.Events = ent.Engine.Sink().Snapshot()
	}
	return res, err
}

// Capture runs a session to completion and returns its full result. The
// session stays registered so it can be listed and exported afterwards.
func (m *Manager) Capture(ctx context.Context, label string, params session.Parameters, opts ...StartOption) (Result, error) {
	ent, err := m.StartLive(ctx, label, params, opts...)
	if err != nil {
		return Result{}, err
	}
	err = ent.Engine.Wait(context.Background())
	return Result{
		Entry:  ent,
		Events: ent.Engine.Sink().Snapshot(),
		Stats:  ent.Engine.Stats(),
	}, err
}

// Get returns the session registered under id.
func (m *Manager) Get(id uint64) (*Entry, bool) {
	return m.sessions.Load(id)
}

// List returns the registered sessions ordered by id.
func (m *Manager) List() []*Entry {
	out := make([]*Entry, 0, m.sessions.Len())
	m.sessions.Range(func(_ uint64, ent *Entry) bool {
		out = append(out, ent)
		return true
	})
	slices.SortFunc(out, func(a, b *Entry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Len is the number of registered sessions.
func (m *Manager) Len() int { return m.sessions.Len() }

// Stop asks the session to stop. It does not wait.
func (m *Manager) Stop(id uint64) error {
	ent, ok := m.sessions.Load(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	ent.Engine.RequestStop()
	return nil
}

// Remove stops the session, waits until its native handle is released and
// drops it from the registry.
func (m *Manager) Remove(id uint64) error {
	ent, ok := m.sessions.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return ent.Engine.Close()
}

// StopAll asks every session to stop and waits for them, or for ctx.
func (m *Manager) StopAll(ctx context.Context) error {
	entries := m.List()
	for _, ent := range entries {
		ent.Engine.RequestStop()
	}
	for _, ent := range entries {
		if done := ent.Engine.Done(); done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Close refuses new sessions, stops the running ones and releases all
// engines. The registry keeps the finished entries for inspection.
func (m *Manager) Close(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	if err := m.StopAll(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Sessions still running at close")
		return err
	}
	for _, ent := range m.List() {
		_ = ent.Engine.Close()
	}
	m.log.Debug().Int("sessions", m.sessions.Len()).Msg("Session manager closed")
	return nil
}
