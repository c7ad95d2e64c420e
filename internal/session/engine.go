// Package session implements the trace session engine: it validates a
// request, resolves its providers, drives one native session on a
// dedicated OS thread, decodes what the facility delivers into a Sink and
// stops on the stop policy, on cancellation or when the stream ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"

	"github.com/yew011/etwpilot-sub000/internal/logger"
	"github.com/yew011/etwpilot-sub000/internal/native"
	"github.com/yew011/etwpilot-sub000/internal/native/recfile"
	"github.com/yew011/etwpilot-sub000/internal/provider"
	"github.com/yew011/etwpilot-sub000/internal/record"
)

// Defaults for Options fields left zero.
const (
	DefaultNamePrefix       = "etwpilot"
	DefaultIdleGrace        = 2 * time.Second
	DefaultProgressInterval = 500 * time.Millisecond
)

// Options configures an Engine. Zero fields take defaults.
type Options struct {
	// ID identifies the engine in progress reports.
	ID uint64
	// NamePrefix starts every native session name; a random suffix keeps
	// names unique across runs and processes.
	NamePrefix string
	Sink       *Sink
	Reporter   Reporter
	Decoder    record.Decoder
	// IdleGrace is how long past its time threshold, or past a
	// cancellation request, a session waits for a buffer before the
	// engine stops the native stream out of band.
	IdleGrace time.Duration
	// ProgressInterval throttles per-buffer progress reports.
	ProgressInterval time.Duration
	// CaptureFile, when set, selects the file capture variant: every raw
	// event and buffer boundary is also written to this path.
	CaptureFile string
}

// Stats are the engine counters for the current or last session.
type Stats struct {
	Name         string
	State        State
	Reason       StopReason
	Events       uint64
	Bytes        uint64
	Buffers      uint64
	BufferErrors uint64
	Dropped      uint64
	Elapsed      time.Duration
}

// Engine runs trace sessions one at a time. Start, RequestStop, Wait,
// Close and the accessors are safe to call from any goroutine.
type Engine struct {
	facility native.Facility
	resolver *provider.Resolver
	opts     Options
	sink     *Sink
	reporter Reporter
	decoder  record.Decoder

	log     log.Logger
	sampled *logger.SampledLogger

	mu     sync.Mutex // serializes Start and Close
	closed bool

	state atomic.Int32
	cur   atomic.Pointer[run]

	buffers      atomic.Uint64
	bufferErrors atomic.Uint64
	dropped      atomic.Uint64
}

// run is the per-session part of the engine: one native handle, one
// worker, one cancellation signal.
type run struct {
	name      string
	params    Parameters
	handle    native.Handle
	providers []provider.Enabled
	startedAt time.Time

	cancel     chan struct{}
	cancelOnce sync.Once
	consumed   chan struct{} // closed when Consume returned
	done       chan struct{} // closed when the session reached its final state

	mu        sync.Mutex
	reason    StopReason
	err       error
	stoppedAt time.Time
}

func (r *run) requestCancel() {
	r.cancelOnce.Do(func() { close(r.cancel) })
}

func (r *run) cancelRequested() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

// setReason records the first reason only.
func (r *run) setReason(reason StopReason) {
	r.mu.Lock()
	if r.reason == ReasonNone {
		r.reason = reason
	}
	r.mu.Unlock()
}

func (r *run) result() (StopReason, error, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason, r.err, r.stoppedAt
}

// New creates an engine that opens sessions on facility and resolves
// providers against catalog.
func New(facility native.Facility, catalog provider.Catalog, opts Options) *Engine {
	if opts.NamePrefix == "" {
		opts.NamePrefix = DefaultNamePrefix
	}
	if opts.IdleGrace <= 0 {
		opts.IdleGrace = DefaultIdleGrace
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	e := &Engine{
		facility: facility,
		resolver: provider.NewResolver(catalog),
		opts:     opts,
		sink:     opts.Sink,
		reporter: opts.Reporter,
		decoder:  opts.Decoder,
		log:      logger.NewLoggerWithContext("session"),
		sampled:  logger.NewSampledLogger("session"),
	}
	if e.sink == nil {
		e.sink = NewSink()
	}
	if e.reporter == nil {
		e.reporter = NopReporter{}
	}
	if e.decoder == nil {
		e.decoder = record.NewDecoder()
	}
	e.state.Store(int32(Created))
	return e
}

// ID returns the engine id given in Options.
func (e *Engine) ID() uint64 { return e.opts.ID }

// Sink returns the sink the engine writes to.
func (e *Engine) Sink() *Sink { return e.sink }

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Name returns the native session name of the current or last session.
func (e *Engine) Name() string {
	if r := e.cur.Load(); r != nil {
		return r.name
	}
	return ""
}

// Parameters returns the parameters of the current or last session.
func (e *Engine) Parameters() Parameters {
	if r := e.cur.Load(); r != nil {
		return r.params
	}
	return Parameters{}
}

// Providers returns the resolved providers of the current or last session.
func (e *Engine) Providers() []provider.Enabled {
	if r := e.cur.Load(); r != nil {
		return append([]provider.Enabled(nil), r.providers...)
	}
	return nil
}

// StopReason returns why the last session ended, or ReasonNone while one
// is running.
func (e *Engine) StopReason() StopReason {
	if !e.State().Terminal() {
		return ReasonNone
	}
	if r := e.cur.Load(); r != nil {
		reason, _, _ := r.result()
		return reason
	}
	return ReasonNone
}

// Err returns the error a Faulted session ended with.
func (e *Engine) Err() error {
	if r := e.cur.Load(); r != nil && e.State().Terminal() {
		_, err, _ := r.result()
		return err
	}
	return nil
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	events, bytes := e.sink.Counts()
	st := Stats{
		State:        e.State(),
		Events:       events,
		Bytes:        bytes,
		Buffers:      e.buffers.Load(),
		BufferErrors: e.bufferErrors.Load(),
		Dropped:      e.dropped.Load(),
	}
	if r := e.cur.Load(); r != nil {
		st.Name = r.name
		st.Elapsed = e.elapsed(r)
		if st.State.Terminal() {
			st.Reason, _, _ = r.result()
		}
	}
	return st
}

func (e *Engine) elapsed(r *run) time.Duration {
	if r.startedAt.IsZero() {
		return 0
	}
	if _, _, stoppedAt := r.result(); !stoppedAt.IsZero() {
		return stoppedAt.Sub(r.startedAt)
	}
	return time.Since(r.startedAt)
}

func (e *Engine) setState(r *run, s State) {
	e.state.Store(int32(s))
	e.report(r, s)
}

func (e *Engine) report(r *run, s State) {
	events, bytes := e.sink.Counts()
	p := Progress{
		SessionID: e.opts.ID,
		State:     s,
		Events:    events,
		Bytes:     bytes,
	}
	if r != nil {
		p.Name = r.name
		if !r.startedAt.IsZero() {
			p.Elapsed = e.elapsed(r)
		}
		if s.Terminal() {
			p.Reason, p.Err, _ = r.result()
		}
	}
	e.reporter.Report(p)
}

// Start validates params, resolves the providers, opens and starts the
// native session and spawns the consumption worker. It returns once the
// worker is running; use Wait to block until the session ends.
//
// Configuration and resolution errors leave the state untouched and no
// native resource is acquired. A failure to open, register or start the
// native session closes the handle, moves the engine to Faulted and is
// returned wrapped in ErrNativeStart. ctx cancels the session the same way
// RequestStop does.
func (e *Engine) Start(ctx context.Context, params Parameters) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if st := e.State(); st.Active() {
		return fmt.Errorf("%w: state %s", ErrSessionActive, st)
	}
	if err := params.Validate(); err != nil {
		return err
	}
	params = params.trimmed()

	providers, err := e.resolver.Resolve(params.Providers, params.Scope())
	if err != nil {
		if errors.Is(err, provider.ErrFilterLimit) {
			return fmt.Errorf("%w: %w", ErrInvalidParameters, err)
		}
		return err
	}

	// Reuse: the previous worker is gone once the state is terminal.
	e.sink.Clear()
	e.buffers.Store(0)
	e.bufferErrors.Store(0)
	e.dropped.Store(0)

	r := &run{
		name:      e.opts.NamePrefix + "-" + uuid.NewString(),
		params:    params,
		providers: providers,
		cancel:    make(chan struct{}),
		consumed:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	handle, err := e.openNative(r)
	if err != nil {
		r.mu.Lock()
		r.reason = ReasonFault
		r.err = fmt.Errorf("%w: %w", ErrNativeStart, err)
		r.stoppedAt = time.Now()
		r.mu.Unlock()
		close(r.consumed)
		close(r.done)
		e.cur.Store(r)
		e.setState(r, Faulted)
		e.log.Error().Err(err).Str("session", r.name).Msg("Failed to start native session")
		return r.err
	}
	r.handle = handle
	r.startedAt = time.Now()
	e.cur.Store(r)
	e.setState(r, Started)

	e.log.Info().
		Str("session", r.name).
		Int("providers", len(providers)).
		Int("stop_on_seconds", params.StopOnSeconds).
		Int("stop_on_bytes_mb", params.StopOnBytesMB).
		Msg("Trace session started")

	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		e.watchdog(ctx, r)
	}()
	go e.consume(ctx, r, &watch)
	return nil
}

// openNative opens, registers and starts the native session. On error the
// partially opened handle is already closed.
func (e *Engine) openNative(r *run) (h native.Handle, err error) {
	h, err = e.facility.OpenSession(r.name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", r.name, err)
	}
	defer func() {
		if err != nil {
			if cerr := h.Close(); cerr != nil {
				e.log.Warn().Err(cerr).Str("session", r.name).Msg("Failed to close native session after start failure")
			}
			h = nil
		}
	}()

	if e.opts.CaptureFile != "" {
		w, werr := recfile.Create(e.opts.CaptureFile)
		if werr != nil {
			return h, werr
		}
		h = w.Tee(h)
	}

	for _, p := range r.providers {
		if err = h.AddProvider(p); err != nil {
			return h, fmt.Errorf("enable provider %s: %w", p, err)
		}
		e.log.Debug().Str("session", r.name).Str("provider", p.String()).Msg("Enabled provider")
	}
	if err = h.Start(); err != nil {
		return h, fmt.Errorf("start %s: %w", r.name, err)
	}
	return h, nil
}

// consume is the session worker. It owns the native handle from here on
// and releases it on every path before the final state is published.
func (e *Engine) consume(ctx context.Context, r *run, watch *sync.WaitGroup) {
	// Facilities that call back from inside Consume run the callbacks on
	// this thread; ETW calls them from its ProcessTrace goroutine instead.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	e.setState(r, Consuming)

	err := e.consumeNative(ctx, r)
	close(r.consumed)
	watch.Wait()

	e.state.Store(int32(Stopping))
	e.report(r, Stopping)

	if cerr := r.handle.Close(); cerr != nil {
		e.log.Warn().Err(cerr).Str("session", r.name).Msg("Error releasing native session")
	}

	final := Stopped
	r.mu.Lock()
	if err != nil {
		r.err = fmt.Errorf("%w: %w", ErrConsume, err)
		r.reason = ReasonFault
		final = Faulted
	} else if r.reason == ReasonNone {
		r.reason = ReasonCompleted
	}
	r.stoppedAt = time.Now()
	reason := r.reason
	r.mu.Unlock()

	st := e.Stats()
	entry := e.log.Info()
	if final == Faulted {
		entry = e.log.Error().Err(err)
	}
	entry.Str("session", r.name).
		Str("reason", reason.String()).
		Uint64("events", st.Events).
		Uint64("bytes", st.Bytes).
		Uint64("dropped", st.Dropped).
		Uint64("buffer_errors", st.BufferErrors).
		Dur("elapsed", st.Elapsed).
		Msg("Trace session ended")

	e.setState(r, final)
}

// consumeNative runs the blocking Consume call. A panic escaping the
// facility is turned into an error so the handle is still released.
func (e *Engine) consumeNative(ctx context.Context, r *run) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic in native consume: %v", v)
		}
	}()

	progress := rate.Sometimes{Interval: e.opts.ProgressInterval}
	onEvent := func(raw []byte) {
		defer func() {
			if v := recover(); v != nil {
				e.dropped.Add(1)
				e.sampled.SampledWarn("session.decode_panic", nil).Str("session", r.name).Any("panic", v).Msg("Decoder panicked, event dropped")
			}
		}()
		ev, err := e.decoder.Decode(raw)
		if err != nil {
			e.dropped.Add(1)
			e.sampled.SampledDebug(logger.ErrorKey("session.decode", err), err).Str("session", r.name).Msg("Undecodable event dropped")
			return
		}
		e.sink.Append(ev)
	}

	onBuffer := func(b native.Buffer) (action native.Action) {
		defer func() {
			if v := recover(); v != nil {
				e.bufferErrors.Add(1)
				e.sampled.SampledWarn("session.buffer_panic", nil).Str("session", r.name).Any("panic", v).Msg("Buffer callback panicked")
				action = native.Continue
				if r.cancelRequested() || ctx.Err() != nil {
					r.setReason(ReasonCancelled)
					action = native.Stop
				}
			}
		}()

		e.buffers.Add(1)
		if b.Err != nil {
			e.bufferErrors.Add(1)
			e.sampled.SampledWarn(logger.ErrorKey("session.buffer", b.Err), b.Err).Str("session", r.name).Msg("Unreadable buffer metadata, counting zero bytes")
		} else {
			e.sink.AddBytes(uint64(b.Filled))
		}

		if r.cancelRequested() || ctx.Err() != nil {
			r.setReason(ReasonCancelled)
			return native.Stop
		}
		if reason := Evaluate(e.sink.Bytes(), time.Since(r.startedAt), r.params); reason != ReasonNone {
			r.setReason(reason)
			return native.Stop
		}
		progress.Do(func() { e.report(r, Consuming) })
		return native.Continue
	}

	return r.handle.Consume(onEvent, onBuffer)
}

// watchdog stops the native stream out of band when no buffer arrives to
// carry the stop: IdleGrace after the time threshold, or IdleGrace after
// a cancellation request.
func (e *Engine) watchdog(ctx context.Context, r *run) {
	var deadline <-chan time.Time
	if r.params.StopOnSeconds > 0 {
		d := time.Until(r.startedAt.Add(time.Duration(r.params.StopOnSeconds)*time.Second + e.opts.IdleGrace))
		t := time.NewTimer(d)
		defer t.Stop()
		deadline = t.C
	}

	cancel := r.cancel
	ctxDone := ctx.Done()
	var grace <-chan time.Time

	for {
		select {
		case <-r.consumed:
			return
		case <-ctxDone:
			r.requestCancel()
			ctxDone = nil
		case <-cancel:
			cancel = nil
			t := time.NewTimer(e.opts.IdleGrace)
			defer t.Stop()
			grace = t.C
		case <-grace:
			r.setReason(ReasonCancelled)
			e.stopNative(r, "no buffer after cancellation")
			return
		case <-deadline:
			r.setReason(ReasonTime)
			e.stopNative(r, "no buffer after time threshold")
			return
		}
	}
}

func (e *Engine) stopNative(r *run, why string) {
	e.log.Debug().Str("session", r.name).Str("why", why).Msg("Stopping native session out of band")
	if err := r.handle.Stop(); err != nil {
		e.log.Warn().Err(err).Str("session", r.name).Msg("Failed to stop native session")
	}
}

// RequestStop asks the running session to stop at the next buffer
// boundary. It never blocks. Calling it again, or when no session runs,
// does nothing.
func (e *Engine) RequestStop() {
	if r := e.cur.Load(); r != nil {
		r.requestCancel()
	}
}

// Wait blocks until the current session reaches Stopped or Faulted, or ctx
// is done. It returns the session error for Faulted, nil for Stopped and
// ctx.Err() if ctx ended first.
func (e *Engine) Wait(ctx context.Context) error {
	r := e.cur.Load()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		_, err, _ := r.result()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the current session ends, or nil if
// no session was started.
func (e *Engine) Done() <-chan struct{} {
	if r := e.cur.Load(); r != nil {
		return r.done
	}
	return nil
}

// Close stops any running session, waits for its worker to release the
// native handle and refuses further starts. It is safe to call more than
// once and on an engine that never started.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.RequestStop()
	if r := e.cur.Load(); r != nil {
		<-r.done
	}
	return nil
}
