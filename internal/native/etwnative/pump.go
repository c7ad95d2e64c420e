package etwnative

import (
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/yew011/etwpilot-sub000/internal/event"
	"github.com/yew011/etwpilot-sub000/internal/native"
	"github.com/yew011/etwpilot-sub000/internal/record"
)

// recordSource is a started native consumer feeding a pump. Its callbacks
// run on a goroutine of its own, one record at a time.
type recordSource interface {
	Start() error
	// Wait blocks until the last record was delivered.
	Wait()
	Stop() error
}

// pump turns converted events into raw records and synthesizes buffer
// boundaries. Apart from done, it is used from the source's callback
// goroutine only, and from run once the source finished.
//
// An event is held until its decoded payload arrives. The library reports
// nothing for records it cannot decode, so a held event is delivered as is
// when the next record arrives or the stream ends.
type pump struct {
	matcher  *native.Matcher
	onEvent  native.EventFunc
	onBuffer native.BufferFunc
	now      func() time.Time

	size    uint32
	flush   time.Duration
	pending uint32
	last    time.Time
	scratch []byte

	held     *event.Event
	heldSize uint32

	stopped  bool
	stopReq  chan struct{}
	stopOnce sync.Once
}

func newPump(matcher *native.Matcher, onEvent native.EventFunc, onBuffer native.BufferFunc, opts Options) *pump {
	opts = opts.withDefaults()
	return &pump{
		matcher:  matcher,
		onEvent:  onEvent,
		onBuffer: onBuffer,
		now:      time.Now,
		size:     opts.BufferBytes,
		flush:    opts.FlushInterval,
		last:     time.Now(),
		stopReq:  make(chan struct{}),
	}
}

// done is closed once the buffer callback asked to stop.
func (p *pump) done() <-chan struct{} { return p.stopReq }

// hold keeps ev, which accounts for size bytes of the stream, until its
// payload is decoded. A previously held event is delivered first.
func (p *pump) hold(ev *event.Event, size uint32) {
	p.release()
	if p.stopped {
		return
	}
	p.held, p.heldSize = ev, size
}

// complete attaches the decoded payload to the held event and delivers it.
func (p *pump) complete(payload []event.Property) {
	if p.held == nil {
		return
	}
	if len(payload) > 0 {
		p.held.Payload = payload
	}
	p.release()
}

func (p *pump) release() {
	if p.held == nil {
		return
	}
	ev, size := p.held, p.heldSize
	p.held, p.heldSize = nil, 0
	p.deliver(ev, size)
}

// deliver hands ev to the event callback when the matcher accepts it and
// reports a buffer boundary once size bytes or the flush interval are
// reached.
func (p *pump) deliver(ev *event.Event, size uint32) {
	if p.stopped {
		return
	}
	var err error
	p.scratch, err = record.Append(p.scratch[:0], ev)
	if err == nil && p.matcher.Match(p.scratch) {
		p.onEvent(p.scratch)
	}

	p.pending += size
	if now := p.now(); p.pending >= p.size || now.Sub(p.last) >= p.flush {
		p.last = now
		p.boundary()
	}
}

func (p *pump) boundary() {
	action := p.onBuffer(native.Buffer{Filled: p.pending, Size: p.size})
	p.pending = 0
	if action == native.Stop {
		p.stopped = true
		p.held = nil
		p.stopOnce.Do(func() { close(p.stopReq) })
	}
}

// finish delivers the held event and reports the bytes delivered since the
// last boundary. Nothing is reported after a stop.
func (p *pump) finish() {
	p.release()
	if !p.stopped && p.pending > 0 {
		p.boundary()
	}
}

// run starts src and blocks until the pump asked to stop, stop is closed
// or the source ran dry.
func (p *pump) run(src recordSource, stop <-chan struct{}, l log.Logger) error {
	if err := src.Start(); err != nil {
		return err
	}
	finished := make(chan struct{})
	go func() {
		src.Wait()
		close(finished)
	}()

	select {
	case <-p.done():
	case <-stop:
	case <-finished:
	}
	if err := src.Stop(); err != nil {
		l.Debug().Err(err).Msg("Consumer stop reported an error")
	}
	<-finished

	p.finish()
	return nil
}
