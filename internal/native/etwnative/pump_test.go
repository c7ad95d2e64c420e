package etwnative

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yew011/etwpilot-sub000/internal/event"
	"github.com/yew011/etwpilot-sub000/internal/native"
	"github.com/yew011/etwpilot-sub000/internal/provider"
	"github.com/yew011/etwpilot-sub000/internal/record"
)

var testProvider = uuid.MustParse("22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716")

// pumpRecorder collects what a pump hands to the engine callbacks.
type pumpRecorder struct {
	mu      sync.Mutex
	events  []*event.Event
	buffers []uint32
	stopAt  int // stop on this buffer, 1-based; 0 never
}

func (r *pumpRecorder) onEvent(raw []byte) {
	ev, err := record.NewDecoder().Decode(raw)
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *pumpRecorder) onBuffer(b native.Buffer) native.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers = append(r.buffers, b.Filled)
	if r.stopAt > 0 && len(r.buffers) == r.stopAt {
		return native.Stop
	}
	return native.Continue
}

// testClock is a manual clock for the flush interval.
type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPump(r *pumpRecorder, matcher *native.Matcher, opts Options) (*pump, *testClock) {
	if matcher == nil {
		matcher = native.NewMatcher(nil, nil)
	}
	clock := &testClock{t: time.Unix(1700000000, 0)}
	p := newPump(matcher, r.onEvent, r.onBuffer, opts)
	p.now = clock.now
	p.last = clock.t
	return p, clock
}

func testEvent(id uint16, pid uint32) *event.Event {
	return &event.Event{
		ProviderID: testProvider,
		EventID:    id,
		ProcessID:  pid,
		Timestamp:  time.Unix(1700000000, 0),
	}
}

func TestPumpBufferBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		size    uint32
		events  int
		each    uint32
		step    time.Duration
		want    []uint32
		wantEvs int
	}{
		{"one boundary per full buffer", 100, 5, 40, 0, []uint32{120, 80}, 5},
		{"exact fill", 100, 4, 50, 0, []uint32{100, 100}, 4},
		{"flush interval", 1 << 20, 3, 10, 2 * time.Second, []uint32{10, 10, 10}, 3},
		{"trailing bytes only", 1 << 20, 2, 10, 0, []uint32{20}, 2},
		{"no events", 100, 0, 0, 0, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &pumpRecorder{}
			p, clock := newTestPump(r, nil, Options{BufferBytes: tt.size, FlushInterval: time.Second})
			for i := 0; i < tt.events; i++ {
				clock.advance(tt.step)
				p.hold(testEvent(uint16(i+1), 4), tt.each)
				p.complete([]event.Property{{Name: "Index", Value: int64(i)}})
			}
			p.finish()
			assert.Equal(t, tt.want, r.buffers)
			assert.Len(t, r.events, tt.wantEvs)
		})
	}
}

func TestPumpStopsAtBoundary(t *testing.T) {
	r := &pumpRecorder{stopAt: 1}
	p, _ := newTestPump(r, nil, Options{BufferBytes: 100, FlushInterval: time.Hour})

	for i := 0; i < 3; i++ {
		p.hold(testEvent(1, 4), 50)
		p.complete(nil)
	}
	select {
	case <-p.done():
	default:
		t.Fatal("pump did not request a stop")
	}
	p.finish()

	assert.Equal(t, []uint32{100}, r.buffers, "nothing is reported after the stop")
	assert.Len(t, r.events, 2)
	assert.True(t, p.stopped)
}

func TestPumpHeldEvents(t *testing.T) {
	r := &pumpRecorder{}
	p, _ := newTestPump(r, nil, Options{BufferBytes: 1 << 20, FlushInterval: time.Hour})

	raw := testEvent(1, 4)
	raw.Payload = []event.Property{{Name: "UserData", Value: []byte{1, 2, 3}}}
	p.hold(raw, 10)

	// No decoded payload arrived for the first event.
	p.hold(testEvent(2, 4), 10)
	p.complete([]event.Property{{Name: "ImageName", Value: "notepad.exe"}})

	p.hold(testEvent(3, 4), 10)
	p.complete(nil)
	p.complete([]event.Property{{Name: "late", Value: "ignored"}})

	p.hold(testEvent(4, 4), 10)
	p.finish()

	require.Len(t, r.events, 4)
	assert.Equal(t, []event.Property{{Name: "UserData", Value: []byte{1, 2, 3}}}, r.events[0].Payload)
	assert.Equal(t, []event.Property{{Name: "ImageName", Value: "notepad.exe"}}, r.events[1].Payload)
	assert.Empty(t, r.events[2].Payload)
	assert.Equal(t, uint16(4), r.events[3].EventID)
	assert.Equal(t, []uint32{40}, r.buffers)
}

func TestPumpMatcherCountsFilteredBytes(t *testing.T) {
	pids := provider.NewPIDFilter([]uint32{200})
	m := native.NewMatcher([]provider.Enabled{{GUID: testProvider, Filters: []provider.Filter{pids}}}, nil)

	r := &pumpRecorder{}
	p, _ := newTestPump(r, m, Options{BufferBytes: 1 << 20, FlushInterval: time.Hour})
	for _, pid := range []uint32{100, 200, 300, 200} {
		p.hold(testEvent(1, pid), 25)
		p.complete(nil)
	}
	p.finish()

	require.Len(t, r.events, 2)
	for _, ev := range r.events {
		assert.Equal(t, uint32(200), ev.ProcessID)
	}
	assert.Equal(t, []uint32{100}, r.buffers)
}

// fakeSource feeds a pump from its own goroutine, like the ETW consumer.
type fakeSource struct {
	feed     func(stop <-chan struct{})
	startErr error

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	stops    int
}

func newFakeSource(feed func(stop <-chan struct{})) *fakeSource {
	return &fakeSource{feed: feed, stop: make(chan struct{}), done: make(chan struct{})}
}

func (s *fakeSource) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	go func() {
		defer close(s.done)
		s.feed(s.stop)
	}()
	return nil
}

func (s *fakeSource) Wait() { <-s.done }

func (s *fakeSource) Stop() error {
	s.stops++
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func TestPumpRun(t *testing.T) {
	opts := Options{BufferBytes: 100, FlushInterval: time.Hour}

	t.Run("source runs dry", func(t *testing.T) {
		r := &pumpRecorder{}
		p, _ := newTestPump(r, nil, opts)
		src := newFakeSource(func(<-chan struct{}) {
			for i := 0; i < 3; i++ {
				p.hold(testEvent(1, 4), 40)
				p.complete(nil)
			}
		})
		require.NoError(t, p.run(src, make(chan struct{}), log.DefaultLogger))
		assert.Equal(t, []uint32{120}, r.buffers)
		assert.Len(t, r.events, 3)
		assert.Equal(t, 1, src.stops)
	})

	t.Run("stop requested by the buffer callback", func(t *testing.T) {
		r := &pumpRecorder{stopAt: 1}
		p, _ := newTestPump(r, nil, opts)
		src := newFakeSource(func(stop <-chan struct{}) {
			for {
				select {
				case <-stop:
					return
				default:
				}
				p.hold(testEvent(1, 4), 40)
				p.complete(nil)
			}
		})
		require.NoError(t, p.run(src, make(chan struct{}), log.DefaultLogger))
		assert.Equal(t, []uint32{120}, r.buffers)
		assert.Len(t, r.events, 3)
	})

	t.Run("out of band stop", func(t *testing.T) {
		r := &pumpRecorder{}
		p, _ := newTestPump(r, nil, opts)
		fed := make(chan struct{})
		src := newFakeSource(func(stop <-chan struct{}) {
			p.hold(testEvent(1, 4), 30)
			p.complete(nil)
			close(fed)
			<-stop
		})
		stop := make(chan struct{})
		go func() {
			<-fed
			close(stop)
		}()
		require.NoError(t, p.run(src, stop, log.DefaultLogger))
		assert.Equal(t, []uint32{30}, r.buffers, "pending bytes are reported at the end")
		assert.Len(t, r.events, 1)
	})

	t.Run("start failure", func(t *testing.T) {
		r := &pumpRecorder{}
		p, _ := newTestPump(r, nil, opts)
		src := newFakeSource(nil)
		src.startErr = errors.New("open trace")
		assert.ErrorIs(t, p.run(src, make(chan struct{}), log.DefaultLogger), src.startErr)
		assert.Empty(t, r.buffers)
	})
}
