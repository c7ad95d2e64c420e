package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yew011/etwpilot-sub000/internal/event"
	"github.com/yew011/etwpilot-sub000/internal/manager"
	"github.com/yew011/etwpilot-sub000/internal/native/nativetest"
	"github.com/yew011/etwpilot-sub000/internal/provider"
	"github.com/yew011/etwpilot-sub000/internal/session"
)

var kernelProcess = provider.Descriptor{
	GUID: uuid.MustParse("22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716"),
	Name: "Microsoft-Windows-Kernel-Process",
}

type staticLister []*manager.Entry

func (l staticLister) List() []*manager.Entry { return l }

func TestSessionCollectorEmpty(t *testing.T) {
	c := NewSessionCollector(staticLister(nil))
	expected := `
# HELP etwpilot_sessions Number of registered sessions.
# TYPE etwpilot_sessions gauge
etwpilot_sessions 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "etwpilot_sessions"))
}

func TestSessionCollector(t *testing.T) {
	ev := &event.Event{ProviderID: kernelProcess.GUID, EventID: 1, Timestamp: time.Now()}
	f := nativetest.NewFacility(nativetest.Script{
		Buffers: []nativetest.Buffer{
			nativetest.Buf(4096, ev, ev),
			{Size: 512, Events: [][]byte{{0x01}}},
			{Size: 4096, Err: assert.AnError},
		},
	})
	m, err := manager.New(f, provider.NewStaticCatalog(kernelProcess), manager.Options{
		IdleGrace: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	res, err := m.Capture(context.Background(), "proc", session.Parameters{
		Providers:     []string{kernelProcess.Name},
		StopOnSeconds: 30,
	})
	require.NoError(t, err)
	require.Equal(t, session.Stopped, res.Entry.Engine.State())

	c := NewSessionCollector(m)
	expected := `
# HELP etwpilot_session_events_total Total number of decoded events appended to the session sink.
# TYPE etwpilot_session_events_total counter
etwpilot_session_events_total{id="1",label="proc"} 2
# HELP etwpilot_session_bytes_total Total number of buffer bytes consumed by the session.
# TYPE etwpilot_session_bytes_total counter
etwpilot_session_bytes_total{id="1",label="proc"} 4608
# HELP etwpilot_session_buffers_total Total number of native buffers delivered to the session.
# TYPE etwpilot_session_buffers_total counter
etwpilot_session_buffers_total{id="1",label="proc"} 3
# HELP etwpilot_session_buffer_errors_total Total number of buffers whose metadata could not be read.
# TYPE etwpilot_session_buffer_errors_total counter
etwpilot_session_buffer_errors_total{id="1",label="proc"} 1
# HELP etwpilot_session_dropped_events_total Total number of events dropped because they could not be decoded.
# TYPE etwpilot_session_dropped_events_total counter
etwpilot_session_dropped_events_total{id="1",label="proc"} 1
# HELP etwpilot_session_state Lifecycle state of the session; 1 for the current state.
# TYPE etwpilot_session_state gauge
etwpilot_session_state{id="1",label="proc",reason="completed",state="stopped"} 1
# HELP etwpilot_sessions Number of registered sessions.
# TYPE etwpilot_sessions gauge
etwpilot_sessions 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"etwpilot_session_events_total",
		"etwpilot_session_bytes_total",
		"etwpilot_session_buffers_total",
		"etwpilot_session_buffer_errors_total",
		"etwpilot_session_dropped_events_total",
		"etwpilot_session_state",
		"etwpilot_sessions",
	))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	n, err := testutil.GatherAndCount(reg, "etwpilot_session_elapsed_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
